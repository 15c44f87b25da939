package transcribe

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/chaz8081/gostt/internal/models"
)

const layerNormEps = 1e-5

type linear struct {
	w       []float32 // out x in
	b       []float32 // nil when the projection has no bias
	in, out int
}

type layerNorm struct {
	w, b []float32
}

type attention struct {
	q, k, v, o linear
	heads      int
}

type encoderLayer struct {
	attnLN, ffnLN layerNorm
	attn          attention
	fc1, fc2      linear
}

type decoderLayer struct {
	selfLN, crossLN, ffnLN layerNorm
	self, cross            attention
	fc1, fc2               linear
}

type conv1d struct {
	w           []float32 // out x (in*kernel)
	b           []float32
	in, out     int
	kernel      int
	stride, pad int
}

// NativeBackend is a pure Go Whisper transformer over gonum BLAS. It runs on
// the CPU.
type NativeBackend struct {
	dModel int

	conv1, conv2 conv1d
	encPos       []float32
	encPosRows   int
	encLayers    []encoderLayer
	encLN        layerNorm

	tokEmbed   []float32 // vocab x dModel, tied with the output projection
	vocab      int
	decPos     []float32
	decPosRows int
	decLayers  []decoderLayer
	decLN      layerNorm

	// Cross-attention keys and values per decoder layer, valid for the
	// features they were computed from until the next flush.
	crossK, crossV [][]float32
	crossFor       *Features
}

// weightSet looks up tensors and records the first failure, so that a
// network can be assembled without checking every lookup.
type weightSet struct {
	h   *models.Handle
	err error
}

func (ws *weightSet) get(name string, shape ...int) []float32 {
	if ws.err != nil {
		return nil
	}
	t, err := ws.h.Tensor(name)
	if err != nil {
		ws.err = err
		return nil
	}
	want := 1
	for _, d := range shape {
		want *= d
	}
	if len(t.Data) != want {
		ws.err = fmt.Errorf("transcribe: tensor %q has shape %v, want %v", name, t.Shape, shape)
		return nil
	}
	return t.Data
}

func (ws *weightSet) optional(name string, shape ...int) []float32 {
	if _, err := ws.h.Tensor(name); err != nil {
		return nil
	}
	return ws.get(name, shape...)
}

func (ws *weightSet) linear(prefix string, in, out int, bias bool) linear {
	l := linear{w: ws.get(prefix+".weight", out, in), in: in, out: out}
	if bias {
		l.b = ws.get(prefix+".bias", out)
	} else {
		l.b = ws.optional(prefix+".bias", out)
	}
	return l
}

func (ws *weightSet) layerNorm(prefix string, d int) layerNorm {
	return layerNorm{w: ws.get(prefix+".weight", d), b: ws.get(prefix+".bias", d)}
}

func (ws *weightSet) attention(prefix string, d, heads int) attention {
	return attention{
		q:     ws.linear(prefix+".q_proj", d, d, true),
		k:     ws.linear(prefix+".k_proj", d, d, false),
		v:     ws.linear(prefix+".v_proj", d, d, true),
		o:     ws.linear(prefix+".out_proj", d, d, true),
		heads: heads,
	}
}

func (ws *weightSet) conv(prefix string, in, out, kernel, stride int) conv1d {
	return conv1d{
		w:      ws.get(prefix+".weight", out, in, kernel),
		b:      ws.get(prefix+".bias", out),
		in:     in,
		out:    out,
		kernel: kernel,
		stride: stride,
		pad:    kernel / 2,
	}
}

// NewNativeBackend assembles the network from a loaded model's weights.
func NewNativeBackend(h *models.Handle) (*NativeBackend, error) {
	cfg := h.Config
	d := cfg.DModel
	ws := &weightSet{h: h}

	nb := &NativeBackend{
		dModel:     d,
		conv1:      ws.conv("model.encoder.conv1", cfg.NumMelBins, d, 3, 1),
		conv2:      ws.conv("model.encoder.conv2", d, d, 3, 2),
		encPos:     ws.get("model.encoder.embed_positions.weight", cfg.MaxSourcePositions, d),
		encPosRows: cfg.MaxSourcePositions,
		encLN:      ws.layerNorm("model.encoder.layer_norm", d),
		tokEmbed:   ws.get("model.decoder.embed_tokens.weight", cfg.VocabSize, d),
		vocab:      cfg.VocabSize,
		decPos:     ws.get("model.decoder.embed_positions.weight", cfg.MaxTargetPositions, d),
		decPosRows: cfg.MaxTargetPositions,
		decLN:      ws.layerNorm("model.decoder.layer_norm", d),
	}

	// The feed-forward width is taken from the weights rather than config.
	ffn := 4 * d
	if t, err := h.Tensor("model.encoder.layers.0.fc1.weight"); err == nil && t.Dim(0) > 0 {
		ffn = t.Dim(0)
	}

	for i := 0; i < cfg.EncoderLayers; i++ {
		p := fmt.Sprintf("model.encoder.layers.%d", i)
		nb.encLayers = append(nb.encLayers, encoderLayer{
			attnLN: ws.layerNorm(p+".self_attn_layer_norm", d),
			attn:   ws.attention(p+".self_attn", d, cfg.EncoderAttentionHeads),
			ffnLN:  ws.layerNorm(p+".final_layer_norm", d),
			fc1:    ws.linear(p+".fc1", d, ffn, true),
			fc2:    ws.linear(p+".fc2", ffn, d, true),
		})
	}
	for i := 0; i < cfg.DecoderLayers; i++ {
		p := fmt.Sprintf("model.decoder.layers.%d", i)
		nb.decLayers = append(nb.decLayers, decoderLayer{
			selfLN:  ws.layerNorm(p+".self_attn_layer_norm", d),
			self:    ws.attention(p+".self_attn", d, cfg.DecoderAttentionHeads),
			crossLN: ws.layerNorm(p+".encoder_attn_layer_norm", d),
			cross:   ws.attention(p+".encoder_attn", d, cfg.DecoderAttentionHeads),
			ffnLN:   ws.layerNorm(p+".final_layer_norm", d),
			fc1:     ws.linear(p+".fc1", d, ffn, true),
			fc2:     ws.linear(p+".fc2", ffn, d, true),
		})
	}
	if ws.err != nil {
		return nil, fmt.Errorf("transcribe: assembling native backend: %w", ws.err)
	}
	return nb, nil
}

// EncoderForward runs the convolutional stem and encoder blocks.
func (nb *NativeBackend) EncoderForward(mel []float32, nFrames int) (*Features, error) {
	if nFrames <= 0 || len(mel) != nb.conv1.in*nFrames {
		return nil, fmt.Errorf("transcribe: mel has %d values, want %d bins x %d frames", len(mel), nb.conv1.in, nFrames)
	}

	x, t := nb.conv1.forward(mel, nFrames)
	gelu(x)
	x, t = nb.conv2.forward(x, t)
	gelu(x)
	if t > nb.encPosRows {
		return nil, fmt.Errorf("transcribe: %d encoder positions exceed the model's %d", t, nb.encPosRows)
	}

	// Channel-major conv output to position-major hidden states.
	d := nb.dModel
	h := make([]float32, t*d)
	for c := 0; c < d; c++ {
		for i := 0; i < t; i++ {
			h[i*d+c] = x[c*t+i] + nb.encPos[i*d+c]
		}
	}

	for i := range nb.encLayers {
		l := &nb.encLayers[i]
		a := l.attnLN.forward(h, d)
		h = addInPlace(h, l.attn.forward(a, a, t, t, d, false))
		f := l.ffnLN.forward(h, d)
		h = addInPlace(h, l.ffn(f, t))
	}
	return &Features{Data: nb.encLN.forward(h, d), Frames: t, Dim: d}, nil
}

// DecoderForward runs the decoder over tokens and returns the final
// normalized hidden state of the last position.
func (nb *NativeBackend) DecoderForward(tokens []int, features *Features, flush bool) ([]float32, error) {
	n := len(tokens)
	switch {
	case n == 0:
		return nil, errors.New("transcribe: empty token sequence")
	case n > nb.decPosRows:
		return nil, fmt.Errorf("transcribe: %d tokens exceed the model's %d positions", n, nb.decPosRows)
	case features == nil || features.Dim != nb.dModel:
		return nil, errors.New("transcribe: encoder features do not match the decoder")
	}

	d := nb.dModel
	h := make([]float32, n*d)
	for i, tok := range tokens {
		if tok < 0 || tok >= nb.vocab {
			return nil, fmt.Errorf("transcribe: token %d outside vocabulary of %d", tok, nb.vocab)
		}
		copy(h[i*d:(i+1)*d], nb.tokEmbed[tok*d:(tok+1)*d])
		for c := 0; c < d; c++ {
			h[i*d+c] += nb.decPos[i*d+c]
		}
	}

	if flush || nb.crossFor != features {
		nb.crossK = make([][]float32, len(nb.decLayers))
		nb.crossV = make([][]float32, len(nb.decLayers))
		for i := range nb.decLayers {
			l := &nb.decLayers[i]
			nb.crossK[i] = l.cross.k.forward(features.Data, features.Frames)
			nb.crossV[i] = l.cross.v.forward(features.Data, features.Frames)
		}
		nb.crossFor = features
	}

	for i := range nb.decLayers {
		l := &nb.decLayers[i]
		a := l.selfLN.forward(h, d)
		h = addInPlace(h, l.self.forward(a, a, n, n, d, true))

		c := l.crossLN.forward(h, d)
		q := l.cross.q.forward(c, n)
		h = addInPlace(h, l.cross.attend(q, nb.crossK[i], nb.crossV[i], n, features.Frames, d, false))

		f := l.ffnLN.forward(h, d)
		h = addInPlace(h, l.ffn(f, n))
	}

	last := h[(n-1)*d : n*d]
	return nb.decLN.forward(last, d), nil
}

// FinalLinear projects hidden onto the vocabulary through the tied token
// embedding.
func (nb *NativeBackend) FinalLinear(hidden []float32) ([]float32, error) {
	if len(hidden) != nb.dModel {
		return nil, fmt.Errorf("transcribe: hidden state has %d values, want %d", len(hidden), nb.dModel)
	}
	logits := make([]float32, nb.vocab)
	blas32.Gemv(blas.NoTrans, 1,
		blas32.General{Rows: nb.vocab, Cols: nb.dModel, Stride: nb.dModel, Data: nb.tokEmbed},
		blas32.Vector{N: nb.dModel, Inc: 1, Data: hidden},
		0,
		blas32.Vector{N: nb.vocab, Inc: 1, Data: logits})
	return logits, nil
}

func (l *encoderLayer) ffn(x []float32, rows int) []float32 {
	y := l.fc1.forward(x, rows)
	gelu(y)
	return l.fc2.forward(y, rows)
}

func (l *decoderLayer) ffn(x []float32, rows int) []float32 {
	y := l.fc1.forward(x, rows)
	gelu(y)
	return l.fc2.forward(y, rows)
}

// forward computes x W^T + b for rows input vectors.
func (l *linear) forward(x []float32, rows int) []float32 {
	y := make([]float32, rows*l.out)
	if l.b != nil {
		for r := 0; r < rows; r++ {
			copy(y[r*l.out:(r+1)*l.out], l.b)
		}
	}
	beta := float32(0)
	if l.b != nil {
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: rows, Cols: l.in, Stride: l.in, Data: x},
		blas32.General{Rows: l.out, Cols: l.in, Stride: l.in, Data: l.w},
		beta,
		blas32.General{Rows: rows, Cols: l.out, Stride: l.out, Data: y})
	return y
}

// forward projects queries from xq and keys and values from xkv, then
// attends.
func (a *attention) forward(xq, xkv []float32, nq, nkv, d int, causal bool) []float32 {
	q := a.q.forward(xq, nq)
	k := a.k.forward(xkv, nkv)
	v := a.v.forward(xkv, nkv)
	return a.attend(q, k, v, nq, nkv, d, causal)
}

// attend runs scaled dot-product attention per head over projected q, k
// and v, then applies the output projection.
func (a *attention) attend(q, k, v []float32, nq, nkv, d int, causal bool) []float32 {
	hd := d / a.heads
	scale := float32(1 / math.Sqrt(float64(hd)))
	out := make([]float32, nq*d)
	scores := make([]float32, nq*nkv)

	for h := 0; h < a.heads; h++ {
		off := h * hd
		blas32.Gemm(blas.NoTrans, blas.Trans, scale,
			blas32.General{Rows: nq, Cols: hd, Stride: d, Data: q[off:]},
			blas32.General{Rows: nkv, Cols: hd, Stride: d, Data: k[off:]},
			0,
			blas32.General{Rows: nq, Cols: nkv, Stride: nkv, Data: scores})
		for i := 0; i < nq; i++ {
			row := scores[i*nkv : (i+1)*nkv]
			if causal {
				for j := i + 1; j < nkv; j++ {
					row[j] = float32(math.Inf(-1))
				}
			}
			softmaxInPlace(row)
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: nq, Cols: nkv, Stride: nkv, Data: scores},
			blas32.General{Rows: nkv, Cols: hd, Stride: d, Data: v[off:]},
			0,
			blas32.General{Rows: nq, Cols: hd, Stride: d, Data: out[off:]})
	}
	return a.o.forward(out, nq)
}

// forward convolves x, laid out as in channels of t values, and returns the
// output channel-major along with its length.
func (c *conv1d) forward(x []float32, t int) ([]float32, int) {
	tOut := (t+2*c.pad-c.kernel)/c.stride + 1
	ck := c.in * c.kernel
	cols := make([]float32, ck*tOut)
	for ch := 0; ch < c.in; ch++ {
		src := x[ch*t : (ch+1)*t]
		for j := 0; j < c.kernel; j++ {
			dst := cols[(ch*c.kernel+j)*tOut : (ch*c.kernel+j+1)*tOut]
			for o := range dst {
				if p := o*c.stride + j - c.pad; p >= 0 && p < t {
					dst[o] = src[p]
				}
			}
		}
	}

	y := make([]float32, c.out*tOut)
	for oc := 0; oc < c.out; oc++ {
		row := y[oc*tOut : (oc+1)*tOut]
		for i := range row {
			row[i] = c.b[oc]
		}
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: c.out, Cols: ck, Stride: ck, Data: c.w},
		blas32.General{Rows: ck, Cols: tOut, Stride: tOut, Data: cols},
		1,
		blas32.General{Rows: c.out, Cols: tOut, Stride: tOut, Data: y})
	return y, tOut
}

// forward normalizes each d-wide row of x into a new slice.
func (ln *layerNorm) forward(x []float32, d int) []float32 {
	y := make([]float32, len(x))
	for r := 0; r+d <= len(x); r += d {
		row := x[r : r+d]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(d)
		var variance float64
		for _, v := range row {
			dv := float64(v) - mean
			variance += dv * dv
		}
		variance /= float64(d)
		inv := 1 / math.Sqrt(variance+layerNormEps)
		for i, v := range row {
			y[r+i] = float32((float64(v)-mean)*inv)*ln.w[i] + ln.b[i]
		}
	}
	return y
}

func gelu(x []float32) {
	for i, v := range x {
		x[i] = float32(0.5 * float64(v) * (1 + math.Erf(float64(v)/math.Sqrt2)))
	}
}

func addInPlace(dst, src []float32) []float32 {
	for i := range dst {
		dst[i] += src[i]
	}
	return dst
}

// softmaxInPlace normalizes row into probabilities. Entries of -Inf get
// probability zero.
func softmaxInPlace(row []float32) {
	maxV := float32(math.Inf(-1))
	for _, v := range row {
		if v > maxV {
			maxV = v
		}
	}
	if math.IsInf(float64(maxV), -1) {
		for i := range row {
			row[i] = 0
		}
		return
	}
	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v - maxV))
		row[i] = float32(e)
		sum += e
	}
	for i := range row {
		row[i] = float32(float64(row[i]) / sum)
	}
}

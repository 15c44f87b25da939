package transcribe

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/chaz8081/gostt/internal/models"
)

// tinyHandle builds a randomly initialized two-head Whisper with one
// encoder and one decoder layer.
func tinyHandle() *models.Handle {
	const (
		d     = 4
		ffn   = 8
		mels  = 80
		vocab = 10
	)
	cfg := models.WhisperConfig{
		VocabSize:             vocab,
		NumMelBins:            mels,
		DModel:                d,
		EncoderLayers:         1,
		EncoderAttentionHeads: 2,
		DecoderLayers:         1,
		DecoderAttentionHeads: 2,
		MaxSourcePositions:    1500,
		MaxTargetPositions:    448,
	}

	tensors := make(map[string]*models.Tensor)
	seed := 0.0
	add := func(name string, shape ...int) {
		t := models.NewTensor(shape...)
		for i := range t.Data {
			t.Data[i] = float32(0.1 * math.Sin(seed+float64(i)*0.37))
		}
		seed += 1.3
		tensors[name] = t
	}
	ones := func(name string, n int) {
		t := models.NewTensor(n)
		for i := range t.Data {
			t.Data[i] = 1
		}
		tensors[name] = t
	}
	norm := func(prefix string) {
		ones(prefix+".weight", d)
		add(prefix+".bias", d)
	}
	attn := func(prefix string) {
		for _, p := range []string{"q_proj", "v_proj", "out_proj"} {
			add(prefix+"."+p+".weight", d, d)
			add(prefix+"."+p+".bias", d)
		}
		add(prefix+".k_proj.weight", d, d)
	}

	add("model.encoder.conv1.weight", d, mels, 3)
	add("model.encoder.conv1.bias", d)
	add("model.encoder.conv2.weight", d, d, 3)
	add("model.encoder.conv2.bias", d)
	add("model.encoder.embed_positions.weight", 1500, d)
	norm("model.encoder.layer_norm")
	enc := "model.encoder.layers.0"
	norm(enc + ".self_attn_layer_norm")
	attn(enc + ".self_attn")
	norm(enc + ".final_layer_norm")
	add(enc+".fc1.weight", ffn, d)
	add(enc+".fc1.bias", ffn)
	add(enc+".fc2.weight", d, ffn)
	add(enc+".fc2.bias", d)

	add("model.decoder.embed_tokens.weight", vocab, d)
	add("model.decoder.embed_positions.weight", 448, d)
	norm("model.decoder.layer_norm")
	dec := "model.decoder.layers.0"
	norm(dec + ".self_attn_layer_norm")
	attn(dec + ".self_attn")
	norm(dec + ".encoder_attn_layer_norm")
	attn(dec + ".encoder_attn")
	norm(dec + ".final_layer_norm")
	add(dec+".fc1.weight", ffn, d)
	add(dec+".fc1.bias", ffn)
	add(dec+".fc2.weight", d, ffn)
	add(dec+".fc2.bias", d)

	return &models.Handle{ID: "tiny.en", Name: "tiny.en", Config: cfg, Tensors: tensors}
}

func TestNativeBackendForward(t *testing.T) {
	nb, err := NewNativeBackend(tinyHandle())
	if err != nil {
		t.Fatalf("NewNativeBackend() error = %v", err)
	}

	mel := make([]float32, 80*3000)
	for i := range mel {
		mel[i] = float32(math.Cos(float64(i) * 0.01))
	}
	feats, err := nb.EncoderForward(mel, 3000)
	if err != nil {
		t.Fatalf("EncoderForward() error = %v", err)
	}
	if feats.Frames != 1500 || feats.Dim != 4 || len(feats.Data) != 1500*4 {
		t.Fatalf("features = %d frames x %d dim (%d values), want 1500 x 4", feats.Frames, feats.Dim, len(feats.Data))
	}
	for i, v := range feats.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("features[%d] = %f", i, v)
		}
	}

	hidden, err := nb.DecoderForward([]int{1, 2, 3}, feats, true)
	if err != nil {
		t.Fatalf("DecoderForward() error = %v", err)
	}
	if len(hidden) != 4 {
		t.Fatalf("len(hidden) = %d, want 4", len(hidden))
	}
	again, err := nb.DecoderForward([]int{1, 2, 3}, feats, false)
	if err != nil {
		t.Fatalf("DecoderForward(cached) error = %v", err)
	}
	for i := range hidden {
		if hidden[i] != again[i] {
			t.Fatalf("cached cross-attention changed the result: %v vs %v", hidden, again)
		}
	}

	logits, err := nb.FinalLinear(hidden)
	if err != nil {
		t.Fatalf("FinalLinear() error = %v", err)
	}
	if len(logits) != 10 {
		t.Errorf("len(logits) = %d, want 10", len(logits))
	}
}

func TestNativeBackendPrefixStable(t *testing.T) {
	nb, err := NewNativeBackend(tinyHandle())
	if err != nil {
		t.Fatal(err)
	}
	feats := &Features{Data: make([]float32, 10*4), Frames: 10, Dim: 4}
	for i := range feats.Data {
		feats.Data[i] = float32(i%7) * 0.1
	}

	// Decoding a longer sequence must not disturb the state computed for
	// its prefix.
	a, err := nb.DecoderForward([]int{4, 5}, feats, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := nb.DecoderForward([]int{4, 5, 6, 7}, feats, false); err != nil {
		t.Fatal(err)
	}
	b, err := nb.DecoderForward([]int{4, 5}, feats, false)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("prefix state changed: %v vs %v", a, b)
		}
	}
}

func TestNativeBackendInputErrors(t *testing.T) {
	nb, err := NewNativeBackend(tinyHandle())
	if err != nil {
		t.Fatal(err)
	}
	feats := &Features{Data: make([]float32, 4), Frames: 1, Dim: 4}

	if _, err := nb.EncoderForward(make([]float32, 10), 3000); err == nil {
		t.Error("EncoderForward() with the wrong mel size should fail")
	}
	if _, err := nb.DecoderForward(nil, feats, true); err == nil {
		t.Error("DecoderForward(no tokens) should fail")
	}
	if _, err := nb.DecoderForward([]int{42}, feats, true); err == nil {
		t.Error("DecoderForward(out of vocabulary) should fail")
	}
	if _, err := nb.DecoderForward(make([]int, 449), feats, true); err == nil {
		t.Error("DecoderForward(too many tokens) should fail")
	}
	if _, err := nb.DecoderForward([]int{1}, &Features{Dim: 3}, true); err == nil {
		t.Error("DecoderForward(mismatched features) should fail")
	}
	if _, err := nb.FinalLinear(make([]float32, 3)); err == nil {
		t.Error("FinalLinear(wrong width) should fail")
	}
}

func TestNewNativeBackendMissingTensor(t *testing.T) {
	h := tinyHandle()
	delete(h.Tensors, "model.decoder.layers.0.encoder_attn.q_proj.weight")
	_, err := NewNativeBackend(h)
	if err == nil || !strings.Contains(err.Error(), "encoder_attn.q_proj.weight") {
		t.Errorf("NewNativeBackend() error = %v, want missing tensor named", err)
	}
}

func TestNewNativeBackendWrongShape(t *testing.T) {
	h := tinyHandle()
	h.Tensors["model.encoder.conv1.bias"] = models.NewTensor(5)
	if _, err := NewNativeBackend(h); err == nil {
		t.Error("NewNativeBackend() should reject a mis-shaped tensor")
	}
}

func TestLinearForward(t *testing.T) {
	l := linear{
		w:   []float32{1, 2, 3, 4, 5, 6}, // 2 x 3
		b:   []float32{10, 20},
		in:  3,
		out: 2,
	}
	got := l.forward([]float32{1, 0, -1, 2, 2, 2}, 2)
	want := []float32{1 - 3 + 10, 4 - 6 + 20, 12 + 10, 30 + 20}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("linear.forward = %v, want %v", got, want)
		}
	}

	l.b = nil
	got = l.forward([]float32{1, 1, 1}, 1)
	if got[0] != 6 || got[1] != 15 {
		t.Errorf("linear.forward(no bias) = %v, want [6 15]", got)
	}
}

func TestConv1dForward(t *testing.T) {
	// One input channel, one output channel, kernel [1 1 1], stride 2.
	c := conv1d{w: []float32{1, 1, 1}, b: []float32{0.5}, in: 1, out: 1, kernel: 3, stride: 2, pad: 1}
	got, n := c.forward([]float32{1, 2, 3, 4}, 4)
	if n != 2 {
		t.Fatalf("output length = %d, want 2", n)
	}
	// Windows centered on 0 and 2 with zero padding.
	want := []float32{0 + 1 + 2 + 0.5, 2 + 3 + 4 + 0.5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("conv1d.forward = %v, want %v", got, want)
		}
	}
}

func TestLayerNormForward(t *testing.T) {
	ln := layerNorm{w: []float32{1, 1}, b: []float32{0, 1}}
	got := ln.forward([]float32{1, 3, 5, 5}, 2)
	if math.Abs(float64(got[0]+1)) > 1e-3 || math.Abs(float64(got[1]-2)) > 1e-3 {
		t.Errorf("row 0 = %v, want about [-1 2]", got[:2])
	}
	if got[2] != 0 || got[3] != 1 {
		t.Errorf("constant row = %v, want [0 1]", got[2:])
	}
}

func TestSoftmaxInPlace(t *testing.T) {
	row := []float32{0, float32(math.Inf(-1)), 0}
	softmaxInPlace(row)
	if row[0] != 0.5 || row[1] != 0 || row[2] != 0.5 {
		t.Errorf("softmax = %v, want [0.5 0 0.5]", row)
	}

	masked := []float32{float32(math.Inf(-1)), float32(math.Inf(-1))}
	softmaxInPlace(masked)
	if masked[0] != 0 || masked[1] != 0 {
		t.Errorf("softmax(all masked) = %v, want zeros", masked)
	}
}

func TestGELU(t *testing.T) {
	x := []float32{0, 1, -1, 3}
	gelu(x)
	want := []float64{0, 0.8413, -0.1587, 2.9960}
	for i, w := range want {
		if math.Abs(float64(x[i])-w) > 1e-3 {
			t.Errorf("gelu[%d] = %f, want %f", i, x[i], w)
		}
	}
}

func TestNewNativeTranscriberWithoutTokenizer(t *testing.T) {
	_, err := NewNativeTranscriber(tinyHandle(), "en", "", nil)
	if err == nil {
		t.Fatal("NewNativeTranscriber() without a tokenizer should fail")
	}
	if !strings.Contains(fmt.Sprint(err), "model load failed") {
		t.Errorf("error = %v, want wrapped ErrModelLoad", err)
	}
}

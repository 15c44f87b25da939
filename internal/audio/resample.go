package audio

import (
	"errors"
	"fmt"
	"math"
)

const (
	// ResampleBlockSize is the fixed number of input samples per Process call.
	ResampleBlockSize = 1024

	// sincZeroCrossings is the kernel half-width in zero crossings of the
	// low-pass filter.
	sincZeroCrossings = 16
)

var errBlockSize = errors.New("audio: resampler block has wrong size")

// SincResampler converts a mono stream between sample rates with a
// Blackman-windowed sinc kernel. Input arrives in fixed-size blocks; output
// is emitted as soon as the kernel's look-ahead is available.
type SincResampler struct {
	blockSize int
	step      float64 // input samples per output sample
	cutoff    float64 // normalised low-pass cutoff, <= 1
	half      int     // kernel half-width in input samples

	buf      []float32 // input samples starting at index base
	base     int
	received int
	next     int // index of the next output sample
}

// NewSincResampler creates a resampler from srcRate to dstRate that accepts
// blocks of exactly blockSize samples.
func NewSincResampler(srcRate, dstRate uint32, blockSize int) (*SincResampler, error) {
	if srcRate == 0 || dstRate == 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", srcRate, dstRate)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("audio: invalid resampler block size %d", blockSize)
	}
	cutoff := math.Min(1, float64(dstRate)/float64(srcRate))
	return &SincResampler{
		blockSize: blockSize,
		step:      float64(srcRate) / float64(dstRate),
		cutoff:    cutoff,
		half:      int(math.Ceil(sincZeroCrossings / cutoff)),
	}, nil
}

// Process consumes one block of input and returns the output samples that
// became computable.
func (r *SincResampler) Process(block []float32) ([]float32, error) {
	if len(block) != r.blockSize {
		return nil, fmt.Errorf("%w: got %d, want %d", errBlockSize, len(block), r.blockSize)
	}
	r.buf = append(r.buf, block...)
	r.received += len(block)
	return r.emit(false), nil
}

// Flush returns the remaining output, treating everything past the last
// block as silence.
func (r *SincResampler) Flush() []float32 {
	return r.emit(true)
}

func (r *SincResampler) emit(final bool) []float32 {
	var out []float32
	for {
		t := float64(r.next) * r.step
		center := int(t)
		if final {
			if center >= r.received {
				break
			}
		} else if center+r.half >= r.received {
			break
		}
		out = append(out, r.interpolate(t, center))
		r.next++
	}

	// Drop input no longer reachable by the kernel.
	need := int(float64(r.next)*r.step) - r.half + 1
	if drop := need - r.base; drop > 0 {
		drop = min(drop, len(r.buf))
		r.buf = r.buf[drop:]
		r.base += drop
	}
	return out
}

func (r *SincResampler) interpolate(t float64, center int) float32 {
	var acc float64
	for k := center - r.half + 1; k <= center+r.half; k++ {
		idx := k - r.base
		if k < 0 || idx < 0 || idx >= len(r.buf) {
			continue
		}
		d := t - float64(k)
		acc += float64(r.buf[idx]) * r.kernel(d)
	}
	return float32(acc)
}

func (r *SincResampler) kernel(d float64) float64 {
	h := float64(r.half)
	if d <= -h || d >= h {
		return 0
	}
	x := r.cutoff * d
	sinc := 1.0
	if x != 0 {
		sinc = math.Sin(math.Pi*x) / (math.Pi * x)
	}
	w := 0.42 + 0.5*math.Cos(math.Pi*d/h) + 0.08*math.Cos(2*math.Pi*d/h)
	return r.cutoff * sinc * w
}

// ResampleSinc resamples a whole mono signal. The final partial block is
// zero-padded and the output is trimmed to floor(len*dst/src) samples.
func ResampleSinc(samples []float32, srcRate, dstRate uint32) ([]float32, error) {
	r, err := NewSincResampler(srcRate, dstRate, ResampleBlockSize)
	if err != nil {
		return nil, err
	}
	want := outputLen(len(samples), srcRate, dstRate)
	out := make([]float32, 0, want+ResampleBlockSize)

	block := make([]float32, ResampleBlockSize)
	for off := 0; off < len(samples); off += ResampleBlockSize {
		n := copy(block, samples[off:])
		clear(block[n:])
		y, err := r.Process(block)
		if err != nil {
			return nil, err
		}
		out = append(out, y...)
	}
	out = append(out, r.Flush()...)

	if len(out) > want {
		out = out[:want]
	}
	return out, nil
}

package audio

import (
	"errors"
	"math"
	"testing"
)

func TestDownmix(t *testing.T) {
	tests := []struct {
		name     string
		in       []float32
		channels int
		want     []float32
	}{
		{"stereo pair cancels", []float32{1.0, -1.0}, 2, []float32{0.0}},
		{"stereo odd tail kept", []float32{0.5, 0.25, 0.75}, 2, []float32{0.375, 0.75}},
		{"mono passthrough", []float32{0.1, 0.2}, 1, []float32{0.1, 0.2}},
		{"four channels", []float32{1, 1, 1, 1, 0, 0, 0, 0}, 4, []float32{1, 0}},
		{"empty", nil, 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Downmix(tt.in, tt.channels)
			if len(got) != len(tt.want) {
				t.Fatalf("Downmix() len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if math.Abs(float64(got[i]-tt.want[i])) > 1e-6 {
					t.Errorf("Downmix()[%d] = %f, want %f", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResampleSincLength(t *testing.T) {
	rates := []uint32{8000, 11025, 16000, 22050, 44100, 48000, 96000}
	lengths := []int{1, 100, 1023, 1024, 1025, 4800, 44100, 48000 + 17}

	for _, src := range rates {
		for _, dst := range rates {
			if !needsResample(src, dst) {
				continue
			}
			for _, n := range lengths {
				in := make([]float32, n)
				out, err := ResampleSinc(in, src, dst)
				if err != nil {
					t.Fatalf("ResampleSinc(%d, %d->%d) error = %v", n, src, dst, err)
				}
				want := int(int64(n) * int64(dst) / int64(src))
				if diff := len(out) - want; diff < -1 || diff > 1 {
					t.Errorf("ResampleSinc(%d, %d->%d) len = %d, want %d±1", n, src, dst, len(out), want)
				}
			}
		}
	}
}

func TestResampleLinearLength(t *testing.T) {
	in := make([]float32, 44100)
	out := ResampleLinear(in, 44100, 16000)
	if len(out) != 16000 {
		t.Errorf("ResampleLinear() len = %d, want 16000", len(out))
	}
}

func TestResampleLinearInterpolates(t *testing.T) {
	// Upsampling a ramp by 2 puts midpoints between neighbours.
	out := ResampleLinear([]float32{0, 1, 2, 3}, 8000, 16000)
	want := []float32{0, 0.5, 1, 1.5, 2, 2.5, 3, 3}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-6 {
			t.Errorf("out[%d] = %f, want %f", i, out[i], want[i])
		}
	}
}

func TestResampleSincPreservesTone(t *testing.T) {
	tests := []struct {
		src, dst uint32
	}{
		{48000, 16000},
		{44100, 16000},
		{8000, 16000},
	}
	const freq = 440.0
	for _, tt := range tests {
		n := int(tt.src) // one second
		in := make([]float32, n)
		for i := range in {
			in[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(tt.src)))
		}
		out, err := ResampleSinc(in, tt.src, tt.dst)
		if err != nil {
			t.Fatalf("ResampleSinc(%d->%d) error = %v", tt.src, tt.dst, err)
		}

		// Skip the kernel's warm-up at both ends.
		margin := 200
		var maxErr float64
		for i := margin; i < len(out)-margin; i++ {
			want := 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(tt.dst))
			maxErr = math.Max(maxErr, math.Abs(float64(out[i])-want))
		}
		if maxErr > 0.02 {
			t.Errorf("ResampleSinc(%d->%d) max error = %f, want <= 0.02", tt.src, tt.dst, maxErr)
		}
	}
}

func TestSincResamplerRejectsWrongBlock(t *testing.T) {
	r, err := NewSincResampler(48000, 16000, 1024)
	if err != nil {
		t.Fatalf("NewSincResampler() error = %v", err)
	}
	if _, err := r.Process(make([]float32, 10)); !errors.Is(err, errBlockSize) {
		t.Errorf("Process(short block) error = %v, want errBlockSize", err)
	}
}

func TestNewSincResamplerInvalid(t *testing.T) {
	if _, err := NewSincResampler(0, 16000, 1024); err == nil {
		t.Error("NewSincResampler with zero source rate should fail")
	}
	if _, err := NewSincResampler(48000, 16000, 0); err == nil {
		t.Error("NewSincResampler with zero block size should fail")
	}
}

func TestToMono(t *testing.T) {
	t.Run("within tolerance passes through", func(t *testing.T) {
		in := []float32{0.1, 0.2, 0.3}
		out := ToMono(in, 1, 16500, 16000, nil)
		if len(out) != 3 {
			t.Errorf("len = %d, want 3 (no resample within 1 kHz)", len(out))
		}
	})

	t.Run("stereo 48k to mono 16k", func(t *testing.T) {
		in := make([]float32, 48000*2)
		out := ToMono(in, 2, 48000, 16000, nil)
		if diff := len(out) - 16000; diff < -1 || diff > 1 {
			t.Errorf("len = %d, want 16000±1", len(out))
		}
	})

	t.Run("empty", func(t *testing.T) {
		if out := ToMono(nil, 2, 48000, 16000, nil); len(out) != 0 {
			t.Errorf("len = %d, want 0", len(out))
		}
	})

	t.Run("resampler failure falls back to linear", func(t *testing.T) {
		in := make([]float32, 100)
		out := ToMono(in, 1, 48000, 0, nil)
		if len(out) != 100 {
			t.Errorf("len = %d, want input returned unchanged", len(out))
		}
	})
}

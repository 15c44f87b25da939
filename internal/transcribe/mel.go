package transcribe

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Whisper front-end parameters.
const (
	SampleRate = 16000
	nFFT       = 400
	hopLength  = 160
	nFreqs     = nFFT/2 + 1
)

// MelExtractor computes Whisper log-mel spectrograms. The window and filter
// bank are precomputed; Compute is not safe for concurrent use.
type MelExtractor struct {
	nMels   int
	window  []float64
	filters [][]float64 // nMels x nFreqs
	fft     *fourier.FFT
	frame   []float64
	coeffs  []complex128
}

// NewMelExtractor builds an extractor for 80 or 128 mel bins.
func NewMelExtractor(nMels int) (*MelExtractor, error) {
	if nMels != 80 && nMels != 128 {
		return nil, fmt.Errorf("transcribe: unsupported mel bin count %d", nMels)
	}
	return &MelExtractor{
		nMels:   nMels,
		window:  hannWindow(nFFT),
		filters: melFilterBank(nMels, SampleRate, nFFT),
		fft:     fourier.NewFFT(nFFT),
		frame:   make([]float64, nFFT),
		coeffs:  make([]complex128, nFreqs),
	}, nil
}

// Bins returns the number of mel bins per frame.
func (m *MelExtractor) Bins() int { return m.nMels }

// Compute returns the log-mel spectrogram of samples as nMels rows of
// frames values, row-major, and the frame count.
func (m *MelExtractor) Compute(samples []float32) ([]float32, int) {
	padded := reflectPad(samples, nFFT/2)
	frames := 0
	if len(padded) >= nFFT {
		frames = 1 + (len(padded)-nFFT)/hopLength
	}
	// The last STFT frame is dropped, as in the reference front end.
	if frames > 0 {
		frames--
	}
	if frames == 0 {
		return nil, 0
	}

	power := make([]float64, frames*nFreqs)
	for t := 0; t < frames; t++ {
		start := t * hopLength
		for i := range m.frame {
			m.frame[i] = padded[start+i] * m.window[i]
		}
		m.fft.Coefficients(m.coeffs, m.frame)
		row := power[t*nFreqs : (t+1)*nFreqs]
		for k, c := range m.coeffs {
			re, im := real(c), imag(c)
			row[k] = re*re + im*im
		}
	}

	out := make([]float64, m.nMels*frames)
	maxVal := math.Inf(-1)
	for b, filt := range m.filters {
		for t := 0; t < frames; t++ {
			row := power[t*nFreqs : (t+1)*nFreqs]
			var sum float64
			for k, w := range filt {
				if w != 0 {
					sum += w * row[k]
				}
			}
			v := math.Log10(math.Max(sum, 1e-10))
			out[b*frames+t] = v
			if v > maxVal {
				maxVal = v
			}
		}
	}

	mel := make([]float32, len(out))
	floor := maxVal - 8
	for i, v := range out {
		mel[i] = float32((math.Max(v, floor) + 4) / 4)
	}
	return mel, frames
}

// padOrTrim returns exactly n samples, zero-padding or truncating.
func padOrTrim(samples []float32, n int) []float32 {
	out := make([]float32, n)
	copy(out, samples)
	return out
}

func reflectPad(samples []float32, pad int) []float64 {
	n := len(samples)
	out := make([]float64, n+2*pad)
	for i, s := range samples {
		out[pad+i] = float64(s)
	}
	if n < 2 {
		return out
	}
	for i := 1; i <= pad; i++ {
		out[pad-i] = float64(samples[reflectIndex(i, n)])
		out[pad+n-1+i] = float64(samples[reflectIndex(n-1+i, n)])
	}
	return out
}

// reflectIndex mirrors i into [0, n) without repeating the edge sample.
func reflectIndex(i, n int) int {
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// hannWindow returns a periodic Hann window.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// melFilterBank builds Slaney-normalized triangular filters on the Slaney
// mel scale between 0 Hz and Nyquist.
func melFilterBank(nMels, sampleRate, nfft int) [][]float64 {
	freqs := make([]float64, nfft/2+1)
	for k := range freqs {
		freqs[k] = float64(k) * float64(sampleRate) / float64(nfft)
	}

	minMel := hzToMel(0)
	maxMel := hzToMel(float64(sampleRate) / 2)
	points := make([]float64, nMels+2)
	for i := range points {
		points[i] = melToHz(minMel + (maxMel-minMel)*float64(i)/float64(nMels+1))
	}

	filters := make([][]float64, nMels)
	for m := range filters {
		lo, center, hi := points[m], points[m+1], points[m+2]
		norm := 2 / (hi - lo)
		row := make([]float64, len(freqs))
		for k, f := range freqs {
			lower := (f - lo) / (center - lo)
			upper := (hi - f) / (hi - center)
			row[k] = math.Max(0, math.Min(lower, upper)) * norm
		}
		filters[m] = row
	}
	return filters
}

const (
	melLinearStep = 200.0 / 3
	melLogMinHz   = 1000.0
	melLogMin     = melLogMinHz / melLinearStep
)

var melLogStep = math.Log(6.4) / 27

func hzToMel(hz float64) float64 {
	if hz < melLogMinHz {
		return hz / melLinearStep
	}
	return melLogMin + math.Log(hz/melLogMinHz)/melLogStep
}

func melToHz(mel float64) float64 {
	if mel < melLogMin {
		return mel * melLinearStep
	}
	return melLogMinHz * math.Exp(melLogStep*(mel-melLogMin))
}

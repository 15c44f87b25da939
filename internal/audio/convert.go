package audio

import (
	"log/slog"
)

// ResampleTolerance is the largest rate difference, in Hz, that is accepted
// without resampling.
const ResampleTolerance = 1000

// Downmix averages interleaved frames of the given channel count into mono.
// A trailing partial frame is averaged over the samples it has, so the last
// unpaired sample of an odd-length stereo buffer is kept unchanged.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 || len(samples) == 0 {
		return samples
	}
	out := make([]float32, 0, (len(samples)+channels-1)/channels)
	for i := 0; i < len(samples); i += channels {
		end := min(i+channels, len(samples))
		var sum float32
		for _, s := range samples[i:end] {
			sum += s
		}
		out = append(out, sum/float32(end-i))
	}
	return out
}

// ResampleLinear resamples mono audio using linear interpolation between
// neighbouring samples. The output has floor(len*dst/src) samples.
func ResampleLinear(samples []float32, srcRate, dstRate uint32) []float32 {
	if srcRate == 0 || dstRate == 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := outputLen(len(samples), srcRate, dstRate)
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range n {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// ToMono converts captured interleaved audio to mono at dstRate. Rates
// within ResampleTolerance of each other are passed through. Windowed sinc
// resampling is preferred; if it fails, linear interpolation is used so a
// capture never fails because of resampling.
func ToMono(samples []float32, channels int, srcRate, dstRate uint32, log *slog.Logger) []float32 {
	mono := Downmix(samples, channels)
	if len(mono) == 0 || !needsResample(srcRate, dstRate) {
		return mono
	}

	out, err := ResampleSinc(mono, srcRate, dstRate)
	if err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.Warn("sinc resampler failed, falling back to linear interpolation",
			"from", srcRate, "to", dstRate, "error", err)
		return ResampleLinear(mono, srcRate, dstRate)
	}
	return out
}

func needsResample(srcRate, dstRate uint32) bool {
	diff := int64(srcRate) - int64(dstRate)
	if diff < 0 {
		diff = -diff
	}
	return diff > ResampleTolerance
}

func outputLen(n int, srcRate, dstRate uint32) int {
	return int(int64(n) * int64(dstRate) / int64(srcRate))
}

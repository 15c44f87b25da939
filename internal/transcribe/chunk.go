package transcribe

// Long-audio windowing, in samples at SampleRate.
const (
	ChunkSamples   = 30 * SampleRate
	OverlapSamples = 5 * SampleRate
	StrideSamples  = ChunkSamples - OverlapSamples
)

type chunkSpan struct {
	start, end int
}

// planChunks splits n samples into overlapping windows. Audio that fits one
// window is a single span. Once the next full window would run past the end,
// the remainder is kept only if it is longer than the overlap.
func planChunks(n int) []chunkSpan {
	if n <= 0 {
		return nil
	}
	if n <= ChunkSamples {
		return []chunkSpan{{0, n}}
	}

	var spans []chunkSpan
	for offset := 0; offset < n; {
		spans = append(spans, chunkSpan{offset, min(offset+ChunkSamples, n)})
		offset += StrideSamples
		if offset+ChunkSamples > n && offset < n {
			if n-offset > OverlapSamples {
				spans = append(spans, chunkSpan{offset, n})
			}
			break
		}
	}
	return spans
}

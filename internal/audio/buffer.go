package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

// Buffer accumulates captured samples. The stream callback is the only
// writer; Drain is called once after the stream is torn down.
type Buffer struct {
	mu  sync.Mutex
	buf []float32
}

// Append adds samples to the buffer.
func (b *Buffer) Append(samples []float32) {
	b.mu.Lock()
	b.buf = append(b.buf, samples...)
	b.mu.Unlock()
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Drain returns the buffered samples and empties the buffer.
func (b *Buffer) Drain() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf
	b.buf = nil
	return out
}

// bytesToFloat32 converts raw bytes (little-endian float32) to a float32 slice.
func bytesToFloat32(data []byte, sampleCount uint32) []float32 {
	samples := make([]float32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(data)) {
			break
		}
		bits := binary.LittleEndian.Uint32(data[offset : offset+4])
		samples = append(samples, math.Float32frombits(bits))
	}
	return samples
}

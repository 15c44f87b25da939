package models

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{Shape: shape, Data: make([]float32, numElements(shape))}
}

// Dim returns the size of dimension i, or 0 if out of range.
func (t *Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

// Matrix views the tensor as rows x cols, collapsing leading dimensions.
func (t *Tensor) Matrix() (rows, cols int) {
	if len(t.Shape) == 0 {
		return 1, 1
	}
	cols = t.Shape[len(t.Shape)-1]
	rows = 1
	for _, d := range t.Shape[:len(t.Shape)-1] {
		rows *= d
	}
	return rows, cols
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// float16ToFloat32 converts IEEE 754 half-precision bits to float32.
func float16ToFloat32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

func bfloat16ToFloat32(bits uint16) float32 {
	return math.Float32frombits(uint32(bits) << 16)
}

func decodeF32(raw []byte, n int) ([]float32, error) {
	if len(raw) < n*4 {
		return nil, fmt.Errorf("short f32 data: %d bytes for %d elements", len(raw), n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

func decodeF16(raw []byte, n int) ([]float32, error) {
	if len(raw) < n*2 {
		return nil, fmt.Errorf("short f16 data: %d bytes for %d elements", len(raw), n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out, nil
}

func decodeBF16(raw []byte, n int) ([]float32, error) {
	if len(raw) < n*2 {
		return nil, fmt.Errorf("short bf16 data: %d bytes for %d elements", len(raw), n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out, nil
}

package models

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

const maxSafetensorsHeader = 100 << 20

type safetensorsEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// LoadSafetensors reads every tensor of a safetensors file as float32.
// F32, F16 and BF16 tensors are supported.
func LoadSafetensors(path string) (map[string]*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var headerLen uint64
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("reading safetensors header length: %w", err)
	}
	if headerLen == 0 || headerLen > maxSafetensorsHeader {
		return nil, fmt.Errorf("invalid safetensors header length %d", headerLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("reading safetensors header: %w", err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(header, &entries); err != nil {
		return nil, fmt.Errorf("parsing safetensors header: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	base := int64(8 + headerLen)
	dataLen := st.Size() - base
	out := make(map[string]*Tensor, len(entries))
	for name, raw := range entries {
		if name == "__metadata__" {
			continue
		}
		var e safetensorsEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("tensor %q: parsing entry: %w", name, err)
		}
		size := e.DataOffsets[1] - e.DataOffsets[0]
		if e.DataOffsets[0] < 0 || size < 0 || e.DataOffsets[1] > dataLen {
			return nil, fmt.Errorf("tensor %q: invalid data offsets %v", name, e.DataOffsets)
		}
		n, err := shapeElements(e.Shape)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		buf := make([]byte, size)
		if _, err := f.ReadAt(buf, base+e.DataOffsets[0]); err != nil {
			return nil, fmt.Errorf("tensor %q: reading data: %w", name, err)
		}

		var data []float32
		switch e.DType {
		case "F32":
			data, err = decodeF32(buf, n)
		case "F16":
			data, err = decodeF16(buf, n)
		case "BF16":
			data, err = decodeBF16(buf, n)
		default:
			return nil, fmt.Errorf("tensor %q: unsupported dtype %s", name, e.DType)
		}
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		out[name] = &Tensor{Shape: e.Shape, Data: data}
	}
	return out, nil
}

func shapeElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 || d > math.MaxInt32 || n > math.MaxInt32/d {
			return 0, fmt.Errorf("invalid shape %v", shape)
		}
		n *= d
	}
	return n, nil
}

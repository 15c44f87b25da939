package models

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// GGUFMagic is the header every quantized weight file starts with.
const GGUFMagic = "GGUF"

const ggufDefaultAlignment = 32

// ggufMaxDims is the largest tensor rank ggml writes.
const ggufMaxDims = 4

// ggml tensor types supported by the loader.
const (
	ggmlTypeF32  = 0
	ggmlTypeF16  = 1
	ggmlTypeQ4_0 = 2
	ggmlTypeQ4_1 = 3
	ggmlTypeQ5_0 = 6
	ggmlTypeQ5_1 = 7
	ggmlTypeQ8_0 = 8
)

// GGUF metadata value types.
const (
	ggufUint8 uint32 = iota
	ggufInt8
	ggufUint16
	ggufInt16
	ggufUint32
	ggufInt32
	ggufFloat32
	ggufBool
	ggufString
	ggufArray
	ggufUint64
	ggufInt64
	ggufFloat64
)

var errNotGGUF = errors.New("missing GGUF magic header")

// blockLayout returns elements per block and bytes per block.
func blockLayout(typ uint32) (elems, size int, ok bool) {
	switch typ {
	case ggmlTypeF32:
		return 1, 4, true
	case ggmlTypeF16:
		return 1, 2, true
	case ggmlTypeQ4_0:
		return 32, 18, true
	case ggmlTypeQ4_1:
		return 32, 20, true
	case ggmlTypeQ5_0:
		return 32, 22, true
	case ggmlTypeQ5_1:
		return 32, 24, true
	case ggmlTypeQ8_0:
		return 32, 34, true
	}
	return 0, 0, false
}

// CheckGGUF verifies that the file at path starts with the GGUF magic.
func CheckGGUF(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return fmt.Errorf("%s: %w", path, errNotGGUF)
	}
	if string(magic[:]) != GGUFMagic {
		return fmt.Errorf("%s: %w (got %q)", path, errNotGGUF, magic[:])
	}
	return nil
}

type ggufTensorInfo struct {
	name   string
	shape  []int // row-major
	n      int   // element count
	typ    uint32
	offset uint64
}

// GGUFFile is a parsed GGUF header.
type GGUFFile struct {
	Version  uint32
	Metadata map[string]any

	path      string
	tensors   []ggufTensorInfo
	dataStart int64
}

// countingReader tracks the byte offset of a buffered header read.
type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// OpenGGUF parses the header, metadata and tensor directory of a GGUF file.
func OpenGGUF(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	cr := &countingReader{r: bufio.NewReaderSize(f, 1<<20)}
	var magic [4]byte
	if _, err := io.ReadFull(cr, magic[:]); err != nil || string(magic[:]) != GGUFMagic {
		return nil, fmt.Errorf("%s: %w", path, errNotGGUF)
	}

	g := &GGUFFile{path: path, Metadata: make(map[string]any)}
	if err := binary.Read(cr, binary.LittleEndian, &g.Version); err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	if g.Version < 2 || g.Version > 3 {
		return nil, fmt.Errorf("unsupported GGUF version %d", g.Version)
	}

	var tensorCount, kvCount uint64
	if err := binary.Read(cr, binary.LittleEndian, &tensorCount); err != nil {
		return nil, fmt.Errorf("reading tensor count: %w", err)
	}
	if err := binary.Read(cr, binary.LittleEndian, &kvCount); err != nil {
		return nil, fmt.Errorf("reading metadata count: %w", err)
	}

	for i := uint64(0); i < kvCount; i++ {
		key, err := readGGUFString(cr)
		if err != nil {
			return nil, fmt.Errorf("reading metadata key %d: %w", i, err)
		}
		var typ uint32
		if err := binary.Read(cr, binary.LittleEndian, &typ); err != nil {
			return nil, fmt.Errorf("reading metadata type for %q: %w", key, err)
		}
		val, err := readGGUFValue(cr, typ)
		if err != nil {
			return nil, fmt.Errorf("reading metadata %q: %w", key, err)
		}
		g.Metadata[key] = val
	}

	for i := uint64(0); i < tensorCount; i++ {
		name, err := readGGUFString(cr)
		if err != nil {
			return nil, fmt.Errorf("reading tensor name %d: %w", i, err)
		}
		var nDims uint32
		if err := binary.Read(cr, binary.LittleEndian, &nDims); err != nil {
			return nil, fmt.Errorf("reading dims of %q: %w", name, err)
		}
		if nDims == 0 || nDims > ggufMaxDims {
			return nil, fmt.Errorf("tensor %q: invalid rank %d", name, nDims)
		}
		dims := make([]uint64, nDims)
		if err := binary.Read(cr, binary.LittleEndian, dims); err != nil {
			return nil, fmt.Errorf("reading shape of %q: %w", name, err)
		}
		shape, n, err := ggufShape(dims)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		info := ggufTensorInfo{name: name, shape: shape, n: n}
		if err := binary.Read(cr, binary.LittleEndian, &info.typ); err != nil {
			return nil, fmt.Errorf("reading type of %q: %w", name, err)
		}
		if err := binary.Read(cr, binary.LittleEndian, &info.offset); err != nil {
			return nil, fmt.Errorf("reading offset of %q: %w", name, err)
		}
		g.tensors = append(g.tensors, info)
	}

	align := int64(ggufDefaultAlignment)
	if a, ok := g.Metadata["general.alignment"].(uint32); ok && a > 0 {
		align = int64(a)
	}
	g.dataStart = (cr.n + align - 1) / align * align
	return g, nil
}

// ggufShape converts ggml dims (innermost first) to a row-major shape and
// its element count, rejecting empty or oversized dims.
func ggufShape(dims []uint64) ([]int, int, error) {
	shape := make([]int, len(dims))
	n := 1
	for j, d := range dims {
		if d == 0 || d > math.MaxInt32 {
			return nil, 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > math.MaxInt32/int(d) {
			return nil, 0, fmt.Errorf("shape %v too large", dims)
		}
		n *= int(d)
		shape[len(dims)-1-j] = int(d)
	}
	return shape, n, nil
}

// TensorNames lists the tensors in file order.
func (g *GGUFFile) TensorNames() []string {
	names := make([]string, len(g.tensors))
	for i, t := range g.tensors {
		names[i] = t.name
	}
	return names
}

// LoadTensors reads and dequantizes every tensor to float32.
func (g *GGUFFile) LoadTensors() (map[string]*Tensor, error) {
	f, err := os.Open(g.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	dataLen := st.Size() - g.dataStart

	out := make(map[string]*Tensor, len(g.tensors))
	for _, info := range g.tensors {
		n := info.n
		elems, size, ok := blockLayout(info.typ)
		if !ok {
			return nil, fmt.Errorf("tensor %q: unsupported ggml type %d", info.name, info.typ)
		}
		if n%elems != 0 {
			return nil, fmt.Errorf("tensor %q: %d elements not a multiple of block size %d", info.name, n, elems)
		}
		nbytes := int64(n/elems) * int64(size)
		if info.offset > uint64(dataLen) || nbytes > dataLen-int64(info.offset) {
			return nil, fmt.Errorf("tensor %q: %d bytes at offset %d past end of file", info.name, nbytes, info.offset)
		}
		raw := make([]byte, nbytes)
		if _, err := f.ReadAt(raw, g.dataStart+int64(info.offset)); err != nil {
			return nil, fmt.Errorf("tensor %q: reading data: %w", info.name, err)
		}
		data, err := dequantize(info.typ, raw, n)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", info.name, err)
		}
		out[info.name] = &Tensor{Shape: info.shape, Data: data}
	}
	return out, nil
}

func dequantize(typ uint32, raw []byte, n int) ([]float32, error) {
	switch typ {
	case ggmlTypeF32:
		return decodeF32(raw, n)
	case ggmlTypeF16:
		return decodeF16(raw, n)
	}

	_, size, _ := blockLayout(typ)
	out := make([]float32, n)
	for b := 0; b*32 < n; b++ {
		block := raw[b*size : (b+1)*size]
		y := out[b*32 : (b+1)*32]
		switch typ {
		case ggmlTypeQ4_0:
			dequantQ4_0(block, y)
		case ggmlTypeQ4_1:
			dequantQ4_1(block, y)
		case ggmlTypeQ5_0:
			dequantQ5_0(block, y)
		case ggmlTypeQ5_1:
			dequantQ5_1(block, y)
		case ggmlTypeQ8_0:
			dequantQ8_0(block, y)
		default:
			return nil, fmt.Errorf("unsupported ggml type %d", typ)
		}
	}
	return out, nil
}

func dequantQ4_0(block []byte, y []float32) {
	d := float16ToFloat32(binary.LittleEndian.Uint16(block))
	qs := block[2:]
	for j := 0; j < 16; j++ {
		y[j] = float32(int(qs[j]&0x0F)-8) * d
		y[j+16] = float32(int(qs[j]>>4)-8) * d
	}
}

func dequantQ4_1(block []byte, y []float32) {
	d := float16ToFloat32(binary.LittleEndian.Uint16(block))
	m := float16ToFloat32(binary.LittleEndian.Uint16(block[2:]))
	qs := block[4:]
	for j := 0; j < 16; j++ {
		y[j] = float32(qs[j]&0x0F)*d + m
		y[j+16] = float32(qs[j]>>4)*d + m
	}
}

func dequantQ5_0(block []byte, y []float32) {
	d := float16ToFloat32(binary.LittleEndian.Uint16(block))
	qh := binary.LittleEndian.Uint32(block[2:])
	qs := block[6:]
	for j := 0; j < 16; j++ {
		xh0 := byte((qh>>uint(j))<<4) & 0x10
		xh1 := byte(qh>>uint(j+12)) & 0x10
		y[j] = float32(int(qs[j]&0x0F|xh0)-16) * d
		y[j+16] = float32(int(qs[j]>>4|xh1)-16) * d
	}
}

func dequantQ5_1(block []byte, y []float32) {
	d := float16ToFloat32(binary.LittleEndian.Uint16(block))
	m := float16ToFloat32(binary.LittleEndian.Uint16(block[2:]))
	qh := binary.LittleEndian.Uint32(block[4:])
	qs := block[8:]
	for j := 0; j < 16; j++ {
		xh0 := byte((qh>>uint(j))<<4) & 0x10
		xh1 := byte(qh>>uint(j+12)) & 0x10
		y[j] = float32(qs[j]&0x0F|xh0)*d + m
		y[j+16] = float32(qs[j]>>4|xh1)*d + m
	}
}

func dequantQ8_0(block []byte, y []float32) {
	d := float16ToFloat32(binary.LittleEndian.Uint16(block))
	qs := block[2:]
	for j := 0; j < 32; j++ {
		y[j] = float32(int8(qs[j])) * d
	}
}

func readGGUFString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<24 {
		return "", fmt.Errorf("string length %d too large", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readGGUFValue(r io.Reader, typ uint32) (any, error) {
	le := binary.LittleEndian
	switch typ {
	case ggufUint8:
		var v uint8
		err := binary.Read(r, le, &v)
		return v, err
	case ggufInt8:
		var v int8
		err := binary.Read(r, le, &v)
		return v, err
	case ggufUint16:
		var v uint16
		err := binary.Read(r, le, &v)
		return v, err
	case ggufInt16:
		var v int16
		err := binary.Read(r, le, &v)
		return v, err
	case ggufUint32:
		var v uint32
		err := binary.Read(r, le, &v)
		return v, err
	case ggufInt32:
		var v int32
		err := binary.Read(r, le, &v)
		return v, err
	case ggufFloat32:
		var v uint32
		err := binary.Read(r, le, &v)
		return math.Float32frombits(v), err
	case ggufBool:
		var v uint8
		err := binary.Read(r, le, &v)
		return v != 0, err
	case ggufString:
		return readGGUFString(r)
	case ggufUint64:
		var v uint64
		err := binary.Read(r, le, &v)
		return v, err
	case ggufInt64:
		var v int64
		err := binary.Read(r, le, &v)
		return v, err
	case ggufFloat64:
		var v uint64
		err := binary.Read(r, le, &v)
		return math.Float64frombits(v), err
	case ggufArray:
		var elemType uint32
		var count uint64
		if err := binary.Read(r, le, &elemType); err != nil {
			return nil, err
		}
		if err := binary.Read(r, le, &count); err != nil {
			return nil, err
		}
		if count > 1<<26 {
			return nil, fmt.Errorf("array length %d too large", count)
		}
		vals := make([]any, 0, count)
		for i := uint64(0); i < count; i++ {
			v, err := readGGUFValue(r, elemType)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return vals, nil
	}
	return nil, fmt.Errorf("unknown metadata type %d", typ)
}

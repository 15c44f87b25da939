package models

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// testTokenizerJSON is a miniature byte-level BPE tokenizer: "hello world"
// encodes to [hello Ġw or l d].
const testTokenizerJSON = `{
  "added_tokens": [
    {"id": 50, "content": "<|endoftext|>", "special": true},
    {"id": 51, "content": "<|startoftranscript|>", "special": true},
    {"id": 52, "content": "<|en|>", "special": true},
    {"id": 53, "content": "<|transcribe|>", "special": true},
    {"id": 54, "content": "<|notimestamps|>", "special": true}
  ],
  "model": {
    "type": "BPE",
    "vocab": {"h": 0, "e": 1, "l": 2, "o": 3, "Ġ": 4, "w": 5, "r": 6, "d": 7,
              "he": 8, "ll": 9, "hell": 10, "hello": 11, "Ġw": 12, "or": 13},
    "merges": ["h e", "l l", "he ll", "hell o", "Ġ w", "o r"]
  }
}`

const testConfigJSON = `{
  "vocab_size": 55,
  "num_mel_bins": 80,
  "d_model": 4,
  "encoder_layers": 1,
  "encoder_attention_heads": 1,
  "decoder_layers": 1,
  "decoder_attention_heads": 1
}`

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

// writeSidecars writes config.json and tokenizer.json into dir.
func writeSidecars(t *testing.T, dir string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, FileConfig), []byte(testConfigJSON))
	writeFile(t, filepath.Join(dir, FileTokenizer), []byte(testTokenizerJSON))
}

// safetensorsBytes encodes float32 tensors as a safetensors file.
func safetensorsBytes(t *testing.T, tensors map[string]*Tensor) []byte {
	t.Helper()
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(tensors))
	var data bytes.Buffer
	for _, name := range names {
		tn := tensors[name]
		start := data.Len()
		for _, v := range tn.Data {
			_ = binary.Write(&data, binary.LittleEndian, math.Float32bits(v))
		}
		header[name] = map[string]any{
			"dtype":        "F32",
			"shape":        tn.Shape,
			"data_offsets": []int{start, data.Len()},
		}
	}
	header["__metadata__"] = map[string]string{"format": "pt"}
	hdr, err := json.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, uint64(len(hdr)))
	out.Write(hdr)
	out.Write(data.Bytes())
	return out.Bytes()
}

func f32Bytes(vals []float32) []byte {
	var buf bytes.Buffer
	for _, v := range vals {
		_ = binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
	}
	return buf.Bytes()
}

// ggufWriter builds minimal GGUF files for tests.
type ggufWriter struct {
	meta    bytes.Buffer
	nMeta   uint64
	infos   bytes.Buffer
	data    bytes.Buffer
	nTensor uint64
}

func (w *ggufWriter) putString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func (w *ggufWriter) addString(key, val string) {
	w.putString(&w.meta, key)
	_ = binary.Write(&w.meta, binary.LittleEndian, ggufString)
	w.putString(&w.meta, val)
	w.nMeta++
}

func (w *ggufWriter) addUint32(key string, val uint32) {
	w.putString(&w.meta, key)
	_ = binary.Write(&w.meta, binary.LittleEndian, ggufUint32)
	_ = binary.Write(&w.meta, binary.LittleEndian, val)
	w.nMeta++
}

// addTensor appends raw tensor data of the given ggml type. shape is row-major.
func (w *ggufWriter) addTensor(name string, shape []int, typ uint32, raw []byte) {
	for w.data.Len()%ggufDefaultAlignment != 0 {
		w.data.WriteByte(0)
	}
	w.putString(&w.infos, name)
	_ = binary.Write(&w.infos, binary.LittleEndian, uint32(len(shape)))
	for i := len(shape) - 1; i >= 0; i-- {
		_ = binary.Write(&w.infos, binary.LittleEndian, uint64(shape[i]))
	}
	_ = binary.Write(&w.infos, binary.LittleEndian, typ)
	_ = binary.Write(&w.infos, binary.LittleEndian, uint64(w.data.Len()))
	w.data.Write(raw)
	w.nTensor++
}

// addTensorInfo appends a directory entry with raw ggml dims and no data.
func (w *ggufWriter) addTensorInfo(name string, dims []uint64, typ uint32, offset uint64) {
	w.putString(&w.infos, name)
	_ = binary.Write(&w.infos, binary.LittleEndian, uint32(len(dims)))
	for _, d := range dims {
		_ = binary.Write(&w.infos, binary.LittleEndian, d)
	}
	_ = binary.Write(&w.infos, binary.LittleEndian, typ)
	_ = binary.Write(&w.infos, binary.LittleEndian, offset)
	w.nTensor++
}

func (w *ggufWriter) bytes() []byte {
	var out bytes.Buffer
	out.WriteString(GGUFMagic)
	_ = binary.Write(&out, binary.LittleEndian, uint32(3))
	_ = binary.Write(&out, binary.LittleEndian, w.nTensor)
	_ = binary.Write(&out, binary.LittleEndian, w.nMeta)
	out.Write(w.meta.Bytes())
	out.Write(w.infos.Bytes())
	for out.Len()%ggufDefaultAlignment != 0 {
		out.WriteByte(0)
	}
	out.Write(w.data.Bytes())
	return out.Bytes()
}

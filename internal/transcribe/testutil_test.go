package transcribe

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// Test vocabulary: ids below 250 are words, 250-254 are special tokens and
// 255-259 are timestamp tokens.
const (
	testEOT          = 250
	testSOT          = 251
	testEN           = 252
	testTranscribe   = 253
	testNoTimestamps = 254
	testVocab        = 260
)

type fakeTokenizer struct{}

func (fakeTokenizer) TokenID(token string) (int, bool) {
	switch token {
	case tokenEOT:
		return testEOT, true
	case tokenSOT:
		return testSOT, true
	case "<|en|>":
		return testEN, true
	case tokenTranscribe:
		return testTranscribe, true
	case tokenNoTimestamps:
		return testNoTimestamps, true
	}
	return 0, false
}

// Encode maps every word to id 100+index.
func (fakeTokenizer) Encode(text string) []int {
	var ids []int
	for i := range strings.Fields(text) {
		ids = append(ids, 100+i%100)
	}
	return ids
}

// Decode spells word ids as " wN".
func (fakeTokenizer) Decode(ids []int, skipSpecial bool) string {
	var b strings.Builder
	for _, id := range ids {
		if id >= testEOT {
			if !skipSpecial {
				fmt.Fprintf(&b, "<|%d|>", id)
			}
			continue
		}
		fmt.Fprintf(&b, " w%d", id)
	}
	return b.String()
}

// fakeBackend decodes a scripted token sequence. next is called with the
// tokens generated so far, excluding the initial sequence.
type fakeBackend struct {
	mu       sync.Mutex
	initial  int
	next     func(generated []int) int
	margin   float32 // logit gap between the chosen token and the rest
	failDec  bool
	encodes  int
	decodes  int
	flushes  []bool
	lastSeq  []int
	firstSeq []int
	melLens  []int
	pending  int
}

func (b *fakeBackend) EncoderForward(mel []float32, nFrames int) (*Features, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.encodes++
	b.melLens = append(b.melLens, len(mel))
	return &Features{Data: make([]float32, 4*1500), Frames: 1500, Dim: 4}, nil
}

func (b *fakeBackend) DecoderForward(tokens []int, _ *Features, flush bool) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDec {
		return nil, errors.New("decoder exploded")
	}
	b.decodes++
	b.flushes = append(b.flushes, flush)
	if b.firstSeq == nil {
		b.firstSeq = append([]int(nil), tokens...)
	}
	b.lastSeq = append(b.lastSeq[:0], tokens...)
	b.pending = b.next(tokens[b.initial:])
	return []float32{float32(b.pending)}, nil
}

func (b *fakeBackend) FinalLinear(hidden []float32) ([]float32, error) {
	margin := b.margin
	if margin == 0 {
		margin = 20
	}
	logits := make([]float32, testVocab)
	logits[int(hidden[0])] = margin
	return logits, nil
}

// script returns a next-token function that emits words then EOT.
func script(words ...int) func([]int) int {
	return func(generated []int) int {
		if len(generated) < len(words) {
			return words[len(generated)]
		}
		return testEOT
	}
}

func newTestEngine(t testing.TB, b *fakeBackend, opts EngineOptions) *Engine {
	t.Helper()
	if opts.VocabSize == 0 {
		opts.VocabSize = testVocab
	}
	if opts.MelBins == 0 {
		opts.MelBins = 80
	}
	e, err := NewEngine(b, fakeTokenizer{}, opts, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	b.initial = len(e.initial)
	return e
}

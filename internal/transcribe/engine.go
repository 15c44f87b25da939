package transcribe

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
)

// ErrTranscription wraps every decoding failure.
var ErrTranscription = errors.New("transcribe: transcription failed")

// Decoding limits and quality thresholds.
const (
	MaxTargetTokens      = 448
	MaxPromptTokens      = 50
	MaxRepeats           = 3
	CompressionThreshold = 2.4
	LogProbThreshold     = -1.0

	// Whitespace token, suppressed so a transcript never starts or runs
	// on bare spaces.
	spaceToken = 220
)

// Temperatures is the fallback ladder tried in order until a decode passes
// the quality checks.
var Temperatures = []float64{0.0, 0.2, 0.4, 0.6, 0.8, 1.0}

// Special token spellings.
const (
	tokenSOT          = "<|startoftranscript|>"
	tokenEOT          = "<|endoftext|>"
	tokenTranscribe   = "<|transcribe|>"
	tokenNoTimestamps = "<|notimestamps|>"
)

// TextTokenizer is the subset of a tokenizer the engine decodes with.
type TextTokenizer interface {
	TokenID(token string) (int, bool)
	Encode(text string) []int
	Decode(ids []int, skipSpecial bool) string
}

// EngineOptions configures decoding.
type EngineOptions struct {
	// Language is an ISO code such as "en"; its <|lang|> token must exist.
	Language string
	// Prompt biases decoding toward its vocabulary. Optional.
	Prompt string
	// EnglishOnly models decode without language and task tokens.
	EnglishOnly bool
	// VocabSize is the logit width the backend produces.
	VocabSize int
	// MelBins is 80 or 128.
	MelBins int
}

// Engine performs greedy Whisper decoding with temperature fallback and
// long-audio chunking over a Backend. Calls are serialized.
type Engine struct {
	mu       sync.Mutex
	backend  Backend
	mel      *MelExtractor
	tok      TextTokenizer
	log      *slog.Logger
	initial  []int
	eot      int
	suppress []float32
}

type decodeResult struct {
	text             string
	tokens           []int
	avgLogProb       float64
	compressionRatio float64
}

func (r decodeResult) acceptable() bool {
	return r.compressionRatio <= CompressionThreshold && r.avgLogProb >= LogProbThreshold
}

// NewEngine resolves special tokens and precomputes the initial sequence
// and suppression mask. A missing special token is an error.
func NewEngine(backend Backend, tok TextTokenizer, opts EngineOptions, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.VocabSize <= 0 {
		return nil, fmt.Errorf("transcribe: invalid vocab size %d", opts.VocabSize)
	}
	mel, err := NewMelExtractor(opts.MelBins)
	if err != nil {
		return nil, err
	}

	lookup := func(token string) (int, error) {
		id, ok := tok.TokenID(token)
		if !ok {
			return 0, fmt.Errorf("transcribe: tokenizer has no %s token", token)
		}
		return id, nil
	}
	ids := make(map[string]int)
	for _, name := range []string{tokenSOT, tokenEOT, tokenTranscribe, tokenNoTimestamps, "<|" + opts.Language + "|>"} {
		id, err := lookup(name)
		if err != nil {
			return nil, err
		}
		ids[name] = id
	}

	var initial []int
	if opts.EnglishOnly {
		initial = []int{ids[tokenSOT], ids[tokenNoTimestamps]}
	} else {
		initial = []int{ids[tokenSOT], ids["<|"+opts.Language+"|>"], ids[tokenTranscribe], ids[tokenNoTimestamps]}
	}
	if opts.Prompt != "" {
		prompt := tok.Encode(opts.Prompt)
		if len(prompt) > MaxPromptTokens {
			prompt = prompt[:MaxPromptTokens]
		}
		initial = append(initial, prompt...)
	}
	if len(initial) >= MaxTargetTokens {
		return nil, fmt.Errorf("transcribe: initial sequence of %d tokens leaves no decoding budget", len(initial))
	}

	return &Engine{
		backend:  backend,
		mel:      mel,
		tok:      tok,
		log:      log,
		initial:  initial,
		eot:      ids[tokenEOT],
		suppress: suppressMask(opts.VocabSize, ids[tokenNoTimestamps]),
	}, nil
}

// suppressMask is -Inf for the space token and every timestamp token, which
// follow <|notimestamps|> in the vocabulary.
func suppressMask(vocab, noTimestamps int) []float32 {
	mask := make([]float32, vocab)
	neg := float32(math.Inf(-1))
	if spaceToken < vocab {
		mask[spaceToken] = neg
	}
	for id := noTimestamps + 1; id < vocab; id++ {
		mask[id] = neg
	}
	return mask
}

// Transcribe decodes mono 16 kHz samples. Audio longer than one window is
// split into overlapping chunks whose texts are joined with spaces. Empty
// input yields an empty string.
func (e *Engine) Transcribe(samples []float32) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(samples) == 0 {
		return "", nil
	}
	if len(samples) <= ChunkSamples {
		return e.transcribeChunk(samples)
	}

	spans := planChunks(len(samples))
	var texts []string
	for i, s := range spans {
		text, err := e.transcribeChunk(samples[s.start:s.end])
		if err != nil {
			e.log.Warn("chunk failed", "chunk", i+1, "of", len(spans), "error", err)
			continue
		}
		if text != "" {
			texts = append(texts, text)
		}
	}
	out := strings.Join(texts, " ")
	e.log.Debug("long-form transcription", "chunks", len(spans), "texts", len(texts), "chars", len(out))
	return out, nil
}

func (e *Engine) transcribeChunk(samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}
	mel, frames := e.mel.Compute(padOrTrim(samples, ChunkSamples))
	features, err := e.backend.EncoderForward(mel, frames)
	if err != nil {
		return "", fmt.Errorf("%w: encoder: %v", ErrTranscription, err)
	}
	res, err := e.decodeWithFallback(features)
	if err != nil {
		return "", err
	}
	return res.text, nil
}

// decodeWithFallback walks the temperature ladder. The first result that
// passes the quality checks is kept; the last rung is kept regardless.
func (e *Engine) decodeWithFallback(features *Features) (decodeResult, error) {
	for i, temp := range Temperatures {
		last := i == len(Temperatures)-1
		res, err := e.decode(features, temp)
		if err != nil {
			e.log.Warn("decoding failed", "temperature", temp, "error", err)
			continue
		}
		if last || res.acceptable() {
			e.log.Debug("decoded", "temperature", temp,
				"avg_logprob", res.avgLogProb, "compression_ratio", res.compressionRatio, "tokens", len(res.tokens))
			return res, nil
		}
		e.log.Debug("quality check failed, trying next temperature", "temperature", temp,
			"avg_logprob", res.avgLogProb, "compression_ratio", res.compressionRatio)
	}
	return decodeResult{}, fmt.Errorf("%w: all temperature fallbacks failed", ErrTranscription)
}

// decode runs one greedy pass at temperature temp.
func (e *Engine) decode(features *Features, temp float64) (decodeResult, error) {
	tokens := append([]int(nil), e.initial...)
	budget := MaxTargetTokens - len(e.initial)

	var result []int
	var sumLogP float64
	var countLP, repeats int
	lastTok := -1
	probs := make([]float64, len(e.suppress))
	scaled := make([]float64, len(e.suppress))

	for step := 0; step < budget; step++ {
		hidden, err := e.backend.DecoderForward(tokens, features, step == 0)
		if err != nil {
			return decodeResult{}, fmt.Errorf("decoder step %d: %w", step, err)
		}
		logits, err := e.backend.FinalLinear(hidden)
		if err != nil {
			return decodeResult{}, fmt.Errorf("final linear step %d: %w", step, err)
		}
		if len(logits) != len(e.suppress) {
			return decodeResult{}, fmt.Errorf("backend produced %d logits, want %d", len(logits), len(e.suppress))
		}

		next := 0
		for i, l := range logits {
			v := float64(l) + float64(e.suppress[i])
			if temp > 0 {
				v /= temp
			}
			scaled[i] = v
			if v > scaled[next] {
				next = i
			}
		}
		softmax(probs, scaled)
		if p := probs[next]; p > 0 {
			sumLogP += math.Log(p)
			countLP++
		}

		if next == e.eot {
			break
		}
		if next == lastTok {
			repeats++
			if repeats >= MaxRepeats {
				break
			}
		} else {
			repeats = 0
		}
		lastTok = next
		tokens = append(tokens, next)
		result = append(result, next)
	}

	text := strings.TrimSpace(e.tok.Decode(result, true))
	res := decodeResult{text: text, tokens: result}
	if countLP > 0 {
		res.avgLogProb = sumLogP / float64(countLP)
	}
	if len(text) > 0 {
		res.compressionRatio = float64(len(result)) / float64(len(text))
	}
	return res, nil
}

func softmax(dst, src []float64) {
	maxV := math.Inf(-1)
	for _, v := range src {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range src {
		e := math.Exp(v - maxV)
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}

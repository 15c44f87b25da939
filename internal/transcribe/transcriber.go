// Package transcribe provides speech-to-text backends.
//
// Supported backends:
//   - native: pure Go Whisper decoding over weights from internal/models (default)
//   - whispercpp: whisper.cpp via Go bindings, for ggml .bin models
package transcribe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chaz8081/gostt/internal/config"
	"github.com/chaz8081/gostt/internal/models"
)

// Transcriber converts audio samples to text.
type Transcriber interface {
	// Process transcribes mono 16kHz float32 audio samples to text.
	Process(samples []float32) (string, error)
	// Close releases backend resources.
	Close() error
	// Info describes the loaded model.
	Info() Info
}

// Info describes a loaded transcriber for status reporting.
type Info struct {
	ModelName  string
	GPUEnabled bool
	GPUName    string
}

// ModelLoader resolves model identifiers to loaded weights.
type ModelLoader interface {
	Load(ctx context.Context, id string) (*models.Handle, error)
}

// New creates a Transcriber based on the config backend setting.
func New(ctx context.Context, cfg *config.ModelConfig, loader ModelLoader, log *slog.Logger) (Transcriber, error) {
	switch cfg.Backend {
	case "native", "":
		h, err := loader.Load(ctx, cfg.ID)
		if err != nil {
			return nil, err
		}
		return NewNativeTranscriber(h, cfg.Language, cfg.Prompt, log)
	case "whispercpp":
		return NewWhisperTranscriber(cfg.ID, cfg.Language, cfg.Prompt)
	default:
		return nil, fmt.Errorf("transcribe: unknown backend %q (supported: native, whispercpp)", cfg.Backend)
	}
}

// NativeTranscriber runs the decoding engine over the pure Go backend.
type NativeTranscriber struct {
	engine *Engine
	name   string
}

// NewNativeTranscriber builds the network and engine for a loaded model.
func NewNativeTranscriber(h *models.Handle, language, prompt string, log *slog.Logger) (*NativeTranscriber, error) {
	if h.Tokenizer == nil {
		return nil, fmt.Errorf("%w: %s has no tokenizer", models.ErrModelLoad, h.Name)
	}
	backend, err := NewNativeBackend(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrModelLoad, err)
	}
	engine, err := NewEngine(backend, h.Tokenizer, EngineOptions{
		Language:    language,
		Prompt:      prompt,
		EnglishOnly: h.EnglishOnly(),
		VocabSize:   h.Config.VocabSize,
		MelBins:     h.Config.NumMelBins,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrModelLoad, err)
	}
	return &NativeTranscriber{engine: engine, name: h.Name}, nil
}

// Process transcribes mono 16kHz float32 audio samples to text.
func (t *NativeTranscriber) Process(samples []float32) (string, error) {
	return t.engine.Transcribe(samples)
}

// Close is a no-op; weights are garbage collected.
func (t *NativeTranscriber) Close() error { return nil }

// Info reports the model name. The native backend runs on the CPU.
func (t *NativeTranscriber) Info() Info {
	return Info{ModelName: t.name}
}

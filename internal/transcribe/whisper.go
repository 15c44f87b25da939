package transcribe

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperTranscriber wraps a whisper.cpp model for speech-to-text.
type WhisperTranscriber struct {
	mu       sync.Mutex
	model    whisper.Model
	name     string
	language string
	prompt   string
}

// NewWhisperTranscriber loads a ggml whisper model from the given path.
// The caller must call Close() when done.
func NewWhisperTranscriber(modelPath, language, prompt string) (*WhisperTranscriber, error) {
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("transcribe: load whisper model %q: %w", modelPath, err)
	}
	if !model.IsMultilingual() {
		language = "en"
	}
	return &WhisperTranscriber{
		model:    model,
		name:     filepath.Base(modelPath),
		language: language,
		prompt:   prompt,
	}, nil
}

// Close releases the whisper model resources.
func (t *WhisperTranscriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

// Info reports the model file name.
func (t *WhisperTranscriber) Info() Info {
	return Info{ModelName: t.name}
}

// Process transcribes mono 16kHz float32 audio samples to text.
func (t *WhisperTranscriber) Process(samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("%w: create context: %v", ErrTranscription, err)
	}
	if t.language != "" {
		if err := ctx.SetLanguage(t.language); err != nil {
			return "", fmt.Errorf("%w: set language %q: %v", ErrTranscription, t.language, err)
		}
	}
	if t.prompt != "" {
		ctx.SetInitialPrompt(t.prompt)
	}

	if err := ctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("%w: process: %v", ErrTranscription, err)
	}

	var segments []string
	for {
		seg, err := ctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: next segment: %v", ErrTranscription, err)
		}
		segments = append(segments, strings.TrimSpace(seg.Text))
	}

	return strings.TrimSpace(strings.Join(segments, " ")), nil
}

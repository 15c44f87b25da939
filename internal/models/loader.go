// Package models resolves Whisper model identifiers to loaded weights, a
// tokenizer and the decoding config, fetching missing artifacts from
// HuggingFace.
package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrModelLoad wraps every failure to resolve or load a model.
var ErrModelLoad = errors.New("models: model load failed")

// ReferenceRepo supplies config.json and tokenizer.json for standalone
// quantized files that ship without them.
const ReferenceRepo = "openai/whisper-large-v3-turbo"

// Artifact file names inside a model directory or repository.
const (
	FileGGUF        = "model.gguf"
	FileSafetensors = "model.safetensors"
	FileConfig      = "config.json"
	FileTokenizer   = "tokenizer.json"
)

// Kind distinguishes how a model's weights were stored.
type Kind int

const (
	// FullPrecision weights come from a safetensors checkpoint.
	FullPrecision Kind = iota
	// Quantized weights come from a GGUF file.
	Quantized
)

func (k Kind) String() string {
	switch k {
	case FullPrecision:
		return "full-precision"
	case Quantized:
		return "quantized"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Handle is a loaded model. It is immutable after Load returns.
type Handle struct {
	ID        string // identifier passed to Load
	Name      string
	Kind      Kind
	Config    WhisperConfig
	Tokenizer *Tokenizer
	Tensors   map[string]*Tensor
}

// Tensor returns the named weight.
func (h *Handle) Tensor(name string) (*Tensor, error) {
	t, ok := h.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("models: missing tensor %q", name)
	}
	return t, nil
}

// EnglishOnly reports whether the model is an English-only checkpoint,
// which decodes without language and task tokens.
func (h *Handle) EnglishOnly() bool {
	return IsEnglishOnly(h.ID)
}

// IsEnglishOnly reports whether a model id names an English-only checkpoint:
// it contains ".en" or ends in "-en".
func IsEnglishOnly(id string) bool {
	return strings.Contains(id, ".en") || strings.HasSuffix(id, "-en")
}

type fetcher interface {
	Fetch(ctx context.Context, repo, file string) (string, error)
}

// Loader resolves model identifiers.
type Loader struct {
	hub fetcher
	log *slog.Logger
}

// NewLoader creates a Loader that fetches remote artifacts through hub.
func NewLoader(hub *Hub, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	l := &Loader{log: log}
	if hub != nil {
		l.hub = hub
	}
	return l
}

// Load resolves id, tried in order as: a local quantized file, a local
// directory (quantized model.gguf, else full-precision safetensors), or a
// remote repository id.
func (l *Loader) Load(ctx context.Context, id string) (*Handle, error) {
	h, err := l.load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelLoad, id, err)
	}
	h.ID = id
	l.log.Info("model loaded", "model", h.Name, "kind", h.Kind.String(),
		"tensors", len(h.Tensors), "vocab", h.Config.VocabSize, "mel_bins", h.Config.NumMelBins)
	return h, nil
}

func (l *Loader) load(ctx context.Context, id string) (*Handle, error) {
	info, err := os.Stat(id)
	switch {
	case err == nil && !info.IsDir():
		return l.loadQuantized(ctx, filepath.Base(id), id, filepath.Dir(id))
	case err == nil && info.IsDir():
		name := filepath.Base(filepath.Clean(id))
		gguf := filepath.Join(id, FileGGUF)
		if _, err := os.Stat(gguf); err == nil {
			return l.loadQuantized(ctx, name, gguf, id)
		}
		return l.loadFullPrecisionDir(name, id)
	case looksLikePath(id):
		return nil, fmt.Errorf("model path does not exist")
	default:
		return l.loadRemote(ctx, id)
	}
}

func looksLikePath(id string) bool {
	if filepath.IsAbs(id) || strings.HasPrefix(id, ".") || strings.HasPrefix(id, "~") {
		return true
	}
	ext := strings.ToLower(filepath.Ext(id))
	return ext == ".gguf" || ext == ".bin"
}

// loadQuantized loads a GGUF file. config.json and tokenizer.json are taken
// from dir when both exist there, otherwise from ReferenceRepo.
func (l *Loader) loadQuantized(ctx context.Context, name, path, dir string) (*Handle, error) {
	if err := CheckGGUF(path); err != nil {
		return nil, fmt.Errorf("%w (ggml .bin models need backend \"whispercpp\")", err)
	}

	cfgPath := filepath.Join(dir, FileConfig)
	tokPath := filepath.Join(dir, FileTokenizer)
	if !fileExists(cfgPath) || !fileExists(tokPath) {
		l.log.Warn("no config.json/tokenizer.json next to quantized model, using reference repository; a different base model can corrupt decoding",
			"model", path, "reference", ReferenceRepo)
		var err error
		if cfgPath, err = l.fetch(ctx, ReferenceRepo, FileConfig); err != nil {
			return nil, err
		}
		if tokPath, err = l.fetch(ctx, ReferenceRepo, FileTokenizer); err != nil {
			return nil, err
		}
	}

	g, err := OpenGGUF(path)
	if err != nil {
		return nil, err
	}
	tensors, err := g.LoadTensors()
	if err != nil {
		return nil, err
	}
	return assemble(name, Quantized, tensors, cfgPath, tokPath)
}

func (l *Loader) loadFullPrecisionDir(name, dir string) (*Handle, error) {
	for _, f := range []string{FileSafetensors, FileConfig, FileTokenizer} {
		if !fileExists(filepath.Join(dir, f)) {
			return nil, fmt.Errorf("missing required file %s in %s", f, dir)
		}
	}
	tensors, err := LoadSafetensors(filepath.Join(dir, FileSafetensors))
	if err != nil {
		return nil, err
	}
	return assemble(name, FullPrecision, tensors, filepath.Join(dir, FileConfig), filepath.Join(dir, FileTokenizer))
}

// loadRemote fetches config and tokenizer, then prefers a quantized
// artifact when the repository offers one.
func (l *Loader) loadRemote(ctx context.Context, repo string) (*Handle, error) {
	cfgPath, err := l.fetch(ctx, repo, FileConfig)
	if err != nil {
		return nil, err
	}
	tokPath, err := l.fetch(ctx, repo, FileTokenizer)
	if err != nil {
		return nil, err
	}

	ggufPath, err := l.fetch(ctx, repo, FileGGUF)
	switch {
	case err == nil:
		if err := CheckGGUF(ggufPath); err != nil {
			return nil, err
		}
		g, err := OpenGGUF(ggufPath)
		if err != nil {
			return nil, err
		}
		tensors, err := g.LoadTensors()
		if err != nil {
			return nil, err
		}
		return assemble(repo, Quantized, tensors, cfgPath, tokPath)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	stPath, err := l.fetch(ctx, repo, FileSafetensors)
	if err != nil {
		return nil, err
	}
	tensors, err := LoadSafetensors(stPath)
	if err != nil {
		return nil, err
	}
	return assemble(repo, FullPrecision, tensors, cfgPath, tokPath)
}

func (l *Loader) fetch(ctx context.Context, repo, file string) (string, error) {
	if l.hub == nil {
		return "", fmt.Errorf("cannot fetch %s/%s: no hub configured", repo, file)
	}
	return l.hub.Fetch(ctx, repo, file)
}

func assemble(name string, kind Kind, tensors map[string]*Tensor, cfgPath, tokPath string) (*Handle, error) {
	cfg, err := LoadWhisperConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	tok, err := LoadTokenizer(tokPath)
	if err != nil {
		return nil, err
	}
	return &Handle{
		Name:      name,
		Kind:      kind,
		Config:    cfg,
		Tokenizer: tok,
		Tensors:   tensors,
	}, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

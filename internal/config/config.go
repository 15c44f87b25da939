package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const appName = "gostt"

// Config holds all application configuration.
type Config struct {
	Model    ModelConfig   `yaml:"model"`
	Audio    AudioConfig   `yaml:"audio"`
	Daemon   DaemonConfig  `yaml:"daemon"`
	Hotkey   HotkeyConfig  `yaml:"hotkey"`
	Inject   InjectConfig  `yaml:"inject"`
	History  HistoryConfig `yaml:"history"`
	Metrics  MetricsConfig `yaml:"metrics"`
	LogLevel string        `yaml:"log_level"`
	LogFile  string        `yaml:"log_file"`
}

// ModelConfig selects the speech model and how it is decoded.
type ModelConfig struct {
	// ID is a local .gguf/.bin file, a local model directory, or a
	// HuggingFace repository id such as "openai/whisper-base.en".
	ID       string `yaml:"id"`
	Backend  string `yaml:"backend"` // "native" or "whispercpp"
	Language string `yaml:"language"`
	Prompt   string `yaml:"prompt"`
}

// AudioConfig holds audio capture settings.
type AudioConfig struct {
	Device      string `yaml:"device"` // empty selects the default source
	SampleRate  uint32 `yaml:"sample_rate"` // must be 16000, the rate Whisper models expect
	MaxDuration uint32 `yaml:"max_duration"` // seconds
	SaveClips   bool   `yaml:"save_clips"`
	ClipsDir    string `yaml:"clips_dir"`
}

// DaemonConfig holds the location of the daemon's runtime files.
type DaemonConfig struct {
	StateDir string `yaml:"state_dir"`
	// RefreshCommand is run, detached, whenever the recording state
	// changes, e.g. "pkill -RTMIN+8 waybar". Optional.
	RefreshCommand string `yaml:"refresh_command"`
}

// HotkeyConfig holds hotkey-related settings.
type HotkeyConfig struct {
	Keys []string `yaml:"keys"`
	Mode string   `yaml:"mode"` // "hold" or "toggle"
}

// InjectConfig holds text injection settings.
type InjectConfig struct {
	Method      string `yaml:"method"` // "type" or "paste"
	AppendSpace bool   `yaml:"append_space"`
}

// HistoryConfig controls the transcript history store.
type HistoryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"` // 0 keeps everything
}

// MetricsConfig controls the Prometheus metrics endpoint. An empty Listen
// address disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName)
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the directory for downloaded models, clips and history.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", appName)
}

// DefaultModelsDir returns the model cache directory.
func DefaultModelsDir() string {
	return filepath.Join(DefaultDataDir(), "models")
}

// DefaultStateDir returns the directory holding the socket, pid and marker files.
func DefaultStateDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", appName)
}

// Default returns a Config with sensible default values.
func Default() *Config {
	data := DefaultDataDir()
	return &Config{
		Model: ModelConfig{
			ID:       "openai/whisper-base.en",
			Backend:  "native",
			Language: "en",
		},
		Audio: AudioConfig{
			SampleRate:  16000,
			MaxDuration: 30,
			ClipsDir:    filepath.Join(data, "clips"),
		},
		Daemon: DaemonConfig{
			StateDir: DefaultStateDir(),
		},
		Hotkey: HotkeyConfig{
			Keys: []string{"ctrl", "shift", "r"},
			Mode: "hold",
		},
		Inject: InjectConfig{
			Method: "type",
		},
		History: HistoryConfig{
			Enabled:    true,
			Path:       filepath.Join(data, "history.db"),
			MaxEntries: 1000,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Model.ID = expandTilde(cfg.Model.ID)
	cfg.Audio.ClipsDir = expandTilde(cfg.Audio.ClipsDir)
	cfg.Daemon.StateDir = expandTilde(cfg.Daemon.StateDir)
	cfg.History.Path = expandTilde(cfg.History.Path)
	cfg.LogFile = expandTilde(cfg.LogFile)

	return cfg, nil
}

const configHeader = "# gostt configuration\n# Shared by the gosttd daemon and the gostt client.\n\n"

// WriteDefault writes the default configuration to DefaultConfigPath and
// returns the path written. If a config file already exists it is left
// untouched and WriteDefault returns ("", nil).
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(configHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Model.ID == "" {
		return fmt.Errorf("model.id must not be empty")
	}

	switch c.Model.Backend {
	case "native", "whispercpp":
	default:
		return fmt.Errorf("model.backend must be \"native\" or \"whispercpp\", got %q", c.Model.Backend)
	}

	if c.Model.Language == "" {
		return fmt.Errorf("model.language must not be empty")
	}

	if c.Audio.SampleRate != 16000 {
		return fmt.Errorf("audio.sample_rate must be 16000, got %d", c.Audio.SampleRate)
	}

	if c.Audio.MaxDuration == 0 {
		return fmt.Errorf("audio.max_duration must be > 0")
	}

	if c.Audio.SaveClips && c.Audio.ClipsDir == "" {
		return fmt.Errorf("audio.clips_dir must be set when audio.save_clips is enabled")
	}

	if c.Daemon.StateDir == "" {
		return fmt.Errorf("daemon.state_dir must not be empty")
	}

	if len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty")
	}

	switch c.Hotkey.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
	}

	switch c.Inject.Method {
	case "type", "paste":
	default:
		return fmt.Errorf("inject.method must be \"type\" or \"paste\", got %q", c.Inject.Method)
	}

	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path must be set when history is enabled")
	}

	if c.History.MaxEntries < 0 {
		return fmt.Errorf("history.max_entries must be >= 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// map to Info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

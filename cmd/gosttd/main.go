// Command gosttd is the dictation daemon. It keeps one speech model loaded
// and serves recording and transcription requests on a unix socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chaz8081/gostt/internal/audio"
	"github.com/chaz8081/gostt/internal/config"
	"github.com/chaz8081/gostt/internal/daemon"
	"github.com/chaz8081/gostt/internal/history"
	"github.com/chaz8081/gostt/internal/models"
	"github.com/chaz8081/gostt/internal/observe"
	"github.com/chaz8081/gostt/internal/recording"
	"github.com/chaz8081/gostt/internal/transcribe"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gostt/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "gosttd: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
		} else {
			fmt.Println("Wrote", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gosttd: config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "gosttd: config validation: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("starting gosttd",
		"version", version,
		"model", cfg.Model.ID,
		"backend", cfg.Model.Backend,
		"language", cfg.Model.Language,
		"state_dir", cfg.Daemon.StateDir,
	)

	probe := daemon.NewClient(daemon.SocketPath(cfg.Daemon.StateDir))
	probe.Timeout = time.Second
	if probe.Ping(ctx) == nil {
		return fmt.Errorf("%w (socket %s)", daemon.ErrAlreadyRunning, daemon.SocketPath(cfg.Daemon.StateDir))
	}

	loadStart := time.Now()
	loader := models.NewLoader(models.NewHub(config.DefaultModelsDir(), log), log)
	tr, err := transcribe.New(ctx, &cfg.Model, loader, log)
	if err != nil {
		return fmt.Errorf("loading model: %w", err)
	}
	defer tr.Close()
	log.Info("model loaded", "model", tr.Info().ModelName, "elapsed", time.Since(loadStart).Round(time.Millisecond))

	rec := audio.NewRecorder(cfg.Audio.Device, transcribe.SampleRate, log)
	markers := recording.NewMarkers(cfg.Daemon.StateDir, cfg.Daemon.RefreshCommand, log)
	ctrl := recording.NewController(rec, markers, log)

	opts := daemon.Options{
		StateDir:      cfg.Daemon.StateDir,
		MaxDuration:   time.Duration(cfg.Audio.MaxDuration) * time.Second,
		SampleRate:    transcribe.SampleRate,
		HandleSignals: true,
	}
	if cfg.Audio.SaveClips {
		opts.ClipsDir = cfg.Audio.ClipsDir
	}

	if cfg.History.Enabled {
		store, err := history.Open(ctx, cfg.History.Path, log)
		if err != nil {
			log.Warn("history disabled", "error", err)
		} else {
			defer store.Close()
			opts.History = store
			opts.HistoryMax = cfg.History.MaxEntries
		}
	}

	if cfg.Metrics.Listen != "" {
		handler, shutdown, err := observe.InitProvider(ctx, "gosttd", version)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
		met, err := observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		opts.Metrics = met
		opts.MetricsListen = cfg.Metrics.Listen
		opts.MetricsHandler = handler
	}

	srv, err := daemon.New(tr, ctrl, opts, log)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// newLogger writes text logs to stderr and, when log_file is set, to a
// rotating file as well.
func newLogger(cfg *config.Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	log := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(log)
	return log
}

// loadConfig loads the config from path, else from the default location,
// else falls back to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}
	return config.Default(), nil
}

// Command gostt is the client for the gosttd dictation daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/chaz8081/gostt/internal/audio"
	"github.com/chaz8081/gostt/internal/config"
	"github.com/chaz8081/gostt/internal/daemon"
	"github.com/chaz8081/gostt/internal/history"
	"github.com/chaz8081/gostt/internal/hotkey"
	"github.com/chaz8081/gostt/internal/inject"
	"github.com/chaz8081/gostt/internal/recording"
	"github.com/chaz8081/gostt/internal/transcribe"
)

// transcribeTimeout covers requests that wait for a decode.
const transcribeTimeout = 5 * time.Minute

const usage = `usage: gostt [-config path] [-print] <command> [args]

commands:
  start [-max seconds]   begin recording
  stop                   stop recording and type the transcript
  cancel                 discard the current recording
  toggle                 start or stop depending on the current state
  status                 show the loaded model
  ping                   check that the daemon is running
  shutdown               stop the daemon
  transcribe FILE.wav    transcribe a WAV file and print the text
  devices                list capture devices
  listen                 run the global hotkey until interrupted
  history [-n N] [-search S] [-model M] | history models | history delete ID | history clear
`

type app struct {
	cfg    *config.Config
	client *daemon.Client
	print  bool
	log    *slog.Logger
}

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gostt/config.yaml)")
	printOnly := flag.Bool("print", false, "print transcripts instead of typing them")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fail(fmt.Errorf("config: %w", err))
	}

	a := &app{
		cfg:    cfg,
		client: daemon.NewClient(daemon.SocketPath(cfg.Daemon.StateDir)),
		print:  *printOnly,
		log:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		stop()
		fail(err)
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "start":
		fs := flag.NewFlagSet("start", flag.ExitOnError)
		maxSecs := fs.Uint("max", 0, "maximum recording length in seconds (default from config)")
		_ = fs.Parse(args)
		return a.start(ctx, uint32(*maxSecs))
	case "stop":
		return a.stop(ctx)
	case "cancel":
		return a.simple(ctx, daemon.TypeCancelRecording)
	case "toggle":
		marker, err := recording.ReadRecordingMarker(a.cfg.Daemon.StateDir)
		if err != nil {
			return err
		}
		if marker != nil {
			return a.stop(ctx)
		}
		return a.start(ctx, 0)
	case "status":
		resp, err := a.client.Send(ctx, daemon.Request{Type: daemon.TypeGetStatus})
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		gpu := "no"
		if resp.GPUEnabled {
			gpu = "yes (" + resp.GPUName + ")"
		}
		fmt.Printf("model: %s\ngpu:   %s\n", resp.ModelName, gpu)
		return nil
	case "ping":
		if err := a.client.Ping(ctx); err != nil {
			return err
		}
		fmt.Println("pong")
		return nil
	case "shutdown":
		return a.simple(ctx, daemon.TypeShutdown)
	case "transcribe":
		if len(args) != 1 {
			return fmt.Errorf("usage: gostt transcribe FILE.wav")
		}
		return a.transcribeFile(ctx, args[0])
	case "devices":
		return listDevices()
	case "listen":
		return a.listen(ctx)
	case "history":
		return a.history(ctx, args)
	}
	return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
}

func (a *app) start(ctx context.Context, maxSecs uint32) error {
	resp, err := a.client.Send(ctx, daemon.Request{Type: daemon.TypeStartRecording, MaxDuration: maxSecs})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	fmt.Println("Recording")
	return nil
}

func (a *app) stop(ctx context.Context) error {
	a.client.Timeout = transcribeTimeout
	defer func() { a.client.Timeout = daemon.DefaultTimeout }()

	resp, err := a.client.Send(ctx, daemon.Request{Type: daemon.TypeStopRecording})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	return a.deliver(resp.Text)
}

func (a *app) simple(ctx context.Context, typ string) error {
	resp, err := a.client.Send(ctx, daemon.Request{Type: typ})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	fmt.Println(resp.Message)
	return nil
}

func (a *app) transcribeFile(ctx context.Context, path string) error {
	samples, err := audio.ReadWAV(path, transcribe.SampleRate)
	if err != nil {
		return err
	}
	a.client.Timeout = transcribeTimeout
	resp, err := a.client.Send(ctx, daemon.Request{Type: daemon.TypeTranscribeAudio, Samples: samples})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if resp.Text == "" {
		fmt.Println(resp.Message)
		return nil
	}
	fmt.Println(resp.Text)
	return nil
}

// deliver types the transcript into the focused window, or prints it.
func (a *app) deliver(text string) error {
	if a.print || text == "" {
		fmt.Println(text)
		return nil
	}
	return inject.NewInjector(a.cfg.Inject.Method, a.cfg.Inject.AppendSpace).Inject(text)
}

func listDevices() error {
	devices, err := audio.ListDevices()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tDEFAULT\tNAME")
	for _, d := range devices {
		def := ""
		if d.Default {
			def = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Level, def, d.Name)
	}
	return w.Flush()
}

// listen drives the daemon from the global hotkey until ctx is cancelled.
func (a *app) listen(ctx context.Context) error {
	l, err := hotkey.NewListener(a.cfg.Hotkey.Keys, a.cfg.Hotkey.Mode)
	if err != nil {
		return err
	}
	go l.Run(ctx)
	a.log.Info("listening for hotkey", "keys", strings.Join(a.cfg.Hotkey.Keys, "+"), "mode", a.cfg.Hotkey.Mode)

	for ev := range l.Events() {
		var err error
		switch ev.Type {
		case hotkey.EventStart:
			err = a.start(ctx, 0)
			if err != nil {
				l.Reset()
			}
		case hotkey.EventStop:
			err = a.stop(ctx)
		}
		if err != nil {
			a.log.Error("hotkey action failed", "event", ev.Type, "error", err)
			notify(err)
		}
	}
	return nil
}

func (a *app) history(ctx context.Context, args []string) error {
	store, err := history.Open(ctx, a.cfg.History.Path, a.log)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) > 0 {
		switch args[0] {
		case "models":
			models, err := store.Models(ctx)
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Println(m)
			}
			return nil
		case "delete":
			if len(args) != 2 {
				return errors.New("usage: gostt history delete ID")
			}
			return store.Delete(ctx, args[1])
		case "clear":
			return store.Clear(ctx)
		}
	}

	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of entries")
	offset := fs.Int("offset", 0, "entries to skip")
	search := fs.String("search", "", "only entries containing this text")
	model := fs.String("model", "", "only entries from this model")
	_ = fs.Parse(args)

	page, err := store.List(ctx, history.Query{Limit: *limit, Offset: *offset, Search: *search, Model: *model})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range page.Entries {
		fmt.Fprintf(w, "%s\t%s\t%.1fs\t%s\n", e.ID, e.Timestamp.Local().Format(time.DateTime), e.Duration.Seconds(), e.Text)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if page.HasMore {
		fmt.Printf("(%d of %d shown)\n", len(page.Entries), page.Total)
	}
	return nil
}

func notify(err error) {
	_ = beeep.Notify("gostt", err.Error(), "")
}

func fail(err error) {
	notify(err)
	fmt.Fprintf(os.Stderr, "gostt: %v\n", err)
	os.Exit(1)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
		return config.Load(config.DefaultConfigPath())
	}
	return config.Default(), nil
}

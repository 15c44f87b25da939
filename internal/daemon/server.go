package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/gostt/internal/audio"
	"github.com/chaz8081/gostt/internal/history"
	"github.com/chaz8081/gostt/internal/observe"
	"github.com/chaz8081/gostt/internal/recording"
	"github.com/chaz8081/gostt/internal/transcribe"
)

// ErrAlreadyRunning is returned by Run when another daemon answers on the
// socket.
var ErrAlreadyRunning = errors.New("daemon: daemon already running")

// readTimeout bounds how long a client may take to send its request line.
const readTimeout = 10 * time.Second

// Transcriber is the part of transcribe.Transcriber the daemon uses.
type Transcriber interface {
	Process(samples []float32) (string, error)
	Info() transcribe.Info
}

// Recorder is the session state machine, normally *recording.Controller.
type Recorder interface {
	State() recording.State
	Start(maxDuration time.Duration) error
	Stop(process func(recording.Capture) error) error
	Cancel() error
	Close()
}

// Options configures a Server.
type Options struct {
	StateDir    string
	MaxDuration time.Duration // used when a start request carries none
	SampleRate  uint32        // rate of the samples handed to the transcriber

	ClipsDir string         // non-empty saves every transcribed clip here
	History  *history.Store // nil disables history
	// HistoryMax prunes the history after each append. 0 keeps everything.
	HistoryMax int

	Metrics *observe.Metrics // nil records nothing
	// MetricsListen, when set, serves MetricsHandler at /metrics.
	MetricsListen  string
	MetricsHandler http.Handler

	// HandleSignals stops the server on SIGINT or SIGTERM.
	HandleSignals bool
}

// Server owns the socket, the transcriber and the recording controller.
// Connections are served one at a time.
type Server struct {
	tr   Transcriber
	rec  Recorder
	opts Options
	log  *slog.Logger
	met  *observe.Metrics

	mu   sync.Mutex
	stop context.CancelFunc
}

// New creates a Server.
func New(tr Transcriber, rec Recorder, opts Options, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = transcribe.SampleRate
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 30 * time.Second
	}
	met := opts.Metrics
	if met == nil {
		var err error
		if met, err = observe.NewMetrics(noop.NewMeterProvider()); err != nil {
			return nil, err
		}
	}
	return &Server{tr: tr, rec: rec, opts: opts, log: log, met: met}, nil
}

// Run binds the socket and serves until ctx is cancelled or a shutdown
// request arrives. The socket, pid and marker files are removed on return.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}
	defer s.cleanup()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})
	if s.opts.HandleSignals {
		g.Go(func() error {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			select {
			case sig := <-sigCh:
				s.log.Info("received signal, shutting down", "signal", sig.String())
				cancel()
			case <-gctx.Done():
			}
			return nil
		})
	}
	if s.opts.MetricsListen != "" && s.opts.MetricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.opts.MetricsHandler)
		srv := &http.Server{Addr: s.opts.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			s.log.Info("metrics endpoint listening", "addr", s.opts.MetricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("daemon: metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	s.log.Info("daemon listening", "socket", SocketPath(s.opts.StateDir), "pid", os.Getpid())
	err = g.Wait()
	s.log.Info("daemon stopped")
	return err
}

// Shutdown asks a running server to stop.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
}

// listen clears files left by an unclean exit, binds the socket and writes
// the pid file.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	dir := s.opts.StateDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("daemon: create state dir: %w", err)
	}
	sock := SocketPath(dir)
	if _, err := os.Stat(sock); err == nil {
		probe := NewClient(sock)
		probe.Timeout = time.Second
		if probe.Ping(ctx) == nil {
			return nil, ErrAlreadyRunning
		}
		s.log.Warn("removing stale daemon files", "dir", dir)
	}
	for _, name := range []string{SocketFile, PIDFile, recording.RecordingFile, recording.ProcessingFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("daemon: remove stale %s: %w", name, err)
		}
	}

	ln, err := net.Listen("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("daemon: listen %s: %w", sock, err)
	}
	if err := os.WriteFile(PIDPath(dir), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		ln.Close()
		return nil, fmt.Errorf("daemon: write pid file: %w", err)
	}
	return ln, nil
}

func (s *Server) cleanup() {
	s.rec.Close()
	for _, p := range []string{SocketPath(s.opts.StateDir), PIDPath(s.opts.StateDir)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to remove daemon file", "path", p, "error", err)
		}
	}
}

// acceptLoop serves connections until ctx is cancelled. Accept errors are
// logged and retried with a growing delay, as net/http does.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("daemon: accept: %w", err)
			}
			delay = nextAcceptDelay(delay)
			s.log.Warn("accept failed, retrying", "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		s.serve(ctx, conn)
	}
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// serve handles exactly one exchange on conn.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.With("request_id", uuid.NewString())

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	req, err := ReadRequest(bufio.NewReader(conn))
	_ = conn.SetReadDeadline(time.Time{})

	var resp Response
	if err != nil {
		log.Warn("bad request", "error", err)
		resp = errorResponse("%v", err)
		req.Type = "invalid"
	} else {
		log.Debug("request", "type", req.Type)
		resp = s.handle(ctx, req, log)
	}
	if resp.Status == StatusError {
		log.Error("request failed", "type", req.Type, "message", resp.Message)
	}
	s.met.Requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", req.Type),
		attribute.String("status", resp.Status),
	))

	if err := WriteResponse(conn, resp); err != nil {
		log.Warn("failed to write response", "error", err)
	}
}

func (s *Server) handle(ctx context.Context, req Request, log *slog.Logger) Response {
	switch req.Type {
	case TypePing:
		return okResponse("pong")

	case TypeGetStatus:
		info := s.tr.Info()
		return Response{Status: StatusStatus, ModelName: info.ModelName, GPUEnabled: info.GPUEnabled, GPUName: info.GPUName}

	case TypeShutdown:
		log.Info("shutdown requested")
		s.Shutdown()
		return okResponse("shutting down")

	case TypeStartRecording:
		maxDuration := s.opts.MaxDuration
		if req.MaxDuration > 0 {
			maxDuration = time.Duration(req.MaxDuration) * time.Second
		}
		if err := s.rec.Start(maxDuration); err != nil {
			return errorResponse("%v", err)
		}
		s.met.ActiveRecordings.Add(ctx, 1)
		return Response{Status: StatusRecording}

	case TypeCancelRecording:
		wasRecording := s.rec.State() == recording.Recording
		if err := s.rec.Cancel(); err != nil {
			return errorResponse("%v", err)
		}
		if !wasRecording {
			return okResponse("Not recording")
		}
		s.met.ActiveRecordings.Add(ctx, -1)
		s.countSession(ctx, "cancelled")
		return okResponse("Recording cancelled")

	case TypeStopRecording:
		return s.stopRecording(ctx, log)

	case TypeTranscribeAudio:
		if len(req.Samples) == 0 {
			return errorResponse("No audio provided")
		}
		text, err := s.transcribe(ctx, req.Samples, log)
		if err != nil {
			return errorResponse("%v", err)
		}
		if text == "" {
			return Response{Status: StatusSuccess, Message: "No speech detected"}
		}
		return Response{Status: StatusSuccess, Text: text}
	}
	return errorResponse("%v", fmt.Errorf("%w: unknown request type %q", ErrProtocol, req.Type))
}

func (s *Server) stopRecording(ctx context.Context, log *slog.Logger) Response {
	var text string
	err := s.rec.Stop(func(c recording.Capture) error {
		var err error
		text, err = s.transcribe(ctx, c.Samples, log)
		if err != nil || text == "" {
			return err
		}
		clip := s.saveClip(c, log)
		s.appendHistory(ctx, text, c, clip, log)
		return nil
	})
	if errors.Is(err, recording.ErrNotRecording) {
		return errorResponse("Not recording")
	}
	s.met.ActiveRecordings.Add(ctx, -1)

	switch {
	case errors.Is(err, recording.ErrCaptureEmpty):
		s.countSession(ctx, "empty")
		return errorResponse("No audio captured")
	case err != nil:
		s.countSession(ctx, "failed")
		return errorResponse("%v", err)
	case text == "":
		s.countSession(ctx, "no_speech")
		return errorResponse("No speech detected")
	}
	s.countSession(ctx, "transcribed")
	return Response{Status: StatusSuccess, Text: text}
}

func (s *Server) transcribe(ctx context.Context, samples []float32, log *slog.Logger) (string, error) {
	audioSecs := float64(len(samples)) / float64(s.opts.SampleRate)
	start := time.Now()
	text, err := s.tr.Process(samples)
	elapsed := time.Since(start)
	s.met.TranscriptionDuration.Record(ctx, elapsed.Seconds())
	s.met.AudioDuration.Record(ctx, audioSecs)
	if err != nil {
		return "", err
	}
	log.Info("transcribed", "audio_seconds", audioSecs, "elapsed", elapsed.Round(time.Millisecond), "chars", len(text))
	return text, nil
}

// saveClip writes the capture as WAV when clip saving is enabled. It
// returns the written path, or "" when nothing was saved.
func (s *Server) saveClip(c recording.Capture, log *slog.Logger) string {
	if s.opts.ClipsDir == "" {
		return ""
	}
	if err := os.MkdirAll(s.opts.ClipsDir, 0755); err != nil {
		log.Warn("failed to create clips dir", "error", err)
		return ""
	}
	path := filepath.Join(s.opts.ClipsDir, c.Started.Format("20060102-150405.000")+".wav")
	if err := audio.WriteWAV(path, c.Samples, s.opts.SampleRate); err != nil {
		log.Warn("failed to save clip", "path", path, "error", err)
		return ""
	}
	return path
}

func (s *Server) appendHistory(ctx context.Context, text string, c recording.Capture, clip string, log *slog.Logger) {
	if s.opts.History == nil {
		return
	}
	dur := time.Duration(float64(len(c.Samples)) / float64(s.opts.SampleRate) * float64(time.Second))
	e := history.NewEntry(text, dur, s.tr.Info().ModelName, clip)
	if err := s.opts.History.Append(ctx, e); err != nil {
		log.Warn("failed to save history entry", "error", err)
		return
	}
	if err := s.opts.History.EnforceMaxEntries(ctx, s.opts.HistoryMax); err != nil {
		log.Warn("failed to prune history", "error", err)
	}
}

func (s *Server) countSession(ctx context.Context, outcome string) {
	s.met.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

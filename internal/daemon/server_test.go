package daemon

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/chaz8081/gostt/internal/history"
	"github.com/chaz8081/gostt/internal/recording"
	"github.com/chaz8081/gostt/internal/transcribe"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
	last  []float32
}

func (f *fakeTranscriber) Process(samples []float32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = samples
	return f.text, f.err
}

func (f *fakeTranscriber) Info() transcribe.Info {
	return transcribe.Info{ModelName: "fake-whisper", GPUEnabled: false}
}

func (f *fakeTranscriber) set(text string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text, f.err = text, err
}

func (f *fakeTranscriber) lastLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.last)
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSource returns its samples once the session is stopped.
type fakeSource struct {
	mu      sync.Mutex
	samples []float32
}

func (f *fakeSource) setSamples(samples []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = samples
}

func (f *fakeSource) Record(ctx context.Context, maxDuration time.Duration) ([]float32, error) {
	select {
	case <-ctx.Done():
	case <-time.After(maxDuration):
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples, nil
}

type harness struct {
	dir    string
	client *Client
	tr     *fakeTranscriber
	src    *fakeSource
	ctrl   *recording.Controller
	done   chan error
	cancel context.CancelFunc
}

// shortTempDir keeps socket paths under the unix socket length limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "gostt")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startServer(t *testing.T, dir string, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		dir: dir,
		tr:  &fakeTranscriber{text: "hello world"},
		src: &fakeSource{samples: make([]float32, 16000)},
	}
	h.ctrl = recording.NewController(h.src, recording.NewMarkers(dir, "", testLogger()), testLogger())
	opts := Options{StateDir: dir, MaxDuration: 10 * time.Second}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(h.tr, h.ctrl, opts, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	h.client = NewClient(SocketPath(dir))
	h.client.Timeout = 5 * time.Second
	deadline := time.Now().Add(5 * time.Second)
	for h.client.Ping(context.Background()) != nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return h
}

func (h *harness) send(t *testing.T, req Request) Response {
	t.Helper()
	resp, err := h.client.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send(%s) error = %v", req.Type, err)
	}
	return resp
}

func TestPingAndStatus(t *testing.T) {
	h := startServer(t, shortTempDir(t), nil)

	if resp := h.send(t, Request{Type: TypePing}); resp.Status != StatusOK || resp.Message != "pong" {
		t.Errorf("ping = %+v", resp)
	}
	resp := h.send(t, Request{Type: TypeGetStatus})
	if resp.Status != StatusStatus || resp.ModelName != "fake-whisper" || resp.GPUEnabled {
		t.Errorf("status = %+v", resp)
	}
}

func TestPIDFileWritten(t *testing.T) {
	dir := shortTempDir(t)
	startServer(t, dir, nil)

	data, err := os.ReadFile(PIDPath(dir))
	if err != nil {
		t.Fatalf("reading pid file: %v", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		t.Error("pid file is empty")
	}
}

func TestRecordStopTranscribes(t *testing.T) {
	h := startServer(t, shortTempDir(t), nil)

	if resp := h.send(t, Request{Type: TypeStartRecording}); resp.Status != StatusRecording {
		t.Fatalf("start = %+v", resp)
	}
	if _, err := os.Stat(filepath.Join(h.dir, recording.RecordingFile)); err != nil {
		t.Errorf("recording marker missing: %v", err)
	}

	resp := h.send(t, Request{Type: TypeStopRecording})
	if resp.Status != StatusSuccess || resp.Text != "hello world" {
		t.Fatalf("stop = %+v", resp)
	}
	if h.ctrl.State() != recording.Idle {
		t.Errorf("state after stop = %v, want idle", h.ctrl.State())
	}
	if _, err := os.Stat(filepath.Join(h.dir, recording.RecordingFile)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("recording marker still present after stop")
	}
}

func TestStartWhileRecording(t *testing.T) {
	h := startServer(t, shortTempDir(t), nil)

	h.send(t, Request{Type: TypeStartRecording})
	resp := h.send(t, Request{Type: TypeStartRecording})
	if resp.Status != StatusError || !strings.Contains(resp.Message, "already recording") {
		t.Errorf("second start = %+v, want already recording error", resp)
	}
	if h.ctrl.State() != recording.Recording {
		t.Errorf("state = %v, want recording", h.ctrl.State())
	}
}

func TestStopWhenIdle(t *testing.T) {
	h := startServer(t, shortTempDir(t), nil)
	resp := h.send(t, Request{Type: TypeStopRecording})
	if resp.Status != StatusError || resp.Message != "Not recording" {
		t.Errorf("stop idle = %+v", resp)
	}
}

func TestCancel(t *testing.T) {
	h := startServer(t, shortTempDir(t), nil)

	if resp := h.send(t, Request{Type: TypeCancelRecording}); resp.Status != StatusOK {
		t.Errorf("cancel idle = %+v, want ok", resp)
	}
	if h.ctrl.State() != recording.Idle {
		t.Errorf("cancel idle changed state to %v", h.ctrl.State())
	}

	h.send(t, Request{Type: TypeStartRecording})
	resp := h.send(t, Request{Type: TypeCancelRecording})
	if resp.Status != StatusOK || resp.Message != "Recording cancelled" {
		t.Errorf("cancel = %+v", resp)
	}
	if h.tr.callCount() != 0 {
		t.Error("cancelled session was transcribed")
	}
}

func TestStopEmptyCapture(t *testing.T) {
	h := startServer(t, shortTempDir(t), nil)
	h.src.setSamples(nil)

	h.send(t, Request{Type: TypeStartRecording})
	resp := h.send(t, Request{Type: TypeStopRecording})
	if resp.Status != StatusError || resp.Message != "No audio captured" {
		t.Errorf("stop = %+v, want No audio captured", resp)
	}
	if h.tr.callCount() != 0 {
		t.Error("empty capture reached the transcriber")
	}
}

func TestStopNoSpeech(t *testing.T) {
	h := startServer(t, shortTempDir(t), nil)
	h.tr.set("", nil)

	h.send(t, Request{Type: TypeStartRecording})
	resp := h.send(t, Request{Type: TypeStopRecording})
	if resp.Status != StatusError || resp.Message != "No speech detected" {
		t.Errorf("stop = %+v, want No speech detected", resp)
	}
}

func TestTranscriptionErrorKeepsServing(t *testing.T) {
	h := startServer(t, shortTempDir(t), nil)
	h.tr.set("", errors.New("decoder exploded"))

	h.send(t, Request{Type: TypeStartRecording})
	resp := h.send(t, Request{Type: TypeStopRecording})
	if resp.Status != StatusError || !strings.Contains(resp.Message, "decoder exploded") {
		t.Errorf("stop = %+v", resp)
	}
	if h.ctrl.State() != recording.Idle {
		t.Errorf("state = %v, want idle", h.ctrl.State())
	}
	if resp := h.send(t, Request{Type: TypePing}); resp.Status != StatusOK {
		t.Errorf("ping after failure = %+v", resp)
	}
}

func TestTranscribeAudio(t *testing.T) {
	h := startServer(t, shortTempDir(t), nil)

	resp := h.send(t, Request{Type: TypeTranscribeAudio})
	if resp.Status != StatusError {
		t.Errorf("empty samples = %+v, want error", resp)
	}

	resp = h.send(t, Request{Type: TypeTranscribeAudio, Samples: []float32{0.1, -0.1, 0.2}})
	if resp.Status != StatusSuccess || resp.Text != "hello world" {
		t.Errorf("transcribe = %+v", resp)
	}
	if n := h.tr.lastLen(); n != 3 {
		t.Errorf("transcriber got %d samples, want 3", n)
	}

	h.tr.set("", nil)
	resp = h.send(t, Request{Type: TypeTranscribeAudio, Samples: make([]float32, 32000)})
	if resp.Status != StatusSuccess || resp.Message != "No speech detected" {
		t.Errorf("silence = %+v, want no speech success", resp)
	}
}

func TestTranscribeAudioWhileRecording(t *testing.T) {
	h := startServer(t, shortTempDir(t), nil)
	h.send(t, Request{Type: TypeStartRecording})

	resp := h.send(t, Request{Type: TypeTranscribeAudio, Samples: []float32{0.5}})
	if resp.Status != StatusSuccess {
		t.Errorf("transcribe while recording = %+v", resp)
	}
	if h.ctrl.State() != recording.Recording {
		t.Errorf("state = %v, want recording", h.ctrl.State())
	}
}

func TestMalformedRequestKeepsServing(t *testing.T) {
	h := startServer(t, shortTempDir(t), nil)

	for _, line := range []string{"not json\n", `{"type":"dance"}` + "\n", "{}\n"} {
		conn, err := net.Dial("unix", SocketPath(h.dir))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := conn.Write([]byte(line)); err != nil {
			t.Fatal(err)
		}
		resp, err := ReadResponse(bufio.NewReader(conn))
		conn.Close()
		if err != nil {
			t.Fatalf("%q: reading response: %v", line, err)
		}
		if resp.Status != StatusError {
			t.Errorf("%q: status = %q, want error", line, resp.Status)
		}
	}
	if resp := h.send(t, Request{Type: TypePing}); resp.Status != StatusOK {
		t.Errorf("ping after bad requests = %+v", resp)
	}
}

func TestShutdownRemovesFiles(t *testing.T) {
	dir := shortTempDir(t)
	h := startServer(t, dir, nil)

	if resp := h.send(t, Request{Type: TypeShutdown}); resp.Status != StatusOK {
		t.Fatalf("shutdown = %+v", resp)
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
		h.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after shutdown")
	}
	for _, p := range []string{SocketPath(dir), PIDPath(dir)} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still exists after shutdown", filepath.Base(p))
		}
	}
}

func TestStaleFilesRemoved(t *testing.T) {
	dir := shortTempDir(t)
	for _, name := range []string{SocketFile, PIDFile, recording.RecordingFile, recording.ProcessingFile} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("stale"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	h := startServer(t, dir, nil)
	if resp := h.send(t, Request{Type: TypePing}); resp.Status != StatusOK {
		t.Errorf("ping = %+v", resp)
	}
	for _, name := range []string{recording.RecordingFile, recording.ProcessingFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("stale %s not removed", name)
		}
	}
}

func TestSecondInstanceRefused(t *testing.T) {
	dir := shortTempDir(t)
	startServer(t, dir, nil)

	ctrl := recording.NewController(&fakeSource{}, nil, testLogger())
	srv, err := New(&fakeTranscriber{}, ctrl, Options{StateDir: dir}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestClipsAndHistory(t *testing.T) {
	dir := shortTempDir(t)
	clips := filepath.Join(dir, "clips")
	store, err := history.Open(context.Background(), filepath.Join(dir, "history.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	h := startServer(t, dir, func(o *Options) {
		o.ClipsDir = clips
		o.History = store
		o.HistoryMax = 10
	})
	h.send(t, Request{Type: TypeStartRecording})
	if resp := h.send(t, Request{Type: TypeStopRecording}); resp.Status != StatusSuccess {
		t.Fatalf("stop = %+v", resp)
	}

	page, err := store.List(context.Background(), history.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 {
		t.Fatalf("history total = %d, want 1", page.Total)
	}
	e := page.Entries[0]
	if e.Text != "hello world" || e.Model != "fake-whisper" || e.Duration != time.Second {
		t.Errorf("history entry = %+v", e)
	}
	if e.AudioPath == "" || filepath.Dir(e.AudioPath) != clips {
		t.Fatalf("AudioPath = %q, want a file in %s", e.AudioPath, clips)
	}
	if _, err := os.Stat(e.AudioPath); err != nil {
		t.Errorf("clip not written: %v", err)
	}
}

// flakyListener fails its first Accept calls before delegating.
type flakyListener struct {
	net.Listener
	mu    sync.Mutex
	fails int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.fails > 0 {
		l.fails--
		l.mu.Unlock()
		return nil, syscall.EMFILE
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func TestAcceptErrorKeepsServing(t *testing.T) {
	dir := shortTempDir(t)
	inner, err := net.Listen("unix", SocketPath(dir))
	if err != nil {
		t.Fatal(err)
	}
	ln := &flakyListener{Listener: inner, fails: 2}

	ctrl := recording.NewController(&fakeSource{}, nil, testLogger())
	srv, err := New(&fakeTranscriber{}, ctrl, Options{StateDir: dir}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.acceptLoop(ctx, ln) }()

	client := NewClient(SocketPath(dir))
	client.Timeout = 5 * time.Second
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping() after accept errors = %v", err)
	}

	cancel()
	ln.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("acceptLoop() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("acceptLoop did not return after cancel")
	}
}

func TestNextAcceptDelay(t *testing.T) {
	var d time.Duration
	want := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}
	for i, w := range want {
		if d = nextAcceptDelay(d); d != w {
			t.Errorf("step %d = %v, want %v", i, d, w)
		}
	}
	if got := nextAcceptDelay(800 * time.Millisecond); got != time.Second {
		t.Errorf("nextAcceptDelay(800ms) = %v, want 1s", got)
	}
}

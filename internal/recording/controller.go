// Package recording owns the dictation session state machine:
//
//	Idle --Start--> Recording --Stop--> Processing --done--> Idle
//	Recording --Cancel--> Processing --drained--> Idle
//
// Each session runs one capture goroutine with its own cancellation.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrAlreadyRecording is returned by Start outside the Idle state.
	ErrAlreadyRecording = errors.New("recording: already recording")
	// ErrNotRecording is returned by Stop outside the Recording state.
	ErrNotRecording = errors.New("recording: not recording")
	// ErrCaptureEmpty is returned by Stop when no samples were captured.
	ErrCaptureEmpty = errors.New("recording: no audio captured")
	// ErrCapturePanicked reports a panic recovered from the capture
	// goroutine. The daemon answers it like any other transcription failure.
	ErrCapturePanicked = errors.New("recording: capture panicked")
)

// State is the session state.
type State int

const (
	Idle State = iota
	Recording
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Processing:
		return "processing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Source captures audio until ctx is cancelled or maxDuration elapses.
type Source interface {
	Record(ctx context.Context, maxDuration time.Duration) ([]float32, error)
}

// Capture is the result of a stopped session.
type Capture struct {
	Samples []float32
	Started time.Time
	Stopped time.Time
}

type session struct {
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
	samples []float32
	err     error
}

// Controller serializes session transitions. The lock is never held while
// waiting for the capture goroutine.
type Controller struct {
	mu      sync.Mutex
	src     Source
	markers *Markers
	log     *slog.Logger
	state   State
	current *session
}

// NewController creates an idle controller. markers may be nil.
func NewController(src Source, markers *Markers, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{src: src, markers: markers, log: log}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins a capture session bounded by maxDuration.
func (c *Controller) Start(maxDuration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return ErrAlreadyRecording
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel, done: make(chan struct{}), started: time.Now()}
	c.current = s
	c.state = Recording
	if err := c.markers.Recording(s.started); err != nil {
		c.log.Warn("failed to write recording marker", "error", err)
	}

	go c.capture(ctx, s, maxDuration)
	c.log.Info("recording started", "max_duration", maxDuration)
	return nil
}

func (c *Controller) capture(ctx context.Context, s *session, maxDuration time.Duration) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.err = fmt.Errorf("%w: %v", ErrCapturePanicked, r)
			c.log.Error("capture goroutine panicked", "panic", r)
		}
	}()
	s.samples, s.err = c.src.Record(ctx, maxDuration)
}

// Stop ends the session, waits for the capture to drain and hands the
// samples to process while in the Processing state. The controller returns
// to Idle when process returns.
func (c *Controller) Stop(process func(Capture) error) error {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	s := c.current
	c.state = Processing
	if err := c.markers.Processing(); err != nil {
		c.log.Warn("failed to write processing marker", "error", err)
	}
	c.mu.Unlock()

	s.cancel()
	<-s.done
	defer c.reset(s)

	if s.err != nil {
		return s.err
	}
	if len(s.samples) == 0 {
		return ErrCaptureEmpty
	}
	c.log.Info("recording stopped", "samples", len(s.samples), "elapsed", time.Since(s.started).Round(time.Millisecond))
	return process(Capture{Samples: s.samples, Started: s.started, Stopped: time.Now()})
}

// Cancel discards the session. Cancelling while idle or processing is a
// no-op. The session is claimed under the lock, so a concurrent Stop gets
// ErrNotRecording and Start is refused until the capture has drained.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return nil
	}
	s := c.current
	c.state = Processing
	c.mu.Unlock()

	s.cancel()
	<-s.done
	c.reset(s)
	if s.err != nil {
		c.log.Warn("cancelled capture ended with error", "error", s.err)
	}
	c.log.Info("recording cancelled")
	return nil
}

// Close cancels any session in progress.
func (c *Controller) Close() {
	_ = c.Cancel()
	c.markers.Clear()
}

// reset returns to Idle unless s has already been replaced.
func (c *Controller) reset(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != s {
		return
	}
	c.state = Idle
	c.current = nil
	c.markers.Clear()
}

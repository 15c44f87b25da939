// Package hotkey turns a global key combination into dictation start/stop
// events using gohook. In "hold" mode the combination records while held;
// in "toggle" mode each press flips between recording and idle.
package hotkey

import (
	"context"
	"fmt"
	"sync"

	hook "github.com/robotn/gohook"
)

// EventType indicates whether recording should start or stop.
type EventType int

const (
	EventStart EventType = iota
	EventStop
)

func (t EventType) String() string {
	if t == EventStart {
		return "start"
	}
	return "stop"
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// Listener manages a global hotkey and emits start/stop events.
type Listener struct {
	keys   []string
	toggle bool
	ch     chan Event

	mu     sync.Mutex
	active bool // toggle mode only
}

// NewListener creates a Listener. keys are lowercase gohook key names
// such as ["ctrl", "shift", "r"]; mode is "hold" or "toggle".
func NewListener(keys []string, mode string) (*Listener, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("hotkey: no keys given")
	}
	switch mode {
	case "hold", "toggle":
	default:
		return nil, fmt.Errorf("hotkey: unknown mode %q", mode)
	}
	return &Listener{
		keys:   keys,
		toggle: mode == "toggle",
		ch:     make(chan Event, 16),
	}, nil
}

// Events returns the event channel. It is closed when Run returns.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Run registers the hotkey and blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	if l.toggle {
		hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.emit(l.press()) })
	} else {
		hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.emit(EventStart) })
		hook.Register(hook.KeyUp, l.keys, func(hook.Event) { l.emit(EventStop) })
	}

	evChan := hook.Start()
	go func() {
		<-ctx.Done()
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// press advances the toggle state and returns the event it implies.
func (l *Listener) press() EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = !l.active
	if l.active {
		return EventStart
	}
	return EventStop
}

// Reset returns toggle mode to idle, e.g. after the daemon rejected a start.
func (l *Listener) Reset() {
	l.mu.Lock()
	l.active = false
	l.mu.Unlock()
}

// emit never blocks the hook callback.
func (l *Listener) emit(t EventType) {
	select {
	case l.ch <- Event{Type: t}:
	default:
	}
}

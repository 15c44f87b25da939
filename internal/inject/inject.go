// Package inject delivers transcripts to the focused application using
// robotgo, either as simulated keystrokes or through a clipboard paste.
package inject

import (
	"fmt"
	"runtime"

	"github.com/go-vgo/robotgo"
)

// TextInjector delivers text to the user.
type TextInjector interface {
	Inject(text string) error
}

// Injector types or pastes text into the active application.
type Injector struct {
	method      string // "type" or "paste"
	appendSpace bool
}

var _ TextInjector = (*Injector)(nil)

// NewInjector creates an Injector. method must be "type" or "paste". With
// appendSpace set, every transcript is followed by a space so consecutive
// dictations do not run together.
func NewInjector(method string, appendSpace bool) *Injector {
	return &Injector{method: method, appendSpace: appendSpace}
}

// Inject sends text to the active application using the configured method.
func (inj *Injector) Inject(text string) error {
	text = prepare(text, inj.appendSpace)
	if text == "" {
		return nil
	}
	if inj.method == "paste" {
		return paste(text)
	}
	robotgo.Type(text)
	return nil
}

// paste puts text on the clipboard, sends the paste shortcut and restores
// the previous clipboard contents.
func paste(text string) error {
	prev, _ := robotgo.ReadAll()
	if err := robotgo.WriteAll(text); err != nil {
		return fmt.Errorf("inject: write to clipboard: %w", err)
	}
	mod := pasteModifier(runtime.GOOS)
	if err := robotgo.KeyTap("v", mod); err != nil {
		return fmt.Errorf("inject: key tap %s+v: %w", mod, err)
	}
	_ = robotgo.WriteAll(prev)
	return nil
}

func pasteModifier(goos string) string {
	if goos == "darwin" {
		return "cmd"
	}
	return "ctrl"
}

func prepare(text string, appendSpace bool) string {
	if text == "" {
		return ""
	}
	if appendSpace {
		return text + " "
	}
	return text
}

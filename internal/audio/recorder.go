// Package audio captures microphone input with malgo and converts it to the
// mono 16 kHz float32 format the speech models expect.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/gen2brain/malgo"
)

// ErrDeviceUnavailable is returned when no usable input device is found.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

const (
	// PollInterval is how often the capture loop checks for a stop request.
	PollInterval = 100 * time.Millisecond

	// TrailingCapture is how long capture continues after a stop request so
	// the last word is not clipped.
	TrailingCapture = time.Second
)

// Backend levels, tried in order during device resolution.
const (
	LevelServer = "server" // audio server (PulseAudio / PipeWire-pulse)
	LevelNative = "native" // platform backend (ALSA, CoreAudio, WASAPI)
)

// Device describes a capture device on one backend level.
type Device struct {
	Name    string
	Level   string
	Default bool
	id      malgo.DeviceID
}

// Recorder captures audio from a resolved input device.
type Recorder struct {
	device     string
	targetRate uint32
	trailing   time.Duration
	log        *slog.Logger
}

// NewRecorder creates a recorder for the named device (empty for the
// default source) that delivers mono audio at targetRate.
func NewRecorder(device string, targetRate uint32, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		device:     device,
		targetRate: targetRate,
		trailing:   TrailingCapture,
		log:        log,
	}
}

// Record opens the input stream and accumulates audio until ctx is done or
// maxDuration elapses, then keeps capturing for the trailing period. The
// returned samples are mono at the target rate; an empty capture returns
// zero samples and no error.
func (r *Recorder) Record(ctx context.Context, maxDuration time.Duration) ([]float32, error) {
	mctx, dev, err := r.open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	var buf Buffer
	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = 0 // native channel count
	deviceCfg.SampleRate = 0       // native rate
	if dev.Name != "" {
		deviceCfg.Capture.DeviceID = dev.id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pSample []byte, _ uint32) {
			buf.Append(bytesToFloat32(pSample, uint32(len(pSample)/4)))
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceCfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("%w: initializing capture device %q: %v", ErrDeviceUnavailable, dev.Name, err)
	}
	defer device.Uninit()

	rate := device.SampleRate()
	channels := int(device.CaptureChannels())
	if err := device.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting capture device %q: %v", ErrDeviceUnavailable, dev.Name, err)
	}
	r.log.Info("recording started", "device", dev.Name, "level", dev.Level, "rate", rate, "channels", channels)

	waitForStop(ctx, maxDuration)
	if r.trailing > 0 {
		time.Sleep(r.trailing)
	}
	if err := device.Stop(); err != nil {
		r.log.Warn("stopping capture device", "error", err)
	}

	raw := buf.Drain()
	r.log.Debug("capture finished", "samples", len(raw), "rate", rate, "channels", channels)
	return ToMono(raw, channels, rate, r.targetRate, r.log), nil
}

// waitForStop polls ctx every PollInterval until it is done or maxDuration
// has elapsed.
func waitForStop(ctx context.Context, maxDuration time.Duration) {
	start := time.Now()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if maxDuration > 0 && time.Since(start) >= maxDuration {
				return
			}
		}
	}
}

// ListDevices returns the capture devices visible on every backend level.
func ListDevices() ([]Device, error) {
	var all []Device
	for _, level := range []string{LevelServer, LevelNative} {
		mctx, devices, err := enumerate(level)
		if err != nil {
			continue
		}
		all = append(all, devices...)
		_ = mctx.Uninit()
		mctx.Free()
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: no capture devices found", ErrDeviceUnavailable)
	}
	return all, nil
}

// open enumerates both backend levels and returns the context owning the
// resolved device. The context of the other level is released.
func (r *Recorder) open() (*malgo.AllocatedContext, Device, error) {
	contexts := make(map[string]*malgo.AllocatedContext, 2)
	var server, native []Device
	for _, level := range []string{LevelServer, LevelNative} {
		mctx, devices, err := enumerate(level)
		if err != nil {
			r.log.Debug("audio backend unavailable", "level", level, "error", err)
			continue
		}
		contexts[level] = mctx
		if level == LevelServer {
			server = devices
		} else {
			native = devices
		}
	}

	dev, err := resolveDevice(r.device, server, native)
	for level, mctx := range contexts {
		if err == nil && level == dev.Level {
			continue
		}
		_ = mctx.Uninit()
		mctx.Free()
	}
	if err != nil {
		return nil, Device{}, err
	}
	return contexts[dev.Level], dev, nil
}

// resolveDevice picks a capture device. The audio-server level wins when it
// can satisfy the request; otherwise the native level is used. A requested
// name matches exactly first, then as a case-insensitive substring.
func resolveDevice(name string, server, native []Device) (Device, error) {
	for _, devices := range [][]Device{server, native} {
		if dev, ok := pickDevice(devices, name); ok {
			return dev, nil
		}
	}

	if name == "" {
		return Device{}, fmt.Errorf("%w: no input device found", ErrDeviceUnavailable)
	}
	var names []string
	for _, d := range append(append([]Device{}, server...), native...) {
		names = append(names, fmt.Sprintf("%q (%s)", d.Name, d.Level))
	}
	if len(names) == 0 {
		return Device{}, fmt.Errorf("%w: device %q not found, no capture devices available", ErrDeviceUnavailable, name)
	}
	return Device{}, fmt.Errorf("%w: device %q not found, available: %s", ErrDeviceUnavailable, name, strings.Join(names, ", "))
}

func pickDevice(devices []Device, name string) (Device, bool) {
	if len(devices) == 0 {
		return Device{}, false
	}
	if name == "" {
		for _, d := range devices {
			if d.Default {
				return d, true
			}
		}
		return devices[0], true
	}
	for _, d := range devices {
		if d.Name == name {
			return d, true
		}
	}
	lower := strings.ToLower(name)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), lower) {
			return d, true
		}
	}
	return Device{}, false
}

// enumerate initialises a malgo context for the level and lists its
// capture devices. The caller owns the returned context.
func enumerate(level string) (*malgo.AllocatedContext, []Device, error) {
	mctx, err := malgo.InitContext(backendsFor(level), malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing audio context: %w", err)
	}
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, nil, fmt.Errorf("listing capture devices: %w", err)
	}
	devices := make([]Device, 0, len(infos))
	for i := range infos {
		devices = append(devices, Device{
			Name:    infos[i].Name(),
			Level:   level,
			Default: infos[i].IsDefault != 0,
			id:      infos[i].ID,
		})
	}
	return mctx, devices, nil
}

func backendsFor(level string) []malgo.Backend {
	if level == LevelServer {
		return []malgo.Backend{malgo.BackendPulseaudio}
	}
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	default:
		return nil
	}
}

// Package micdevice captures audio from a local input device through
// miniaudio (malgo). It is the default capture backend.
package micdevice

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/skypro1111/pcm-recorder/internal/audio"
	"github.com/skypro1111/pcm-recorder/internal/capture"
	"github.com/skypro1111/pcm-recorder/internal/config"
)

var (
	// ErrDeviceStopped is reported when the backend stops the device on its
	// own, e.g. because it was unplugged.
	ErrDeviceStopped = errors.New("input device stopped unexpectedly")

	ErrNoDevice = errors.New("no matching input device")
)

// Options configures the input device
type Options struct {
	Name           string // case-insensitive substring; empty selects the system default
	PeriodSizeMs   uint32
	PeriodsPerBuff uint32
}

// OptionsFromConfig converts the capture.device configuration section
func OptionsFromConfig(c config.DeviceConfig) Options {
	return Options{
		Name:           c.Name,
		PeriodSizeMs:   uint32(c.PeriodSizeMs),
		PeriodsPerBuff: uint32(c.PeriodsPerBuff),
	}
}

// Info describes an available input device
type Info struct {
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// Device is a capture.Device for a local microphone
type Device struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	closing atomic.Bool
}

// New creates a microphone device. The audio backend is not touched until Open.
func New(opts Options, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{opts: opts, logger: logger}
}

// Open initializes the audio backend and starts capturing
func (d *Device) Open(cfg audio.Configuration, h capture.Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		return capture.ErrAlreadyStarted
	}

	format, err := sampleFormat(cfg.BitDepth())
	if err != nil {
		return err
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		d.logger.Debug("miniaudio", slog.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return fmt.Errorf("failed to initialize audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = format
	deviceConfig.Capture.Channels = uint32(cfg.Channels())
	deviceConfig.SampleRate = cfg.SampleRate()
	deviceConfig.PeriodSizeInMilliseconds = d.opts.PeriodSizeMs
	deviceConfig.Periods = d.opts.PeriodsPerBuff

	if d.opts.Name != "" {
		infos, err := ctx.Devices(malgo.Capture)
		if err != nil {
			freeContext(ctx)
			return fmt.Errorf("failed to enumerate input devices: %w", err)
		}
		names := make([]string, len(infos))
		for i, info := range infos {
			names[i] = info.Name()
		}
		idx, err := matchDevice(names, d.opts.Name)
		if err != nil {
			freeContext(ctx)
			return err
		}
		deviceConfig.Capture.DeviceID = infos[idx].ID.Pointer()
		d.logger.Debug("Selected input device", slog.String("name", names[idx]))
	}

	d.closing.Store(false)
	device, err := malgo.InitDevice(ctx.Context, deviceConfig, d.callbacks(h))
	if err != nil {
		freeContext(ctx)
		return fmt.Errorf("failed to initialize input device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(ctx)
		return fmt.Errorf("failed to start input device: %w", err)
	}

	d.ctx = ctx
	d.device = device

	d.logger.Info("Microphone capture started", slog.String("format", cfg.String()))
	return nil
}

// callbacks forwards every captured period until the device is stopped.
// closing only marks the Stop callback as requested; periods delivered while
// Close waits in Stop still belong to the recording.
func (d *Device) callbacks(h capture.Handler) malgo.DeviceCallbacks {
	return malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			h.Data(input)
		},
		Stop: func() {
			if d.closing.Load() {
				return
			}
			d.logger.Warn("Input device stopped by the audio backend")
			h.End(ErrDeviceStopped)
		},
	}
}

// Close stops the device and releases the audio backend. miniaudio stops the
// callback thread before Stop returns.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device == nil {
		return nil
	}

	d.closing.Store(true)

	var errs []error
	if err := d.device.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop input device: %w", err))
	}
	d.device.Uninit()
	d.device = nil

	if err := d.ctx.Uninit(); err != nil {
		errs = append(errs, fmt.Errorf("uninit audio context: %w", err))
	}
	d.ctx.Free()
	d.ctx = nil

	d.logger.Info("Microphone capture stopped")
	return errors.Join(errs...)
}

// ListDevices returns the available input devices
func ListDevices() ([]Info, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	defer freeContext(ctx)

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate input devices: %w", err)
	}

	out := make([]Info, 0, len(infos))
	for _, info := range infos {
		out = append(out, Info{Name: info.Name(), Default: info.IsDefault != 0})
	}
	return out, nil
}

func freeContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}

// sampleFormat maps a WAV bit depth to the miniaudio sample format. 8-bit WAV
// is unsigned, the wider depths are signed little-endian.
func sampleFormat(bitDepth uint16) (malgo.FormatType, error) {
	switch bitDepth {
	case 8:
		return malgo.FormatU8, nil
	case 16:
		return malgo.FormatS16, nil
	case 24:
		return malgo.FormatS24, nil
	case 32:
		return malgo.FormatS32, nil
	default:
		return malgo.FormatUnknown, fmt.Errorf("%w: %d-bit capture", audio.ErrUnsupportedFormat, bitDepth)
	}
}

// matchDevice returns the index of the first name containing want, ignoring
// case. An exact match wins over a substring match.
func matchDevice(names []string, want string) (int, error) {
	want = strings.ToLower(strings.TrimSpace(want))
	found := -1
	for i, name := range names {
		n := strings.ToLower(name)
		if n == want {
			return i, nil
		}
		if found < 0 && strings.Contains(n, want) {
			found = i
		}
	}
	if found < 0 {
		return -1, fmt.Errorf("%w: %q (available: %s)", ErrNoDevice, want, strings.Join(names, ", "))
	}
	return found, nil
}

// Package capturetest provides an in-memory capture device for tests.
package capturetest

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/skypro1111/pcm-recorder/internal/audio"
	"github.com/skypro1111/pcm-recorder/internal/capture"
)

// ErrNotOpen is returned by Emit and End when the device is closed.
var ErrNotOpen = errors.New("fake device not open")

// FakeDevice is a scripted capture device. Tests push audio with Emit and
// finish the stream with End, or let the source stop it.
type FakeDevice struct {
	// OpenErr is returned from Open when set.
	OpenErr error
	// CloseErr is returned from every Close call when set.
	CloseErr error
	// OpenGate, if set, blocks Open until it is closed.
	OpenGate chan struct{}
	// OnOpen is called from Open with the handler, before Open returns.
	OnOpen func(h capture.Handler)

	mu      sync.Mutex
	handler capture.Handler
	config  audio.Configuration

	attempts atomic.Int32
	opens    atomic.Int32
	closes   atomic.Int32
}

// Open implements capture.Device
func (d *FakeDevice) Open(cfg audio.Configuration, h capture.Handler) error {
	d.attempts.Add(1)
	if d.OpenGate != nil {
		<-d.OpenGate
	}
	d.opens.Add(1)
	if d.OpenErr != nil {
		return d.OpenErr
	}

	d.mu.Lock()
	d.handler = h
	d.config = cfg
	d.mu.Unlock()

	if d.OnOpen != nil {
		d.OnOpen(h)
	}
	return nil
}

// Close implements capture.Device
func (d *FakeDevice) Close() error {
	d.closes.Add(1)

	d.mu.Lock()
	d.handler = nil
	d.mu.Unlock()

	return d.CloseErr
}

// Emit delivers p as if the device had captured it.
func (d *FakeDevice) Emit(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handler == nil {
		return ErrNotOpen
	}
	d.handler.Data(p)
	return nil
}

// End signals end-of-stream, with err for a device fault.
func (d *FakeDevice) End(err error) error {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()

	if h == nil {
		return ErrNotOpen
	}
	h.End(err)
	return nil
}

// Attempts returns how many times Open was entered, including calls still
// blocked on OpenGate
func (d *FakeDevice) Attempts() int {
	return int(d.attempts.Load())
}

// Opens returns how many times Open was called
func (d *FakeDevice) Opens() int {
	return int(d.opens.Load())
}

// Closes returns how many times Close was called
func (d *FakeDevice) Closes() int {
	return int(d.closes.Load())
}

// IsOpen reports whether the device is between Open and Close
func (d *FakeDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler != nil
}

// Config returns the configuration passed to the last successful Open
func (d *FakeDevice) Config() audio.Configuration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

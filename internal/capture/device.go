package capture

import (
	"errors"

	"github.com/skypro1111/pcm-recorder/internal/audio"
)

var (
	// ErrCaptureUnavailable is returned when the device refuses to open:
	// permission denied, no device, or initialization failure.
	ErrCaptureUnavailable = errors.New("capture device unavailable")

	// ErrCaptureInterrupted marks a stream that ended with a device fault.
	ErrCaptureInterrupted = errors.New("capture interrupted")

	ErrAlreadyStarted = errors.New("capture source already started")
)

// Handler receives device output. Data is called with chunks in capture order
// and may be called from a real-time audio thread; the slice is only valid
// for the duration of the call. End is called at most once, with a nil error
// for a clean end-of-stream.
type Handler interface {
	Data(p []byte)
	End(err error)
}

// Device is an audio input. Open acquires the hardware (or socket) and starts
// delivering to h; it returns an error if access is denied or the device
// cannot be initialized. Close releases everything Open acquired and must not
// return until no further Handler calls can happen.
type Device interface {
	Open(cfg audio.Configuration, h Handler) error
	Close() error
}

// Package wsdevice captures PCM audio streamed over a WebSocket, typically
// from a browser AudioWorklet. The client opens with a hello message, sends
// binary PCM frames and finishes with a stop message or by closing.
package wsdevice

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/pcm-recorder/internal/audio"
	"github.com/skypro1111/pcm-recorder/internal/capture"
)

// Message types exchanged as text frames
const (
	TypeHello   = "hello"
	TypeStop    = "stop"
	TypeStarted = "started"
	TypeResult  = "result"
	TypeError   = "error"
)

var ErrBadHello = errors.New("invalid hello message")

// drainTimeout is how long Close keeps reading frames the client sent
// before the stop
const drainTimeout = 100 * time.Millisecond

// Hello is the first message of a capture connection
type Hello struct {
	Type       string `json:"type"`
	SampleRate uint32 `json:"sample_rate,omitempty"`
	Channels   uint16 `json:"channels,omitempty"`
	BitDepth   uint16 `json:"bit_depth,omitempty"`
}

// Options returns the audio options requested by the client
func (h Hello) Options() audio.Options {
	return audio.Options{
		SampleRate: h.SampleRate,
		Channels:   h.Channels,
		BitDepth:   h.BitDepth,
	}
}

// Control is a text message after the hello
type Control struct {
	Type string `json:"type"`
}

// ErrorMessage is sent to the client before the server closes on a failure
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReadHello waits up to timeout for the hello message
func ReadHello(conn *websocket.Conn, timeout time.Duration) (Hello, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return Hello{}, fmt.Errorf("failed to read hello: %w", err)
	}
	if messageType != websocket.TextMessage {
		return Hello{}, fmt.Errorf("%w: first frame must be text", ErrBadHello)
	}

	var hello Hello
	if err := json.Unmarshal(data, &hello); err != nil {
		return Hello{}, fmt.Errorf("%w: %w", ErrBadHello, err)
	}
	if hello.Type != TypeHello {
		return Hello{}, fmt.Errorf("%w: unexpected type %q", ErrBadHello, hello.Type)
	}
	return hello, nil
}

// WriteError sends an error message and closes the connection with a policy
// violation.
func WriteError(conn *websocket.Conn, code, message string) {
	_ = conn.WriteJSON(ErrorMessage{Type: TypeError, Code: code, Message: message})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
		time.Now().Add(2*time.Second))
}

// Device is a capture.Device reading binary frames from an accepted
// connection. The connection stays open after Close so the caller can still
// write the recording result to it.
type Device struct {
	conn   *websocket.Conn
	logger *slog.Logger
	drain  time.Duration

	mu      sync.Mutex
	opened  bool
	closing bool
	wg      sync.WaitGroup

	frames uint64
	bytes  uint64
}

// New wraps conn, which must already have completed the hello exchange
func New(conn *websocket.Conn, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{conn: conn, logger: logger, drain: drainTimeout}
}

// Open starts the read loop
func (d *Device) Open(cfg audio.Configuration, h capture.Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opened {
		return capture.ErrAlreadyStarted
	}
	d.opened = true

	d.logger.Info("WebSocket capture started",
		slog.String("remote_addr", d.conn.RemoteAddr().String()),
		slog.String("format", cfg.String()),
	)

	d.wg.Add(1)
	go d.readLoop(h)
	return nil
}

// Close keeps reading for a short drain period so frames already on the
// wire still reach the handler, then waits for the read loop to exit.
// Only a client stop message guarantees that every frame sent is kept.
func (d *Device) Close() error {
	d.mu.Lock()
	if !d.opened || d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	d.mu.Unlock()

	err := d.conn.SetReadDeadline(time.Now().Add(d.drain))
	d.wg.Wait()

	d.logger.Info("WebSocket capture stopped",
		slog.Uint64("frames", d.frames),
		slog.Uint64("bytes", d.bytes),
	)
	return err
}

func (d *Device) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}

func (d *Device) readLoop(h capture.Handler) {
	defer d.wg.Done()

	for {
		messageType, data, err := d.conn.ReadMessage()
		if err != nil {
			if d.isClosing() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.logger.Debug("Client closed capture connection")
				h.End(nil)
				return
			}
			h.End(fmt.Errorf("websocket read: %w", err))
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			d.frames++
			d.bytes += uint64(len(data))
			h.Data(data)

		case websocket.TextMessage:
			var ctl Control
			if err := json.Unmarshal(data, &ctl); err != nil {
				d.logger.Warn("Ignoring malformed control message", slog.String("error", err.Error()))
				continue
			}
			if ctl.Type == TypeStop {
				d.logger.Debug("Client requested stop")
				if !d.isClosing() {
					h.End(nil)
				}
				return
			}
			d.logger.Warn("Ignoring unknown control message", slog.String("type", ctl.Type))
		}
	}
}

package wsdevice

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/pcm-recorder/internal/audio"
)

type recordingHandler struct {
	mu    sync.Mutex
	data  [][]byte
	ended chan error
	gate  chan struct{} // if set, Data blocks until it is closed
}

func (h *recordingHandler) Data(p []byte) {
	h.mu.Lock()
	gate := h.gate
	h.mu.Unlock()
	if gate != nil {
		<-gate
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = append(h.data, append([]byte(nil), p...))
}

func (h *recordingHandler) End(err error) {
	h.ended <- err
}

func (h *recordingHandler) payload() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bytes.Join(h.data, nil)
}

type serverSide struct {
	hello   chan Hello
	helloEr chan error
	device  chan *Device
	handler *recordingHandler
	release chan struct{}
}

// newTestServer upgrades one connection, reads the hello and opens a Device
// on it. The connection stays open until release is closed.
func newTestServer(t *testing.T) (*serverSide, string) {
	t.Helper()

	s := &serverSide{
		hello:   make(chan Hello, 1),
		helloEr: make(chan error, 1),
		device:  make(chan *Device, 1),
		handler: &recordingHandler{ended: make(chan error, 1)},
		release: make(chan struct{}),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello, err := ReadHello(conn, 2*time.Second)
		if err != nil {
			s.helloEr <- err
			WriteError(conn, "bad_request", err.Error())
			return
		}
		s.hello <- hello

		cfg, err := audio.NewConfiguration(hello.Options())
		if err != nil {
			WriteError(conn, "unsupported", err.Error())
			return
		}

		dev := New(conn, logger)
		if err := dev.Open(cfg, s.handler); err != nil {
			return
		}
		s.device <- dev
		<-s.release
		_ = dev.Close()
	}))
	t.Cleanup(func() {
		select {
		case <-s.release:
		default:
			close(s.release)
		}
		srv.Close()
	})

	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitEnd(t *testing.T, h *recordingHandler) error {
	t.Helper()
	select {
	case err := <-h.ended:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for end of stream")
		return nil
	}
}

func TestDeviceStreamsFramesUntilStop(t *testing.T) {
	s, url := newTestServer(t)
	conn := dial(t, url)

	if err := conn.WriteJSON(Hello{Type: TypeHello, SampleRate: 16000, Channels: 1, BitDepth: 16}); err != nil {
		t.Fatal(err)
	}

	hello := <-s.hello
	if opts := hello.Options(); opts.SampleRate != 16000 || opts.Channels != 1 || opts.BitDepth != 16 {
		t.Errorf("Unexpected hello options: %+v", opts)
	}
	<-s.device

	var want []byte
	for i := 0; i < 5; i++ {
		frame := bytes.Repeat([]byte{byte(i + 1)}, 320)
		want = append(want, frame...)
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatal(err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(Control{Type: TypeStop}); err != nil {
		t.Fatal(err)
	}

	if err := waitEnd(t, s.handler); err != nil {
		t.Errorf("Expected clean end, got %v", err)
	}
	if got := s.handler.payload(); !bytes.Equal(got, want) {
		t.Errorf("Payload mismatch: got %d bytes, want %d", len(got), len(want))
	}
}

func TestDeviceNormalCloseEndsCleanly(t *testing.T) {
	s, url := newTestServer(t)
	conn := dial(t, url)

	if err := conn.WriteJSON(Hello{Type: TypeHello}); err != nil {
		t.Fatal(err)
	}
	<-s.device

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		t.Fatal(err)
	}

	if err := waitEnd(t, s.handler); err != nil {
		t.Errorf("Expected clean end on normal close, got %v", err)
	}
	if got := s.handler.payload(); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("Unexpected payload %v", got)
	}
}

func TestDeviceAbruptDisconnectIsFailure(t *testing.T) {
	s, url := newTestServer(t)
	conn := dial(t, url)

	if err := conn.WriteJSON(Hello{Type: TypeHello}); err != nil {
		t.Fatal(err)
	}
	<-s.device

	// Drop the TCP connection without a close frame.
	conn.UnderlyingConn().Close()

	if err := waitEnd(t, s.handler); err == nil {
		t.Error("Expected an error for an abrupt disconnect")
	}
}

func TestDeviceCloseStopsReading(t *testing.T) {
	s, url := newTestServer(t)
	conn := dial(t, url)

	if err := conn.WriteJSON(Hello{Type: TypeHello}); err != nil {
		t.Fatal(err)
	}
	dev := <-s.device

	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	select {
	case err := <-s.handler.ended:
		t.Errorf("Close must not report end of stream, got %v", err)
	default:
	}
}

func TestDeviceCloseDrainsSentFrames(t *testing.T) {
	s, url := newTestServer(t)
	gate := make(chan struct{})
	s.handler.mu.Lock()
	s.handler.gate = gate
	s.handler.mu.Unlock()

	conn := dial(t, url)
	if err := conn.WriteJSON(Hello{Type: TypeHello}); err != nil {
		t.Fatal(err)
	}
	dev := <-s.device

	// Frames larger than the read buffer stay in the socket while the
	// handler is blocked on the first one.
	var want []byte
	for i := 0; i < 3; i++ {
		frame := bytes.Repeat([]byte{byte(i + 1)}, 32*1024)
		want = append(want, frame...)
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- dev.Close() }()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	if got := s.handler.payload(); !bytes.Equal(got, want) {
		t.Errorf("Expected every sent frame kept: got %d bytes, want %d", len(got), len(want))
	}
	select {
	case err := <-s.handler.ended:
		t.Errorf("Close must not report end of stream, got %v", err)
	default:
	}
}

func TestReadHelloRejectsBadFirstFrame(t *testing.T) {
	tests := []struct {
		name        string
		messageType int
		data        string
	}{
		{"binary first frame", websocket.BinaryMessage, "\x00\x01"},
		{"not json", websocket.TextMessage, "hello"},
		{"wrong type", websocket.TextMessage, `{"type":"stop"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, url := newTestServer(t)
			conn := dial(t, url)

			if err := conn.WriteMessage(tt.messageType, []byte(tt.data)); err != nil {
				t.Fatal(err)
			}

			select {
			case err := <-s.helloEr:
				if !errors.Is(err, ErrBadHello) {
					t.Errorf("Expected ErrBadHello, got %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Timed out waiting for hello rejection")
			}

			var msg ErrorMessage
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if err := conn.ReadJSON(&msg); err != nil {
				t.Fatalf("Expected error message, got %v", err)
			}
			if msg.Type != TypeError || msg.Code != "bad_request" {
				t.Errorf("Unexpected error message: %+v", msg)
			}
		})
	}
}

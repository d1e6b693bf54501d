package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/skypro1111/pcm-recorder/internal/audio"
)

// Source owns one Device for the lifetime of one stream. It is single use:
// after the stream completes a new Source is needed for the next recording.
type Source struct {
	dev    Device
	logger *slog.Logger

	mu            sync.Mutex
	queue         []audio.Chunk
	nextSeq       uint64
	started       bool
	running       bool
	stopRequested bool
	stopped       bool
	ended         bool
	endErr        error

	notify   chan struct{}
	released chan struct{}
	settled  chan struct{}

	releaseOnce sync.Once
	releaseErr  error
	settleOnce  sync.Once

	stream *Stream

	chunks atomic.Uint64
	bytes  atomic.Uint64
	late   atomic.Uint64
	empty  atomic.Uint64
}

// SourceStats represents capture statistics for monitoring
type SourceStats struct {
	Chunks  uint64 `json:"chunks"`
	Bytes   uint64 `json:"bytes"`
	Late    uint64 `json:"late_chunks_dropped"`
	Empty   uint64 `json:"empty_chunks_skipped"`
	Pending int    `json:"pending_chunks"`
}

// Stream is the ordered chunk sequence of one capture. Chunks closes once the
// device has been released and every queued chunk was delivered. Consumers
// must drain Chunks.
type Stream struct {
	out  chan audio.Chunk
	done chan struct{}
	err  error
}

// Chunks returns the chunk channel
func (s *Stream) Chunks() <-chan audio.Chunk {
	return s.out
}

// Done is closed together with Chunks.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the stream ended. It wraps ErrCaptureInterrupted
// when the device failed and is nil for a requested stop or a clean end.
// Only valid after Done is closed.
func (s *Stream) Err() error {
	return s.err
}

// NewSource creates a capture source for dev
func NewSource(dev Device, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		dev:      dev,
		logger:   logger,
		notify:   make(chan struct{}, 1),
		released: make(chan struct{}),
		settled:  make(chan struct{}),
	}
}

// Start opens the device and begins delivering chunks. If the device cannot
// be opened, or ctx ends first, the error wraps ErrCaptureUnavailable and no
// chunk is ever delivered.
func (s *Source) Start(ctx context.Context, cfg audio.Configuration) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	s.started = true
	s.stream = &Stream{
		out:  make(chan audio.Chunk),
		done: make(chan struct{}),
	}
	s.mu.Unlock()

	opened := make(chan error, 1)
	go func() {
		opened <- s.dev.Open(cfg, handler{s})
	}()

	select {
	case err := <-opened:
		if err != nil {
			s.abandon()
			s.settle()
			s.logger.Warn("Capture device refused to open", slog.String("error", err.Error()))
			return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
		}
	case <-ctx.Done():
		s.abandon()
		go func() {
			// Open may still succeed after the caller gave up.
			if err := <-opened; err == nil {
				_ = s.releaseDevice()
			}
			s.settle()
		}()
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, ctx.Err())
	}

	s.mu.Lock()
	s.running = true
	stop := s.stopRequested
	if stop {
		s.stopped = true
	}
	s.mu.Unlock()

	go s.pump()

	s.logger.Debug("Capture started", slog.String("config", cfg.String()))

	if stop {
		_ = s.halt()
	}

	return s.stream, nil
}

// Stop requests the end of the stream. The device is released first; chunks
// it delivered before release are still passed on before Chunks closes.
// Stop is idempotent and safe to call before Start has returned.
func (s *Source) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	if !s.running {
		if s.started {
			s.stopRequested = true
		}
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	return s.halt()
}

// Settled is closed once the device no longer holds any resource: Open
// failed, or the device was released. After Start gave up on a slow Open it
// may close well after Start returned.
func (s *Source) Settled() <-chan struct{} {
	return s.settled
}

// ReleaseErr returns the error from closing the device, if any. Only
// meaningful once the stream is done.
func (s *Source) ReleaseErr() error {
	select {
	case <-s.released:
		return s.releaseErr
	default:
		return nil
	}
}

// Stats returns current capture statistics
func (s *Source) Stats() SourceStats {
	s.mu.Lock()
	pending := len(s.queue)
	s.mu.Unlock()

	return SourceStats{
		Chunks:  s.chunks.Load(),
		Bytes:   s.bytes.Load(),
		Late:    s.late.Load(),
		Empty:   s.empty.Load(),
		Pending: pending,
	}
}

func (s *Source) halt() error {
	err := s.releaseDevice()

	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.poke()

	return err
}

// abandon marks a source whose device never opened as finished.
func (s *Source) abandon() {
	s.mu.Lock()
	s.ended = true
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
}

func (s *Source) releaseDevice() error {
	s.releaseOnce.Do(func() {
		if err := s.dev.Close(); err != nil {
			s.releaseErr = err
			s.logger.Warn("Failed to release capture device", slog.String("error", err.Error()))
		}
		close(s.released)
		s.settle()
	})
	return s.releaseErr
}

func (s *Source) settle() {
	s.settleOnce.Do(func() { close(s.settled) })
}

func (s *Source) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Source) deliver(p []byte) {
	if len(p) == 0 {
		s.empty.Add(1)
		return
	}

	data := make([]byte, len(p))
	copy(data, p)

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.late.Add(1)
		return
	}
	s.queue = append(s.queue, audio.Chunk{Seq: s.nextSeq, Data: data})
	s.nextSeq++
	s.mu.Unlock()

	s.chunks.Add(1)
	s.bytes.Add(uint64(len(data)))
	s.poke()
}

func (s *Source) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	if err != nil {
		s.endErr = fmt.Errorf("%w: %w", ErrCaptureInterrupted, err)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Capture device reported failure", slog.String("error", err.Error()))
	}

	s.poke()

	// Close may wait for the callback that is calling us.
	go func() { _ = s.releaseDevice() }()
}

// pump moves queued chunks to the consumer one at a time and closes the
// stream once the source has ended, the queue is empty and the device has
// been released.
func (s *Source) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue[0] = audio.Chunk{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.stream.out <- c
			continue
		}
		ended := s.ended
		s.mu.Unlock()

		if ended {
			break
		}
		<-s.notify
	}

	<-s.released

	s.mu.Lock()
	s.stream.err = s.endErr
	s.mu.Unlock()

	close(s.stream.out)
	close(s.stream.done)
}

// handler adapts Source to the Handler interface without exporting the
// delivery methods on Source itself.
type handler struct {
	s *Source
}

func (h handler) Data(p []byte) { h.s.deliver(p) }
func (h handler) End(err error) { h.s.end(err) }

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/pcm-recorder/internal/audio"
	"github.com/skypro1111/pcm-recorder/internal/capture"
	"github.com/skypro1111/pcm-recorder/internal/metrics"
	"github.com/skypro1111/pcm-recorder/internal/vad"
)

var (
	// ErrAlreadyRecording is returned by Start while a session is active.
	ErrAlreadyRecording = errors.New("recording already in progress")

	// ErrNotRecording is returned by StopWait when there is nothing to stop.
	ErrNotRecording = errors.New("no recording in progress")
)

// State is the controller lifecycle state
type State int32

const (
	StateIdle State = iota
	StateRecording
	StateCompleted
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the outcome of one recording. Exactly one of Wave and Err is set.
type Result struct {
	ID         string
	Config     audio.Configuration
	Wave       *audio.WaveFile
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time

	Chunks         uint64
	DiscardedBytes uint64
	LateChunks     uint64
	Levels         *vad.Levels
}

// OK reports whether the recording produced a WAV file
func (r *Result) OK() bool {
	return r.Err == nil && r.Wave != nil
}

// ResultHandler is called once per finished recording, from the session
// goroutine, before the controller returns to Idle. Handlers must not block.
type ResultHandler func(*Result)

// Recording is a handle on one session
type Recording struct {
	ID        string
	Config    audio.Configuration
	StartedAt time.Time

	src  *capture.Source
	agg  *audio.Aggregator
	done chan struct{}

	result *Result
}

// Done is closed once the result is available and the controller is Idle
func (r *Recording) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome, or nil while the recording is in progress
func (r *Recording) Result() *Result {
	select {
	case <-r.done:
		return r.result
	default:
		return nil
	}
}

// Wait blocks until the recording finishes or ctx ends
func (r *Recording) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Progress reports what has been captured so far
type Progress struct {
	audio.AggregatorStats
	Capture capture.SourceStats `json:"capture"`
}

// Progress returns live capture and aggregation statistics
func (r *Recording) Progress() Progress {
	return Progress{
		AggregatorStats: r.agg.Stats(),
		Capture:         r.src.Stats(),
	}
}

// Controller drives the Idle -> Recording -> Completed -> Idle lifecycle.
// At most one recording exists at a time.
type Controller struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	analyzer *vad.Processor

	mu       sync.Mutex
	state    State
	current  *Recording
	handlers []ResultHandler

	// unsettled is the source of the last failed start, closed once its
	// device gave up every resource
	unsettled <-chan struct{}
}

// NewController creates a session controller. metrics and analyzer may be nil.
func NewController(logger *slog.Logger, m *metrics.Metrics, analyzer *vad.Processor) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		logger:   logger,
		metrics:  m,
		analyzer: analyzer,
		state:    StateIdle,
	}
}

// OnResult registers a handler for finished recordings
func (c *Controller) OnResult(h ResultHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the active recording, or nil when Idle
func (c *Controller) Current() *Recording {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Start validates opts, opens dev and begins a new recording. ctx bounds only
// the device open; the recording itself runs until Stop or end of stream.
func (c *Controller) Start(ctx context.Context, opts audio.Options, dev capture.Device) (*Recording, error) {
	cfg, err := audio.NewConfiguration(opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, ErrAlreadyRecording
	}

	id := uuid.NewString()
	logger := c.logger.With(slog.String("recording_id", id))
	rec := &Recording{
		ID:        id,
		Config:    cfg,
		StartedAt: time.Now(),
		src:       capture.NewSource(dev, logger),
		agg:       audio.NewAggregator(cfg, logger),
		done:      make(chan struct{}),
	}
	c.state = StateRecording
	c.current = rec
	previous := c.unsettled
	c.mu.Unlock()

	stream, attempted, err := c.open(ctx, rec, previous)
	if err != nil {
		if errors.Is(err, capture.ErrCaptureUnavailable) {
			c.metrics.RecordCaptureUnavailable()
		}

		rec.result = &Result{
			ID:         id,
			Config:     cfg,
			Err:        err,
			StartedAt:  rec.StartedAt,
			FinishedAt: time.Now(),
		}

		c.mu.Lock()
		c.state = StateIdle
		c.current = nil
		if attempted {
			c.unsettled = rec.src.Settled()
		}
		c.mu.Unlock()
		close(rec.done)

		logger.Warn("Failed to start recording", slog.String("error", err.Error()))
		return nil, err
	}

	c.metrics.RecordSessionStarted()

	logger.Info("Recording started",
		slog.Uint64("sample_rate", uint64(cfg.SampleRate())),
		slog.Int("channels", int(cfg.Channels())),
		slog.Int("bit_depth", int(cfg.BitDepth())),
	)

	go c.run(rec, stream, logger)

	return rec, nil
}

// open waits until the device of an earlier failed start has let go of its
// resources, then opens the source of rec. attempted reports whether rec's
// own device was tried.
func (c *Controller) open(ctx context.Context, rec *Recording, previous <-chan struct{}) (stream *capture.Stream, attempted bool, err error) {
	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			return nil, false, fmt.Errorf("%w: previous device still opening: %w", capture.ErrCaptureUnavailable, ctx.Err())
		}
	}
	stream, err = rec.src.Start(ctx, rec.Config)
	return stream, true, err
}

// Stop requests the active recording to end. The result is delivered
// asynchronously. Stop while Idle is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	rec := c.current
	recording := c.state == StateRecording
	c.mu.Unlock()

	if !recording || rec == nil {
		return
	}

	// release failures are logged by the source and counted when the session ends
	_ = rec.src.Stop()
}

// StopWait stops the active recording and waits for its result
func (c *Controller) StopWait(ctx context.Context) (*Result, error) {
	rec := c.Current()
	if rec == nil {
		return nil, ErrNotRecording
	}

	c.Stop()
	return rec.Wait(ctx)
}

// Shutdown stops any active recording and waits for it to be handed off
func (c *Controller) Shutdown(ctx context.Context) error {
	if _, err := c.StopWait(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
		return err
	}
	return nil
}

func (c *Controller) run(rec *Recording, stream *capture.Stream, logger *slog.Logger) {
	wave, err := rec.agg.Consume(stream)
	switch {
	case err == nil:
	case errors.Is(err, audio.ErrOutOfOrder), errors.Is(err, audio.ErrFinalized):
		err = fmt.Errorf("%w: %w", capture.ErrCaptureInterrupted, err)
		stopAndDrain(rec, stream)
	case errors.Is(err, audio.ErrPayloadTooLarge):
		logger.Error("Recording reached the WAV size limit, stopping capture")
		stopAndDrain(rec, stream)
	}

	stats := rec.agg.Stats()
	srcStats := rec.src.Stats()

	res := &Result{
		ID:         rec.ID,
		Config:     rec.Config,
		Wave:       wave,
		Err:        err,
		StartedAt:  rec.StartedAt,
		FinishedAt: time.Now(),
		Chunks:     stats.Chunks,
		LateChunks: srcStats.Late,
	}

	if err != nil {
		res.Wave = nil
		res.DiscardedBytes = stats.Bytes
	} else if c.analyzer != nil {
		levels, lerr := c.analyzer.Analyze(rec.Config, wave.Payload())
		if lerr != nil {
			logger.Warn("Failed to analyze levels", slog.String("error", lerr.Error()))
		} else {
			res.Levels = levels
		}
	}

	if rerr := rec.src.ReleaseErr(); rerr != nil {
		c.metrics.RecordTeardownError()
	}
	c.metrics.RecordChunks(stats.Chunks, stats.Bytes)
	c.metrics.RecordLateChunks(srcStats.Late)

	elapsed := res.FinishedAt.Sub(res.StartedAt)
	if res.OK() {
		c.metrics.RecordSessionCompleted(elapsed.Seconds(), wave.Len())
		logger.Info("Recording completed",
			slog.Uint64("chunks", res.Chunks),
			slog.Uint64("payload_bytes", wave.PayloadLen()),
			slog.Duration("audio_duration", wave.Duration()),
			slog.Duration("elapsed", elapsed),
		)
	} else {
		c.metrics.RecordSessionFailed(failureReason(err), elapsed.Seconds(), res.DiscardedBytes)
		logger.Error("Recording failed",
			slog.String("error", err.Error()),
			slog.Uint64("discarded_bytes", res.DiscardedBytes),
		)
	}

	rec.result = res

	c.mu.Lock()
	c.state = StateCompleted
	handlers := make([]ResultHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h(res)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.current = nil
	c.mu.Unlock()

	close(rec.done)
}

// stopAndDrain ends a recording the aggregator gave up on
func stopAndDrain(rec *Recording, stream *capture.Stream) {
	rec.agg.Discard()
	_ = rec.src.Stop()
	for range stream.Chunks() {
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, audio.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, capture.ErrCaptureInterrupted):
		return "interrupted"
	case errors.Is(err, audio.ErrUnsupportedFormat):
		return "unsupported_format"
	default:
		return "other"
	}
}

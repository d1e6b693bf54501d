package audio

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Aggregator collects the chunks of one recording in arrival order and hands
// the finalized sequence to the encoder. Only the consuming goroutine calls
// Append/Finalize/Discard; Stats may be called from anywhere.
type Aggregator struct {
	config Configuration
	logger *slog.Logger

	chunks      []Chunk
	totalLength uint64
	expectedSeq uint64
	finalized   bool
	maxPayload  uint64

	// mirrored for Stats readers on other goroutines
	statChunks atomic.Uint64
	statBytes  atomic.Uint64
	lastUpdate atomic.Int64
}

// AggregatorStats represents aggregator statistics for monitoring
type AggregatorStats struct {
	Chunks     uint64        `json:"chunks"`
	Bytes      uint64        `json:"bytes"`
	Duration   time.Duration `json:"duration"`
	LastUpdate time.Time     `json:"last_update"`
}

// NewAggregator creates an aggregator for a single recording
func NewAggregator(cfg Configuration, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		config: cfg,
		logger: logger,
		chunks:     make([]Chunk, 0, 64),
		maxPayload: MaxPayload,
	}
}

// Append adds the next chunk. Chunks must arrive with consecutive sequence
// indexes starting at zero; a gap or repeat is a stream fault. A chunk that
// would take the payload past what a WAV header can describe is rejected
// with ErrPayloadTooLarge.
func (a *Aggregator) Append(c Chunk) error {
	if a.finalized {
		return ErrFinalized
	}

	if c.Seq != a.expectedSeq {
		return fmt.Errorf("%w: got seq=%d, expected seq=%d", ErrOutOfOrder, c.Seq, a.expectedSeq)
	}
	if a.totalLength+uint64(len(c.Data)) > a.maxPayload {
		return fmt.Errorf("%w: chunk seq=%d would make %d payload bytes", ErrPayloadTooLarge,
			c.Seq, a.totalLength+uint64(len(c.Data)))
	}
	a.expectedSeq++

	a.chunks = append(a.chunks, c)
	a.totalLength += uint64(len(c.Data))

	a.statChunks.Store(uint64(len(a.chunks)))
	a.statBytes.Store(a.totalLength)
	a.lastUpdate.Store(time.Now().UnixNano())

	return nil
}

// TotalLength returns the number of payload bytes accepted so far
func (a *Aggregator) TotalLength() uint64 {
	return a.totalLength
}

// Len returns the number of chunks accepted so far
func (a *Aggregator) Len() int {
	return len(a.chunks)
}

// Finalize freezes the chunk sequence and encodes it.
func (a *Aggregator) Finalize() (*WaveFile, error) {
	if a.finalized {
		return nil, ErrFinalized
	}
	a.finalized = true

	wave, err := Encode(a.config, a.totalLength, a.chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recording: %w", err)
	}

	a.logger.Debug("Recording finalized",
		slog.Int("chunks", len(a.chunks)),
		slog.Uint64("payload_bytes", a.totalLength),
		slog.Duration("duration", wave.Duration()),
	)

	return wave, nil
}

// Discard freezes the aggregator and drops everything collected, returning
// the number of payload bytes dropped.
func (a *Aggregator) Discard() uint64 {
	dropped := a.totalLength
	a.finalized = true
	a.chunks = nil
	return dropped
}

// Consume drains stream into the aggregator and finalizes once the stream
// completes. A stream that ends with an error is reported as such and its
// partial audio is discarded. On an append error Consume returns immediately;
// the caller is responsible for stopping and draining the stream.
func (a *Aggregator) Consume(stream ChunkStream) (*WaveFile, error) {
	for c := range stream.Chunks() {
		if err := a.Append(c); err != nil {
			return nil, err
		}
	}

	if err := stream.Err(); err != nil {
		dropped := a.Discard()
		a.logger.Warn("Discarding partial recording",
			slog.Uint64("discarded_bytes", dropped),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	return a.Finalize()
}

// Stats returns current aggregator statistics
func (a *Aggregator) Stats() AggregatorStats {
	bytes := a.statBytes.Load()

	var last time.Time
	if ns := a.lastUpdate.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}

	return AggregatorStats{
		Chunks:     a.statChunks.Load(),
		Bytes:      bytes,
		Duration:   a.config.Duration(bytes),
		LastUpdate: last,
	}
}

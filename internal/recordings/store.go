package recordings

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/pcm-recorder/internal/audio"
	"github.com/skypro1111/pcm-recorder/internal/session"
	"github.com/skypro1111/pcm-recorder/internal/vad"
)

var (
	ErrNotFound = errors.New("recording not found")
	ErrNoAudio  = errors.New("recording has no audio")
)

// Status values
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Meta describes a finished recording
type Meta struct {
	ID              string        `json:"id"`
	Status          string        `json:"status"`
	Error           string        `json:"error,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Format          audio.Options `json:"format"`
	Chunks          uint64        `json:"chunks"`
	PayloadBytes    uint64        `json:"payload_bytes"`
	WAVBytes        int64         `json:"wav_bytes"`
	DurationSeconds float64       `json:"duration_seconds"`
	DiscardedBytes  uint64        `json:"discarded_bytes,omitempty"`
	LateChunks      uint64        `json:"late_chunks,omitempty"`
	Levels          *vad.Levels   `json:"levels,omitempty"`

	// Deliveries maps sink name to its last outcome
	Deliveries map[string]string `json:"deliveries,omitempty"`
}

// MetaFromResult builds the metadata of a session result
func MetaFromResult(res *session.Result) Meta {
	m := Meta{
		ID:             res.ID,
		Status:         StatusCompleted,
		StartedAt:      res.StartedAt,
		FinishedAt:     res.FinishedAt,
		Format:         res.Config.Options(),
		Chunks:         res.Chunks,
		DiscardedBytes: res.DiscardedBytes,
		LateChunks:     res.LateChunks,
		Levels:         res.Levels,
	}
	if res.OK() {
		m.PayloadBytes = res.Wave.PayloadLen()
		m.WAVBytes = res.Wave.Len()
		m.DurationSeconds = res.Wave.Duration().Seconds()
	} else {
		m.Status = StatusFailed
		if res.Err != nil {
			m.Error = res.Err.Error()
		}
	}
	return m
}

type entry struct {
	meta Meta
	wave *audio.WaveFile
}

// Store keeps the most recent recordings in memory, evicting the oldest when
// retention is exceeded and, if maxAge is set, those older than maxAge.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	order     []string // oldest first
	retention int
	maxAge    time.Duration
	logger    *slog.Logger
}

// NewStore creates a recording store
func NewStore(retention int, maxAge time.Duration, logger *slog.Logger) *Store {
	if retention < 1 {
		retention = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries:   make(map[string]*entry),
		retention: retention,
		maxAge:    maxAge,
		logger:    logger,
	}
}

// Add stores a finished recording and returns its metadata
func (s *Store) Add(res *session.Result) Meta {
	meta := MetaFromResult(res)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[meta.ID]; exists {
		s.removeLocked(meta.ID)
	}
	s.entries[meta.ID] = &entry{meta: meta, wave: res.Wave}
	s.order = append(s.order, meta.ID)

	for len(s.order) > s.retention {
		evicted := s.order[0]
		s.removeLocked(evicted)
		s.logger.Debug("Evicted recording", slog.String("recording_id", evicted))
	}

	return copyMeta(meta)
}

// Get returns the metadata of one recording
func (s *Store) Get(id string) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return Meta{}, ErrNotFound
	}
	return copyMeta(e.meta), nil
}

// Wave returns the WAV file of a successful recording
func (s *Store) Wave(id string) (*audio.WaveFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.wave == nil {
		return nil, ErrNoAudio
	}
	return e.wave, nil
}

// List returns all stored recordings, newest first
func (s *Store) List() []Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Meta, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, copyMeta(s.entries[s.order[i]].meta))
	}
	return out
}

// Latest returns the most recent recording
func (s *Store) Latest() (Meta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 0 {
		return Meta{}, false
	}
	return copyMeta(s.entries[s.order[len(s.order)-1]].meta), true
}

// Len returns the number of stored recordings
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Remove deletes a recording
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false
	}
	s.removeLocked(id)
	return true
}

// SetDelivery records a sink outcome for a recording. Unknown ids are
// ignored since the recording may have been evicted meanwhile.
func (s *Store) SetDelivery(id, sink, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.meta.Deliveries == nil {
		e.meta.Deliveries = make(map[string]string)
	}
	e.meta.Deliveries[sink] = outcome
}

// Prune removes recordings that finished more than maxAge before now and
// returns how many were removed.
func (s *Store) Prune(now time.Time) int {
	if s.maxAge <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for len(s.order) > 0 {
		oldest := s.entries[s.order[0]]
		if now.Sub(oldest.meta.FinishedAt) <= s.maxAge {
			break
		}
		s.removeLocked(oldest.meta.ID)
		removed++
	}
	return removed
}

// Run prunes expired recordings periodically until ctx is canceled
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if s.maxAge <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Recording cleanup routine started",
		slog.Duration("max_age", s.maxAge),
		slog.Duration("check_interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Recording cleanup routine stopping")
			return
		case now := <-ticker.C:
			if n := s.Prune(now); n > 0 {
				s.logger.Info("Cleaned up expired recordings", slog.Int("expired_count", n))
			}
		}
	}
}

func (s *Store) removeLocked(id string) {
	delete(s.entries, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func copyMeta(m Meta) Meta {
	if m.Deliveries != nil {
		d := make(map[string]string, len(m.Deliveries))
		for k, v := range m.Deliveries {
			d[k] = v
		}
		m.Deliveries = d
	}
	return m
}

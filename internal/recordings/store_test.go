package recordings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/skypro1111/pcm-recorder/internal/audio"
	"github.com/skypro1111/pcm-recorder/internal/capture"
	"github.com/skypro1111/pcm-recorder/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func okResult(t *testing.T, id string, finished time.Time) *session.Result {
	t.Helper()

	cfg, err := audio.NewConfiguration(audio.Options{SampleRate: 8000, Channels: 1, BitDepth: 16})
	if err != nil {
		t.Fatal(err)
	}
	wave, err := audio.Encode(cfg, 1600, []audio.Chunk{{Seq: 0, Data: make([]byte, 1600)}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	return &session.Result{
		ID:         id,
		Config:     cfg,
		Wave:       wave,
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: finished,
		Chunks:     1,
	}
}

func TestMetaFromResult(t *testing.T) {
	now := time.Now()

	m := MetaFromResult(okResult(t, "a", now))
	if m.Status != StatusCompleted || m.Error != "" {
		t.Errorf("Unexpected status: %+v", m)
	}
	if m.PayloadBytes != 1600 || m.WAVBytes != 1644 {
		t.Errorf("Expected 1600/1644 bytes, got %d/%d", m.PayloadBytes, m.WAVBytes)
	}
	if m.DurationSeconds != 0.1 {
		t.Errorf("Expected 0.1s, got %v", m.DurationSeconds)
	}
	if m.Format.SampleRate != 8000 || m.Format.Channels != 1 {
		t.Errorf("Unexpected format: %+v", m.Format)
	}

	failed := &session.Result{
		ID:             "b",
		Err:            fmt.Errorf("%w: device unplugged", capture.ErrCaptureInterrupted),
		DiscardedBytes: 320,
		FinishedAt:     now,
	}
	m = MetaFromResult(failed)
	if m.Status != StatusFailed || m.Error == "" {
		t.Errorf("Expected failed status with error, got %+v", m)
	}
	if m.WAVBytes != 0 || m.DiscardedBytes != 320 {
		t.Errorf("Unexpected sizes for failed recording: %+v", m)
	}
}

func TestStoreRetention(t *testing.T) {
	s := NewStore(2, 0, testLogger())
	now := time.Now()

	for _, id := range []string{"one", "two", "three"} {
		s.Add(okResult(t, id, now))
	}

	if s.Len() != 2 {
		t.Fatalf("Expected 2 recordings, got %d", s.Len())
	}
	if _, err := s.Get("one"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected oldest recording to be evicted, got %v", err)
	}

	list := s.List()
	if list[0].ID != "three" || list[1].ID != "two" {
		t.Errorf("Expected newest first, got %s, %s", list[0].ID, list[1].ID)
	}

	latest, ok := s.Latest()
	if !ok || latest.ID != "three" {
		t.Errorf("Expected latest to be three, got %+v", latest)
	}
}

func TestStoreWave(t *testing.T) {
	s := NewStore(4, 0, testLogger())
	s.Add(okResult(t, "ok", time.Now()))
	s.Add(&session.Result{ID: "failed", Err: capture.ErrCaptureInterrupted, FinishedAt: time.Now()})

	wave, err := s.Wave("ok")
	if err != nil {
		t.Fatalf("Wave failed: %v", err)
	}
	if err := audio.ValidateWAV(wave.Bytes()); err != nil {
		t.Errorf("Stored WAV is invalid: %v", err)
	}

	if _, err := s.Wave("failed"); !errors.Is(err, ErrNoAudio) {
		t.Errorf("Expected ErrNoAudio, got %v", err)
	}
	if _, err := s.Wave("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStoreDeliveries(t *testing.T) {
	s := NewStore(4, 0, testLogger())
	s.Add(okResult(t, "a", time.Now()))

	s.SetDelivery("a", "file", "delivered")
	s.SetDelivery("gone", "file", "delivered")

	m, err := s.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if m.Deliveries["file"] != "delivered" {
		t.Errorf("Expected file delivery, got %v", m.Deliveries)
	}

	// Returned metadata is a copy.
	m.Deliveries["file"] = "tampered"
	again, _ := s.Get("a")
	if again.Deliveries["file"] != "delivered" {
		t.Error("Store metadata was mutated through a returned copy")
	}
}

func TestStoreRemove(t *testing.T) {
	s := NewStore(4, 0, testLogger())
	s.Add(okResult(t, "a", time.Now()))

	if !s.Remove("a") {
		t.Error("Expected Remove to report success")
	}
	if s.Remove("a") {
		t.Error("Expected second Remove to report nothing removed")
	}
	if _, ok := s.Latest(); ok {
		t.Error("Expected empty store")
	}
}

func TestStorePrune(t *testing.T) {
	s := NewStore(10, time.Minute, testLogger())
	now := time.Now()

	s.Add(okResult(t, "old", now.Add(-2*time.Minute)))
	s.Add(okResult(t, "older-but-added-later", now.Add(-90*time.Second)))
	s.Add(okResult(t, "fresh", now))

	if n := s.Prune(now); n != 2 {
		t.Errorf("Expected 2 pruned, got %d", n)
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 remaining, got %d", s.Len())
	}

	noExpiry := NewStore(10, 0, testLogger())
	noExpiry.Add(okResult(t, "old", now.Add(-time.Hour)))
	if n := noExpiry.Prune(now); n != 0 {
		t.Errorf("Expected no pruning without max age, got %d", n)
	}
}

func TestStoreRunStopsOnCancel(t *testing.T) {
	s := NewStore(10, time.Millisecond, testLogger())
	s.Add(okResult(t, "a", time.Now().Add(-time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Len() != 0 {
		t.Error("Expected expired recording to be pruned")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

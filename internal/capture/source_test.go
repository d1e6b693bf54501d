package capture_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/pcm-recorder/internal/audio"
	"github.com/skypro1111/pcm-recorder/internal/capture"
	"github.com/skypro1111/pcm-recorder/internal/capture/capturetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func collect(t *testing.T, stream *capture.Stream) []audio.Chunk {
	t.Helper()

	var chunks []audio.Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-stream.Chunks():
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatalf("Timed out waiting for stream to complete after %d chunks", len(chunks))
			return nil
		}
	}
}

func startSource(t *testing.T, dev *capturetest.FakeDevice) (*capture.Source, *capture.Stream) {
	t.Helper()

	src := capture.NewSource(dev, testLogger())
	stream, err := src.Start(context.Background(), audio.DefaultConfiguration())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return src, stream
}

func TestSourceOrderUnderRandomDelays(t *testing.T) {
	dev := &capturetest.FakeDevice{}
	src, stream := startSource(t, dev)

	const total = 200
	rng := rand.New(rand.NewSource(42))
	delays := make([]time.Duration, total)
	for i := range delays {
		delays[i] = time.Duration(rng.Intn(300)) * time.Microsecond
	}

	go func() {
		for i := 0; i < total; i++ {
			time.Sleep(delays[i])
			_ = dev.Emit([]byte{byte(i), byte(i >> 8)})
		}
		_ = src.Stop()
	}()

	var got []audio.Chunk
	for c := range stream.Chunks() {
		got = append(got, c)
		if len(got)%17 == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	if len(got) != total {
		t.Fatalf("Expected %d chunks, got %d", total, len(got))
	}
	for i, c := range got {
		if c.Seq != uint64(i) {
			t.Fatalf("Chunk %d has seq %d", i, c.Seq)
		}
		if !bytes.Equal(c.Data, []byte{byte(i), byte(i >> 8)}) {
			t.Fatalf("Chunk %d has data %v", i, c.Data)
		}
	}
	if stream.Err() != nil {
		t.Errorf("Expected clean end, got %v", stream.Err())
	}
}

func TestSourceStopIdempotent(t *testing.T) {
	dev := &capturetest.FakeDevice{}
	src, stream := startSource(t, dev)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.Stop(); err != nil {
				t.Errorf("Stop failed: %v", err)
			}
		}()
	}
	wg.Wait()

	collect(t, stream)

	if err := src.Stop(); err != nil {
		t.Errorf("Stop after completion failed: %v", err)
	}
	if dev.Closes() != 1 {
		t.Errorf("Expected device released once, got %d", dev.Closes())
	}
}

func TestSourceDrainBeforeComplete(t *testing.T) {
	dev := &capturetest.FakeDevice{}
	src, stream := startSource(t, dev)

	const queued = 50
	for i := 0; i < queued; i++ {
		if err := dev.Emit(bytes.Repeat([]byte{byte(i)}, 4)); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if dev.IsOpen() {
		t.Error("Expected device released by Stop")
	}

	chunks := collect(t, stream)
	if len(chunks) != queued {
		t.Errorf("Expected %d queued chunks delivered after stop, got %d", queued, len(chunks))
	}

	select {
	case <-stream.Done():
	default:
		t.Error("Expected Done closed after Chunks closed")
	}
}

func TestSourceUnavailable(t *testing.T) {
	denied := errors.New("permission denied")
	dev := &capturetest.FakeDevice{OpenErr: denied}
	src := capture.NewSource(dev, testLogger())

	stream, err := src.Start(context.Background(), audio.DefaultConfiguration())
	if !errors.Is(err, capture.ErrCaptureUnavailable) {
		t.Fatalf("Expected ErrCaptureUnavailable, got %v", err)
	}
	if !errors.Is(err, denied) {
		t.Errorf("Expected device error to be wrapped, got %v", err)
	}
	if stream != nil {
		t.Error("Expected no stream")
	}

	if err := src.Stop(); err != nil {
		t.Errorf("Stop on failed source should be a no-op, got %v", err)
	}
	if dev.Closes() != 0 {
		t.Errorf("Expected no release for a device that never opened, got %d", dev.Closes())
	}
}

func TestSourceStartCanceled(t *testing.T) {
	gate := make(chan struct{})
	dev := &capturetest.FakeDevice{OpenGate: gate}
	src := capture.NewSource(dev, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Start(ctx, audio.DefaultConfiguration())
	if !errors.Is(err, capture.ErrCaptureUnavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected canceled ErrCaptureUnavailable, got %v", err)
	}

	close(gate)

	deadline := time.Now().Add(2 * time.Second)
	for dev.Closes() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dev.Closes() != 1 {
		t.Errorf("Expected late-opened device to be released, got %d closes", dev.Closes())
	}

	select {
	case <-src.Settled():
	case <-time.After(2 * time.Second):
		t.Error("Expected source to settle after the late release")
	}
}

func TestSourceSettledAfterOpenFailure(t *testing.T) {
	dev := &capturetest.FakeDevice{OpenErr: errors.New("busy")}
	src := capture.NewSource(dev, testLogger())

	if _, err := src.Start(context.Background(), audio.DefaultConfiguration()); !errors.Is(err, capture.ErrCaptureUnavailable) {
		t.Fatalf("Expected ErrCaptureUnavailable, got %v", err)
	}

	select {
	case <-src.Settled():
	default:
		t.Error("Expected source settled once Open failed")
	}
}

func TestSourceStopWhileOpening(t *testing.T) {
	gate := make(chan struct{})
	dev := &capturetest.FakeDevice{OpenGate: gate}
	src := capture.NewSource(dev, testLogger())

	type startResult struct {
		stream *capture.Stream
		err    error
	}
	results := make(chan startResult, 1)
	go func() {
		s, err := src.Start(context.Background(), audio.DefaultConfiguration())
		results <- startResult{s, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for dev.Attempts() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// Stop must not touch the device until Open returns.
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if dev.Closes() != 0 {
		t.Fatal("Device closed before it was opened")
	}
	close(gate)

	res := <-results
	if res.err != nil {
		t.Fatalf("Start failed: %v", res.err)
	}

	if chunks := collect(t, res.stream); len(chunks) != 0 {
		t.Errorf("Expected no chunks, got %d", len(chunks))
	}
	if dev.Closes() != 1 {
		t.Errorf("Expected one release, got %d", dev.Closes())
	}
}

func TestSourceDeviceFailure(t *testing.T) {
	dev := &capturetest.FakeDevice{}
	src, stream := startSource(t, dev)

	_ = dev.Emit([]byte{1, 2})
	_ = dev.Emit([]byte{3, 4})
	unplugged := errors.New("device unplugged")
	if err := dev.End(unplugged); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	chunks := collect(t, stream)
	if len(chunks) != 2 {
		t.Errorf("Expected chunks before the fault to be delivered, got %d", len(chunks))
	}

	if !errors.Is(stream.Err(), capture.ErrCaptureInterrupted) {
		t.Errorf("Expected ErrCaptureInterrupted, got %v", stream.Err())
	}
	if !errors.Is(stream.Err(), unplugged) {
		t.Errorf("Expected device error to be wrapped, got %v", stream.Err())
	}
	if dev.Closes() != 1 {
		t.Errorf("Expected one release, got %d", dev.Closes())
	}

	if err := src.Stop(); err != nil {
		t.Errorf("Stop after failure failed: %v", err)
	}
	if dev.Closes() != 1 {
		t.Errorf("Expected still one release, got %d", dev.Closes())
	}
}

func TestSourceCleanEnd(t *testing.T) {
	dev := &capturetest.FakeDevice{}
	_, stream := startSource(t, dev)

	_ = dev.Emit([]byte{1})
	_ = dev.End(nil)

	if chunks := collect(t, stream); len(chunks) != 1 {
		t.Errorf("Expected 1 chunk, got %d", len(chunks))
	}
	if stream.Err() != nil {
		t.Errorf("Expected nil error for clean end, got %v", stream.Err())
	}
}

func TestSourceLateAndEmptyData(t *testing.T) {
	var h capture.Handler
	dev := &capturetest.FakeDevice{OnOpen: func(handler capture.Handler) { h = handler }}
	src, stream := startSource(t, dev)

	h.Data(nil)
	h.Data([]byte{})
	h.Data([]byte{7, 7})

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Misbehaving device keeps calling after release.
	h.Data([]byte{9, 9})
	h.End(errors.New("too late"))

	chunks := collect(t, stream)
	if len(chunks) != 1 || chunks[0].Seq != 0 {
		t.Fatalf("Expected only the single non-empty chunk with seq 0, got %+v", chunks)
	}
	if stream.Err() != nil {
		t.Errorf("Expected late End to be ignored, got %v", stream.Err())
	}

	stats := src.Stats()
	if stats.Empty != 2 {
		t.Errorf("Expected 2 empty chunks skipped, got %d", stats.Empty)
	}
	if stats.Late != 1 {
		t.Errorf("Expected 1 late chunk dropped, got %d", stats.Late)
	}
	if stats.Chunks != 1 || stats.Bytes != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestSourceCopiesDeviceBuffer(t *testing.T) {
	dev := &capturetest.FakeDevice{}
	src, stream := startSource(t, dev)

	buf := []byte{1, 2, 3, 4}
	_ = dev.Emit(buf)
	buf[0] = 99
	_ = src.Stop()

	chunks := collect(t, stream)
	if len(chunks) != 1 || chunks[0].Data[0] != 1 {
		t.Errorf("Expected chunk to hold a private copy, got %+v", chunks)
	}
}

func TestSourceSingleUse(t *testing.T) {
	dev := &capturetest.FakeDevice{}
	src, stream := startSource(t, dev)

	if _, err := src.Start(context.Background(), audio.DefaultConfiguration()); !errors.Is(err, capture.ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}

	_ = src.Stop()
	collect(t, stream)
}

func TestSourceReleaseError(t *testing.T) {
	closeErr := errors.New("close failed")
	dev := &capturetest.FakeDevice{CloseErr: closeErr}
	src, stream := startSource(t, dev)

	if err := src.Stop(); !errors.Is(err, closeErr) {
		t.Errorf("Expected close error from Stop, got %v", err)
	}
	collect(t, stream)

	if !errors.Is(src.ReleaseErr(), closeErr) {
		t.Errorf("Expected ReleaseErr to report close error, got %v", src.ReleaseErr())
	}
	if stream.Err() != nil {
		t.Errorf("Release failure must not fail the stream, got %v", stream.Err())
	}
}

func TestSourceRejectsInvalidConfiguration(t *testing.T) {
	dev := &capturetest.FakeDevice{}
	src := capture.NewSource(dev, testLogger())

	var zero audio.Configuration
	if _, err := src.Start(context.Background(), zero); !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
	if dev.Opens() != 0 {
		t.Error("Expected device to stay closed for an invalid configuration")
	}
}

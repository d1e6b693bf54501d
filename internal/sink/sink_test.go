package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/pcm-recorder/internal/audio"
	"github.com/skypro1111/pcm-recorder/internal/capture"
	"github.com/skypro1111/pcm-recorder/internal/config"
	"github.com/skypro1111/pcm-recorder/internal/metrics"
	"github.com/skypro1111/pcm-recorder/internal/recordings"
	"github.com/skypro1111/pcm-recorder/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func okResult(t *testing.T, id string) *session.Result {
	t.Helper()

	cfg, err := audio.NewConfiguration(audio.Options{SampleRate: 16000, Channels: 1, BitDepth: 16})
	if err != nil {
		t.Fatal(err)
	}
	chunks := []audio.Chunk{
		{Seq: 0, Data: bytes.Repeat([]byte{1, 0}, 160)},
		{Seq: 1, Data: bytes.Repeat([]byte{2, 0}, 160)},
	}
	wave, err := audio.Encode(cfg, 640, chunks)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	started := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	return &session.Result{
		ID:         id,
		Config:     cfg,
		Wave:       wave,
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
		Chunks:     2,
	}
}

func failedResult(id string) *session.Result {
	return &session.Result{ID: id, Err: capture.ErrCaptureInterrupted}
}

func TestObjectName(t *testing.T) {
	res := okResult(t, "abc")
	if got := ObjectName(res); got != "20260314T092653Z-abc.wav" {
		t.Errorf("Unexpected object name %q", got)
	}
}

// File sink

func TestFileSinkWritesWAVAndMetadata(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	fs, err := NewFileSink(dir)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}

	res := okResult(t, "rec-1")
	if err := fs.Deliver(context.Background(), res); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ObjectName(res)))
	if err != nil {
		t.Fatalf("WAV not written: %v", err)
	}
	if !bytes.Equal(data, res.Wave.Bytes()) {
		t.Error("Written WAV differs from the encoded file")
	}

	metaData, err := os.ReadFile(filepath.Join(dir, strings.TrimSuffix(ObjectName(res), ".wav")+".json"))
	if err != nil {
		t.Fatalf("Metadata not written: %v", err)
	}
	var meta recordings.Meta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		t.Fatalf("Invalid metadata JSON: %v", err)
	}
	if meta.ID != "rec-1" || meta.WAVBytes != 684 {
		t.Errorf("Unexpected metadata: %+v", meta)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("Temp file left behind: %s", e.Name())
		}
	}
}

func TestFileSinkRejectsFailedRecording(t *testing.T) {
	fs, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Deliver(context.Background(), failedResult("x")); !errors.Is(err, ErrNoAudio) {
		t.Errorf("Expected ErrNoAudio, got %v", err)
	}
}

// S3 sink

type apiError struct {
	code string
	msg  string
}

func (e *apiError) Error() string                 { return e.msg }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.msg }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	inputs  []*s3.PutObjectInput
	putErr  error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Bucket+"/"+*in.Key] = data
	m.inputs = append(m.inputs, in)
	return &s3.PutObjectOutput{}, nil
}

func TestS3SinkUploads(t *testing.T) {
	mock := newMockS3()
	sink := NewS3Sink(mock, "recordings", "mic")
	res := okResult(t, "rec-2")

	if err := sink.Deliver(context.Background(), res); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	key := "recordings/mic/" + ObjectName(res)
	data, ok := mock.objects[key]
	if !ok {
		t.Fatalf("Object %s not uploaded; have %v", key, mock.objects)
	}
	if !bytes.Equal(data, res.Wave.Bytes()) {
		t.Error("Uploaded object differs from the encoded file")
	}

	in := mock.inputs[0]
	if *in.ContentType != "audio/wav" || *in.ContentLength != res.Wave.Len() {
		t.Errorf("Unexpected content headers: %s %d", *in.ContentType, *in.ContentLength)
	}
	if in.Metadata["recording-id"] != "rec-2" || in.Metadata["sample-rate"] != "16000" {
		t.Errorf("Unexpected metadata: %v", in.Metadata)
	}
}

func TestS3SinkKeyWithoutPrefix(t *testing.T) {
	sink := NewS3Sink(newMockS3(), "b", "")
	res := okResult(t, "k")
	if got := sink.Key(res); got != ObjectName(res) {
		t.Errorf("Expected bare object name, got %q", got)
	}
}

func TestS3SinkError(t *testing.T) {
	mock := newMockS3()
	mock.putErr = &apiError{code: "AccessDenied", msg: "access denied"}
	sink := NewS3Sink(mock, "recordings", "")

	err := sink.Deliver(context.Background(), okResult(t, "rec-3"))
	if err == nil {
		t.Fatal("Expected error")
	}
	if !strings.Contains(err.Error(), "AccessDenied") {
		t.Errorf("Expected error code in message, got %v", err)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		t.Error("Expected wrapped smithy.APIError")
	}
}

func TestNewS3Client(t *testing.T) {
	client := NewS3Client(config.S3SinkConfig{
		Region:          "us-east-1",
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	})

	opts := client.Options()
	if opts.Region != "us-east-1" || !opts.UsePathStyle {
		t.Errorf("Unexpected client options: region=%s path_style=%v", opts.Region, opts.UsePathStyle)
	}
	if opts.BaseEndpoint == nil || *opts.BaseEndpoint != "http://127.0.0.1:9000" {
		t.Error("Expected custom endpoint")
	}
	if opts.Credentials == nil {
		t.Error("Expected static credentials")
	}
}

// Webhook sink

type receivedForm struct {
	fields   map[string]string
	filename string
	file     []byte
	auth     string
}

func parseForm(t *testing.T, r *http.Request) receivedForm {
	t.Helper()

	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		t.Errorf("Bad content type: %v", err)
		return receivedForm{}
	}

	form := receivedForm{fields: make(map[string]string), auth: r.Header.Get("Authorization")}
	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Errorf("Bad multipart body: %v", err)
			break
		}
		data, _ := io.ReadAll(part)
		if part.FormName() == "file" {
			form.filename = part.FileName()
			form.file = data
		} else {
			form.fields[part.FormName()] = string(data)
		}
	}
	return form
}

func TestWebhookSinkPostsMultipart(t *testing.T) {
	forms := make(chan receivedForm, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forms <- parseForm(t, r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{Endpoint: srv.URL, APIKey: "secret"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := okResult(t, "rec-4")
	if err := sink.Deliver(context.Background(), res); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	form := <-forms
	if form.auth != "Bearer secret" {
		t.Errorf("Unexpected authorization header %q", form.auth)
	}
	if form.filename != ObjectName(res) {
		t.Errorf("Unexpected filename %q", form.filename)
	}
	if !bytes.Equal(form.file, res.Wave.Bytes()) {
		t.Error("Posted file differs from the encoded WAV")
	}

	expected := map[string]string{
		"recording_id":  "rec-4",
		"sample_rate":   "16000",
		"channels":      "1",
		"bit_depth":     "16",
		"duration":      "0.020",
		"payload_bytes": "640",
		"chunks":        "2",
	}
	for k, v := range expected {
		if form.fields[k] != v {
			t.Errorf("Field %s: expected %q, got %q", k, v, form.fields[k])
		}
	}

	stats := sink.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 || stats.SuccessRate != 100 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestWebhookSinkRetries(t *testing.T) {
	tests := []struct {
		name          string
		statuses      []int
		maxRetries    int
		expectError   bool
		expectedCalls int32
	}{
		{"succeeds after server errors", []int{500, 503, 200}, 3, false, 3},
		{"rate limited then ok", []int{429, 200}, 3, false, 2},
		{"client error is not retried", []int{400}, 3, true, 1},
		{"gives up after max retries", []int{502, 502, 502}, 2, true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer srv.Close()

			reg := prometheus.NewRegistry()
			m := metrics.NewMetrics(reg)

			sink, err := NewWebhookSink(WebhookConfig{
				Endpoint:    srv.URL,
				MaxRetries:  tt.maxRetries,
				BaseBackoff: time.Millisecond,
			}, m)
			if err != nil {
				t.Fatal(err)
			}

			err = sink.Deliver(context.Background(), okResult(t, "r"))
			if tt.expectError && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
			if got := calls.Load(); got != tt.expectedCalls {
				t.Errorf("Expected %d calls, got %d", tt.expectedCalls, got)
			}

			retries := testutil.ToFloat64(m.SinkRetries.WithLabelValues("webhook"))
			if retries != float64(tt.expectedCalls-1) {
				t.Errorf("Expected %d retries counted, got %v", tt.expectedCalls-1, retries)
			}
		})
	}
}

func TestWebhookSinkRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{Endpoint: srv.URL, RateLimit: 0.001, RateBurst: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := sink.Deliver(context.Background(), okResult(t, "a")); err != nil {
		t.Fatalf("First delivery should use the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := sink.Deliver(ctx, okResult(t, "b")); err == nil {
		t.Error("Expected second delivery to be held back by the rate limit")
	}
}

func TestNewWebhookSinkRequiresEndpoint(t *testing.T) {
	if _, err := NewWebhookSink(WebhookConfig{}, nil); err == nil {
		t.Error("Expected error for empty endpoint")
	}
}

// Dispatcher

type fakeSink struct {
	name  string
	err   error
	delay time.Duration

	mu  sync.Mutex
	got []string
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Deliver(ctx context.Context, res *session.Result) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.got = append(f.got, res.ID)
	f.mu.Unlock()
	return f.err
}

func TestDispatcherDeliversToAllSinks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	good := &fakeSink{name: "good"}
	bad := &fakeSink{name: "bad", err: errors.New("disk full")}
	d := NewDispatcher([]Sink{good, bad}, time.Second, testLogger(), m)

	var mu sync.Mutex
	outcomes := make(map[string]string)
	d.OnOutcome(func(id, sink, outcome string) {
		mu.Lock()
		defer mu.Unlock()
		outcomes[id+"/"+sink] = outcome
	})

	d.Handle(okResult(t, "r1"))
	d.Handle(failedResult("r2"))

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if len(good.got) != 1 || good.got[0] != "r1" {
		t.Errorf("Expected only the successful recording delivered, got %v", good.got)
	}
	if outcomes["r1/good"] != OutcomeDelivered || outcomes["r1/bad"] != OutcomeFailed {
		t.Errorf("Unexpected outcomes: %v", outcomes)
	}
	if _, ok := outcomes["r2/good"]; ok {
		t.Error("Failed recording must not be dispatched")
	}

	if got := testutil.ToFloat64(m.SinkDeliveries.WithLabelValues("good", "success")); got != 1 {
		t.Errorf("Expected 1 success counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.SinkDeliveries.WithLabelValues("bad", "failure")); got != 1 {
		t.Errorf("Expected 1 failure counted, got %v", got)
	}
}

func TestDispatcherCloseCancelsSlowDeliveries(t *testing.T) {
	slow := &fakeSink{name: "slow", delay: time.Minute}
	d := NewDispatcher([]Sink{slow}, time.Hour, testLogger(), nil)

	d.Handle(okResult(t, "r"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Close did not cancel the slow delivery")
	}
}

func TestDispatcherDeliverSync(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b", err: errors.New("boom")}
	d := NewDispatcher([]Sink{a, b}, time.Second, testLogger(), nil)

	err := d.Deliver(context.Background(), okResult(t, "r"))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected joined error, got %v", err)
	}
	if len(a.got) != 1 {
		t.Error("Expected first sink to receive the recording")
	}
}

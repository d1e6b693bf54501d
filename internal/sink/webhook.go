package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/skypro1111/pcm-recorder/internal/config"
	"github.com/skypro1111/pcm-recorder/internal/metrics"
	"github.com/skypro1111/pcm-recorder/internal/session"
)

// WebhookConfig contains webhook sink configuration
type WebhookConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	RateLimit     float64 // requests per second, 0 disables
	RateBurst     int
	BaseBackoff   time.Duration
}

// WebhookConfigFromConfig converts the sinks.webhook configuration section
func WebhookConfigFromConfig(c config.WebhookSinkConfig) WebhookConfig {
	return WebhookConfig{
		Endpoint:      c.Endpoint,
		APIKey:        c.APIKey,
		Timeout:       c.GetTimeoutDuration(),
		MaxRetries:    c.MaxRetries,
		MaxConcurrent: c.MaxConcurrent,
		RateLimit:     c.RateLimit,
		RateBurst:     c.RateBurst,
	}
}

// WebhookStats represents webhook delivery statistics
type WebhookStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// statusError is a non-2xx response from the endpoint
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// WebhookSink posts each recording as multipart/form-data. Concurrent
// deliveries are bounded by a semaphore, optionally rate limited, and
// retried with exponential backoff.
type WebhookSink struct {
	config     WebhookConfig
	httpClient *http.Client
	semaphore  chan struct{}
	limiter    *rate.Limiter
	metrics    *metrics.Metrics

	mu              sync.RWMutex
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(cfg WebhookConfig, m *metrics.Metrics) (*WebhookSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}

	w := &WebhookSink{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
		metrics:   m,
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return w, nil
}

// Name implements Sink
func (w *WebhookSink) Name() string { return "webhook" }

// Deliver implements Sink
func (w *WebhookSink) Deliver(ctx context.Context, res *session.Result) error {
	if err := checkResult(res); err != nil {
		return err
	}

	select {
	case w.semaphore <- struct{}{}:
		defer func() { <-w.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	startTime := time.Now()
	w.incrementTotalRequests()

	body, contentType, err := w.createMultipartRequest(res)
	if err != nil {
		w.incrementFailedRequests()
		return fmt.Errorf("failed to create multipart request: %w", err)
	}

	var lastErr error

	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			w.incrementTotalRetries()
			w.metrics.RecordSinkRetry(w.Name())

			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * w.config.BaseBackoff
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				w.incrementFailedRequests()
				return ctx.Err()
			}
		}

		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				w.incrementFailedRequests()
				return fmt.Errorf("rate limiter: %w", err)
			}
		}

		err := w.doRequest(ctx, res.ID, body, contentType)
		if err == nil {
			w.incrementSuccessRequests()
			w.updateAvgResponseTime(time.Since(startTime))
			return nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	w.incrementFailedRequests()
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", w.config.MaxRetries+1, lastErr)
}

func (w *WebhookSink) doRequest(ctx context.Context, id string, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "PCM-Recorder/1.0")
	req.Header.Set("X-Recording-ID", id)
	if w.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}
	return nil
}

// createMultipartRequest builds the form once so retries resend the same bytes
func (w *WebhookSink) createMultipartRequest(res *session.Result) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", ObjectName(res))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := res.Wave.WriteTo(fileWriter); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	cfg := res.Wave.Config()
	fields := [][2]string{
		{"recording_id", res.ID},
		{"sample_rate", strconv.FormatUint(uint64(cfg.SampleRate()), 10)},
		{"channels", strconv.Itoa(int(cfg.Channels()))},
		{"bit_depth", strconv.Itoa(int(cfg.BitDepth()))},
		{"duration", fmt.Sprintf("%.3f", res.Wave.Duration().Seconds())},
		{"payload_bytes", strconv.FormatUint(res.Wave.PayloadLen(), 10)},
		{"chunks", strconv.FormatUint(res.Chunks, 10)},
		{"started_at", res.StartedAt.UTC().Format(time.RFC3339)},
		{"finished_at", res.FinishedAt.UTC().Format(time.RFC3339)},
	}
	if res.Levels != nil {
		fields = append(fields,
			[2]string{"voice_percentage", fmt.Sprintf("%.1f", res.Levels.VoicePercentage)},
			[2]string{"rms_dbfs", fmt.Sprintf("%.1f", res.Levels.RMSDBFS)},
		)
	}

	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

// isRetryableError reports whether a failed attempt may succeed if repeated:
// 5xx and 429 responses, timeouts and connection errors.
func isRetryableError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func (w *WebhookSink) incrementTotalRequests() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.totalRequests++
}

func (w *WebhookSink) incrementSuccessRequests() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.successRequests++
}

func (w *WebhookSink) incrementFailedRequests() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failedRequests++
}

func (w *WebhookSink) incrementTotalRetries() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.totalRetries++
}

func (w *WebhookSink) updateAvgResponseTime(responseTime time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.avgResponseTime == 0 {
		w.avgResponseTime = responseTime
	} else {
		w.avgResponseTime = (w.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current delivery statistics
func (w *WebhookSink) GetStats() WebhookStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	successRate := float64(0)
	if w.totalRequests > 0 {
		successRate = float64(w.successRequests) / float64(w.totalRequests) * 100
	}

	return WebhookStats{
		TotalRequests:   w.totalRequests,
		SuccessRequests: w.successRequests,
		FailedRequests:  w.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    w.totalRetries,
		AvgResponseTime: w.avgResponseTime,
		ActiveRequests:  len(w.semaphore),
	}
}

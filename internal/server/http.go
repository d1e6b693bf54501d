package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/skypro1111/pcm-recorder/internal/audio"
	"github.com/skypro1111/pcm-recorder/internal/capture"
	"github.com/skypro1111/pcm-recorder/internal/capture/wsdevice"
	"github.com/skypro1111/pcm-recorder/internal/config"
	"github.com/skypro1111/pcm-recorder/internal/metrics"
	"github.com/skypro1111/pcm-recorder/internal/recordings"
	"github.com/skypro1111/pcm-recorder/internal/session"
	"github.com/skypro1111/pcm-recorder/internal/sink"
)

// ErrUseWebSocket is returned by a DeviceFactory when the configured backend
// only accepts recordings through the WebSocket endpoint.
var ErrUseWebSocket = errors.New("capture backend is websocket: connect to /capture/ws")

// DeviceFactory creates the capture device for a recording started over HTTP
type DeviceFactory func(cfg *config.Config) (capture.Device, error)

// Deps are the components the HTTP API operates on
type Deps struct {
	Config     *config.Holder
	Controller *session.Controller
	Store      *recordings.Store
	Devices    DeviceFactory
	Sinks      []sink.Sink
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer // nil serves the default registry
}

// HTTPServer provides the recording control API
type HTTPServer struct {
	server     *http.Server
	handler    http.Handler
	logger     *slog.Logger
	config     *config.Holder
	controller *session.Controller
	store      *recordings.Store
	devices    DeviceFactory
	sinks      []sink.Sink
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	upgrader   websocket.Upgrader

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, deps Deps) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:     logger,
		config:     deps.Config,
		controller: deps.Controller,
		store:      deps.Store,
		devices:    deps.Devices,
		sinks:      deps.Sinks,
		metrics:    deps.Metrics,
		gatherer:   gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 4 * 1024,
			// Browser clients are served from other origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// stop?wait=true may block for the whole stop timeout
		WriteTimeout: cfg.GetStopTimeoutDuration() + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the route multiplexer
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/status", h.withMetrics("/status", h.handleStatus))

	// Recording control
	mux.HandleFunc("/recordings/start", h.withMetrics("/recordings/start", h.handleStart))
	mux.HandleFunc("/recordings/stop", h.withMetrics("/recordings/stop", h.handleStop))

	// Finished recordings
	mux.HandleFunc("/recordings", h.withMetrics("/recordings", h.handleRecordings))
	mux.HandleFunc("/recordings/{id}", h.withMetrics("/recordings/{id}", h.handleRecordingDetail))
	mux.HandleFunc("/recordings/{id}/audio.wav", h.withMetrics("/recordings/{id}/audio.wav", h.handleRecordingAudio))

	// Streamed capture from browsers and other WebSocket clients
	mux.HandleFunc("/capture/ws", h.withMetrics("/capture/ws", h.handleCaptureWS))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats/sinks", h.withMetrics("/stats/sinks", h.handleSinkStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack passes WebSocket upgrades through to the underlying connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// statusFor maps recorder errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrAlreadyRecording), errors.Is(err, session.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, capture.ErrCaptureUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, audio.ErrInvalidConfiguration), errors.Is(err, audio.ErrUnsupportedFormat),
		errors.Is(err, ErrUseWebSocket):
		return http.StatusBadRequest
	case errors.Is(err, audio.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, recordings.ErrNotFound), errors.Is(err, recordings.ErrNoAudio):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is the short error identifier sent to API and WebSocket clients
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrAlreadyRecording):
		return "already_recording"
	case errors.Is(err, session.ErrNotRecording):
		return "not_recording"
	case errors.Is(err, capture.ErrCaptureUnavailable):
		return "capture_unavailable"
	case errors.Is(err, capture.ErrCaptureInterrupted):
		return "capture_interrupted"
	case errors.Is(err, audio.ErrInvalidConfiguration), errors.Is(err, audio.ErrUnsupportedFormat):
		return "invalid_configuration"
	case errors.Is(err, audio.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, recordings.ErrNotFound), errors.Is(err, recordings.ErrNoAudio):
		return "not_found"
	case errors.Is(err, ErrUseWebSocket):
		return "use_websocket"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error":   errorCode(err),
		"message": err.Error(),
	})
}

// mergeOptions fills zero fields of req from the configured defaults
func mergeOptions(defaults, req audio.Options) audio.Options {
	if req.SampleRate != 0 {
		defaults.SampleRate = req.SampleRate
	}
	if req.Channels != 0 {
		defaults.Channels = req.Channels
	}
	if req.BitDepth != 0 {
		defaults.BitDepth = req.BitDepth
	}
	if req.Format != 0 {
		defaults.Format = req.Format
	}
	return defaults
}

// recordingInfo describes an active recording
type recordingInfo struct {
	ID        string           `json:"id"`
	StartedAt time.Time        `json:"started_at"`
	Format    audio.Options    `json:"format"`
	Elapsed   string           `json:"elapsed"`
	Progress  session.Progress `json:"progress"`
}

func infoFor(rec *session.Recording) recordingInfo {
	return recordingInfo{
		ID:        rec.ID,
		StartedAt: rec.StartedAt.UTC(),
		Format:    rec.Config.Options(),
		Elapsed:   time.Since(rec.StartedAt).Round(time.Millisecond).String(),
		Progress:  rec.Progress(),
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.config.Get()
	sinkNames := make([]string, 0, len(h.sinks))
	for _, s := range h.sinks {
		sinkNames = append(sinkNames, s.Name())
	}

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "pcm-recorder",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"session": map[string]any{
				"state": h.controller.State(),
			},
			"capture": map[string]any{
				"backend": cfg.Capture.Backend,
			},
			"recordings": map[string]any{
				"stored":    h.store.Len(),
				"retention": cfg.Recordings.Retention,
			},
			"sinks": sinkNames,
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleStatus implements the /status endpoint
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := map[string]any{
		"state":     h.controller.State(),
		"timestamp": time.Now().UTC(),
	}
	if rec := h.controller.Current(); rec != nil {
		status["recording"] = infoFor(rec)
	}
	if last, ok := h.store.Latest(); ok {
		status["last_recording"] = last
	}

	writeJSON(w, http.StatusOK, status)
}

// handleStart implements POST /recordings/start. The optional JSON body
// overrides the configured audio parameters.
func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req audio.Options
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	cfg := h.config.Get()
	opts := mergeOptions(cfg.Audio.Options(), req)
	if _, err := audio.NewConfiguration(opts); err != nil {
		writeError(w, err)
		return
	}

	dev, err := h.devices(cfg)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cfg.Capture.GetOpenTimeoutDuration())
	defer cancel()

	rec, err := h.controller.Start(ctx, opts, dev)
	if err != nil {
		h.logger.Warn("Start request failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, infoFor(rec))
}

// handleStop implements POST /recordings/stop. With wait=true the response
// carries the finished recording.
func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	if !wait {
		rec := h.controller.Current()
		if rec == nil {
			writeError(w, session.ErrNotRecording)
			return
		}
		h.controller.Stop()
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":     rec.ID,
			"status": "stopping",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.Get().HTTP.GetStopTimeoutDuration())
	defer cancel()

	res, err := h.controller.StopWait(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	// Result handlers have run by now, so the store holds delivery state
	meta, err := h.store.Get(res.ID)
	if err != nil {
		meta = recordings.MetaFromResult(res)
	}

	status := http.StatusOK
	if !res.OK() {
		status = statusFor(res.Err)
	}
	writeJSON(w, status, meta)
}

// handleRecordings implements the /recordings endpoint
func (h *HTTPServer) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	list := h.store.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"total":      len(list),
		"timestamp":  time.Now().UTC(),
		"recordings": list,
	})
}

// handleRecordingDetail implements GET and DELETE /recordings/{id}
func (h *HTTPServer) handleRecordingDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		meta, err := h.store.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, meta)

	case http.MethodDelete:
		if !h.store.Remove(id) {
			writeError(w, recordings.ErrNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRecordingAudio implements GET /recordings/{id}/audio.wav
func (h *HTTPServer) handleRecordingAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.PathValue("id")
	meta, err := h.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	wave, err := h.store.Wave(id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".wav"))
	http.ServeContent(w, r, id+".wav", meta.FinishedAt, bytes.NewReader(wave.Bytes()))
}

// handleCaptureWS records a stream sent over a WebSocket. The client sends a
// hello, then binary PCM frames, then a stop message; the server answers with
// started and result messages.
func (h *HTTPServer) handleCaptureWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	logger := h.logger.With(slog.String("remote_addr", r.RemoteAddr))

	hello, err := wsdevice.ReadHello(conn, 5*time.Second)
	if err != nil {
		logger.Warn("Rejected capture connection", slog.String("error", err.Error()))
		wsdevice.WriteError(conn, "bad_hello", err.Error())
		return
	}

	cfg := h.config.Get()
	opts := mergeOptions(cfg.Audio.Options(), hello.Options())

	ctx, cancel := context.WithTimeout(r.Context(), cfg.Capture.GetOpenTimeoutDuration())
	rec, err := h.controller.Start(ctx, opts, wsdevice.New(conn, logger))
	cancel()
	if err != nil {
		wsdevice.WriteError(conn, errorCode(err), err.Error())
		return
	}

	if err := conn.WriteJSON(map[string]any{
		"type":   wsdevice.TypeStarted,
		"id":     rec.ID,
		"format": rec.Config.Options(),
	}); err != nil {
		logger.Warn("Failed to send started message", slog.String("error", err.Error()))
		h.controller.Stop()
	}

	<-rec.Done()
	res := rec.Result()

	meta, err := h.store.Get(res.ID)
	if err != nil {
		meta = recordings.MetaFromResult(res)
	}

	if err := conn.WriteJSON(map[string]any{
		"type":      wsdevice.TypeResult,
		"recording": meta,
	}); err != nil {
		logger.Debug("Client gone before result", slog.String("error", err.Error()))
		return
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
}

// handleConfig implements the /config endpoint. Credentials are masked.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := *h.config.Get()
	if cfg.Sinks.S3.SecretAccessKey != "" {
		cfg.Sinks.S3.SecretAccessKey = "***"
	}
	if cfg.Sinks.Webhook.APIKey != "" {
		cfg.Sinks.Webhook.APIKey = "***"
	}

	// Round-trip through YAML so the keys match the configuration file
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	var sanitized map[string]any
	if err := yaml.Unmarshal(data, &sanitized); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"path":   h.config.Path(),
		"config": sanitized,
	})
}

// handleSinkStats implements the /stats/sinks endpoint
func (h *HTTPServer) handleSinkStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := make(map[string]any, len(h.sinks))
	for _, s := range h.sinks {
		switch s := s.(type) {
		case *sink.WebhookSink:
			stats[s.Name()] = s.GetStats()
		case *sink.FileSink:
			stats[s.Name()] = map[string]string{"directory": s.Dir()}
		default:
			stats[s.Name()] = map[string]string{}
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]any{
		"service": "PCM Recorder",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":                          "API documentation",
			"GET /health":                    "Service health check",
			"GET /status":                    "Session state and live progress",
			"POST /recordings/start":         "Start a recording with the configured backend",
			"POST /recordings/stop":          "Stop the recording (?wait=true returns the result)",
			"GET /recordings":                "List finished recordings",
			"GET /recordings/{id}":           "Get recording metadata",
			"DELETE /recordings/{id}":        "Forget a recording",
			"GET /recordings/{id}/audio.wav": "Download the WAV file",
			"GET /capture/ws":                "Record a stream sent over a WebSocket",
			"GET /config":                    "Get service configuration",
			"GET /stats/sinks":               "Get sink delivery statistics",
			"GET /metrics":                   "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

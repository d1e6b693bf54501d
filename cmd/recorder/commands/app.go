package commands

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/pcm-recorder/internal/capture"
	"github.com/skypro1111/pcm-recorder/internal/capture/micdevice"
	"github.com/skypro1111/pcm-recorder/internal/capture/udpdevice"
	"github.com/skypro1111/pcm-recorder/internal/config"
	"github.com/skypro1111/pcm-recorder/internal/metrics"
	"github.com/skypro1111/pcm-recorder/internal/recordings"
	"github.com/skypro1111/pcm-recorder/internal/server"
	"github.com/skypro1111/pcm-recorder/internal/session"
	"github.com/skypro1111/pcm-recorder/internal/sink"
	"github.com/skypro1111/pcm-recorder/internal/vad"
)

// app holds the components shared by serve and record
type app struct {
	holder     *config.Holder
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	controller *session.Controller
	store      *recordings.Store
	sinks      []sink.Sink
	dispatcher *sink.Dispatcher
}

func newApp(holder *config.Holder, logger *slog.Logger) (*app, error) {
	cfg := holder.Get()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	var analyzer *vad.Processor
	if cfg.Levels.Enabled {
		var err error
		analyzer, err = vad.NewProcessor(cfg.Levels.Threshold, cfg.Levels.GetWindowDuration())
		if err != nil {
			return nil, fmt.Errorf("failed to create level analyzer: %w", err)
		}
	}

	sinks, err := buildSinks(cfg, m)
	if err != nil {
		return nil, err
	}

	a := &app{
		holder:     holder,
		logger:     logger,
		registry:   registry,
		metrics:    m,
		controller: session.NewController(logger, m, analyzer),
		store:      recordings.NewStore(cfg.Recordings.Retention, cfg.Recordings.GetMaxAgeDuration(), logger),
		sinks:      sinks,
		dispatcher: sink.NewDispatcher(sinks, 0, logger, m),
	}

	// The store sees each result before any sink reports on it
	a.controller.OnResult(func(res *session.Result) { a.store.Add(res) })
	a.dispatcher.OnOutcome(a.store.SetDelivery)

	return a, nil
}

// newDevice creates the capture device for the configured backend
func (a *app) newDevice(cfg *config.Config) (capture.Device, error) {
	switch cfg.Capture.Backend {
	case config.BackendDevice:
		return micdevice.New(micdevice.OptionsFromConfig(cfg.Capture.Device), a.logger), nil
	case config.BackendUDP:
		return udpdevice.New(udpdevice.OptionsFromConfig(cfg.Capture.UDP), a.logger, a.metrics), nil
	case config.BackendWebSocket:
		return nil, server.ErrUseWebSocket
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Capture.Backend)
	}
}

// buildSinks creates every enabled sink
func buildSinks(cfg *config.Config, m *metrics.Metrics) ([]sink.Sink, error) {
	var sinks []sink.Sink

	if cfg.Sinks.File.Enabled {
		fs, err := sink.NewFileSink(cfg.Sinks.File.Directory)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}

	if cfg.Sinks.S3.Enabled {
		client := sink.NewS3Client(cfg.Sinks.S3)
		sinks = append(sinks, sink.NewS3Sink(client, cfg.Sinks.S3.Bucket, cfg.Sinks.S3.Prefix))
	}

	if cfg.Sinks.Webhook.Enabled {
		ws, err := sink.NewWebhookSink(sink.WebhookConfigFromConfig(cfg.Sinks.Webhook), m)
		if err != nil {
			return nil, fmt.Errorf("webhook sink: %w", err)
		}
		sinks = append(sinks, ws)
	}

	return sinks, nil
}

func sinkNames(sinks []sink.Sink) []string {
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	return names
}

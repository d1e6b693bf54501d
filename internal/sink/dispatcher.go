package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/pcm-recorder/internal/metrics"
	"github.com/skypro1111/pcm-recorder/internal/session"
)

// Delivery outcomes reported to OutcomeFunc
const (
	OutcomePending   = "pending"
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

// OutcomeFunc is told about each sink delivery as it progresses
type OutcomeFunc func(recordingID, sink, outcome string)

// Dispatcher fans finished recordings out to every sink in the background.
// Handle is a session.ResultHandler and never blocks the controller.
type Dispatcher struct {
	sinks     []Sink
	logger    *slog.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	onOutcome OutcomeFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Each delivery is bounded by timeout.
func NewDispatcher(sinks []Sink, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sinks:   sinks,
		logger:  logger,
		metrics: m,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnOutcome registers fn for delivery progress. Must be called before the
// first Handle.
func (d *Dispatcher) OnOutcome(fn OutcomeFunc) {
	d.onOutcome = fn
}

// Sinks returns the configured sinks
func (d *Dispatcher) Sinks() []Sink {
	return d.sinks
}

// Handle delivers res to every sink asynchronously. Failed recordings are
// not delivered.
func (d *Dispatcher) Handle(res *session.Result) {
	if !res.OK() {
		return
	}

	for _, s := range d.sinks {
		d.report(res.ID, s.Name(), OutcomePending)

		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()
			d.deliver(s, res)
		}(s)
	}
}

// Deliver sends res to every sink and waits, returning the joined errors.
// Used by one-shot commands that exit after recording.
func (d *Dispatcher) Deliver(ctx context.Context, res *session.Result) error {
	var errs []error
	for _, s := range d.sinks {
		if err := d.deliverWith(ctx, s, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close waits for in-flight deliveries until ctx ends, then cancels them
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(s Sink, res *session.Result) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	_ = d.deliverWith(ctx, s, res)
}

func (d *Dispatcher) deliverWith(ctx context.Context, s Sink, res *session.Result) error {
	start := time.Now()
	err := s.Deliver(ctx, res)
	elapsed := time.Since(start)

	d.metrics.RecordSinkDelivery(s.Name(), err == nil, elapsed.Seconds())

	if err != nil {
		d.report(res.ID, s.Name(), OutcomeFailed)
		d.logger.Error("Failed to deliver recording",
			slog.String("recording_id", res.ID),
			slog.String("sink", s.Name()),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return err
	}

	d.report(res.ID, s.Name(), OutcomeDelivered)
	d.logger.Info("Recording delivered",
		slog.String("recording_id", res.ID),
		slog.String("sink", s.Name()),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func (d *Dispatcher) report(id, sink, outcome string) {
	if d.onOutcome != nil {
		d.onOutcome(id, sink, outcome)
	}
}

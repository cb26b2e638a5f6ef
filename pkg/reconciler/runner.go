// Package reconciler runs the periodic sweeps that correct fleet state from
// time alone: agents whose heartbeats stopped and commands that outlived
// their timeout.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/opszero/hive/pkg/telemetry"
)

// SweepFunc applies one reconciliation pass as of now and reports how many
// rows it changed.
type SweepFunc func(ctx context.Context, now time.Time) (int64, error)

// Options configures a Runner. Zero values take defaults.
type Options struct {
	Now         func() time.Time
	Logger      zerolog.Logger
	Instruments *telemetry.Instruments
	Tracer      trace.Tracer
	// SweepTimeout bounds a single pass. Defaults to the interval.
	SweepTimeout time.Duration
}

// Status is a snapshot of a runner's recent history.
type Status struct {
	Name        string        `json:"name"`
	Interval    time.Duration `json:"interval"`
	Running     bool          `json:"running"`
	Runs        int64         `json:"runs"`
	LastRun     time.Time     `json:"last_run"`
	LastSuccess time.Time     `json:"last_success"`
	LastError   string        `json:"last_error,omitempty"`
	LastChanged int64         `json:"last_changed"`
}

// Runner owns a ticker and invokes its sweep on every tick until stopped.
// A failed sweep is logged and retried on the next tick.
type Runner struct {
	name     string
	interval time.Duration
	sweep    SweepFunc
	opts     Options
	log      zerolog.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Instruments

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var ErrAlreadyRunning = errors.New("reconciler already running")

func NewRunner(name string, interval time.Duration, sweep SweepFunc, opts Options) *Runner {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Instruments == nil {
		opts.Instruments = telemetry.NoopInstruments()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/opszero/hive/pkg/reconciler")
	}
	if opts.SweepTimeout <= 0 {
		opts.SweepTimeout = interval
	}
	return &Runner{
		name:     name,
		interval: interval,
		sweep:    sweep,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "reconciler").Str("reconciler", name).Logger(),
		tracer:   opts.Tracer,
		metrics:  opts.Instruments,
		status:   Status{Name: name, Interval: interval},
	}
}

func (r *Runner) Name() string { return r.name }

func (r *Runner) Interval() time.Duration { return r.interval }

// Start launches the loop. The loop ends when ctx is cancelled or Stop is
// called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.status.Running = true

	r.wg.Add(1)
	go r.loop(ctx)
	r.log.Info().Dur("interval", r.interval).Msg("reconciler started")
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()

	r.mu.Lock()
	r.status.Running = false
	r.mu.Unlock()
	r.log.Info().Msg("reconciler stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep immediately, recording its outcome.
func (r *Runner) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.SweepTimeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "reconciler."+r.name, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	now := r.opts.Now().UTC()
	started := time.Now()
	changed, err := r.sweep(ctx, now)
	elapsed := time.Since(started)

	attrs := metric.WithAttributes(attribute.String("reconciler", r.name))
	r.metrics.SweepDuration.Record(ctx, elapsed.Seconds(), attrs)
	span.SetAttributes(
		attribute.String("hive.reconciler", r.name),
		attribute.Int64("hive.rows_changed", changed),
	)

	r.mu.Lock()
	r.status.Runs++
	r.status.LastRun = now
	r.status.LastChanged = changed
	if err != nil {
		r.status.LastError = err.Error()
	} else {
		r.status.LastError = ""
		r.status.LastSuccess = now
	}
	r.mu.Unlock()

	if err != nil {
		r.metrics.SweepErrors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Warn().Err(err).Dur("elapsed", elapsed).Msg("sweep failed")
		return 0, err
	}

	evt := r.log.Debug()
	if changed > 0 {
		evt = r.log.Info()
	}
	evt.Int64("changed", changed).Dur("elapsed", elapsed).Msg("sweep complete")
	return changed, nil
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Package processor marks pending records on behalf of the elected leader.
//
// Every tick checks the leadership flag first and touches the store only
// while it is set. Records are not locked individually: write exclusivity
// rests on there being one leader. A leader that loses leadership between
// the read and a write can still mark a record the new leader is also
// marking; the second write wins and both stamps are valid timestamps for a
// processed record.
package processor

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dbreader/pkg/metrics"
	"dbreader/pkg/models"
	tracing "dbreader/pkg/observability"
	"dbreader/pkg/storage"
)

// Leadership reports whether this instance may process records.
type Leadership interface {
	IsLeader() bool
}

// Outcome classifies a tick.
type Outcome string

const (
	OutcomeStandby    Outcome = "standby"
	OutcomeEmpty      Outcome = "empty"
	OutcomeProcessed  Outcome = "processed"
	OutcomeQueryError Outcome = "query_error"
)

// Result summarises one tick.
type Result struct {
	Outcome   Outcome
	Fetched   int
	Processed int
	Failed    int
}

type Config struct {
	InstanceID string
	// BatchSize caps records per tick; 0 processes everything pending.
	BatchSize int
}

type Option func(*Runner)

// WithPublisher announces each persisted record downstream.
func WithPublisher(p storage.Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithClock overrides the time source used for processed stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithTracer replaces the global tracer, e.g. with the service provider's.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

type Runner struct {
	store     storage.RecordStore
	leader    Leadership
	cfg       Config
	publisher storage.Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewRunner(store storage.RecordStore, leader Leadership, cfg Config, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		store:  store,
		leader: leader,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("dbreader/processor"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tick runs one pass. It returns an error only when the pending records
// could not be read; individual persist failures are logged and counted.
func (r *Runner) Tick(ctx context.Context) (Result, error) {
	if !r.leader.IsLeader() {
		metrics.Ticks.WithLabelValues(string(OutcomeStandby)).Inc()
		return Result{Outcome: OutcomeStandby}, nil
	}

	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := r.tracer.Start(ctx, "processor.tick",
		trace.WithAttributes(attribute.String("instance.id", r.cfg.InstanceID)))
	defer span.End()

	r.logger.Debug("tick started", zap.String("instance", r.cfg.InstanceID))

	records, err := r.store.FindUnprocessed(ctx, r.cfg.BatchSize)
	if err != nil {
		tracing.SetError(ctx, err)
		metrics.Ticks.WithLabelValues(string(OutcomeQueryError)).Inc()
		r.logger.Error("failed to read unprocessed records, tick aborted", zap.Error(err))
		return Result{Outcome: OutcomeQueryError}, err
	}

	res := Result{Outcome: OutcomeProcessed, Fetched: len(records)}
	span.SetAttributes(attribute.Int("records.fetched", len(records)))
	if len(records) == 0 {
		res.Outcome = OutcomeEmpty
		metrics.Ticks.WithLabelValues(string(OutcomeEmpty)).Inc()
		r.logger.Info("no records to process", zap.String("instance", r.cfg.InstanceID))
		return res, nil
	}

	r.logger.Info("processing unprocessed records",
		zap.Int("count", len(records)),
		zap.String("instance", r.cfg.InstanceID))

	for i := range records {
		if ctx.Err() != nil {
			break
		}
		if err := r.process(ctx, &records[i]); err != nil {
			res.Failed++
			continue
		}
		res.Processed++
	}

	span.SetAttributes(
		attribute.Int("records.processed", res.Processed),
		attribute.Int("records.failed", res.Failed))
	metrics.Ticks.WithLabelValues(string(OutcomeProcessed)).Inc()
	r.logger.Info("tick finished",
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.String("instance", r.cfg.InstanceID))
	return res, nil
}

func (r *Runner) process(ctx context.Context, rec *models.DataRecord) error {
	rec.MarkProcessed(r.cfg.InstanceID, r.now())

	if err := r.store.Save(ctx, rec); err != nil {
		metrics.PersistFailures.Inc()
		tracing.AddEvent(ctx, "persist_failed", attribute.Int64("record.id", rec.ID))
		r.logger.Error("failed to persist processed record",
			zap.Int64("record_id", rec.ID),
			zap.Error(err))
		return err
	}
	metrics.RecordsProcessed.Inc()
	r.logger.Info("processed record",
		zap.Int64("record_id", rec.ID),
		zap.String("message", rec.Message))

	if r.publisher != nil {
		if err := r.publisher.PublishProcessed(ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("failed to publish processed record",
				zap.Int64("record_id", rec.ID),
				zap.Error(err))
		}
	}
	return nil
}

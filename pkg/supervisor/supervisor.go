// Package supervisor runs one dbreader instance: it joins the election,
// drives the job runner, serves the status API and shuts all of it down in
// order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	config "dbreader/configs"
	"dbreader/pkg/api"
	"dbreader/pkg/coordination"
	"dbreader/pkg/election"
	"dbreader/pkg/metrics"
	"dbreader/pkg/processor"
	"dbreader/pkg/resilience"
	"dbreader/pkg/scheduler"
	"dbreader/pkg/storage"
)

const shutdownTimeout = 15 * time.Second

// ResolveInstanceID prefers the configured id, then the host name, then a
// generated label.
func ResolveInstanceID(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown-" + uuid.NewString()
}

type Options struct {
	Config    *config.Config
	Client    coordination.Client
	Store     storage.RecordStore
	Publisher storage.Publisher
	Logger    *zap.Logger
	// Tracer is used for tick spans; nil keeps the global tracer.
	Tracer trace.Tracer
	// OnShutdown runs last, in order, e.g. closing the store.
	OnShutdown []func(context.Context) error
}

type Supervisor struct {
	cfg        *config.Config
	instanceID string
	logger     *zap.Logger

	engine    *election.Engine
	runner    *processor.Runner
	scheduler *scheduler.Scheduler
	api       *api.Server
	store     *storage.GuardedStore

	onShutdown []func(context.Context) error
}

func New(opts Options) (*Supervisor, error) {
	if opts.Config == nil || opts.Client == nil || opts.Store == nil {
		return nil, errors.New("supervisor: config, coordination client and store are required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg := opts.Config
	id := ResolveInstanceID(cfg.InstanceID)

	s := &Supervisor{
		cfg:        cfg,
		instanceID: id,
		logger:     log.With(zap.String("instance", id)),
		onShutdown: opts.OnShutdown,
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		metrics.StoreBreakerState.Set(float64(to))
		s.logger.Warn("store circuit breaker changed state",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}
	s.store = storage.NewGuardedStore(opts.Store, resilience.NewCircuitBreaker("record-store", breakerCfg))

	s.engine = election.NewEngine(opts.Client, election.Config{
		Path:        cfg.ElectionPath,
		InstanceID:  id,
		AutoRequeue: cfg.AutoRequeue,
		RetryDelay:  cfg.RetryBaseDelay,
		OpTimeout:   cfg.ConnectTimeout,
	}, election.ListenerFunc(s.holdLeadership), log.Named("election"))

	runnerOpts := []processor.Option{}
	if opts.Publisher != nil {
		runnerOpts = append(runnerOpts, processor.WithPublisher(opts.Publisher))
	}
	if opts.Tracer != nil {
		runnerOpts = append(runnerOpts, processor.WithTracer(opts.Tracer))
	}
	s.runner = processor.NewRunner(s.store, s.engine, processor.Config{
		InstanceID: id,
		BatchSize:  cfg.ProcessingBatchSize,
	}, log.Named("processor"), runnerOpts...)

	sched, err := scheduler.New(scheduler.Config{
		Interval: cfg.ProcessingInterval,
		Schedule: cfg.ProcessingSchedule,
	}, func(ctx context.Context) error {
		_, err := s.runner.Tick(ctx)
		return err
	}, s.logger.Named("scheduler"))
	if err != nil {
		return nil, err
	}
	s.scheduler = sched

	if cfg.APIPort != "" {
		s.api = api.NewServer(api.Config{
			Port:        cfg.APIPort,
			ServiceName: "dbreader",
			Election:    s.engine,
			Store:       s.store,
			Logger:      s.logger.Named("api"),
		})
	}
	return s, nil
}

func (s *Supervisor) Engine() *election.Engine {
	return s.engine
}

func (s *Supervisor) InstanceID() string {
	return s.instanceID
}

// holdLeadership is the election listener. It holds the term until ctx is
// cancelled, logging a heartbeat while it does.
func (s *Supervisor) holdLeadership(ctx context.Context) {
	s.logger.Info("became MASTER, processing records")

	var tick <-chan time.Time
	if s.cfg.LeaderHeartbeat > 0 {
		t := time.NewTicker(s.cfg.LeaderHeartbeat)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Warn("lost leadership, standing by")
			return
		case <-tick:
			s.logger.Debug("leadership heartbeat", zap.Bool("leader", s.engine.IsLeader()))
		}
	}
}

// Run joins the election and blocks until ctx is cancelled, then shuts
// down: the scheduler finishes its current tick, the engine releases its
// registration, the API drains and the shutdown hooks run.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.engine.Join(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := s.engine.Stop(stopCtx); stopErr != nil {
			s.logger.Warn("failed to close coordination session", zap.Error(stopErr))
		}
		s.runShutdownHooks()
		return fmt.Errorf("failed to join leader election: %w", err)
	}
	s.logger.Info("started and joined leader election",
		zap.String("path", s.cfg.ElectionPath),
		zap.Duration("interval", s.cfg.ProcessingInterval))

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.scheduler.Run(workCtx)
	}()

	apiErr := make(chan error, 1)
	if s.api != nil {
		go func() { apiErr <- s.api.Start(workCtx) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	case err := <-apiErr:
		if err != nil {
			runErr = err
			s.logger.Error("status API failed", zap.Error(err))
		}
	}

	cancelWork()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.engine.Stop(shutdownCtx); err != nil {
		s.logger.Warn("failed to leave election cleanly", zap.Error(err))
	}
	if s.api != nil {
		if err := s.api.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("status API shutdown failed", zap.Error(err))
		}
	}
	s.runShutdownHooks()
	s.logger.Info("shutdown complete")
	return runErr
}

func (s *Supervisor) runShutdownHooks() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, fn := range s.onShutdown {
		if err := fn(ctx); err != nil {
			s.logger.Warn("shutdown hook failed", zap.Error(err))
		}
	}
}

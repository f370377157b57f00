// Package engine wires the registry, ingress, scheduler, workers and status
// tracker into one dispatch engine and exposes the tenant-scoped operations
// the API serves.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/db"
	"github.com/austindbirch/hookline/internal/deadletter"
	"github.com/austindbirch/hookline/internal/delivery"
	"github.com/austindbirch/hookline/internal/health"
	"github.com/austindbirch/hookline/internal/ingest"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/registry"
	"github.com/austindbirch/hookline/internal/store/memory"
	"github.com/austindbirch/hookline/internal/store/postgres"
	"github.com/austindbirch/hookline/internal/tracker"
)

var ErrNotRunning = errors.New("engine is not running")

// Store is the combined persistence a running engine needs.
type Store interface {
	registry.Store
	tracker.Store
	health.Pinger
}

// Deps overrides pieces New would otherwise build from config.
type Deps struct {
	Store       Store
	DeadLetters delivery.DeadLetterPublisher
	Logger      *logging.Logger
}

type Engine struct {
	cfg       config.Config
	store     Store
	registry  *registry.Registry
	tracker   *tracker.Tracker
	ingest    *ingest.Service
	scheduler *delivery.Scheduler
	logger    *logging.Logger

	// owned resources, closed by Stop
	pool *pgxpool.Pool
	sink deadletter.Sink

	mu      sync.Mutex
	cancel  context.CancelFunc
	runDone chan error
	running atomic.Bool
}

// New builds an engine from cfg. The store is chosen by cfg.StoreDriver and
// the dead letter sink by cfg.DeadLetter unless deps supplies them.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Engine, error) {
	e := &Engine{cfg: cfg, logger: deps.Logger}
	if e.logger == nil {
		e.logger = logging.New(cfg.AppName)
	}

	e.store = deps.Store
	if e.store == nil {
		st, err := e.openStore(ctx)
		if err != nil {
			return nil, err
		}
		e.store = st
	}

	dlq := deps.DeadLetters
	if dlq == nil {
		sink, err := deadletter.New(cfg.DeadLetter)
		if err != nil {
			e.closeOwned()
			return nil, err
		}
		if sink != nil {
			e.sink, dlq = sink, sink
		}
	}

	e.registry = registry.New(e.store)
	e.tracker = tracker.New(e.store)

	d := cfg.Dispatch
	sender := delivery.NewSender(delivery.SenderConfig{
		Timeout:         d.AttemptTimeout,
		SignatureHeader: d.SignatureHeader,
		MessageIDHeader: d.MessageIDHeader,
		TimestampHeader: d.TimestampHeader,
	})
	worker := delivery.NewWorker(e.tracker, e.registry, sender, delivery.WorkerConfig{
		MaxAttempts: d.MaxAttempts,
		Backoff:     delivery.Backoff{Base: d.BaseInterval, Max: d.MaxInterval, Jitter: d.JitterPercent},
		DeadLetters: dlq,
		Logger:      e.logger,
	})
	e.scheduler = delivery.NewScheduler(worker, e.tracker, delivery.SchedulerConfig{
		Workers: d.WorkerPoolSize,
		Logger:  e.logger,
	})
	e.ingest = ingest.NewService(e.registry, e.tracker, e.scheduler, e.logger)
	return e, nil
}

func (e *Engine) openStore(ctx context.Context) (Store, error) {
	switch e.cfg.StoreDriver {
	case "", config.StoreMemory:
		return memory.New(), nil
	case config.StorePostgres:
		pool, err := db.Connect(ctx, e.cfg.DSN(), e.cfg.DB.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if e.cfg.RunMigrations {
			if err := db.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		e.pool = pool
		return postgres.New(pool), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", e.cfg.StoreDriver)
	}
}

// Start runs the scheduler and resubmits every unfinished delivery in
// ingestion order. It must return before the first Ingest call.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runDone != nil {
		return errors.New("engine already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.runDone = make(chan error, 1)
	e.running.Store(true)
	go func() {
		err := e.scheduler.Run(runCtx)
		e.running.Store(false)
		e.runDone <- err
	}()

	n, err := e.recover(ctx)
	if err != nil {
		return fmt.Errorf("recover deliveries: %w", err)
	}
	e.logger.Plain().WithField("recovered", n).Info("engine started")
	return nil
}

// recover reloads non-terminal deliveries and submits them in Seq order, so
// each endpoint queue sees them in ingestion order.
func (e *Engine) recover(ctx context.Context) (int, error) {
	ds, err := e.tracker.Unfinished(ctx)
	if err != nil {
		return 0, err
	}
	if len(ds) == 0 {
		return 0, nil
	}
	messages := make(map[string]*tracker.Message)
	tasks := make([]delivery.Task, 0, len(ds))
	for _, d := range ds {
		m, ok := messages[d.MessageID]
		if !ok {
			stored, err := e.tracker.GetMessage(ctx, d.TenantID, d.MessageID)
			if err != nil {
				return 0, fmt.Errorf("load message %s: %w", d.MessageID, err)
			}
			m = &stored
			messages[d.MessageID] = m
		}
		tasks = append(tasks, delivery.Task{Delivery: d, Message: m})
	}
	if err := e.scheduler.Submit(ctx, tasks); err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// Stop cancels dispatch, waits for in-flight attempts (bounded by ctx) and
// releases the store and dead letter sink.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.runDone
	e.cancel = nil
	e.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	e.closeOwned()
	return err
}

func (e *Engine) closeOwned() {
	if e.sink != nil {
		if err := e.sink.Close(); err != nil {
			e.logger.Plain().WithError(err).Warn("close dead letter sink")
		}
		e.sink = nil
	}
	if e.pool != nil {
		e.pool.Close()
		e.pool = nil
	}
}

// Checks reports store reachability and whether the scheduler is running.
func (e *Engine) Checks() []health.Check {
	return []health.Check{
		health.PingCheck("store", e.store),
		{Name: "scheduler", Run: func(context.Context) error {
			if !e.running.Load() {
				return ErrNotRunning
			}
			return nil
		}},
	}
}

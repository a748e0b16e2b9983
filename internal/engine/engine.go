package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/driftsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/driftsync/internal/entity"
	"github.com/MarcoPoloResearchLab/driftsync/internal/recovery"
	"github.com/MarcoPoloResearchLab/driftsync/internal/status"
	"github.com/MarcoPoloResearchLab/driftsync/internal/store"
	"github.com/MarcoPoloResearchLab/driftsync/internal/transport"
	"go.uber.org/zap"
)

const (
	defaultInterval    = time.Minute
	defaultBatchSize   = 50
	defaultMaxAttempts = 5

	// TriggerPeriodic identifies the timer-driven cycle trigger.
	TriggerPeriodic = "periodic"
	// TriggerConnectivity identifies the connectivity-restored trigger.
	TriggerConnectivity = "connectivity-restored"
	// TriggerManual identifies the user-initiated trigger.
	TriggerManual = "manual"
)

var (
	// ErrCycleInFlight reports that a sync cycle is already running; the
	// caller's trigger is dropped, not queued.
	ErrCycleInFlight = errors.New("sync cycle already in flight")

	errMissingQueue      = errors.New("change queue is required")
	errMissingStore      = errors.New("local store is required")
	errMissingRemote     = errors.New("remote transport is required")
	errMissingDispatcher = errors.New("status dispatcher is required")
	noOpLogger           = zap.NewNop()
)

// Config describes the dependencies and tuning of a sync Engine.
type Config struct {
	Queue      *changelog.Queue
	Store      *store.Store
	Remote     transport.Client
	Strategy   recovery.Strategy
	Dispatcher *status.Dispatcher
	Logger     *zap.Logger
	Clock      func() time.Time

	// Interval is the periodic trigger cadence.
	Interval time.Duration
	// BatchSize bounds how many due changes one cycle takes per entity type.
	BatchSize int
	// MaxAttempts bounds retries per change before the failure turns terminal.
	MaxAttempts int
	// PullTypes are the entity types reconciled from the remote each cycle.
	PullTypes []entity.EntityType
}

// Engine drives sync cycles against the remote. It is constructed once,
// started with Start and stopped with Stop; it holds no ambient global state.
type Engine struct {
	queue      *changelog.Queue
	store      *store.Store
	remote     transport.Client
	strategy   recovery.Strategy
	dispatcher *status.Dispatcher
	logger     *zap.Logger
	clock      func() time.Time

	interval    time.Duration
	batchSize   int
	maxAttempts int
	pullTypes   []entity.EntityType

	// inFlight is the single-cycle guard shared by all triggers.
	inFlight atomic.Bool
	triggers chan string

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New validates the configuration and constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	strategy := cfg.Strategy
	if strategy == (recovery.Strategy{}) {
		strategy = recovery.NewStrategy(recovery.StrategyConfig{})
	}

	return &Engine{
		queue:       cfg.Queue,
		store:       cfg.Store,
		remote:      cfg.Remote,
		strategy:    strategy,
		dispatcher:  cfg.Dispatcher,
		logger:      logger,
		clock:       clock,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		pullTypes:   cfg.PullTypes,
		triggers:    make(chan string, 1),
		done:        make(chan struct{}),
	}, nil
}

// Start launches the background worker. Cycles run on the periodic interval
// and whenever a trigger arrives; triggers during a running cycle are dropped
// and the remaining work is picked up by the next trigger.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	go func() {
		defer close(e.done)

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				e.runTriggered(runCtx, TriggerPeriodic)
			case reason := <-e.triggers:
				e.runTriggered(runCtx, reason)
			}
		}
	}()
}

// Stop cancels any in-flight cycle and waits for the worker to exit. Stopping
// an engine that was never started returns immediately.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel == nil {
			return
		}
		e.cancel()
		<-e.done
	})
}

// TriggerSync requests a cycle without blocking. A trigger arriving while a
// cycle runs (or one is already queued) is dropped.
func (e *Engine) TriggerSync(reason string) {
	if reason == "" {
		reason = TriggerManual
	}
	select {
	case e.triggers <- reason:
		e.logger.Debug("sync trigger accepted", zap.String("reason", reason))
	default:
		e.logger.Debug("sync trigger dropped", zap.String("reason", reason))
	}
}

// NotifyConnectivityRestored requests a cycle after connectivity returns.
func (e *Engine) NotifyConnectivityRestored() {
	e.TriggerSync(TriggerConnectivity)
}

func (e *Engine) runTriggered(ctx context.Context, reason string) {
	if _, err := e.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) {
		e.logger.Error("sync cycle failed",
			zap.String("trigger", reason),
			zap.Error(err))
	}
}

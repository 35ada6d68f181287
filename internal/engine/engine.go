// Package engine owns the offline action queue: every state transition,
// the single-flight processing loop, retry scheduling and conflict handling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fieldsync/internal/clock"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/domain"
	"fieldsync/internal/executor"
	"fieldsync/internal/logging"
	"fieldsync/internal/retry"
	"fieldsync/internal/store"
)

var (
	ErrActionNotFound    = errors.New("action not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidResolution = errors.New("invalid conflict resolution")
	ErrInvalidConfig     = errors.New("invalid engine config")
)

type Config struct {
	MaxRetries         int               `validate:"gte=1,lte=100"`
	RetryDelay         time.Duration     `validate:"gt=0"`
	RetryBackoff       retry.Backoff     `validate:"oneof=linear exponential"`
	MaxRetryDelay      time.Duration     `validate:"gte=0"`
	ConflictResolution domain.Resolution `validate:"oneof=manual local_wins server_wins merge"`
	// GracePeriod keeps completed actions visible before removal.
	GracePeriod  time.Duration `validate:"gte=0"`
	TickInterval time.Duration `validate:"gt=0"`
	LeaseTTL     time.Duration `validate:"gt=0"`
	// ActionTimeout bounds one executor call. Zero waits indefinitely.
	ActionTimeout time.Duration `validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		RetryDelay:         time.Second,
		RetryBackoff:       retry.Exponential,
		ConflictResolution: domain.ResolutionManual,
		GracePeriod:        2 * time.Second,
		TickInterval:       5 * time.Second,
		LeaseTTL:           store.DefaultLeaseTTL,
		ActionTimeout:      time.Minute,
	}
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Store    store.Store
	Executor executor.Executor
	Monitor  connectivity.Monitor
	// Clock defaults to wall time.
	Clock clock.Clock
	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// Listener receives aggregate statistics after every queue mutation.
type Listener func(domain.Stats)

type Engine struct {
	cfg     Config
	policy  retry.Policy
	store   store.Store
	exec    executor.Executor
	monitor connectivity.Monitor
	clock   clock.Clock
	logger  zerolog.Logger
	owner   string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	actions    []domain.QueuedAction
	processing bool
	closed     bool
	timers     map[string]armedTimer
	timerGen   uint64
	tick       clock.Timer

	lmu          sync.Mutex
	listeners    map[int]Listener
	nextListener int

	passes      sync.WaitGroup
	unsubscribe func()
}

// armedTimer tags a timer with a generation so a callback that lost the race
// against its replacement can tell it is stale.
type armedTimer struct {
	clock.Timer
	gen uint64
}

// New validates cfg and wires the engine. Call Initialize before use.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	policy := retry.Policy{BaseDelay: cfg.RetryDelay, Backoff: cfg.RetryBackoff, MaxDelay: cfg.MaxRetryDelay}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if deps.Store == nil || deps.Executor == nil || deps.Monitor == nil {
		return nil, fmt.Errorf("%w: store, executor and monitor are required", ErrInvalidConfig)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	logger := logging.Component("engine")
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		policy:    policy,
		store:     deps.Store,
		exec:      deps.Executor,
		monitor:   deps.Monitor,
		clock:     deps.Clock,
		logger:    logger,
		owner:     "eng_" + uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[string]armedTimer),
		listeners: make(map[int]Listener),
	}, nil
}

// Initialize loads the persisted queue. An unreadable snapshot is discarded
// and logged; it never fails startup.
func (e *Engine) Initialize(ctx context.Context) {
	actions, err := e.store.Load(ctx)
	reset := false
	if err != nil {
		e.logger.Error().Err(err).Msg("discarding unreadable queue snapshot; starting empty")
		actions = nil
		reset = errors.Is(err, store.ErrCorruptSnapshot)
	}

	now := e.clock.Now()
	e.mu.Lock()
	recovered := 0
	for i := range actions {
		a := &actions[i]
		if a.MaxRetries <= 0 {
			a.MaxRetries = e.cfg.MaxRetries
		}
		switch a.Status {
		case domain.StatusProcessing:
			// interrupted mid-flight; the idempotency key makes the replay safe
			a.Status = domain.StatusPending
			a.Progress = nil
			e.touch(a, now)
			recovered++
		case domain.StatusFailed:
			if !a.Exhausted() {
				delay := time.Duration(0)
				if a.NextRetryAt != nil {
					delay = max(a.NextRetryAt.Sub(now), 0)
				}
				e.scheduleRetryLocked(a.ID, delay)
			}
		case domain.StatusCompleted:
			e.scheduleRemovalLocked(a.ID)
		}
	}
	e.actions = actions
	if recovered > 0 || reset {
		_ = e.persistLocked(ctx)
	}
	stats := domain.ComputeStats(e.actions)
	e.mu.Unlock()

	e.logger.Info().
		Int("actions", stats.Total).
		Int("recovered", recovered).
		Int("pending", stats.Pending).
		Int("failed", stats.Failed).
		Int("conflict", stats.Conflict).
		Msg("queue loaded")
	e.notify(stats)
}

// Start begins periodic processing and reacts to connectivity being regained.
func (e *Engine) Start(ctx context.Context) {
	e.unsubscribe = e.monitor.Subscribe(func(online bool) {
		if online {
			e.logger.Info().Msg("connectivity regained; processing queue")
			e.trigger()
		}
	})

	e.mu.Lock()
	e.armTickLocked(ctx)
	e.mu.Unlock()

	e.logger.Info().Dur("tick", e.cfg.TickInterval).Str("owner", e.owner).Msg("engine started")
	if e.monitor.IsOnline() {
		e.trigger()
	}
}

// armTickLocked schedules the next periodic pass. The tick re-arms itself
// until ctx is done or the engine stops.
func (e *Engine) armTickLocked(ctx context.Context) {
	if e.closed || ctx.Err() != nil {
		return
	}
	e.tick = e.clock.AfterFunc(e.cfg.TickInterval, func() {
		if ctx.Err() == nil && e.monitor.IsOnline() {
			e.trigger()
		}
		e.mu.Lock()
		e.armTickLocked(ctx)
		e.mu.Unlock()
	})
}

// Stop halts timers and background processing and waits for in-flight passes.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.tick != nil {
		e.tick.Stop()
		e.tick = nil
	}
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.cancel()
	e.passes.Wait()
	e.logger.Info().Msg("engine stopped")
}

// trigger starts an asynchronous processing pass.
func (e *Engine) trigger() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.passes.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.passes.Done()
		e.ProcessQueue(e.ctx)
	}()
}

func (e *Engine) indexLocked(id string) int {
	for i := range e.actions {
		if e.actions[i].ID == id {
			return i
		}
	}
	return -1
}

// insertLocked places a by creation time to keep FIFO order.
func (e *Engine) insertLocked(a domain.QueuedAction) {
	i := sort.Search(len(e.actions), func(i int) bool {
		return e.actions[i].CreatedAt.After(a.CreatedAt)
	})
	e.actions = slices.Insert(e.actions, i, a)
}

func (e *Engine) removeLocked(i int) {
	e.stopTimerLocked(e.actions[i].ID)
	e.actions = slices.Delete(e.actions, i, i+1)
}

// touch advances UpdatedAt without ever moving it backwards.
func (e *Engine) touch(a *domain.QueuedAction, now time.Time) {
	if now.After(a.UpdatedAt) {
		a.UpdatedAt = now
	}
}

func (e *Engine) persistLocked(ctx context.Context) error {
	if err := e.store.Save(ctx, e.actions); err != nil {
		e.logger.Error().Err(err).Int("actions", len(e.actions)).Msg("failed to persist queue")
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func (e *Engine) stopTimerLocked(id string) {
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) scheduleLocked(id string, d time.Duration, f func(gen uint64)) {
	if e.closed {
		return
	}
	e.stopTimerLocked(id)
	e.timerGen++
	gen := e.timerGen
	e.timers[id] = armedTimer{Timer: e.clock.AfterFunc(d, func() { f(gen) }), gen: gen}
}

func (e *Engine) scheduleRetryLocked(id string, d time.Duration) {
	e.scheduleLocked(id, d, func(gen uint64) { e.retryDue(id, gen) })
}

func (e *Engine) scheduleRemovalLocked(id string) {
	e.scheduleLocked(id, e.cfg.GracePeriod, func(gen uint64) { e.removeCompleted(id, gen) })
}

// currentTimerLocked reports whether gen is still the armed timer for id.
func (e *Engine) currentTimerLocked(id string, gen uint64) bool {
	t, ok := e.timers[id]
	return ok && t.gen == gen
}

// retryDue moves a transiently failed action back to pending once its backoff elapsed.
func (e *Engine) retryDue(id string, gen uint64) {
	e.mu.Lock()
	if !e.currentTimerLocked(id, gen) {
		e.mu.Unlock()
		return
	}
	i := e.indexLocked(id)
	if i < 0 || e.actions[i].Status != domain.StatusFailed || e.actions[i].Exhausted() {
		delete(e.timers, id)
		e.mu.Unlock()
		return
	}
	a := &e.actions[i]
	now := e.clock.Now()
	if a.NextRetryAt != nil && a.NextRetryAt.After(now) {
		e.scheduleRetryLocked(id, a.NextRetryAt.Sub(now))
		e.mu.Unlock()
		return
	}
	delete(e.timers, id)
	a.Status = domain.StatusPending
	a.NextRetryAt = nil
	e.touch(a, now)
	_ = e.persistLocked(context.Background())
	stats := domain.ComputeStats(e.actions)
	e.mu.Unlock()

	e.logger.Debug().Str("action_id", id).Msg("retry due")
	e.notify(stats)
	if e.monitor.IsOnline() {
		e.trigger()
	}
}

// removeCompleted drops a completed action once its grace period ended.
func (e *Engine) removeCompleted(id string, gen uint64) {
	e.mu.Lock()
	if !e.currentTimerLocked(id, gen) {
		e.mu.Unlock()
		return
	}
	delete(e.timers, id)
	i := e.indexLocked(id)
	if i < 0 || e.actions[i].Status != domain.StatusCompleted {
		e.mu.Unlock()
		return
	}
	e.removeLocked(i)
	_ = e.persistLocked(context.Background())
	stats := domain.ComputeStats(e.actions)
	e.mu.Unlock()

	e.notify(stats)
}

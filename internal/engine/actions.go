package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"fieldsync/internal/domain"
)

// Enqueue records a new pending action and, when online, starts processing
// in the background. The id is returned once the action is durable.
func (e *Engine) Enqueue(ctx context.Context, t domain.ActionType, payload map[string]any, metadata map[string]string) (string, error) {
	if _, err := domain.ParseActionType(string(t)); err != nil {
		return "", fmt.Errorf("enqueue %q: %w", t, err)
	}
	now := e.clock.Now()
	a := domain.QueuedAction{
		ID:         "act_" + uuid.NewString(),
		Type:       t,
		Status:     domain.StatusPending,
		Payload:    domain.CloneMap(payload),
		MaxRetries: e.cfg.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   maps.Clone(metadata),
	}
	if a.Payload == nil {
		a.Payload = map[string]any{}
	}

	e.mu.Lock()
	e.actions = append(e.actions, a)
	if err := e.persistLocked(ctx); err != nil {
		e.actions = e.actions[:len(e.actions)-1]
		e.mu.Unlock()
		return "", err
	}
	stats := domain.ComputeStats(e.actions)
	e.mu.Unlock()

	e.logger.Info().Str("action_id", a.ID).Str("type", string(t)).Msg("action enqueued")
	e.notify(stats)
	if e.monitor.IsOnline() {
		e.trigger()
	}
	return a.ID, nil
}

// Dequeue removes an action regardless of its status.
func (e *Engine) Dequeue(ctx context.Context, id string) error {
	e.mu.Lock()
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	e.removeLocked(i)
	err := e.persistLocked(ctx)
	stats := domain.ComputeStats(e.actions)
	e.mu.Unlock()

	e.logger.Info().Str("action_id", id).Msg("action dequeued")
	e.notify(stats)
	return err
}

// ClearCompleted removes every completed action and returns how many were removed.
func (e *Engine) ClearCompleted(ctx context.Context) (int, error) {
	e.mu.Lock()
	removed := 0
	for i := len(e.actions) - 1; i >= 0; i-- {
		if e.actions[i].Status == domain.StatusCompleted {
			e.removeLocked(i)
			removed++
		}
	}
	if removed == 0 {
		e.mu.Unlock()
		return 0, nil
	}
	err := e.persistLocked(ctx)
	stats := domain.ComputeStats(e.actions)
	e.mu.Unlock()

	e.notify(stats)
	return removed, err
}

// GetAction returns a copy of the action with id.
func (e *Engine) GetAction(id string) (domain.QueuedAction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(id)
	if i < 0 {
		return domain.QueuedAction{}, false
	}
	return e.actions[i].Clone(), true
}

// GetAllActions returns a snapshot of the queue in FIFO order.
func (e *Engine) GetAllActions() []domain.QueuedAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.QueuedAction, len(e.actions))
	for i := range e.actions {
		out[i] = e.actions[i].Clone()
	}
	return out
}

func (e *Engine) GetStats() domain.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.ComputeStats(e.actions)
}

// RetryAction restarts an action whose retries are exhausted, or one stuck in
// conflict, with a fresh retry budget.
func (e *Engine) RetryAction(ctx context.Context, id string) error {
	e.mu.Lock()
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	a := &e.actions[i]
	exhausted := a.Status == domain.StatusFailed && a.Exhausted()
	if !exhausted && a.Status != domain.StatusConflict {
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot retry %s action %s", ErrInvalidTransition, a.Status, id)
	}
	e.stopTimerLocked(id)
	if a.ConflictData != nil {
		a.ConflictData.Resolved = true
	}
	a.Status = domain.StatusPending
	a.RetryCount = 0
	a.Error = ""
	a.NextRetryAt = nil
	a.Progress = nil
	e.touch(a, e.clock.Now())
	err := e.persistLocked(ctx)
	stats := domain.ComputeStats(e.actions)
	e.mu.Unlock()

	e.logger.Info().Str("action_id", id).Msg("manual retry")
	e.notify(stats)
	if e.monitor.IsOnline() {
		e.trigger()
	}
	return err
}

// ResolveConflict picks the payload to replay for an action in conflict and
// returns it to pending. An empty resolution applies the configured default.
func (e *Engine) ResolveConflict(ctx context.Context, id string, resolution domain.Resolution, merged map[string]any) error {
	if resolution == "" {
		resolution = e.cfg.ConflictResolution
	}
	switch resolution {
	case domain.ResolutionLocalWins, domain.ResolutionServerWins, domain.ResolutionMerge:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	e.mu.Lock()
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	a := &e.actions[i]
	if a.Status != domain.StatusConflict {
		e.mu.Unlock()
		return fmt.Errorf("%w: action %s is %s, not in conflict", ErrInvalidTransition, id, a.Status)
	}
	if a.ConflictData == nil {
		a.ConflictData = &domain.ConflictData{Local: domain.CloneMap(a.Payload)}
	}
	cd := a.ConflictData
	switch resolution {
	case domain.ResolutionLocalWins:
		a.Payload = domain.CloneMap(cd.Local)
	case domain.ResolutionServerWins:
		a.Payload = domain.CloneMap(cd.Server)
	case domain.ResolutionMerge:
		if merged != nil {
			a.Payload = domain.CloneMap(merged)
		} else {
			a.Payload = shallowMerge(cd.Server, cd.Local)
		}
	}
	if a.Payload == nil {
		a.Payload = map[string]any{}
	}
	cd.Resolved = true
	a.Status = domain.StatusPending
	a.Error = ""
	e.touch(a, e.clock.Now())
	err := e.persistLocked(ctx)
	stats := domain.ComputeStats(e.actions)
	e.mu.Unlock()

	e.logger.Info().Str("action_id", id).Str("resolution", string(resolution)).Msg("conflict resolved")
	e.notify(stats)
	if e.monitor.IsOnline() {
		e.trigger()
	}
	return err
}

// shallowMerge overlays local on top of server; nested values are not merged.
func shallowMerge(server, local map[string]any) map[string]any {
	out := domain.CloneMap(server)
	if out == nil {
		out = make(map[string]any, len(local))
	}
	for k, v := range domain.CloneMap(local) {
		out[k] = v
	}
	return out
}

// AddListener registers fn for stats updates; the returned func removes it.
func (e *Engine) AddListener(fn Listener) func() {
	e.lmu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.lmu.Unlock()

	return func() {
		e.lmu.Lock()
		delete(e.listeners, id)
		e.lmu.Unlock()
	}
}

func (e *Engine) notify(stats domain.Stats) {
	e.lmu.Lock()
	fns := make([]Listener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.lmu.Unlock()

	for _, fn := range fns {
		fn(stats)
	}
}

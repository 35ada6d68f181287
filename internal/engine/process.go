package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/executor"
	"fieldsync/internal/retry"
	"fieldsync/internal/store"
)

// ProcessQueue runs one sequential pass over eligible actions. It reports
// whether a pass ran: it does nothing while offline, while another pass is
// active in this process, or while another instance holds the lease.
// Per-action failures become status transitions; nothing escapes. The pass
// is detached from ctx cancellation so a departing caller cannot fail an
// action mid-flight; only Stop interrupts it.
func (e *Engine) ProcessQueue(ctx context.Context) bool {
	if !e.monitor.IsOnline() {
		return false
	}
	e.mu.Lock()
	if e.processing || e.closed {
		e.mu.Unlock()
		return false
	}
	e.processing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.processing = false
		e.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	ok, err := e.store.AcquireLease(ctx, e.owner, e.cfg.LeaseTTL)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to acquire processing lease")
		return false
	}
	if !ok {
		e.logger.Debug().Msg("processing lease held by another instance")
		return false
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), e.owner); err != nil {
			e.logger.Warn().Err(err).Msg("failed to release processing lease")
		}
	}()

	ids := e.eligibleIDs()
	processed := 0
	for i, id := range ids {
		if ctx.Err() != nil || !e.monitor.IsOnline() {
			break
		}
		if i > 0 {
			// renew so a long batch does not outlive its lease
			if ok, err := e.store.AcquireLease(ctx, e.owner, e.cfg.LeaseTTL); err != nil || !ok {
				e.logger.Warn().Err(err).Msg("lost processing lease mid-batch")
				break
			}
		}
		if e.processAction(ctx, id) {
			processed++
		}
	}

	e.mu.Lock()
	_ = e.persistLocked(context.WithoutCancel(ctx))
	stats := domain.ComputeStats(e.actions)
	e.mu.Unlock()

	if processed > 0 {
		e.logger.Info().Int("processed", processed).Int("remaining", stats.Total).Msg("queue pass finished")
	}
	e.notify(stats)
	return true
}

func (e *Engine) eligibleIDs() []string {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for _, a := range e.actions {
		if eligible(a, now) {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// eligible reports whether a may be executed now. Conflicts never are, and a
// failed action only once its backoff deadline has passed.
func eligible(a domain.QueuedAction, now time.Time) bool {
	switch a.Status {
	case domain.StatusPending:
		return true
	case domain.StatusFailed:
		if a.Exhausted() {
			return false
		}
		return a.NextRetryAt == nil || !a.NextRetryAt.After(now)
	default:
		return false
	}
}

// processAction executes one action and applies its outcome. It reports
// whether the executor was invoked.
func (e *Engine) processAction(ctx context.Context, id string) bool {
	started := e.clock.Now()
	e.mu.Lock()
	i := e.indexLocked(id)
	if i < 0 || !eligible(e.actions[i], started) {
		e.mu.Unlock()
		return false
	}
	e.stopTimerLocked(id)
	a := &e.actions[i]
	a.Status = domain.StatusProcessing
	a.NextRetryAt = nil
	a.Progress = nil
	e.touch(a, started)
	inflight := a.Clone()
	_ = e.persistLocked(context.WithoutCancel(ctx))
	stats := domain.ComputeStats(e.actions)
	e.mu.Unlock()
	e.notify(stats)

	e.logger.Debug().Str("action_id", id).Str("type", string(inflight.Type)).Int("retry", inflight.RetryCount).Msg("executing action")

	execCtx := ctx
	if e.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.cfg.ActionTimeout)
		defer cancel()
	}
	conflict, err := e.execute(execCtx, inflight)

	now := e.clock.Now()
	e.mu.Lock()
	i = e.indexLocked(id)
	if i < 0 {
		// dequeued while in flight: the terminal write wins
		e.insertLocked(inflight)
		i = e.indexLocked(id)
	}
	a = &e.actions[i]
	outcome := e.applyOutcomeLocked(a, conflict, err, now)
	_ = e.persistLocked(context.WithoutCancel(ctx))
	stats = domain.ComputeStats(e.actions)
	e.mu.Unlock()
	e.notify(stats)

	if log, ok := e.store.(store.AttemptLog); ok {
		attempt := store.Attempt{ActionID: id, StartedAt: started, FinishedAt: now, Outcome: string(outcome)}
		if err != nil {
			attempt.Error = err.Error()
		}
		if rerr := log.RecordAttempt(context.WithoutCancel(ctx), attempt); rerr != nil {
			e.logger.Warn().Err(rerr).Str("action_id", id).Msg("failed to record attempt")
		}
	}
	return true
}

// execute runs the executor and turns a panic into a permanent failure.
func (e *Engine) execute(ctx context.Context, a domain.QueuedAction) (conflict *executor.ConflictInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("action_id", a.ID).Str("type", string(a.Type)).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("executor panicked")
			conflict = nil
			err = executor.Permanent(fmt.Errorf("executor panic: %v", r))
		}
	}()
	return e.exec.Execute(ctx, a, e.progressFunc(a.ID))
}

func (e *Engine) applyOutcomeLocked(a *domain.QueuedAction, conflict *executor.ConflictInfo, err error, now time.Time) domain.Status {
	e.touch(a, now)
	switch {
	case err != nil:
		e.failLocked(a, err, now)
	case conflict != nil:
		a.Status = domain.StatusConflict
		a.Progress = nil
		a.Error = ""
		a.ConflictData = &domain.ConflictData{
			Local:      domain.CloneMap(a.Payload),
			Server:     domain.CloneMap(conflict.Server),
			DetectedAt: now,
		}
		e.logger.Warn().Str("action_id", a.ID).Str("type", string(a.Type)).Msg("conflict detected; awaiting resolution")
	default:
		done := 100
		a.Status = domain.StatusCompleted
		a.Progress = &done
		a.Error = ""
		e.scheduleRemovalLocked(a.ID)
		e.logger.Info().Str("action_id", a.ID).Str("type", string(a.Type)).Int("retry", a.RetryCount).Msg("action completed")
	}
	return a.Status
}

// failLocked counts the attempt and either schedules a retry or leaves the
// action terminally failed for a manual retry.
func (e *Engine) failLocked(a *domain.QueuedAction, err error, now time.Time) {
	a.RetryCount++
	a.Status = domain.StatusFailed
	a.Error = err.Error()
	a.Progress = nil
	a.NextRetryAt = nil
	if executor.IsPermanent(err) && a.RetryCount < a.MaxRetries {
		a.RetryCount = a.MaxRetries
	}
	if !retry.ShouldRetry(a.RetryCount, a.MaxRetries) {
		e.logger.Error().Err(err).Str("action_id", a.ID).Str("type", string(a.Type)).Int("retry", a.RetryCount).Msg("action failed permanently")
		return
	}
	delay := e.policy.Delay(a.RetryCount)
	next := now.Add(delay)
	a.NextRetryAt = &next
	e.scheduleRetryLocked(a.ID, delay)
	e.logger.Warn().Err(err).Str("action_id", a.ID).Int("retry", a.RetryCount).Int("max_retries", a.MaxRetries).Dur("delay", delay).Msg("action failed; retry scheduled")
}

// progressFunc records monotonic 0..100 progress for an in-flight action.
func (e *Engine) progressFunc(id string) executor.ProgressFunc {
	return func(percent int) {
		percent = min(max(percent, 0), 100)
		e.mu.Lock()
		i := e.indexLocked(id)
		if i < 0 || e.actions[i].Status != domain.StatusProcessing {
			e.mu.Unlock()
			return
		}
		a := &e.actions[i]
		if a.Progress != nil && *a.Progress >= percent {
			e.mu.Unlock()
			return
		}
		a.Progress = &percent
		stats := domain.ComputeStats(e.actions)
		e.mu.Unlock()
		e.notify(stats)
	}
}

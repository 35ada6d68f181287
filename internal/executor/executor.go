// Package executor dispatches queued actions to the remote mutation that
// performs them.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fieldsync/internal/domain"
)

// ConflictInfo carries the server's competing state. A conflict is a result,
// not an error.
type ConflictInfo struct {
	Server map[string]any
}

// ProgressFunc reports 0..100 completion. It may be called from any goroutine.
type ProgressFunc func(percent int)

// Executor performs one action against the remote service.
type Executor interface {
	Execute(ctx context.Context, action domain.QueuedAction, progress ProgressFunc) (*ConflictInfo, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, action domain.QueuedAction, progress ProgressFunc) (*ConflictInfo, error)

func (f Func) Execute(ctx context.Context, action domain.QueuedAction, progress ProgressFunc) (*ConflictInfo, error) {
	return f(ctx, action, progress)
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the engine exhausts retries immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Registry maps each action type to its executor.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.ActionType]Executor
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.ActionType]Executor)}
}

// Register installs ex for t, replacing any previous executor.
func (r *Registry) Register(t domain.ActionType, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = ex
}

func (r *Registry) Has(t domain.ActionType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Types returns the registered action types.
func (r *Registry) Types() []domain.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ActionType, 0, len(r.handlers))
	for _, t := range domain.AllActionTypes {
		if _, ok := r.handlers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Execute dispatches by action type. Unregistered types fail permanently.
func (r *Registry) Execute(ctx context.Context, action domain.QueuedAction, progress ProgressFunc) (*ConflictInfo, error) {
	r.mu.RLock()
	h, ok := r.handlers[action.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %q", domain.ErrUnknownActionType, action.Type))
	}
	if progress == nil {
		progress = func(int) {}
	}
	return h.Execute(ctx, action, progress)
}

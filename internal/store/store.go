// Package store persists the action queue as a complete snapshot and
// coordinates processing passes across instances through a TTL lease.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"fieldsync/internal/domain"
)

var (
	// ErrCorruptSnapshot is returned by Load when the persisted snapshot cannot be decoded.
	ErrCorruptSnapshot = errors.New("store: corrupt snapshot")
	ErrUnknownDriver   = errors.New("store: unknown driver")
	// ErrNotPersistent is returned when reading back state from a driver that keeps none.
	ErrNotPersistent   = errors.New("store: driver keeps no persisted state")
)

// DefaultLeaseTTL bounds how long a crashed holder can block other instances.
const DefaultLeaseTTL = 30 * time.Second

// Store is the durable home of the queue snapshot.
type Store interface {
	// Load returns the last saved snapshot, or nil on first run.
	Load(ctx context.Context) ([]domain.QueuedAction, error)
	// Save replaces the snapshot atomically.
	Save(ctx context.Context, actions []domain.QueuedAction) error
	// AcquireLease takes or renews the processing lease for owner. It returns
	// false when another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease if owner still holds it.
	ReleaseLease(ctx context.Context, owner string) error
	Close() error
}

// Attempt is one execution outcome, recorded by stores that keep history.
type Attempt struct {
	ActionID   string    `json:"action_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// AttemptLog is implemented by stores that can keep per-action execution history.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	ListAttempts(ctx context.Context, actionID string) ([]Attempt, error)
}

func encodeSnapshot(actions []domain.QueuedAction) ([]byte, error) {
	if actions == nil {
		actions = []domain.QueuedAction{}
	}
	return json.Marshal(actions)
}

func decodeSnapshot(data []byte) ([]domain.QueuedAction, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var actions []domain.QueuedAction
	if err := sonic.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	seen := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if a.ID == "" {
			return nil, fmt.Errorf("%w: action without id", ErrCorruptSnapshot)
		}
		if _, dup := seen[a.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate action id %s", ErrCorruptSnapshot, a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return actions, nil
}

package store

import (
	"context"
	"sync"
	"time"

	"fieldsync/internal/domain"
)

// Memory is a process-local Store. It serializes snapshots exactly like the
// durable backends so callers never share maps with it.
type Memory struct {
	mu        sync.Mutex
	data      []byte
	owner     string
	expiresAt time.Time
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) Load(ctx context.Context) ([]domain.QueuedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return decodeSnapshot(m.data)
}

func (m *Memory) Save(ctx context.Context, actions []domain.QueuedAction) error {
	data, err := encodeSnapshot(actions)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

// Raw returns the last saved bytes.
func (m *Memory) Raw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// SetRaw overwrites the stored bytes, bypassing encoding.
func (m *Memory) SetRaw(data []byte) {
	m.mu.Lock()
	m.data = append([]byte(nil), data...)
	m.mu.Unlock()
}

func (m *Memory) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.owner != "" && m.owner != owner && m.expiresAt.After(now) {
		return false, nil
	}
	m.owner = owner
	m.expiresAt = now.Add(ttl)
	return true, nil
}

func (m *Memory) ReleaseLease(ctx context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == owner {
		m.owner = ""
		m.expiresAt = time.Time{}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

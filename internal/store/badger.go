package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"fieldsync/internal/domain"
)

const (
	badgerSnapshotKey = "queue:snapshot"
	badgerLeaseKey    = "queue:lease"
)

type snapshotRecord struct {
	Data    []byte
	SavedAt time.Time
}

type leaseRecord struct {
	Owner     string
	ExpiresAt time.Time
}

// Badger keeps the snapshot as a single badgerhold record.
type Badger struct {
	store *badgerhold.Store
	now   func() time.Time
}

// OpenBadger opens the database directory at path, creating it if needed.
func OpenBadger(path string) (*Badger, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return openBadger(path, false)
}

// OpenBadgerReadOnly opens an existing database directory for reading.
func OpenBadgerReadOnly(path string) (*Badger, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return openBadger(path, true)
}

func openBadger(path string, readOnly bool) (*Badger, error) {
	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil
	options.ReadOnly = readOnly

	s, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &Badger{store: s, now: time.Now}, nil
}

func (b *Badger) Load(ctx context.Context) ([]domain.QueuedAction, error) {
	var rec snapshotRecord
	err := b.store.Get(badgerSnapshotKey, &rec)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decodeSnapshot(rec.Data)
}

func (b *Badger) Save(ctx context.Context, actions []domain.QueuedAction) error {
	data, err := encodeSnapshot(actions)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := b.store.Upsert(badgerSnapshotKey, &snapshotRecord{Data: data, SavedAt: b.now()}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (b *Badger) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	acquired := false
	err := b.store.Badger().Update(func(txn *badger.Txn) error {
		now := b.now()
		var rec leaseRecord
		err := b.store.TxGet(txn, badgerLeaseKey, &rec)
		if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return err
		}
		if err == nil && rec.Owner != owner && rec.ExpiresAt.After(now) {
			return nil
		}
		acquired = true
		return b.store.TxUpsert(txn, badgerLeaseKey, &leaseRecord{Owner: owner, ExpiresAt: now.Add(ttl)})
	})
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return acquired, nil
}

func (b *Badger) ReleaseLease(ctx context.Context, owner string) error {
	err := b.store.Badger().Update(func(txn *badger.Txn) error {
		var rec leaseRecord
		err := b.store.TxGet(txn, badgerLeaseKey, &rec)
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Owner != owner {
			return nil
		}
		return b.store.TxDelete(txn, badgerLeaseKey, &leaseRecord{})
	})
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (b *Badger) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

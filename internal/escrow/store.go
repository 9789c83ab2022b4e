package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists escrow records. Records are never deleted.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	MarkFunded(ctx context.Context, id string, f Funding) (Record, error)
	MarkDisputed(ctx context.Context, id, reason string, now time.Time) (Record, error)
	// ClaimRelease reserves the record for a single releaser. claimed is false
	// when the escrow is already released or another claim is live.
	ClaimRelease(ctx context.Context, id string, by Releaser, now time.Time) (rec Record, claimed bool, err error)
	UnclaimRelease(ctx context.Context, id string) error
	// SetReleasePending records (or, with "", clears) a broadcast release
	// transaction so later attempts wait on it instead of sending another.
	SetReleasePending(ctx context.Context, id, txHash string) (Record, error)
	MarkReleased(ctx context.Context, id string, rel Release) (Record, error)
	ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]Record, error)
}

// MemoryStore is mostly for testing and single-node development.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Create(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[rec.ID]; ok {
		return ErrExists
	}
	m.data[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) MarkFunded(_ context.Context, id string, f Funding) (Record, error) {
	return m.update(id, func(rec *Record) error { return rec.applyFunding(f) })
}

func (m *MemoryStore) MarkDisputed(_ context.Context, id, reason string, now time.Time) (Record, error) {
	return m.update(id, func(rec *Record) error { return rec.applyDispute(reason, now) })
}

func (m *MemoryStore) ClaimRelease(_ context.Context, id string, by Releaser, now time.Time) (Record, bool, error) {
	var claimed bool
	rec, err := m.update(id, func(rec *Record) error {
		var err error
		claimed, err = rec.applyClaim(by, now)
		return err
	})
	return rec, claimed, err
}

func (m *MemoryStore) UnclaimRelease(_ context.Context, id string) error {
	_, err := m.update(id, func(rec *Record) error {
		rec.ReleaseClaimedAt = nil
		return nil
	})
	return err
}

func (m *MemoryStore) SetReleasePending(_ context.Context, id, txHash string) (Record, error) {
	return m.update(id, func(rec *Record) error { return rec.applyReleasePending(txHash) })
}

func (m *MemoryStore) MarkReleased(_ context.Context, id string, rel Release) (Record, error) {
	return m.update(id, func(rec *Record) error { return rec.applyRelease(rel) })
}

func (m *MemoryStore) ListDueForRelease(_ context.Context, now time.Time, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []Record
	for _, rec := range m.data {
		if rec.dueForRelease(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ReleaseDueAt.Equal(*due[j].ReleaseDueAt) {
			return due[i].ReleaseDueAt.Before(*due[j].ReleaseDueAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// update applies fn to a copy and stores it only when fn succeeds.
func (m *MemoryStore) update(id string, fn func(*Record) error) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if err := fn(&rec); err != nil {
		return m.data[id], err
	}
	m.data[id] = rec
	return rec, nil
}

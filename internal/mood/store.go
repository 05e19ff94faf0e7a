package mood

import (
	"context"
	"time"
)

// Snapshot is the persisted form of the engine state.
type Snapshot struct {
	Points      int            `json:"points"`
	Mood        Mood           `json:"mood"`
	LastUpdated time.Time      `json:"last_updated"`
	History     []HistoryEntry `json:"history"`
}

// SnapshotStore persists engine snapshots between restarts. Persistence
// is best-effort: the engine logs store failures and carries on.
type SnapshotStore interface {
	// Load returns the stored snapshot, or (nil, nil) when none exists.
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// MemoryStore keeps the latest snapshot in memory. It is the store used
// when no Redis URL is configured. All methods are called from the
// engine actor goroutine, so no locking is needed.
type MemoryStore struct {
	snap *Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	if s.snap == nil {
		return nil, nil
	}
	copied := *s.snap
	copied.History = append([]HistoryEntry(nil), s.snap.History...)
	return &copied, nil
}

func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	snap.History = append([]HistoryEntry(nil), snap.History...)
	s.snap = &snap
	return nil
}

package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of OperationStore and
// SnapshotStore, for tests and single-process deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	ops       map[string][]Operation // docID -> ops in append order
	seen      map[string]string      // opID -> docID
	snapshots map[string]*Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops:       make(map[string][]Operation),
		seen:      make(map[string]string),
		snapshots: make(map[string]*Snapshot),
	}
}

func (s *MemoryStore) Append(_ context.Context, op Operation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[op.OpID]; dup {
		return false, nil
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	cp := op
	cp.Update = append([]byte(nil), op.Update...)
	s.ops[op.DocID] = append(s.ops[op.DocID], cp)
	s.seen[op.OpID] = op.DocID
	return true, nil
}

func (s *MemoryStore) ListSince(_ context.Context, docID string, after time.Time) ([]Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Operation
	for _, op := range s.ops[docID] {
		if op.CreatedAt.Before(after) {
			continue
		}
		cp := op
		cp.Update = append([]byte(nil), op.Update...)
		result = append(result, cp)
	}
	return result, nil
}

func (s *MemoryStore) PruneOlderThan(_ context.Context, docID string, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.ops[docID][:0]
	for _, op := range s.ops[docID] {
		if op.CreatedAt.Before(cutoff) {
			delete(s.seen, op.OpID)
			continue
		}
		kept = append(kept, op)
	}
	s.ops[docID] = kept
	return nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, docID string, data []byte, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.snapshots[docID]; ok && version <= prev.Version {
		return fmt.Errorf("snapshot version %d for %q is not greater than %d", version, docID, prev.Version)
	}
	s.snapshots[docID] = &Snapshot{
		DocID:   docID,
		Data:    append([]byte(nil), data...),
		Version: version,
		TakenAt: time.Now(),
	}
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, docID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[docID]
	if !ok {
		return nil, nil
	}
	cp := *snap
	cp.Data = append([]byte(nil), snap.Data...)
	return &cp, nil
}

package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory. Used by backtests and tests
// where durability is not needed.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	nextSeq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextSeq: 1}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Seq = s.nextSeq
	s.nextSeq++
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) Replay(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

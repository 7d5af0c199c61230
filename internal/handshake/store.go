package handshake

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a device has no record of a transaction.
var ErrNotFound = errors.New("local transaction not found")

// Store keeps a device's local transactions.
type Store interface {
	// Save inserts or replaces the record keyed by TxID.
	Save(ctx context.Context, tx LocalTransaction) error
	Get(ctx context.Context, txID string) (LocalTransaction, error)
	// ListByState returns matching records oldest first.
	ListByState(ctx context.Context, state LocalState) ([]LocalTransaction, error)
}

type memoryStore struct {
	mu   sync.RWMutex
	rows map[string]LocalTransaction
}

// NewMemoryStore returns a Store kept in process memory.
func NewMemoryStore() Store {
	return &memoryStore{rows: make(map[string]LocalTransaction)}
}

func (s *memoryStore) Save(_ context.Context, tx LocalTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[tx.TxID] = tx
	return nil
}

func (s *memoryStore) Get(_ context.Context, txID string) (LocalTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.rows[txID]
	if !ok {
		return LocalTransaction{}, ErrNotFound
	}
	return tx, nil
}

func (s *memoryStore) ListByState(_ context.Context, state LocalState) ([]LocalTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LocalTransaction
	for _, tx := range s.rows {
		if tx.State == state {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TxID < out[j].TxID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]Wallet
	entries []Entry
	assert  bool
}

// InMemoryOption configures the in-memory store.
type InMemoryOption func(*inMemoryStore)

// WithConservationAssert makes every Apply verify conservation. A posting
// that fails the check is rolled back.
func WithConservationAssert() InMemoryOption {
	return func(s *inMemoryStore) { s.assert = true }
}

// NewInMemory creates a concurrency-safe in-memory store used in development
// and tests.
func NewInMemory(opts ...InMemoryOption) Store {
	s := &inMemoryStore{wallets: make(map[string]Wallet)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *inMemoryStore) GetWallet(_ context.Context, accountID string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[accountID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (s *inMemoryStore) UpsertWallet(_ context.Context, w Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.wallets[w.AccountID]; ok && current.Version != w.Version-1 {
		return ErrVersionConflict
	}
	w.UpdatedAt = w.UpdatedAt.UTC()
	s.wallets[w.AccountID] = w
	return nil
}

func (s *inMemoryStore) AppendEntry(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.EntryID == "" {
		e.EntryID = uuid.Must(uuid.NewV7()).String()
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *inMemoryStore) Apply(_ context.Context, p Posting) (PostingResult, error) {
	if err := p.validate(); err != nil {
		return PostingResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Wallet, len(p.Legs))
	for _, leg := range p.Legs {
		w, ok := next[leg.AccountID]
		if !ok {
			if w, ok = s.wallets[leg.AccountID]; !ok {
				return PostingResult{}, ErrWalletNotFound
			}
			w.Version++
			w.UpdatedAt = p.At.UTC()
		}
		w.AvailableCents += leg.DeltaCents
		next[leg.AccountID] = w
	}
	for _, w := range next {
		if w.AvailableCents < 0 {
			return PostingResult{}, ErrInsufficientFunds
		}
	}

	entries := make([]Entry, 0, len(p.Legs))
	for _, leg := range p.Legs {
		entries = append(entries, Entry{
			EntryID:    uuid.Must(uuid.NewV7()).String(),
			AccountID:  leg.AccountID,
			TxID:       p.TxID,
			Type:       leg.Type,
			DeltaCents: leg.DeltaCents,
			Currency:   p.Currency,
			CreatedAt:  p.At.UTC(),
			Metadata:   leg.Metadata,
		})
	}

	prev := make(map[string]Wallet, len(next))
	for id, w := range next {
		prev[id] = s.wallets[id]
		s.wallets[id] = w
	}
	committed := len(s.entries)
	s.entries = append(s.entries, entries...)

	if s.assert {
		if err := s.checkConservationLocked(); err != nil {
			for id, w := range prev {
				s.wallets[id] = w
			}
			s.entries = s.entries[:committed]
			return PostingResult{}, err
		}
	}

	return PostingResult{Wallets: next, Entries: entries}, nil
}

func (s *inMemoryStore) ListByAccount(_ context.Context, accountID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].AccountID == accountID {
			out = append(out, s.entries[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *inMemoryStore) ListByAccountAndDate(_ context.Context, accountID string, date time.Time) ([]Entry, error) {
	start, end := DayBounds(date)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.AccountID == accountID && !e.CreatedAt.Before(start) && e.CreatedAt.Before(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *inMemoryStore) CheckConservation(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkConservationLocked()
}

func (s *inMemoryStore) checkConservationLocked() error {
	sums := make(map[string]int64, len(s.wallets))
	for _, e := range s.entries {
		sums[e.AccountID] += e.DeltaCents
	}
	ids := make([]string, 0, len(s.wallets))
	for id := range s.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if w := s.wallets[id]; w.AvailableCents != sums[id] {
			return &ConservationError{AccountID: id, AvailableCents: w.AvailableCents, JournalCents: sums[id]}
		}
	}
	return nil
}

package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/congo-pay/offlinepay/internal/ledger"
)

type memoryRepository struct {
	mu    sync.RWMutex
	byTx  map[string]OfflineTransaction
	byKey map[string]string
	order []string
}

// NewMemoryRepository builds an in-memory transaction repository.
func NewMemoryRepository() Repository {
	return &memoryRepository{byTx: make(map[string]OfflineTransaction), byKey: make(map[string]string)}
}

func (r *memoryRepository) Insert(_ context.Context, t OfflineTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byTx[t.TxID]; ok {
		return ErrDuplicateTransaction
	}
	if _, ok := r.byKey[t.IdempotencyKey]; ok {
		return ErrDuplicateTransaction
	}
	r.byTx[t.TxID] = t
	r.byKey[t.IdempotencyKey] = t.TxID
	r.order = append(r.order, t.TxID)
	return nil
}

func (r *memoryRepository) GetByTxID(_ context.Context, txID string) (OfflineTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byTx[txID]
	if !ok {
		return OfflineTransaction{}, ErrNotFound
	}
	return t, nil
}

func (r *memoryRepository) GetByIdempotencyKey(ctx context.Context, key string) (OfflineTransaction, error) {
	r.mu.RLock()
	txID, ok := r.byKey[key]
	r.mu.RUnlock()
	if !ok {
		return OfflineTransaction{}, ErrNotFound
	}
	return r.GetByTxID(ctx, txID)
}

func (r *memoryRepository) UpdateStatus(_ context.Context, txID string, from, to Status, failureReason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byTx[txID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != from {
		return ErrStatusChanged
	}
	t.Status = to
	t.FailureReason = failureReason
	t.UpdatedAt = at.UTC()
	r.byTx[txID] = t
	return nil
}

func (r *memoryRepository) AddRefund(_ context.Context, txID string, amountCents int64, at time.Time) (OfflineTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byTx[txID]
	if !ok {
		return OfflineTransaction{}, ErrNotFound
	}
	if t.Status != StatusAccepted && t.Status != StatusReconciled {
		return OfflineTransaction{}, ErrStatusChanged
	}
	if t.RefundedCents+amountCents > t.AmountCents {
		return OfflineTransaction{}, ErrRefundExceedsAmount
	}
	t.RefundedCents += amountCents
	if t.RefundedCents == t.AmountCents {
		t.Status = StatusReversed
		t.FailureReason = ReasonRefunded
	}
	t.UpdatedAt = at.UTC()
	r.byTx[txID] = t
	return t, nil
}

func (r *memoryRepository) ListByAccount(_ context.Context, accountID string, limit int) ([]OfflineTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []OfflineTransaction
	for i := len(r.order) - 1; i >= 0; i-- {
		t := r.byTx[r.order[i]]
		if t.PayerAccountID == accountID || t.MerchantAccountID == accountID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) ListByMerchantAndDate(_ context.Context, merchantAccountID string, date time.Time) ([]OfflineTransaction, error) {
	start, end := ledger.DayBounds(date)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []OfflineTransaction
	for _, id := range r.order {
		t := r.byTx[id]
		if t.MerchantAccountID == merchantAccountID && !t.CreatedAt.Before(start) && t.CreatedAt.Before(end) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memoryRepository) PayerSpentOn(_ context.Context, payerAccountID string, day time.Time) (int64, error) {
	start, end := ledger.DayBounds(day)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, t := range r.byTx {
		if t.PayerAccountID != payerAccountID || t.Status == StatusRejected {
			continue
		}
		if at := t.AuthorizationIssuedAt.UTC(); !at.Before(start) && at.Before(end) {
			total += t.AmountCents
		}
	}
	return total, nil
}

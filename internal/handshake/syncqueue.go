package handshake

import (
	"context"
	"errors"
	"time"

	"github.com/congo-pay/offlinepay/internal/payments"
)

// SyncQueue turns a merchant device's pendingSync records into upload rows
// and folds the server's verdicts back into the store.
type SyncQueue struct {
	store Store
	now   func() time.Time
}

// NewSyncQueue wraps a device store.
func NewSyncQueue(store Store) *SyncQueue {
	return &SyncQueue{store: store, now: time.Now}
}

// Pending returns the rows waiting for upload, oldest first.
func (q *SyncQueue) Pending(ctx context.Context) ([]payments.Submission, error) {
	locals, err := q.store.ListByState(ctx, StatePendingSync)
	if err != nil {
		return nil, err
	}
	out := make([]payments.Submission, 0, len(locals))
	for _, tx := range locals {
		out = append(out, submission(tx))
	}
	return out, nil
}

// Batch builds the request a merchant device sends to the sync endpoint.
func (q *SyncQueue) Batch(ctx context.Context, merchantDeviceID string) (payments.SyncRequest, error) {
	rows, err := q.Pending(ctx)
	if err != nil {
		return payments.SyncRequest{}, err
	}
	return payments.SyncRequest{
		MerchantDeviceID: merchantDeviceID,
		SubmittedAt:      q.now().UTC().Truncate(time.Millisecond),
		Transactions:     rows,
	}, nil
}

// Apply records server outcomes. Accepted and reconciled rows are settled and
// rejected rows keep the server's reason. A duplicate follows the status the
// server recorded for the txId; a reused idempotency key is a rejection, and
// a duplicate without a recorded status stays pending so the next sync can
// resolve it. Results for unknown transactions are skipped. It returns how
// many records changed.
func (q *SyncQueue) Apply(ctx context.Context, results []payments.Result) (int, error) {
	now := q.now().UTC()
	changed := 0
	for _, res := range results {
		tx, err := q.store.Get(ctx, res.TxID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return changed, err
		}
		if tx.State != StatePendingSync {
			continue
		}
		state, reason, ok := outcome(res)
		if !ok {
			continue
		}
		tx.State = state
		tx.FailureReason = reason
		tx.UpdatedAt = now
		if err := q.store.Save(ctx, tx); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// outcome maps a server result to a local state. ok is false when the result
// does not settle the row yet.
func outcome(res payments.Result) (LocalState, string, bool) {
	status, reason := res.Status, res.Reason
	if status == payments.StatusDuplicate {
		if res.Reason == payments.ReasonIdempotencyKeySeen {
			return StateRejected, res.Reason, true
		}
		if res.RecordedStatus == "" {
			return "", "", false
		}
		status, reason = res.RecordedStatus, res.RecordedReason
	}
	switch status {
	case payments.StatusAccepted, payments.StatusReconciled, payments.StatusReversed:
		return StateSynced, "", true
	default:
		return StateRejected, reason, true
	}
}

func submission(tx LocalTransaction) payments.Submission {
	return payments.Submission{
		TxID:                  tx.TxID,
		IdempotencyKey:        tx.IdempotencyKey,
		MerchantIntentID:      tx.MerchantIntentID,
		PayerAuthorizationID:  tx.PayerAuthorizationID,
		MerchantAccountID:     tx.MerchantAccountID,
		PayerAccountID:        tx.PayerAccountID,
		MerchantDeviceID:      tx.MerchantDeviceID,
		PayerDeviceID:         tx.PayerDeviceID,
		AmountCents:           tx.AmountCents,
		Currency:              tx.Currency,
		MerchantNonce:         tx.MerchantNonce,
		PayerNonce:            tx.PayerNonce,
		MerchantCounter:       tx.MerchantCounter,
		PayerCounter:          tx.PayerCounter,
		IntentIssuedAt:        tx.IntentIssuedAt,
		AuthorizationIssuedAt: tx.AuthorizationIssuedAt,
		ExpiresAt:             tx.ExpiresAt,
		MerchantSignature:     tx.MerchantSignature,
		PayerSignature:        tx.PayerSignature,
	}
}

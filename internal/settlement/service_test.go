package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/offlinepay/internal/audit"
	"github.com/congo-pay/offlinepay/internal/ledger"
	"github.com/congo-pay/offlinepay/internal/lock"
	"github.com/congo-pay/offlinepay/internal/logging"
	"github.com/congo-pay/offlinepay/internal/payments"
)

var day = time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	txs     payments.Repository
	entries ledger.Store
	audit   *audit.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithTxs(t, payments.NewMemoryRepository())
}

func newFixtureWithTxs(t *testing.T, txs payments.Repository) *fixture {
	t.Helper()
	entries := ledger.NewInMemory()
	ctx := context.Background()
	_, err := ledger.Fund(ctx, entries, "payer", 10_000)
	require.NoError(t, err)
	_, err = ledger.Fund(ctx, entries, "merchant", 0)
	require.NoError(t, err)

	auditor := audit.NewService(audit.NewMemoryRepository(), logging.Discard())
	return &fixture{
		svc:     NewService(txs, entries, auditor, lock.NewLocal(), logging.Discard()),
		txs:     txs,
		entries: entries,
		audit:   auditor,
	}
}

// record stores a transaction row; credit controls whether the matching
// ledger posting is written too.
func (f *fixture) record(t *testing.T, txID string, amount int64, status payments.Status, at time.Time, credit bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.txs.Insert(ctx, payments.OfflineTransaction{
		Submission: payments.Submission{
			TxID:              txID,
			IdempotencyKey:    "merchant:" + txID,
			MerchantAccountID: "merchant",
			PayerAccountID:    "payer",
			AmountCents:       amount,
			Currency:          "XAF",
		},
		Status:    status,
		CreatedAt: at,
		UpdatedAt: at,
	}))
	if !credit {
		return
	}
	_, err := f.entries.Apply(ctx, ledger.Posting{
		TxID:     txID,
		Currency: "XAF",
		At:       at,
		Legs: []ledger.Leg{
			{AccountID: "payer", Type: ledger.TypeOfflineDebit, DeltaCents: -amount},
			{AccountID: "merchant", Type: ledger.TypeOfflineCredit, DeltaCents: amount},
		},
	})
	require.NoError(t, err)
}

func TestReconcileBalancedDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.record(t, "tx-1", 300, payments.StatusAccepted, day.Add(9*time.Hour), true)
	f.record(t, "tx-2", 200, payments.StatusAccepted, day.Add(10*time.Hour), true)
	f.record(t, "tx-3", 999, payments.StatusRejected, day.Add(11*time.Hour), false)
	f.record(t, "tx-4", 700, payments.StatusAccepted, day.Add(30*time.Hour), true)

	summary, err := f.svc.Reconcile(ctx, "merchant", day, "admin")
	require.NoError(t, err)
	assert.Equal(t, "2026-04-02", summary.Date)
	assert.Equal(t, 2, summary.AcceptedCount)
	assert.Equal(t, 1, summary.RejectedCount)
	assert.Equal(t, int64(500), summary.AcceptedAmountCents)
	assert.Equal(t, int64(500), summary.CreditedAmountCents)
	assert.False(t, summary.Mismatch)

	tx, err := f.txs.GetByTxID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, payments.StatusReconciled, tx.Status)
	next, err := f.txs.GetByTxID(ctx, "tx-4")
	require.NoError(t, err)
	assert.Equal(t, payments.StatusAccepted, next.Status, "rows from other days are untouched")

	events, err := f.audit.ListBySubject(ctx, "merchant", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventSettlementReconciled, events[0].EventType)
	assert.Equal(t, "false", events[0].Attributes["mismatch"])
	assert.Equal(t, "admin", events[0].ActorAccountID)
}

func TestReconcileReportsMissingCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.record(t, "tx-1", 300, payments.StatusAccepted, day.Add(time.Hour), true)
	f.record(t, "tx-2", 250, payments.StatusAccepted, day.Add(2*time.Hour), false)

	first, err := f.svc.Reconcile(ctx, "merchant", day, "")
	require.NoError(t, err)
	assert.True(t, first.Mismatch)
	assert.Equal(t, int64(550), first.AcceptedAmountCents)
	assert.Equal(t, int64(300), first.CreditedAmountCents)

	again, err := f.svc.Reconcile(ctx, "merchant", day, "")
	require.NoError(t, err)
	assert.Equal(t, first.AcceptedCount, again.AcceptedCount)
	assert.Equal(t, first.AcceptedAmountCents, again.AcceptedAmountCents)
	assert.Equal(t, first.CreditedAmountCents, again.CreditedAmountCents)
	assert.True(t, again.Mismatch)

	events, err := f.audit.ListBySubject(ctx, "merchant", 10)
	require.NoError(t, err)
	assert.Len(t, events, 2, "every pass is audited")
}

func TestReconcileCountsReversedAndDuplicate(t *testing.T) {
	f := newFixture(t)
	f.record(t, "tx-1", 100, payments.StatusReversed, day.Add(time.Hour), false)
	f.record(t, "tx-2", 100, payments.StatusDuplicate, day.Add(time.Hour), false)

	summary, err := f.svc.Reconcile(context.Background(), "merchant", day, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ReversedCount)
	assert.Equal(t, 1, summary.DuplicateCount)
	assert.False(t, summary.Mismatch)
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2026-04-02")
	require.NoError(t, err)
	assert.Equal(t, day, d)

	_, err = ParseDate("02/04/2026")
	assert.ErrorIs(t, err, ErrInvalidDate)
}

// listThenRun runs hook once right after the day's rows are listed.
type listThenRun struct {
	payments.Repository
	hook func()
}

func (r *listThenRun) ListByMerchantAndDate(ctx context.Context, merchantAccountID string, date time.Time) ([]payments.OfflineTransaction, error) {
	rows, err := r.Repository.ListByMerchantAndDate(ctx, merchantAccountID, date)
	if hook := r.hook; hook != nil {
		r.hook = nil
		hook()
	}
	return rows, err
}

func TestReconcileKeepsRowRefundedMidPass(t *testing.T) {
	txs := &listThenRun{Repository: payments.NewMemoryRepository()}
	f := newFixtureWithTxs(t, txs)
	ctx := context.Background()
	f.record(t, "tx-1", 300, payments.StatusAccepted, day.Add(time.Hour), true)
	f.record(t, "tx-2", 200, payments.StatusAccepted, day.Add(2*time.Hour), true)

	txs.hook = func() {
		_, err := txs.AddRefund(ctx, "tx-1", 300, day.Add(3*time.Hour))
		require.NoError(t, err)
	}
	summary, err := f.svc.Reconcile(ctx, "merchant", day, "ops")
	require.NoError(t, err)

	refunded, err := f.txs.GetByTxID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, payments.StatusReversed, refunded.Status)
	assert.Equal(t, payments.ReasonRefunded, refunded.FailureReason)

	assert.Equal(t, 1, summary.AcceptedCount)
	assert.Equal(t, int64(200), summary.AcceptedAmountCents)
	assert.Equal(t, 1, summary.ReversedCount)

	other, err := f.txs.GetByTxID(ctx, "tx-2")
	require.NoError(t, err)
	assert.Equal(t, payments.StatusReconciled, other.Status)
}

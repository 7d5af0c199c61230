package settlement

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/congo-pay/offlinepay/internal/apperror"
	"github.com/congo-pay/offlinepay/internal/audit"
	"github.com/congo-pay/offlinepay/internal/ledger"
	"github.com/congo-pay/offlinepay/internal/lock"
	"github.com/congo-pay/offlinepay/internal/metrics"
	"github.com/congo-pay/offlinepay/internal/payments"
)

// DateLayout is the calendar-day format accepted and reported.
const DateLayout = "2006-01-02"

var ErrInvalidDate = apperror.BadRequest("INVALID_DATE", "date must be YYYY-MM-DD")

// Summary is the outcome of one reconciliation pass.
type Summary struct {
	MerchantAccountID   string    `json:"merchantAccountId"`
	Date                string    `json:"date"`
	AcceptedCount       int       `json:"acceptedCount"`
	RejectedCount       int       `json:"rejectedCount"`
	DuplicateCount      int       `json:"duplicateCount"`
	ReversedCount       int       `json:"reversedCount"`
	AcceptedAmountCents int64     `json:"acceptedAmountCents"`
	CreditedAmountCents int64     `json:"creditedAmountCents"`
	Mismatch            bool      `json:"mismatch"`
	ReconciledAt        time.Time `json:"reconciledAt"`
}

// Service compares a merchant's accepted transactions for a day against the
// credits the ledger actually holds.
type Service struct {
	txs     payments.Repository
	entries ledger.Store
	audit   audit.Appender
	locker  lock.Locker
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires a reconciliation service.
func NewService(txs payments.Repository, entries ledger.Store, auditor audit.Appender, locker lock.Locker, logger *slog.Logger) *Service {
	return &Service{txs: txs, entries: entries, audit: auditor, locker: locker, logger: logger, now: time.Now}
}

// ParseDate parses a YYYY-MM-DD day in UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return d, nil
}

// Reconcile flips the day's accepted rows to reconciled and reports totals.
// Re-running a day yields the same totals because reconciled rows count
// toward them. A mismatch is only reported, never corrected.
func (s *Service) Reconcile(ctx context.Context, merchantAccountID string, date time.Time, actorAccountID string) (Summary, error) {
	day := date.UTC().Format(DateLayout)
	release, err := s.locker.Acquire(ctx, "settlement:"+merchantAccountID+":"+day)
	if err != nil {
		return Summary{}, err
	}
	defer release()

	txs, err := s.txs.ListByMerchantAndDate(ctx, merchantAccountID, date)
	if err != nil {
		return Summary{}, err
	}
	rows, err := s.entries.ListByAccountAndDate(ctx, merchantAccountID, date)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{MerchantAccountID: merchantAccountID, Date: day}
	for _, tx := range txs {
		status, err := s.reconcileRow(ctx, tx)
		if err != nil {
			return Summary{}, err
		}
		switch status {
		case payments.StatusAccepted, payments.StatusReconciled:
			summary.AcceptedCount++
			summary.AcceptedAmountCents += tx.AmountCents
		case payments.StatusRejected:
			summary.RejectedCount++
		case payments.StatusDuplicate:
			summary.DuplicateCount++
		case payments.StatusReversed:
			summary.ReversedCount++
		}
	}
	for _, e := range rows {
		if e.Type == ledger.TypeOfflineCredit {
			summary.CreditedAmountCents += e.DeltaCents
		}
	}
	summary.Mismatch = summary.AcceptedAmountCents != summary.CreditedAmountCents
	summary.ReconciledAt = s.now().UTC()

	if err := s.audit.Append(ctx, audit.EventSettlementReconciled, merchantAccountID, map[string]string{
		"date":                day,
		"mismatch":            strconv.FormatBool(summary.Mismatch),
		"acceptedAmountCents": strconv.FormatInt(summary.AcceptedAmountCents, 10),
		"creditedAmountCents": strconv.FormatInt(summary.CreditedAmountCents, 10),
	}, audit.Actor{AccountID: actorAccountID}); err != nil {
		return Summary{}, err
	}

	if summary.Mismatch {
		metrics.ReconcileMismatch()
		if s.logger != nil {
			s.logger.Warn("settlement mismatch",
				slog.String("merchant_account_id", merchantAccountID),
				slog.String("date", day),
				slog.Int64("accepted_cents", summary.AcceptedAmountCents),
				slog.Int64("credited_cents", summary.CreditedAmountCents),
			)
		}
	}
	return summary, nil
}

// reconcileRow flips an accepted row to reconciled and returns the status the
// row should be counted under. A row that moved since it was listed, such as
// one refunded in full, is counted by its current status.
func (s *Service) reconcileRow(ctx context.Context, tx payments.OfflineTransaction) (payments.Status, error) {
	if tx.Status != payments.StatusAccepted {
		return tx.Status, nil
	}
	err := s.txs.UpdateStatus(ctx, tx.TxID, payments.StatusAccepted, payments.StatusReconciled, tx.FailureReason, s.now())
	if err == nil {
		return payments.StatusReconciled, nil
	}
	if !errors.Is(err, payments.ErrStatusChanged) {
		return "", err
	}
	current, err := s.txs.GetByTxID(ctx, tx.TxID)
	if err != nil {
		return "", err
	}
	return current.Status, nil
}

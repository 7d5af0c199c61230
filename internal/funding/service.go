package funding

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/offlinepay/internal/apperror"
	"github.com/congo-pay/offlinepay/internal/audit"
	"github.com/congo-pay/offlinepay/internal/ledger"
	"github.com/congo-pay/offlinepay/internal/lock"
	"github.com/congo-pay/offlinepay/internal/payments"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

var (
	ErrInvalidAmount             = apperror.BadRequest("INVALID_AMOUNT", "amount must be positive")
	ErrWalletNotFound            = apperror.NotFound("WALLET_NOT_FOUND", "wallet not found")
	ErrTxNotFound                = apperror.NotFound("TX_NOT_FOUND", "transaction not found")
	ErrTxNotRefundable           = apperror.Conflict("TX_NOT_REFUNDABLE", "transaction is not refundable")
	ErrRefundTooLarge            = apperror.BadRequest("REFUND_TOO_LARGE", "refund amount exceeds the unrefunded remainder")
	ErrMerchantInsufficientFunds = apperror.Conflict("MERCHANT_INSUFFICIENT_FUNDS", "merchant wallet cannot cover refund")
)

// Service moves money outside the offline flow: top-ups and refunds. Both go
// through ledger postings like offline payments do.
type Service struct {
	wallets  ledger.Store
	txs      payments.Repository
	audit    audit.Appender
	locker   lock.Locker
	currency string
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires a funding service. currency is used for top-ups that do
// not name one.
func NewService(wallets ledger.Store, txs payments.Repository, auditor audit.Appender, locker lock.Locker, currency string, logger *slog.Logger) *Service {
	return &Service{
		wallets:  wallets,
		txs:      txs,
		audit:    auditor,
		locker:   locker,
		currency: currency,
		logger:   logger,
		now:      time.Now,
	}
}

// TopUp credits a wallet with a single topup entry.
func (s *Service) TopUp(ctx context.Context, req TopUpRequest) (TopUpResponse, error) {
	if req.AmountCents <= 0 {
		return TopUpResponse{}, ErrInvalidAmount
	}
	release, err := s.locker.Acquire(ctx, "wallet:"+req.AccountID)
	if err != nil {
		return TopUpResponse{}, err
	}
	defer release()

	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = s.currency
	}
	res, err := s.wallets.Apply(ctx, ledger.Posting{
		TxID:     "topup:" + uuid.Must(uuid.NewV7()).String(),
		Currency: currency,
		At:       s.now().UTC(),
		Legs: []ledger.Leg{{
			AccountID:  req.AccountID,
			Type:       ledger.TypeTopup,
			DeltaCents: req.AmountCents,
			Metadata:   map[string]string{"reference": req.Reference},
		}},
	})
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return TopUpResponse{}, ErrWalletNotFound
	}
	if err != nil {
		return TopUpResponse{}, err
	}

	if err := s.audit.Append(ctx, audit.EventWalletTopup, req.AccountID, map[string]string{
		"amountCents": strconv.FormatInt(req.AmountCents, 10),
		"reference":   req.Reference,
	}, audit.Actor{AccountID: req.ActorAccountID}); err != nil {
		return TopUpResponse{}, err
	}
	return TopUpResponse{AccountID: req.AccountID, AvailableCents: res.Wallets[req.AccountID].AvailableCents}, nil
}

// Refund moves money from the merchant back to the payer of an accepted or
// reconciled transaction. Refunds accumulate on the original row, which is
// marked reversed once they total its amount.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (RefundResponse, error) {
	if req.AmountCents <= 0 {
		return RefundResponse{}, ErrInvalidAmount
	}
	original, err := s.txs.GetByTxID(ctx, req.OriginalTxID)
	if errors.Is(err, payments.ErrNotFound) {
		return RefundResponse{}, ErrTxNotFound
	}
	if err != nil {
		return RefundResponse{}, err
	}

	release, err := s.locker.Acquire(ctx,
		"tx:"+original.TxID,
		"wallet:"+original.PayerAccountID,
		"wallet:"+original.MerchantAccountID,
	)
	if err != nil {
		return RefundResponse{}, err
	}
	defer release()

	// Status may have moved while waiting for the lock.
	if original, err = s.txs.GetByTxID(ctx, req.OriginalTxID); err != nil {
		return RefundResponse{}, err
	}
	if original.Status != payments.StatusAccepted && original.Status != payments.StatusReconciled {
		return RefundResponse{}, ErrTxNotRefundable
	}
	if req.AmountCents > original.AmountCents-original.RefundedCents {
		return RefundResponse{}, ErrRefundTooLarge
	}

	now := s.now().UTC()
	metadata := map[string]string{"originalTxId": original.TxID, "reason": req.Reason}
	refundTxID := "refund:" + uuid.Must(uuid.NewV7()).String()
	res, err := s.wallets.Apply(ctx, ledger.Posting{
		TxID:     refundTxID,
		Currency: original.Currency,
		At:       now,
		Legs: []ledger.Leg{
			{AccountID: original.MerchantAccountID, Type: ledger.TypeRefund, DeltaCents: -req.AmountCents, Metadata: metadata},
			{AccountID: original.PayerAccountID, Type: ledger.TypeRefund, DeltaCents: req.AmountCents, Metadata: metadata},
		},
	})
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		return RefundResponse{}, ErrWalletNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return RefundResponse{}, ErrMerchantInsufficientFunds
	case err != nil:
		return RefundResponse{}, err
	}

	updated, err := s.txs.AddRefund(ctx, original.TxID, req.AmountCents, now)
	if err != nil {
		return RefundResponse{}, err
	}

	if err := s.audit.Append(ctx, audit.EventWalletRefund, original.TxID, map[string]string{
		"amountCents":   strconv.FormatInt(req.AmountCents, 10),
		"reason":        req.Reason,
		"refundTxId":    refundTxID,
		"refundedCents": strconv.FormatInt(updated.RefundedCents, 10),
	}, audit.Actor{AccountID: req.ActorAccountID}); err != nil {
		return RefundResponse{}, err
	}

	return RefundResponse{
		TxID:            original.TxID,
		RefundTxID:      refundTxID,
		PayerBalance:    res.Wallets[original.PayerAccountID].AvailableCents,
		MerchantBalance: res.Wallets[original.MerchantAccountID].AvailableCents,
		RefundedCents:   updated.RefundedCents,
		Status:          updated.Status,
	}, nil
}

// Balance returns the wallet snapshot of an account.
func (s *Service) Balance(ctx context.Context, accountID string) (BalanceResponse, error) {
	w, err := s.wallets.GetWallet(ctx, accountID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return BalanceResponse{}, ErrWalletNotFound
	}
	if err != nil {
		return BalanceResponse{}, err
	}
	return BalanceResponse{AccountID: accountID, AvailableCents: w.AvailableCents, UpdatedAt: w.UpdatedAt, Version: w.Version}, nil
}

// History lists an account's transactions and ledger rows, newest first.
func (s *Service) History(ctx context.Context, accountID string, limit int) (HistoryResponse, error) {
	limit = ClampLimit(limit)
	txs, err := s.txs.ListByAccount(ctx, accountID, limit)
	if err != nil {
		return HistoryResponse{}, err
	}
	entries, err := s.wallets.ListByAccount(ctx, accountID, limit)
	if err != nil {
		return HistoryResponse{}, err
	}
	if txs == nil {
		txs = []payments.OfflineTransaction{}
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	return HistoryResponse{Transactions: txs, Ledger: entries}, nil
}

// ClampLimit applies the default and ceiling to a list size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}

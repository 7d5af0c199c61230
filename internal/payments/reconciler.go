package payments

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/congo-pay/offlinepay/internal/audit"
	"github.com/congo-pay/offlinepay/internal/identity"
	"github.com/congo-pay/offlinepay/internal/ledger"
	"github.com/congo-pay/offlinepay/internal/lock"
	"github.com/congo-pay/offlinepay/internal/metrics"
	"github.com/congo-pay/offlinepay/internal/risk"
	"github.com/congo-pay/offlinepay/internal/signing"
)

// Directory resolves accounts and devices. *identity.Service satisfies it.
type Directory interface {
	GetAccount(ctx context.Context, id string) (identity.Account, error)
	GetDevice(ctx context.Context, id string) (identity.Device, error)
	MarkDeviceSynced(ctx context.Context, id string, at time.Time) error
}

// Reconciler admits or rejects batches of offline transactions uploaded by
// merchant devices.
type Reconciler struct {
	directory Directory
	wallets   ledger.Store
	txs       Repository
	audit     audit.Appender
	verifier  signing.Verifier
	locker    lock.Locker
	policy    risk.Policy
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler wires a reconciler. policy is captured by value.
func NewReconciler(directory Directory, wallets ledger.Store, txs Repository, auditor audit.Appender, verifier signing.Verifier, locker lock.Locker, policy risk.Policy, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		directory: directory,
		wallets:   wallets,
		txs:       txs,
		audit:     auditor,
		verifier:  verifier,
		locker:    locker,
		policy:    policy,
		logger:    logger,
		now:       time.Now,
	}
}

// Policy returns the snapshot this reconciler enforces.
func (r *Reconciler) Policy() risk.Policy {
	return r.policy
}

// Sync processes a batch. Per-row failures are reported in the results and
// never returned as errors; an error means storage failed.
func (r *Reconciler) Sync(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	now := r.now().UTC()
	resp := SyncResponse{SyncedAt: now, RiskPolicy: r.policy}

	merchantDevice, err := r.directory.GetDevice(ctx, req.MerchantDeviceID)
	if err != nil && !errors.Is(err, identity.ErrDeviceNotFound) {
		return SyncResponse{}, err
	}
	if err != nil || !merchantDevice.Active() {
		resp.Results = rejectAll(req.Transactions, ReasonMerchantDeviceInactive)
		metrics.SyncBatch(ReasonMerchantDeviceInactive)
		return resp, nil
	}
	if !r.policy.WithinUnsyncedLimit(len(req.Transactions)) {
		resp.Results = rejectAll(req.Transactions, ReasonUnsyncedLimitExceeded)
		metrics.SyncBatch(ReasonUnsyncedLimitExceeded)
		return resp, nil
	}

	resp.Results = make([]Result, 0, len(req.Transactions))
	for _, sub := range req.Transactions {
		res, err := r.processRow(ctx, merchantDevice, req.SubmittedAt, now, sub)
		if err != nil {
			return SyncResponse{}, err
		}
		metrics.SyncRow(string(res.Status), res.Reason)
		resp.Results = append(resp.Results, res)
	}

	if err := r.directory.MarkDeviceSynced(ctx, merchantDevice.ID, req.SubmittedAt); err != nil {
		return SyncResponse{}, err
	}
	metrics.SyncBatch("processed")

	if r.logger != nil {
		r.logger.Info("offline batch synced",
			slog.String("merchant_device_id", merchantDevice.ID),
			slog.Int("rows", len(resp.Results)),
		)
	}
	return resp, nil
}

func rejectAll(subs []Submission, reason string) []Result {
	out := make([]Result, len(subs))
	for i, s := range subs {
		out[i] = rejected(s.TxID, reason)
	}
	return out
}

// processRow runs the per-row gate. The row's transaction, idempotency key and
// both wallets are locked for the whole pipeline, so a concurrent batch
// carrying the same row sees it as a duplicate.
func (r *Reconciler) processRow(ctx context.Context, merchantDevice identity.Device, submittedAt, now time.Time, sub Submission) (Result, error) {
	release, err := r.locker.Acquire(ctx,
		"tx:"+sub.TxID,
		"idem:"+sub.IdempotencyKey,
		"wallet:"+sub.PayerAccountID,
		"wallet:"+sub.MerchantAccountID,
	)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if record, seen, err := r.seen(ctx, r.txs.GetByTxID, sub.TxID); err != nil || seen {
		return duplicateOf(record), err
	}
	if _, seen, err := r.seen(ctx, r.txs.GetByIdempotencyKey, sub.IdempotencyKey); err != nil || seen {
		return duplicate(sub.TxID, ReasonIdempotencyKeySeen), err
	}

	merchantAccount, mErr := r.directory.GetAccount(ctx, sub.MerchantAccountID)
	payerAccount, pErr := r.directory.GetAccount(ctx, sub.PayerAccountID)
	payerDevice, dErr := r.directory.GetDevice(ctx, sub.PayerDeviceID)
	for _, e := range []error{mErr, pErr, dErr} {
		if e != nil && !errors.Is(e, identity.ErrAccountNotFound) && !errors.Is(e, identity.ErrDeviceNotFound) {
			return Result{}, e
		}
	}
	if mErr != nil || pErr != nil || dErr != nil {
		return rejected(sub.TxID, ReasonUnknownIdentity), nil
	}

	if !merchantAccount.Active() || !payerAccount.Active() {
		return rejected(sub.TxID, ReasonAccountFrozen), nil
	}
	if !payerDevice.Active() {
		return rejected(sub.TxID, ReasonPayerDeviceInactive), nil
	}
	if sub.MerchantDeviceID != merchantDevice.ID || sub.MerchantAccountID != merchantDevice.AccountID {
		return rejected(sub.TxID, ReasonMerchantDeviceMismatch), nil
	}
	if !r.policy.WithinTransactionLimit(sub.AmountCents) {
		return rejected(sub.TxID, ReasonAmountOutOfPolicy), nil
	}
	if !r.policy.HasFreshSync(merchantDevice.LastSyncAt, now) {
		return rejected(sub.TxID, ReasonMerchantSyncStale), nil
	}
	if !r.policy.ClockSkewAcceptable(sub.AuthorizationIssuedAt, submittedAt) {
		return rejected(sub.TxID, ReasonClockSkewExceeded), nil
	}
	if sub.ExpiresAt.Before(submittedAt) {
		return rejected(sub.TxID, ReasonIntentExpired), nil
	}

	digest := sub.SettlementFields().Digest()
	merchantOK := r.verifier.Verify(merchantDevice.PublicKey, sub.MerchantSignature, digest)
	payerOK := r.verifier.Verify(payerDevice.PublicKey, sub.PayerSignature, digest)
	if !merchantOK || !payerOK {
		return rejected(sub.TxID, ReasonSignatureInvalid), nil
	}

	spent, err := r.txs.PayerSpentOn(ctx, sub.PayerAccountID, sub.AuthorizationIssuedAt)
	if err != nil {
		return Result{}, err
	}
	if !r.policy.WithinDailyLimit(spent, sub.AmountCents) {
		return rejected(sub.TxID, ReasonDailyLimitExceeded), nil
	}

	payerWallet, pwErr := r.wallets.GetWallet(ctx, sub.PayerAccountID)
	_, mwErr := r.wallets.GetWallet(ctx, sub.MerchantAccountID)
	for _, e := range []error{pwErr, mwErr} {
		if e != nil && !errors.Is(e, ledger.ErrWalletNotFound) {
			return Result{}, e
		}
	}
	if pwErr != nil || mwErr != nil {
		return rejected(sub.TxID, ReasonWalletMissing), nil
	}

	if payerWallet.AvailableCents < sub.AmountCents {
		return r.rejectSettlement(ctx, sub, submittedAt, now, true)
	}
	return r.accept(ctx, sub, submittedAt, now)
}

func (r *Reconciler) seen(ctx context.Context, get func(context.Context, string) (OfflineTransaction, error), key string) (OfflineTransaction, bool, error) {
	record, err := get(ctx, key)
	switch {
	case err == nil:
		return record, true, nil
	case errors.Is(err, ErrNotFound):
		return OfflineTransaction{}, false, nil
	default:
		return OfflineTransaction{}, false, err
	}
}

// accept claims the txId and idempotency key by inserting the record, then
// moves the money. Claiming first means two racing acceptances can never
// both post to the ledger.
func (r *Reconciler) accept(ctx context.Context, sub Submission, submittedAt, now time.Time) (Result, error) {
	record := toRecord(sub, submittedAt, now, StatusAccepted, "")
	if err := r.txs.Insert(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicateTransaction) {
			return duplicate(sub.TxID, ReasonTxIDSeen), nil
		}
		return Result{}, err
	}

	posted, err := r.wallets.Apply(ctx, ledger.Posting{
		TxID:     sub.TxID,
		Currency: sub.Currency,
		At:       now,
		Legs: []ledger.Leg{
			{AccountID: sub.PayerAccountID, Type: ledger.TypeOfflineDebit, DeltaCents: -sub.AmountCents},
			{AccountID: sub.MerchantAccountID, Type: ledger.TypeOfflineCredit, DeltaCents: sub.AmountCents},
		},
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		return r.rejectSettlement(ctx, sub, submittedAt, now, false)
	}
	if err != nil {
		if uerr := r.txs.UpdateStatus(ctx, sub.TxID, StatusAccepted, StatusRejected, "ledger_error", now); uerr != nil && r.logger != nil {
			r.logger.Error("release failed claim", slog.String("tx_id", sub.TxID), slog.Any("error", uerr))
		}
		return Result{}, err
	}

	if err := r.audit.Append(ctx, audit.EventOfflineTxAccepted, sub.TxID, map[string]string{
		"amountCents":       strconv.FormatInt(sub.AmountCents, 10),
		"payerAccountId":    sub.PayerAccountID,
		"merchantAccountId": sub.MerchantAccountID,
	}, audit.Actor{AccountID: sub.MerchantAccountID, DeviceID: sub.MerchantDeviceID}); err != nil {
		return Result{}, err
	}

	return Result{
		TxID:   sub.TxID,
		Status: StatusAccepted,
		WalletAfter: &WalletAfter{
			PayerAvailableCents:    posted.Wallets[sub.PayerAccountID].AvailableCents,
			MerchantAvailableCents: posted.Wallets[sub.MerchantAccountID].AvailableCents,
		},
	}, nil
}

// rejectSettlement persists an insufficient-funds outcome. Unlike validation
// failures it is recorded, because the payer made a promise offline that the
// ledger could not honour.
func (r *Reconciler) rejectSettlement(ctx context.Context, sub Submission, submittedAt, now time.Time, insert bool) (Result, error) {
	var err error
	if insert {
		err = r.txs.Insert(ctx, toRecord(sub, submittedAt, now, StatusRejected, ReasonInsufficientFunds))
		if errors.Is(err, ErrDuplicateTransaction) {
			return duplicate(sub.TxID, ReasonTxIDSeen), nil
		}
	} else {
		err = r.txs.UpdateStatus(ctx, sub.TxID, StatusAccepted, StatusRejected, ReasonInsufficientFunds, now)
	}
	if err != nil {
		return Result{}, err
	}

	if err := r.audit.Append(ctx, audit.EventOfflineTxRejected, sub.TxID, map[string]string{
		"reason":            ReasonInsufficientFunds,
		"payerAccountId":    sub.PayerAccountID,
		"merchantAccountId": sub.MerchantAccountID,
	}, audit.Actor{AccountID: sub.MerchantAccountID, DeviceID: sub.MerchantDeviceID}); err != nil {
		return Result{}, err
	}
	return rejected(sub.TxID, ReasonInsufficientFunds), nil
}

func toRecord(sub Submission, submittedAt, now time.Time, status Status, failureReason string) OfflineTransaction {
	return OfflineTransaction{
		Submission:                sub,
		MerchantClientSubmittedAt: submittedAt.UTC(),
		Status:                    status,
		FailureReason:             failureReason,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
}

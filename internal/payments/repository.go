package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/offlinepay/internal/ledger"
)

var (
	// ErrDuplicateTransaction is returned when a txId or idempotency key is
	// already recorded.
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	// ErrNotFound is returned for unknown transactions.
	ErrNotFound = errors.New("transaction not found")
	// ErrStatusChanged is returned when a conditional update finds the row
	// in a different status than the caller expected.
	ErrStatusChanged = errors.New("transaction status changed")
	// ErrRefundExceedsAmount is returned when refunds would total more than
	// the original amount.
	ErrRefundExceedsAmount = errors.New("refunds exceed transaction amount")
)

// Repository persists offline transaction records. Insert enforces uniqueness
// of both txId and idempotency key atomically.
type Repository interface {
	Insert(ctx context.Context, tx OfflineTransaction) error
	GetByTxID(ctx context.Context, txID string) (OfflineTransaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (OfflineTransaction, error)
	// UpdateStatus moves a row from one status to another. It fails with
	// ErrStatusChanged if the row is no longer in from.
	UpdateStatus(ctx context.Context, txID string, from, to Status, failureReason string, at time.Time) error
	// AddRefund adds amountCents to the refunded total of an accepted or
	// reconciled row and marks it reversed once the total reaches the
	// original amount. It returns the updated row.
	AddRefund(ctx context.Context, txID string, amountCents int64, at time.Time) (OfflineTransaction, error)
	// ListByAccount returns rows where the account is payer or merchant,
	// newest first.
	ListByAccount(ctx context.Context, accountID string, limit int) ([]OfflineTransaction, error)
	// ListByMerchantAndDate returns the merchant's rows created on date's UTC day.
	ListByMerchantAndDate(ctx context.Context, merchantAccountID string, date time.Time) ([]OfflineTransaction, error)
	// PayerSpentOn sums the payer's non-rejected amounts authorized on day's
	// UTC calendar date.
	PayerSpentOn(ctx context.Context, payerAccountID string, day time.Time) (int64, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed transaction repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const txColumns = `tx_id, idempotency_key, merchant_intent_id, payer_authorization_id, merchant_account_id, payer_account_id,
        merchant_device_id, payer_device_id, amount_cents, currency, merchant_nonce, payer_nonce, merchant_counter, payer_counter,
        intent_issued_at, authorization_issued_at, expires_at, merchant_signature, payer_signature,
        merchant_client_submitted_at, status, COALESCE(failure_reason, ''), created_at, updated_at, refunded_cents`

// Insert stores a new record. Unique indexes on tx_id and idempotency_key
// turn a racing duplicate into ErrDuplicateTransaction.
func (r *PostgresRepository) Insert(ctx context.Context, t OfflineTransaction) error {
	_, err := r.db.Exec(ctx, `INSERT INTO offline_transactions (`+txColumnsInsert+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, NULLIF($22, ''), $23, $24)`,
		t.TxID, t.IdempotencyKey, t.MerchantIntentID, t.PayerAuthorizationID, t.MerchantAccountID, t.PayerAccountID,
		t.MerchantDeviceID, t.PayerDeviceID, t.AmountCents, t.Currency, t.MerchantNonce, t.PayerNonce, t.MerchantCounter, t.PayerCounter,
		t.IntentIssuedAt.UTC(), t.AuthorizationIssuedAt.UTC(), t.ExpiresAt.UTC(), t.MerchantSignature, t.PayerSignature,
		t.MerchantClientSubmittedAt.UTC(), string(t.Status), t.FailureReason, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("insert offline transaction %s: %w", t.TxID, err)
	}
	return nil
}

const txColumnsInsert = `tx_id, idempotency_key, merchant_intent_id, payer_authorization_id, merchant_account_id, payer_account_id,
        merchant_device_id, payer_device_id, amount_cents, currency, merchant_nonce, payer_nonce, merchant_counter, payer_counter,
        intent_issued_at, authorization_issued_at, expires_at, merchant_signature, payer_signature,
        merchant_client_submitted_at, status, failure_reason, created_at, updated_at`

func (r *PostgresRepository) GetByTxID(ctx context.Context, txID string) (OfflineTransaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+txColumns+` FROM offline_transactions WHERE tx_id = $1`, txID))
}

func (r *PostgresRepository) GetByIdempotencyKey(ctx context.Context, key string) (OfflineTransaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+txColumns+` FROM offline_transactions WHERE idempotency_key = $1`, key))
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, txID string, from, to Status, failureReason string, at time.Time) error {
	cmd, err := r.db.Exec(ctx, `UPDATE offline_transactions SET status = $1, failure_reason = NULLIF($2, ''), updated_at = $3
        WHERE tx_id = $4 AND status = $5`, string(to), failureReason, at.UTC(), txID, string(from))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return r.missOrChanged(ctx, txID, ErrStatusChanged)
	}
	return nil
}

func (r *PostgresRepository) AddRefund(ctx context.Context, txID string, amountCents int64, at time.Time) (OfflineTransaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx, `UPDATE offline_transactions SET
            refunded_cents = refunded_cents + $1,
            status = CASE WHEN refunded_cents + $1 = amount_cents THEN $2 ELSE status END,
            failure_reason = CASE WHEN refunded_cents + $1 = amount_cents THEN $3 ELSE failure_reason END,
            updated_at = $4
        WHERE tx_id = $5 AND status IN ($6, $7) AND refunded_cents + $1 <= amount_cents
        RETURNING `+txColumns,
		amountCents, string(StatusReversed), ReasonRefunded, at.UTC(), txID, string(StatusAccepted), string(StatusReconciled)))
	if errors.Is(err, ErrNotFound) {
		current, gerr := r.GetByTxID(ctx, txID)
		if gerr != nil {
			return OfflineTransaction{}, gerr
		}
		if current.Status != StatusAccepted && current.Status != StatusReconciled {
			return OfflineTransaction{}, ErrStatusChanged
		}
		return OfflineTransaction{}, ErrRefundExceedsAmount
	}
	return t, err
}

// missOrChanged tells a missing row apart from one whose guard failed.
func (r *PostgresRepository) missOrChanged(ctx context.Context, txID string, changed error) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM offline_transactions WHERE tx_id = $1)`, txID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return changed
}

func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]OfflineTransaction, error) {
	rows, err := r.db.Query(ctx, `SELECT `+txColumns+` FROM offline_transactions
        WHERE payer_account_id = $1 OR merchant_account_id = $1
        ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (OfflineTransaction, error) { return scanTransaction(row) })
}

func (r *PostgresRepository) ListByMerchantAndDate(ctx context.Context, merchantAccountID string, date time.Time) ([]OfflineTransaction, error) {
	start, end := ledger.DayBounds(date)
	rows, err := r.db.Query(ctx, `SELECT `+txColumns+` FROM offline_transactions
        WHERE merchant_account_id = $1 AND created_at >= $2 AND created_at < $3
        ORDER BY created_at`, merchantAccountID, start, end)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (OfflineTransaction, error) { return scanTransaction(row) })
}

func (r *PostgresRepository) PayerSpentOn(ctx context.Context, payerAccountID string, day time.Time) (int64, error) {
	start, end := ledger.DayBounds(day)
	var total int64
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount_cents), 0) FROM offline_transactions
        WHERE payer_account_id = $1 AND status <> 'rejected'
          AND authorization_issued_at >= $2 AND authorization_issued_at < $3`, payerAccountID, start, end).Scan(&total)
	return total, err
}

func scanTransaction(row pgx.Row) (OfflineTransaction, error) {
	var (
		t      OfflineTransaction
		status string
	)
	err := row.Scan(&t.TxID, &t.IdempotencyKey, &t.MerchantIntentID, &t.PayerAuthorizationID, &t.MerchantAccountID, &t.PayerAccountID,
		&t.MerchantDeviceID, &t.PayerDeviceID, &t.AmountCents, &t.Currency, &t.MerchantNonce, &t.PayerNonce, &t.MerchantCounter, &t.PayerCounter,
		&t.IntentIssuedAt, &t.AuthorizationIssuedAt, &t.ExpiresAt, &t.MerchantSignature, &t.PayerSignature,
		&t.MerchantClientSubmittedAt, &status, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt, &t.RefundedCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OfflineTransaction{}, ErrNotFound
		}
		return OfflineTransaction{}, fmt.Errorf("scan offline transaction: %w", err)
	}
	t.Status = Status(status)
	for _, ts := range []*time.Time{&t.IntentIssuedAt, &t.AuthorizationIssuedAt, &t.ExpiresAt, &t.MerchantClientSubmittedAt, &t.CreatedAt, &t.UpdatedAt} {
		*ts = ts.UTC()
	}
	return t, nil
}

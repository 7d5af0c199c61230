package handshake

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists local transactions in a file on the device.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect device store: %w", err)
	}
	// One writer at a time avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply device schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const localColumns = `tx_id, idempotency_key, merchant_intent_id, payer_authorization_id,
    merchant_account_id, merchant_device_id, payer_account_id, payer_device_id,
    amount_cents, currency, merchant_nonce, payer_nonce, merchant_counter, payer_counter,
    intent_issued_at, authorization_issued_at, expires_at, merchant_signature, payer_signature,
    state, failure_reason, created_at, updated_at`

func (s *SQLiteStore) Save(ctx context.Context, tx LocalTransaction) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO local_transactions (`+localColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.TxID, tx.IdempotencyKey, tx.MerchantIntentID, tx.PayerAuthorizationID,
		tx.MerchantAccountID, tx.MerchantDeviceID, tx.PayerAccountID, tx.PayerDeviceID,
		tx.AmountCents, tx.Currency, tx.MerchantNonce, tx.PayerNonce, tx.MerchantCounter, tx.PayerCounter,
		formatTime(tx.IntentIssuedAt), formatTime(tx.AuthorizationIssuedAt), formatTime(tx.ExpiresAt),
		tx.MerchantSignature, tx.PayerSignature,
		string(tx.State), tx.FailureReason, formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save local transaction %s: %w", tx.TxID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, txID string) (LocalTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+localColumns+` FROM local_transactions WHERE tx_id = ?`, txID)
	tx, err := scanLocal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LocalTransaction{}, ErrNotFound
	}
	return tx, err
}

func (s *SQLiteStore) ListByState(ctx context.Context, state LocalState) ([]LocalTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+localColumns+` FROM local_transactions
        WHERE state = ? ORDER BY created_at, tx_id`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LocalTransaction
	for rows.Next() {
		tx, err := scanLocal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLocal(row scanner) (LocalTransaction, error) {
	var tx LocalTransaction
	var state, issued, authorized, expires, created, updated string
	err := row.Scan(&tx.TxID, &tx.IdempotencyKey, &tx.MerchantIntentID, &tx.PayerAuthorizationID,
		&tx.MerchantAccountID, &tx.MerchantDeviceID, &tx.PayerAccountID, &tx.PayerDeviceID,
		&tx.AmountCents, &tx.Currency, &tx.MerchantNonce, &tx.PayerNonce, &tx.MerchantCounter, &tx.PayerCounter,
		&issued, &authorized, &expires, &tx.MerchantSignature, &tx.PayerSignature,
		&state, &tx.FailureReason, &created, &updated)
	if err != nil {
		return LocalTransaction{}, err
	}
	tx.State = LocalState(state)
	for _, f := range []struct {
		raw string
		dst *time.Time
	}{
		{issued, &tx.IntentIssuedAt},
		{authorized, &tx.AuthorizationIssuedAt},
		{expires, &tx.ExpiresAt},
		{created, &tx.CreatedAt},
		{updated, &tx.UpdatedAt},
	} {
		if *f.dst, err = parseTime(f.raw); err != nil {
			return LocalTransaction{}, fmt.Errorf("local transaction %s: %w", tx.TxID, err)
		}
	}
	return tx, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

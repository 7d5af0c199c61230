package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists wallets and journal rows in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetWallet fetches the wallet row for an account.
func (s *PostgresStore) GetWallet(ctx context.Context, accountID string) (Wallet, error) {
	row := s.db.QueryRow(ctx, `SELECT account_id, available_cents, version, updated_at
        FROM wallets WHERE account_id = $1`, accountID)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, ErrWalletNotFound
	}
	return w, err
}

// UpsertWallet inserts a wallet or replaces it when the stored version is
// exactly one behind.
func (s *PostgresStore) UpsertWallet(ctx context.Context, w Wallet) error {
	cmd, err := s.db.Exec(ctx, `INSERT INTO wallets (account_id, available_cents, version, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (account_id) DO UPDATE
            SET available_cents = EXCLUDED.available_cents,
                version = EXCLUDED.version,
                updated_at = EXCLUDED.updated_at
            WHERE wallets.version = EXCLUDED.version - 1`,
		w.AccountID, w.AvailableCents, w.Version, w.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert wallet %s: %w", w.AccountID, err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// AppendEntry inserts a single journal row.
func (s *PostgresStore) AppendEntry(ctx context.Context, e Entry) error {
	if e.EntryID == "" {
		e.EntryID = uuid.Must(uuid.NewV7()).String()
	}
	return insertEntry(ctx, s.db, e)
}

// Apply locks every affected wallet in account-id order, checks the resulting
// balances and writes wallets and entries in one transaction.
func (s *PostgresStore) Apply(ctx context.Context, p Posting) (PostingResult, error) {
	if err := p.validate(); err != nil {
		return PostingResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PostingResult{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	ids := make([]string, 0, len(p.Legs))
	seen := make(map[string]struct{}, len(p.Legs))
	for _, leg := range p.Legs {
		if _, ok := seen[leg.AccountID]; ok {
			continue
		}
		seen[leg.AccountID] = struct{}{}
		ids = append(ids, leg.AccountID)
	}
	// Lock in a fixed order so concurrent postings over the same pair of
	// wallets cannot deadlock.
	sort.Strings(ids)

	next := make(map[string]Wallet, len(ids))
	for _, id := range ids {
		row := tx.QueryRow(ctx, `SELECT account_id, available_cents, version, updated_at
            FROM wallets WHERE account_id = $1 FOR UPDATE`, id)
		w, err := scanWallet(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return PostingResult{}, ErrWalletNotFound
			}
			return PostingResult{}, err
		}
		w.Version++
		w.UpdatedAt = p.At.UTC()
		next[id] = w
	}

	for _, leg := range p.Legs {
		w := next[leg.AccountID]
		w.AvailableCents += leg.DeltaCents
		next[leg.AccountID] = w
	}

	for _, id := range ids {
		w := next[id]
		if w.AvailableCents < 0 {
			return PostingResult{}, ErrInsufficientFunds
		}
		if _, err := tx.Exec(ctx, `UPDATE wallets SET available_cents = $1, version = $2, updated_at = $3
            WHERE account_id = $4`, w.AvailableCents, w.Version, w.UpdatedAt, w.AccountID); err != nil {
			return PostingResult{}, err
		}
	}

	entries := make([]Entry, 0, len(p.Legs))
	for _, leg := range p.Legs {
		e := Entry{
			EntryID:    uuid.Must(uuid.NewV7()).String(),
			AccountID:  leg.AccountID,
			TxID:       p.TxID,
			Type:       leg.Type,
			DeltaCents: leg.DeltaCents,
			Currency:   p.Currency,
			CreatedAt:  p.At.UTC(),
			Metadata:   leg.Metadata,
		}
		if err := insertEntry(ctx, tx, e); err != nil {
			return PostingResult{}, err
		}
		entries = append(entries, e)
	}

	if err := tx.Commit(ctx); err != nil {
		return PostingResult{}, err
	}

	return PostingResult{Wallets: next, Entries: entries}, nil
}

// ListByAccount returns an account's entries, newest first.
func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `SELECT entry_id, account_id, tx_id, type, delta_cents, currency, created_at, metadata
        FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ListByAccountAndDate returns an account's entries for one UTC day.
func (s *PostgresStore) ListByAccountAndDate(ctx context.Context, accountID string, date time.Time) ([]Entry, error) {
	start, end := DayBounds(date)
	rows, err := s.db.Query(ctx, `SELECT entry_id, account_id, tx_id, type, delta_cents, currency, created_at, metadata
        FROM ledger_entries WHERE account_id = $1 AND created_at >= $2 AND created_at < $3
        ORDER BY created_at`, accountID, start, end)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// CheckConservation compares every wallet against the sum of its entries.
func (s *PostgresStore) CheckConservation(ctx context.Context) error {
	const query = `
        SELECT w.account_id, w.available_cents, COALESCE(SUM(e.delta_cents), 0)
        FROM wallets w
        LEFT JOIN ledger_entries e ON e.account_id = w.account_id
        GROUP BY w.account_id, w.available_cents
        HAVING w.available_cents <> COALESCE(SUM(e.delta_cents), 0)
        ORDER BY w.account_id
        LIMIT 1`
	var ce ConservationError
	err := s.db.QueryRow(ctx, query).Scan(&ce.AccountID, &ce.AvailableCents, &ce.JournalCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return &ce
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEntry(ctx context.Context, db execer, e Entry) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := db.Exec(ctx, `INSERT INTO ledger_entries (entry_id, account_id, tx_id, type, delta_cents, currency, created_at, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.EntryID, e.AccountID, e.TxID, string(e.Type), e.DeltaCents, e.Currency, e.CreatedAt.UTC(), metadata)
	if err != nil {
		return fmt.Errorf("insert ledger entry for %s: %w", e.TxID, err)
	}
	return nil
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	if err := row.Scan(&w.AccountID, &w.AvailableCents, &w.Version, &w.UpdatedAt); err != nil {
		return Wallet{}, err
	}
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		var typ string
		if err := row.Scan(&e.EntryID, &e.AccountID, &e.TxID, &typ, &e.DeltaCents, &e.Currency, &e.CreatedAt, &e.Metadata); err != nil {
			return Entry{}, err
		}
		e.Type = EntryType(typ)
		e.CreatedAt = e.CreatedAt.UTC()
		return e, nil
	})
}

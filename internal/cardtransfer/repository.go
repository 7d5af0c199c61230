package cardtransfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/offlinepay/internal/identity"
)

var (
	// ErrNotFound is returned for unknown sessions.
	ErrNotFound = errors.New("transfer session not found")
	// ErrSessionChanged is returned by Complete when the session is no
	// longer pending.
	ErrSessionChanged = errors.New("transfer session no longer pending")
)

// Completion is everything that changes when a transfer is redeemed. It is
// applied all at once or not at all.
type Completion struct {
	Session        Session
	SourceDeviceID string
	RevokeReason   string
	NewDevice      identity.Device
}

// Repository persists transfer sessions.
type Repository interface {
	Create(ctx context.Context, s Session) error
	GetByTransferID(ctx context.Context, id string) (Session, error)
	GetByTransferCode(ctx context.Context, code string) (Session, error)
	Update(ctx context.Context, s Session) error
	// Complete revokes the active source device, inserts the replacement and
	// marks the pending session completed. A source that is no longer active
	// yields identity.ErrStatusChanged.
	Complete(ctx context.Context, c Completion) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed session store.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sessionColumns = `transfer_id, transfer_code, account_id, from_device_id, role, status, created_at, expires_at, completed_at, COALESCE(new_device_id, '')`

func (r *PostgresRepository) Create(ctx context.Context, s Session) error {
	_, err := r.db.Exec(ctx, `INSERT INTO card_transfers (transfer_id, transfer_code, account_id, from_device_id, role, status, created_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.TransferID, s.TransferCode, s.AccountID, s.FromDeviceID, string(s.Role), string(s.Status), s.CreatedAt.UTC(), s.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert card transfer: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByTransferID(ctx context.Context, id string) (Session, error) {
	return scanSession(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM card_transfers WHERE transfer_id = $1`, id))
}

func (r *PostgresRepository) GetByTransferCode(ctx context.Context, code string) (Session, error) {
	return scanSession(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM card_transfers WHERE transfer_code = $1`, code))
}

func (r *PostgresRepository) Update(ctx context.Context, s Session) error {
	cmd, err := r.db.Exec(ctx, `UPDATE card_transfers SET status = $1, completed_at = $2, new_device_id = NULLIF($3, '')
        WHERE transfer_id = $4`, string(s.Status), s.CompletedAt, s.NewDeviceID, s.TransferID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Complete(ctx context.Context, c Completion) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin card transfer: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := identity.SetDeviceStatus(ctx, tx, c.SourceDeviceID, identity.DeviceActive, identity.DeviceRevoked, c.RevokeReason); err != nil {
		return err
	}
	if err := identity.InsertDevice(ctx, tx, c.NewDevice); err != nil {
		return fmt.Errorf("insert replacement device: %w", err)
	}
	cmd, err := tx.Exec(ctx, `UPDATE card_transfers SET status = $1, completed_at = $2, new_device_id = $3
        WHERE transfer_id = $4 AND status = $5`,
		string(StatusCompleted), c.Session.CompletedAt, c.NewDevice.ID, c.Session.TransferID, string(StatusPending))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrSessionChanged
	}
	return tx.Commit(ctx)
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		s            Session
		role, status string
	)
	err := row.Scan(&s.TransferID, &s.TransferCode, &s.AccountID, &s.FromDeviceID, &role, &status,
		&s.CreatedAt, &s.ExpiresAt, &s.CompletedAt, &s.NewDeviceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("scan card transfer: %w", err)
	}
	s.Role = identity.Role(role)
	s.Status = Status(status)
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	return s, nil
}

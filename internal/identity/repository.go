package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when an account or device does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned on a duplicate id or external identity.
	ErrAlreadyExists = errors.New("already exists")
	// ErrStatusChanged is returned when a device is no longer in the
	// status a conditional update expected.
	ErrStatusChanged = errors.New("device status changed")
)

// AccountRepository persists accounts.
type AccountRepository interface {
	Create(ctx context.Context, account Account) error
	GetByID(ctx context.Context, id string) (Account, error)
	GetByExternalIdentity(ctx context.Context, externalIdentity string) (Account, error)
	Update(ctx context.Context, account Account) error
}

// DeviceRepository persists devices.
type DeviceRepository interface {
	Create(ctx context.Context, device Device) error
	GetByID(ctx context.Context, id string) (Device, error)
	ListByAccount(ctx context.Context, accountID string) ([]Device, error)
	// SetStatus moves a device from one status to another and records the
	// reason. It fails with ErrStatusChanged if the device is not in from.
	SetStatus(ctx context.Context, id, from, to, reason string) error
	// MarkSynced writes only the last sync time.
	MarkSynced(ctx context.Context, id string, at time.Time) error
}

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRepository implements both repositories using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Accounts exposes the account half.
func (r *PostgresRepository) Accounts() AccountRepository { return postgresAccounts{r.db} }

// Devices exposes the device half.
func (r *PostgresRepository) Devices() DeviceRepository { return postgresDevices{r.db} }

type postgresAccounts struct{ db *pgxpool.Pool }

func (r postgresAccounts) Create(ctx context.Context, a Account) error {
	_, err := r.db.Exec(ctx, `INSERT INTO accounts (id, external_identity, display_name, roles, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.ExternalIdentity, a.DisplayName, rolesToStrings(a.Roles), a.Status, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r postgresAccounts) GetByID(ctx context.Context, id string) (Account, error) {
	return scanAccount(r.db.QueryRow(ctx, `SELECT id, external_identity, display_name, roles, status, created_at, updated_at
        FROM accounts WHERE id = $1`, id))
}

func (r postgresAccounts) GetByExternalIdentity(ctx context.Context, externalIdentity string) (Account, error) {
	return scanAccount(r.db.QueryRow(ctx, `SELECT id, external_identity, display_name, roles, status, created_at, updated_at
        FROM accounts WHERE external_identity = $1`, externalIdentity))
}

func (r postgresAccounts) Update(ctx context.Context, a Account) error {
	cmd, err := r.db.Exec(ctx, `UPDATE accounts SET display_name = $1, roles = $2, status = $3, updated_at = $4 WHERE id = $5`,
		a.DisplayName, rolesToStrings(a.Roles), a.Status, a.UpdatedAt.UTC(), a.ID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type postgresDevices struct{ db *pgxpool.Pool }

const deviceColumns = `id, account_id, role, public_key, key_version, status, registered_at, last_sync_at, COALESCE(freeze_reason, '')`

func (r postgresDevices) Create(ctx context.Context, d Device) error {
	return InsertDevice(ctx, r.db, d)
}

func (r postgresDevices) GetByID(ctx context.Context, id string) (Device, error) {
	return scanDevice(r.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
}

func (r postgresDevices) ListByAccount(ctx context.Context, accountID string) ([]Device, error) {
	rows, err := r.db.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE account_id = $1 ORDER BY registered_at`, accountID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Device, error) { return scanDevice(row) })
}

func (r postgresDevices) SetStatus(ctx context.Context, id, from, to, reason string) error {
	return SetDeviceStatus(ctx, r.db, id, from, to, reason)
}

func (r postgresDevices) MarkSynced(ctx context.Context, id string, at time.Time) error {
	cmd, err := r.db.Exec(ctx, `UPDATE devices SET last_sync_at = $1 WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertDevice writes a new device row through db, which may be a pool or
// an open transaction.
func InsertDevice(ctx context.Context, db Execer, d Device) error {
	_, err := db.Exec(ctx, `INSERT INTO devices (id, account_id, role, public_key, key_version, status, registered_at, last_sync_at, freeze_reason)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))`,
		d.ID, d.AccountID, string(d.Role), d.PublicKey, d.KeyVersion, d.Status, d.RegisteredAt.UTC(), d.LastSyncAt.UTC(), d.FreezeReason)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// SetDeviceStatus is the conditional status update shared with callers that
// run it inside their own transaction.
func SetDeviceStatus(ctx context.Context, db Execer, id, from, to, reason string) error {
	cmd, err := db.Exec(ctx, `UPDATE devices SET status = $1, freeze_reason = NULLIF($2, '') WHERE id = $3 AND status = $4`,
		to, reason, id, from)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStatusChanged
	}
	return nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a     Account
		roles []string
	)
	if err := row.Scan(&a.ID, &a.ExternalIdentity, &a.DisplayName, &roles, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("scan account: %w", err)
	}
	for _, r := range roles {
		a.Roles = append(a.Roles, Role(r))
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func scanDevice(row pgx.Row) (Device, error) {
	var (
		d    Device
		role string
	)
	if err := row.Scan(&d.ID, &d.AccountID, &role, &d.PublicKey, &d.KeyVersion, &d.Status, &d.RegisteredAt, &d.LastSyncAt, &d.FreezeReason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Device{}, ErrNotFound
		}
		return Device{}, fmt.Errorf("scan device: %w", err)
	}
	d.Role = Role(role)
	d.RegisteredAt = d.RegisteredAt.UTC()
	d.LastSyncAt = d.LastSyncAt.UTC()
	return d, nil
}

func rolesToStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

package identity

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
)

var (
	ErrAccountExists   = apperror.Conflict("ACCOUNT_EXISTS", "external identity already registered")
	ErrAccountNotFound = apperror.NotFound("ACCOUNT_NOT_FOUND", "account not found")
	ErrAccountFrozen   = apperror.Forbidden("ACCOUNT_FROZEN", "account is frozen")
	ErrRoleNotAllowed  = apperror.Forbidden("ROLE_NOT_ALLOWED", "account does not hold this role")
	ErrTooManyDevices  = apperror.Conflict("TOO_MANY_DEVICES", "active device limit reached for role")
	ErrDeviceNotFound  = apperror.NotFound("DEVICE_NOT_FOUND", "device not found")
	ErrDeviceRevoked   = apperror.Conflict("DEVICE_REVOKED", "device has been revoked")
	ErrDeviceChanged   = apperror.Conflict("DEVICE_STATUS_CHANGED", "device status changed concurrently")
	ErrInvalidRole     = apperror.BadRequest("INVALID_ROLE", "unknown role")
	ErrInvalidRequest  = apperror.BadRequest("INVALID_REQUEST", "missing required field")
)

// CreateAccountInput carries onboarding data.
type CreateAccountInput struct {
	ExternalIdentity string `json:"externalIdentity"`
	DisplayName      string `json:"displayName"`
	Roles            []Role `json:"roles"`
}

// RegisterDeviceInput carries a device's public key registration.
type RegisterDeviceInput struct {
	AccountID  string `json:"accountId"`
	Role       Role   `json:"role"`
	PublicKey  string `json:"publicKey"`
	KeyVersion int    `json:"keyVersion"`
}

// Service manages accounts and their devices.
type Service struct {
	accounts AccountRepository
	devices  DeviceRepository
	wallets  ledger.Store
	audit    audit.Appender
	locker   lock.Locker
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new identity service.
func NewService(accounts AccountRepository, devices DeviceRepository, wallets ledger.Store, auditor audit.Appender, locker lock.Locker, logger *slog.Logger) *Service {
	return &Service{
		accounts: accounts,
		devices:  devices,
		wallets:  wallets,
		audit:    auditor,
		locker:   locker,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateAccount registers an account and opens its empty wallet.
func (s *Service) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	if strings.TrimSpace(in.ExternalIdentity) == "" {
		return Account{}, ErrInvalidRequest
	}
	roles := make([]Role, 0, len(in.Roles))
	seen := make(map[Role]struct{}, len(in.Roles))
	for _, r := range in.Roles {
		if !r.Valid() {
			return Account{}, ErrInvalidRole
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		roles = append(roles, r)
	}

	if _, err := s.accounts.GetByExternalIdentity(ctx, in.ExternalIdentity); err == nil {
		return Account{}, ErrAccountExists
	} else if !errors.Is(err, ErrNotFound) {
		return Account{}, err
	}

	now := s.now().UTC()
	account := Account{
		ID:               uuid.Must(uuid.NewV7()).String(),
		ExternalIdentity: in.ExternalIdentity,
		DisplayName:      in.DisplayName,
		Roles:            roles,
		Status:           AccountActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return Account{}, ErrAccountExists
		}
		return Account{}, err
	}
	if err := s.wallets.UpsertWallet(ctx, ledger.Wallet{AccountID: account.ID, Version: 1, UpdatedAt: now}); err != nil {
		return Account{}, err
	}

	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	if err := s.audit.Append(ctx, audit.EventAccountCreated, account.ID, map[string]string{
		"externalIdentity": account.ExternalIdentity,
		"roles":            strings.Join(names, ","),
	}, audit.Actor{AccountID: account.ID}); err != nil {
		return Account{}, err
	}
	return account, nil
}

// GetAccount loads an account by id.
func (s *Service) GetAccount(ctx context.Context, id string) (Account, error) {
	account, err := s.accounts.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Account{}, ErrAccountNotFound
	}
	return account, err
}

// RegisterDevice binds a new public key to an account role. At most
// MaxActiveDevicesPerRole devices may be active per (account, role).
func (s *Service) RegisterDevice(ctx context.Context, in RegisterDeviceInput) (Device, error) {
	if in.AccountID == "" || in.PublicKey == "" {
		return Device{}, ErrInvalidRequest
	}
	if !in.Role.Valid() {
		return Device{}, ErrInvalidRole
	}

	release, err := s.locker.Acquire(ctx, DeviceSlotKey(in.AccountID, in.Role))
	if err != nil {
		return Device{}, err
	}
	defer release()

	account, err := s.GetAccount(ctx, in.AccountID)
	if err != nil {
		return Device{}, err
	}
	if !account.Active() {
		return Device{}, ErrAccountFrozen
	}
	if !account.HasRole(in.Role) {
		return Device{}, ErrRoleNotAllowed
	}

	existing, err := s.devices.ListByAccount(ctx, account.ID)
	if err != nil {
		return Device{}, err
	}
	active := 0
	for _, d := range existing {
		if d.Role == in.Role && d.Active() {
			active++
		}
	}
	if active >= MaxActiveDevicesPerRole {
		return Device{}, ErrTooManyDevices
	}

	keyVersion := in.KeyVersion
	if keyVersion <= 0 {
		keyVersion = 1
	}
	now := s.now().UTC()
	device := Device{
		ID:           uuid.Must(uuid.NewV7()).String(),
		AccountID:    account.ID,
		Role:         in.Role,
		PublicKey:    in.PublicKey,
		KeyVersion:   keyVersion,
		Status:       DeviceActive,
		RegisteredAt: now,
		LastSyncAt:   now,
	}
	if err := s.devices.Create(ctx, device); err != nil {
		return Device{}, err
	}

	if err := s.audit.Append(ctx, audit.EventDeviceRegistered, device.ID, map[string]string{
		"accountId":  account.ID,
		"role":       string(device.Role),
		"keyVersion": strconv.Itoa(device.KeyVersion),
	}, audit.Actor{AccountID: account.ID}); err != nil {
		return Device{}, err
	}
	if s.logger != nil {
		s.logger.Info("device registered",
			slog.String("device_id", device.ID),
			slog.String("account_id", account.ID),
			slog.String("role", string(device.Role)),
		)
	}
	return device, nil
}

// AccountWallet returns the account together with its wallet row.
func (s *Service) AccountWallet(ctx context.Context, id string) (Account, ledger.Wallet, error) {
	account, err := s.GetAccount(ctx, id)
	if err != nil {
		return Account{}, ledger.Wallet{}, err
	}
	wallet, err := s.wallets.GetWallet(ctx, id)
	if err != nil {
		return Account{}, ledger.Wallet{}, err
	}
	return account, wallet, nil
}

// GetDevice loads a device by id.
func (s *Service) GetDevice(ctx context.Context, id string) (Device, error) {
	device, err := s.devices.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Device{}, ErrDeviceNotFound
	}
	return device, err
}

// FreezeDevice suspends a device. Its signatures are rejected until an
// operator intervenes.
func (s *Service) FreezeDevice(ctx context.Context, id, reason string, actor audit.Actor) (Device, error) {
	return s.setDeviceStatus(ctx, id, DeviceFrozen, reason, audit.EventDeviceFrozen, actor)
}

// RevokeDevice retires a device permanently.
func (s *Service) RevokeDevice(ctx context.Context, id, reason string, actor audit.Actor) (Device, error) {
	return s.setDeviceStatus(ctx, id, DeviceRevoked, reason, audit.EventDeviceRevoked, actor)
}

func (s *Service) setDeviceStatus(ctx context.Context, id, status, reason, eventType string, actor audit.Actor) (Device, error) {
	device, err := s.GetDevice(ctx, id)
	if err != nil {
		return Device{}, err
	}

	release, err := s.locker.Acquire(ctx, DeviceSlotKey(device.AccountID, device.Role))
	if err != nil {
		return Device{}, err
	}
	defer release()

	if device, err = s.GetDevice(ctx, id); err != nil {
		return Device{}, err
	}
	if device.Status == DeviceRevoked {
		return Device{}, ErrDeviceRevoked
	}
	if err := s.devices.SetStatus(ctx, id, device.Status, status, reason); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return Device{}, ErrDeviceChanged
		}
		return Device{}, err
	}
	device.Status = status
	device.FreezeReason = reason

	if err := s.audit.Append(ctx, eventType, device.ID, map[string]string{
		"accountId": device.AccountID,
		"reason":    reason,
	}, actor); err != nil {
		return Device{}, err
	}
	return device, nil
}

// MarkDeviceSynced records a successful upload. Unknown devices are ignored.
// Only the sync time is written so a concurrent status change is preserved.
func (s *Service) MarkDeviceSynced(ctx context.Context, id string, at time.Time) error {
	err := s.devices.MarkSynced(ctx, id, at)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

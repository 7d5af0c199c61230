package cardtransfer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/offlinepay/internal/apperror"
	"github.com/congo-pay/offlinepay/internal/audit"
	"github.com/congo-pay/offlinepay/internal/identity"
	"github.com/congo-pay/offlinepay/internal/lock"
)

var (
	ErrAccountNotFound      = apperror.NotFound("ACCOUNT_NOT_FOUND", "account not found or inactive")
	ErrActorNotAllowed      = apperror.Forbidden("ACTOR_NOT_ALLOWED", "actor is not authorized for card transfer")
	ErrDeviceNotFound       = apperror.NotFound("DEVICE_NOT_FOUND", "device not found on this account")
	ErrDeviceNotActive      = apperror.Conflict("DEVICE_NOT_ACTIVE", "only active devices can initiate a transfer")
	ErrTransferNotFound     = apperror.NotFound("TRANSFER_NOT_FOUND", "transfer code is invalid")
	ErrTransferNotPending   = apperror.Conflict("TRANSFER_NOT_PENDING", "transfer is no longer pending")
	ErrTransferExpired      = apperror.Conflict("TRANSFER_EXPIRED", "transfer code expired")
	ErrSourceDeviceMissing  = apperror.NotFound("SOURCE_DEVICE_MISSING", "source device unavailable for transfer")
	ErrSourceDeviceInactive = apperror.Conflict("SOURCE_DEVICE_INACTIVE", "source device must remain active until transfer completes")
	ErrInvalidRequest       = apperror.BadRequest("INVALID_REQUEST", "missing required field")
)

// Service runs the card-transfer state machine.
type Service struct {
	accounts  identity.AccountRepository
	devices   identity.DeviceRepository
	transfers Repository
	audit     audit.Appender
	locker    lock.Locker
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires a card-transfer service.
func NewService(accounts identity.AccountRepository, devices identity.DeviceRepository, transfers Repository, auditor audit.Appender, locker lock.Locker, logger *slog.Logger) *Service {
	return &Service{
		accounts:  accounts,
		devices:   devices,
		transfers: transfers,
		audit:     auditor,
		locker:    locker,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) authorizeActor(ctx context.Context, actorID, ownerID string) error {
	actor, err := s.accounts.GetByID(ctx, actorID)
	if errors.Is(err, identity.ErrNotFound) {
		return ErrActorNotAllowed
	}
	if err != nil {
		return err
	}
	if !actor.Active() {
		return ErrActorNotAllowed
	}
	if actor.ID != ownerID && !actor.HasRole(identity.RoleAdmin) {
		return ErrActorNotAllowed
	}
	return nil
}

// Start opens a pending transfer for an active device.
func (s *Service) Start(ctx context.Context, in StartInput) (StartResult, error) {
	if in.AccountID == "" || in.FromDeviceID == "" || in.ActorAccountID == "" {
		return StartResult{}, ErrInvalidRequest
	}
	account, err := s.accounts.GetByID(ctx, in.AccountID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return StartResult{}, err
	}
	if err != nil || !account.Active() {
		return StartResult{}, ErrAccountNotFound
	}
	if err := s.authorizeActor(ctx, in.ActorAccountID, in.AccountID); err != nil {
		return StartResult{}, err
	}

	source, err := s.devices.GetByID(ctx, in.FromDeviceID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return StartResult{}, err
	}
	if err != nil || source.AccountID != in.AccountID {
		return StartResult{}, ErrDeviceNotFound
	}
	if !source.Active() {
		return StartResult{}, ErrDeviceNotActive
	}

	code, err := newTransferCode()
	if err != nil {
		return StartResult{}, err
	}
	now := s.now().UTC()
	session := Session{
		TransferID:   uuid.Must(uuid.NewV7()).String(),
		TransferCode: code,
		AccountID:    account.ID,
		FromDeviceID: source.ID,
		Role:         source.Role,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(TTL),
	}
	if err := s.transfers.Create(ctx, session); err != nil {
		return StartResult{}, err
	}

	if err := s.audit.Append(ctx, audit.EventCardTransferStarted, session.TransferID, map[string]string{
		"accountId":    session.AccountID,
		"fromDeviceId": session.FromDeviceID,
		"role":         string(session.Role),
	}, audit.Actor{AccountID: in.ActorAccountID, DeviceID: in.FromDeviceID}); err != nil {
		return StartResult{}, err
	}

	return StartResult{
		TransferID:   session.TransferID,
		TransferCode: session.TransferCode,
		AccountID:    session.AccountID,
		FromDeviceID: session.FromDeviceID,
		Role:         session.Role,
		ExpiresAt:    session.ExpiresAt,
	}, nil
}

// Complete redeems a transfer code. Revoking the source, activating the
// replacement and closing the session are committed together, so the role
// never has both devices active and a failure leaves the source in service.
// Expiry is evaluated here and nowhere else.
func (s *Service) Complete(ctx context.Context, in CompleteInput) (CompleteResult, error) {
	if in.TransferCode == "" || in.NewDevicePublicKey == "" || in.ActorAccountID == "" {
		return CompleteResult{}, ErrInvalidRequest
	}
	session, err := s.sessionByCode(ctx, in.TransferCode)
	if err != nil {
		return CompleteResult{}, err
	}

	release, err := s.locker.Acquire(ctx, "transfer:"+session.TransferID, identity.DeviceSlotKey(session.AccountID, session.Role))
	if err != nil {
		return CompleteResult{}, err
	}
	defer release()

	// Re-read under the lock; a concurrent completion may have won.
	if session, err = s.sessionByCode(ctx, in.TransferCode); err != nil {
		return CompleteResult{}, err
	}
	if err := s.authorizeActor(ctx, in.ActorAccountID, session.AccountID); err != nil {
		return CompleteResult{}, err
	}
	if session.Status != StatusPending {
		return CompleteResult{}, ErrTransferNotPending
	}

	now := s.now().UTC()
	if now.After(session.ExpiresAt) {
		session.Status = StatusExpired
		if err := s.transfers.Update(ctx, session); err != nil {
			return CompleteResult{}, err
		}
		return CompleteResult{}, ErrTransferExpired
	}

	source, err := s.devices.GetByID(ctx, session.FromDeviceID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return CompleteResult{}, err
	}
	if err != nil || source.AccountID != session.AccountID {
		return CompleteResult{}, ErrSourceDeviceMissing
	}
	if !source.Active() {
		return CompleteResult{}, ErrSourceDeviceInactive
	}

	keyVersion := in.KeyVersion
	if keyVersion <= 0 {
		keyVersion = source.KeyVersion + 1
	}
	device := identity.Device{
		ID:           uuid.Must(uuid.NewV7()).String(),
		AccountID:    session.AccountID,
		Role:         session.Role,
		PublicKey:    in.NewDevicePublicKey,
		KeyVersion:   keyVersion,
		Status:       identity.DeviceActive,
		RegisteredAt: now,
		LastSyncAt:   now,
	}
	session.Status = StatusCompleted
	session.CompletedAt = &now
	session.NewDeviceID = device.ID

	err = s.transfers.Complete(ctx, Completion{
		Session:        session,
		SourceDeviceID: source.ID,
		RevokeReason:   "card_transferred:" + session.TransferID,
		NewDevice:      device,
	})
	switch {
	case errors.Is(err, identity.ErrStatusChanged):
		return CompleteResult{}, ErrSourceDeviceInactive
	case errors.Is(err, ErrSessionChanged):
		return CompleteResult{}, ErrTransferNotPending
	case err != nil:
		return CompleteResult{}, err
	}

	if err := s.audit.Append(ctx, audit.EventCardTransferCompleted, session.TransferID, map[string]string{
		"accountId":    session.AccountID,
		"fromDeviceId": source.ID,
		"toDeviceId":   device.ID,
		"role":         string(session.Role),
	}, audit.Actor{AccountID: in.ActorAccountID, DeviceID: device.ID}); err != nil {
		return CompleteResult{}, err
	}
	if s.logger != nil {
		s.logger.Info("card transfer completed",
			slog.String("transfer_id", session.TransferID),
			slog.String("revoked_device_id", source.ID),
			slog.String("new_device_id", device.ID),
		)
	}

	return CompleteResult{TransferID: session.TransferID, RevokedDeviceID: source.ID, NewDevice: device}, nil
}

func (s *Service) sessionByCode(ctx context.Context, code string) (Session, error) {
	session, err := s.transfers.GetByTransferCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrTransferNotFound
	}
	return session, err
}

func newTransferCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

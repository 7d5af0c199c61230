package handshake

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/offlinepay/internal/risk"
	"github.com/congo-pay/offlinepay/internal/signing"
)

var (
	ErrInvalidIntent        = errors.New("invalid intent")
	ErrInvalidAuthorization = errors.New("invalid authorization")
	ErrInvalidReceipt       = errors.New("invalid receipt")
	ErrUnknownTransaction   = errors.New("unknown transaction")
	ErrIntentExpired        = errors.New("intent expired")
)

// PolicyDeniedError carries the risk engine's reason for refusing a step.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return "policy denied: " + e.Reason
}

const nonceSize = 16

// Coordinator runs one device's side of the two-way QR handshake. A merchant
// device issues intents and accepts authorizations; a payer device
// authorizes intents. Each device owns its own Store and Signer.
type Coordinator struct {
	store  Store
	signer signing.Signer
	policy risk.Policy
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator wires a coordinator. policy is the snapshot last received
// from the server.
func NewCoordinator(store Store, signer signing.Signer, policy risk.Policy, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		signer: signer,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) clock() time.Time {
	return c.now().UTC().Truncate(time.Millisecond)
}

// BuildMerchantIntent creates, signs and records a new intent. counter is the
// device's next anti-replay sequence number.
func (c *Coordinator) BuildMerchantIntent(ctx context.Context, m MerchantContext, amountCents int64, currency string, counter int64) (Intent, string, error) {
	if m.AccountID == "" || m.DeviceID == "" || currency == "" || amountCents <= 0 {
		return Intent{}, "", ErrInvalidIntent
	}
	now := c.clock()
	if d := risk.AllowOfflineUsage(m.LastSyncAt, now, c.policy); !d.Allowed {
		return Intent{}, "", &PolicyDeniedError{Reason: d.Reason}
	}
	if !c.policy.WithinTransactionLimit(amountCents) {
		return Intent{}, "", &PolicyDeniedError{Reason: risk.ReasonTransactionLimit}
	}

	nonce, err := newNonce()
	if err != nil {
		return Intent{}, "", err
	}
	intent := Intent{
		TxID:              uuid.Must(uuid.NewV7()).String(),
		MerchantIntentID:  uuid.NewString(),
		MerchantAccountID: m.AccountID,
		MerchantDeviceID:  m.DeviceID,
		AmountCents:       amountCents,
		Currency:          currency,
		MerchantNonce:     nonce,
		MerchantCounter:   counter,
		IssuedAt:          now,
		ExpiresAt:         now.Add(IntentTTL),
	}
	intent.MerchantSignature = c.signer.Sign(intent.fields().Digest())

	local := LocalTransaction{
		TxID:              intent.TxID,
		IdempotencyKey:    "merchant:" + intent.TxID,
		MerchantIntentID:  intent.MerchantIntentID,
		MerchantAccountID: intent.MerchantAccountID,
		MerchantDeviceID:  intent.MerchantDeviceID,
		AmountCents:       intent.AmountCents,
		Currency:          intent.Currency,
		MerchantNonce:     intent.MerchantNonce,
		MerchantCounter:   intent.MerchantCounter,
		IntentIssuedAt:    intent.IssuedAt,
		ExpiresAt:         intent.ExpiresAt,
		MerchantSignature: intent.MerchantSignature,
		State:             StateInitiated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.store.Save(ctx, local); err != nil {
		return Intent{}, "", err
	}

	encoded, err := Encode(TypeIntent, intent, now)
	if err != nil {
		return Intent{}, "", err
	}
	c.logger.Info("intent issued", "tx_id", intent.TxID, "merchant_device_id", m.DeviceID, "amount_cents", amountCents)
	return intent, encoded, nil
}

// BuildPayerAuthorization decodes a scanned intent, runs the local risk gate
// and signs the settlement digest.
func (c *Coordinator) BuildPayerAuthorization(ctx context.Context, p PayerContext, encodedIntent string, counter int64) (Authorization, string, error) {
	if p.AccountID == "" || p.DeviceID == "" {
		return Authorization{}, "", ErrInvalidAuthorization
	}
	var intent Intent
	if err := Decode(encodedIntent, TypeIntent, &intent); err != nil {
		return Authorization{}, "", err
	}
	if !intent.complete() {
		return Authorization{}, "", ErrInvalidIntent
	}

	now := c.clock()
	d := risk.EvaluateIntent(risk.Intent{
		AmountCents: intent.AmountCents,
		IssuedAt:    intent.IssuedAt,
		ExpiresAt:   intent.ExpiresAt,
	}, c.policy, now)
	if !d.Allowed {
		return Authorization{}, "", &PolicyDeniedError{Reason: d.Reason}
	}

	nonce, err := newNonce()
	if err != nil {
		return Authorization{}, "", err
	}
	auth := Authorization{
		TxID:                 intent.TxID,
		MerchantIntentID:     intent.MerchantIntentID,
		PayerAuthorizationID: uuid.NewString(),
		PayerAccountID:       p.AccountID,
		PayerDeviceID:        p.DeviceID,
		AmountCents:          intent.AmountCents,
		Currency:             intent.Currency,
		MerchantNonce:        intent.MerchantNonce,
		PayerNonce:           nonce,
		PayerCounter:         counter,
		IntentIssuedAt:       intent.IssuedAt.UTC(),
		AuthorizedAt:         now,
		ExpiresAt:            intent.ExpiresAt.UTC(),
	}
	auth.PayerSignature = c.signer.Sign(auth.settlementFields().Digest())

	local := LocalTransaction{
		TxID:                  auth.TxID,
		IdempotencyKey:        fmt.Sprintf("payer:%s:%s", auth.TxID, auth.PayerAuthorizationID),
		MerchantIntentID:      auth.MerchantIntentID,
		PayerAuthorizationID:  auth.PayerAuthorizationID,
		MerchantAccountID:     intent.MerchantAccountID,
		MerchantDeviceID:      intent.MerchantDeviceID,
		PayerAccountID:        auth.PayerAccountID,
		PayerDeviceID:         auth.PayerDeviceID,
		AmountCents:           auth.AmountCents,
		Currency:              auth.Currency,
		MerchantNonce:         auth.MerchantNonce,
		PayerNonce:            auth.PayerNonce,
		MerchantCounter:       intent.MerchantCounter,
		PayerCounter:          auth.PayerCounter,
		IntentIssuedAt:        auth.IntentIssuedAt,
		AuthorizationIssuedAt: auth.AuthorizedAt,
		ExpiresAt:             auth.ExpiresAt,
		MerchantSignature:     intent.MerchantSignature,
		PayerSignature:        auth.PayerSignature,
		State:                 StateAuthorized,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := c.store.Save(ctx, local); err != nil {
		return Authorization{}, "", err
	}

	encoded, err := Encode(TypeAuthorization, auth, now)
	if err != nil {
		return Authorization{}, "", err
	}
	c.logger.Info("intent authorized", "tx_id", auth.TxID, "payer_device_id", p.DeviceID)
	return auth, encoded, nil
}

// AcceptAuthorization matches a scanned authorization against the intent this
// device issued, queues the payment for upload and signs a receipt.
func (c *Coordinator) AcceptAuthorization(ctx context.Context, encodedAuthorization string) (Receipt, string, error) {
	var auth Authorization
	if err := Decode(encodedAuthorization, TypeAuthorization, &auth); err != nil {
		return Receipt{}, "", err
	}
	if auth.TxID == "" {
		return Receipt{}, "", ErrInvalidAuthorization
	}

	local, err := c.store.Get(ctx, auth.TxID)
	if errors.Is(err, ErrNotFound) {
		return Receipt{}, "", ErrUnknownTransaction
	}
	if err != nil {
		return Receipt{}, "", err
	}
	if local.State != StateInitiated {
		return Receipt{}, "", fmt.Errorf("%w: transaction is %s", ErrInvalidAuthorization, local.State)
	}

	now := c.clock()
	if now.After(local.ExpiresAt) {
		local.State = StateExpired
		local.FailureReason = risk.ReasonIntentExpired
		local.UpdatedAt = now
		if err := c.store.Save(ctx, local); err != nil {
			return Receipt{}, "", err
		}
		return Receipt{}, "", ErrIntentExpired
	}
	if !matchesIntent(local, auth) {
		return Receipt{}, "", ErrInvalidAuthorization
	}

	local.PayerAuthorizationID = auth.PayerAuthorizationID
	local.PayerAccountID = auth.PayerAccountID
	local.PayerDeviceID = auth.PayerDeviceID
	local.PayerNonce = auth.PayerNonce
	local.PayerCounter = auth.PayerCounter
	local.AuthorizationIssuedAt = auth.AuthorizedAt.UTC()
	local.PayerSignature = auth.PayerSignature
	local.MerchantSignature = c.signer.Sign(auth.settlementFields().Digest())
	local.State = StatePendingSync
	local.UpdatedAt = now
	if err := c.store.Save(ctx, local); err != nil {
		return Receipt{}, "", err
	}

	receipt := Receipt{
		TxID:                 local.TxID,
		ReceiptID:            uuid.NewString(),
		PayerAuthorizationID: auth.PayerAuthorizationID,
		MerchantAccountID:    local.MerchantAccountID,
		PayerAccountID:       local.PayerAccountID,
		AmountCents:          local.AmountCents,
		Currency:             local.Currency,
		Status:               ReceiptAcceptedOffline,
		CreatedAt:            now,
		MerchantSignature:    c.signer.Sign(signing.ReceiptDigest(local.TxID, auth.PayerAuthorizationID)),
	}
	encoded, err := Encode(TypeReceipt, receipt, now)
	if err != nil {
		return Receipt{}, "", err
	}
	c.logger.Info("authorization accepted", "tx_id", local.TxID, "payer_account_id", local.PayerAccountID)
	return receipt, encoded, nil
}

// ReadReceipt decodes a receipt on the payer device and checks it refers to
// an authorization this device signed.
func (c *Coordinator) ReadReceipt(ctx context.Context, encodedReceipt string) (Receipt, error) {
	var receipt Receipt
	if err := Decode(encodedReceipt, TypeReceipt, &receipt); err != nil {
		return Receipt{}, err
	}
	local, err := c.store.Get(ctx, receipt.TxID)
	if errors.Is(err, ErrNotFound) {
		return Receipt{}, ErrUnknownTransaction
	}
	if err != nil {
		return Receipt{}, err
	}
	if local.PayerAuthorizationID != receipt.PayerAuthorizationID ||
		local.AmountCents != receipt.AmountCents ||
		local.Currency != receipt.Currency ||
		receipt.MerchantSignature == "" {
		return Receipt{}, ErrInvalidReceipt
	}
	return receipt, nil
}

func (i Intent) complete() bool {
	return i.TxID != "" && i.MerchantIntentID != "" && i.MerchantAccountID != "" &&
		i.MerchantDeviceID != "" && i.Currency != "" && i.MerchantNonce != "" &&
		!i.IssuedAt.IsZero() && !i.ExpiresAt.IsZero() && i.MerchantSignature != ""
}

// matchesIntent requires the authorization to restate the intent exactly.
func matchesIntent(local LocalTransaction, auth Authorization) bool {
	return auth.PayerAuthorizationID != "" &&
		auth.PayerAccountID != "" &&
		auth.PayerDeviceID != "" &&
		auth.PayerNonce != "" &&
		auth.PayerSignature != "" &&
		auth.MerchantIntentID == local.MerchantIntentID &&
		auth.AmountCents == local.AmountCents &&
		auth.Currency == local.Currency &&
		auth.MerchantNonce == local.MerchantNonce &&
		auth.IntentIssuedAt.Equal(local.IntentIssuedAt) &&
		auth.ExpiresAt.Equal(local.ExpiresAt)
}

func newNonce() (string, error) {
	b := make([]byte, nonceSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

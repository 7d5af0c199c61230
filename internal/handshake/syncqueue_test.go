package handshake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/offlinepay/internal/audit"
	"github.com/congo-pay/offlinepay/internal/identity"
	"github.com/congo-pay/offlinepay/internal/ledger"
	"github.com/congo-pay/offlinepay/internal/lock"
	"github.com/congo-pay/offlinepay/internal/logging"
	"github.com/congo-pay/offlinepay/internal/payments"
	"github.com/congo-pay/offlinepay/internal/risk"
	"github.com/congo-pay/offlinepay/internal/signing"
)

// Drives two simulated devices through the handshake and uploads the result
// to a reconciler backed by in-memory stores.
func TestOfflinePaymentSettlesThroughSync(t *testing.T) {
	ctx := context.Background()
	policy := risk.DefaultPolicy()

	wallets := ledger.NewInMemory(ledger.WithConservationAssert())
	auditor := audit.NewService(audit.NewMemoryRepository(), logging.Discard())
	locker := lock.NewLocal()
	ids := identity.NewService(identity.NewMemoryAccountRepository(), identity.NewMemoryDeviceRepository(), wallets, auditor, locker, logging.Discard())
	rec := payments.NewReconciler(ids, wallets, payments.NewMemoryRepository(), auditor, signing.Ed25519Verifier{}, locker, policy, logging.Discard())

	keys, err := NewKeyStore([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	enroll := func(name string, role identity.Role) (identity.Account, identity.Device, *signing.Ed25519Signer) {
		account, err := ids.CreateAccount(ctx, identity.CreateAccountInput{ExternalIdentity: name, DisplayName: name, Roles: []identity.Role{role}})
		require.NoError(t, err)
		signer, err := keys.Signer(name, 1)
		require.NoError(t, err)
		device, err := ids.RegisterDevice(ctx, identity.RegisterDeviceInput{AccountID: account.ID, Role: role, PublicKey: signer.PublicKey(), KeyVersion: 1})
		require.NoError(t, err)
		return account, device, signer
	}
	merchantAcct, merchantDev, merchantSigner := enroll("merchant", identity.RoleCashier)
	payerAcct, payerDev, payerSigner := enroll("payer", identity.RolePayer)
	_, err = ledger.Fund(ctx, wallets, payerAcct.ID, 1_000)
	require.NoError(t, err)

	merchantStore := NewMemoryStore()
	merchant := NewCoordinator(merchantStore, merchantSigner, policy, logging.Discard())
	payer := NewCoordinator(NewMemoryStore(), payerSigner, policy, logging.Discard())

	_, intentQR, err := merchant.BuildMerchantIntent(ctx, MerchantContext{AccountID: merchantAcct.ID, DeviceID: merchantDev.ID, LastSyncAt: merchantDev.LastSyncAt}, 350, "XAF", 1)
	require.NoError(t, err)
	_, authQR, err := payer.BuildPayerAuthorization(ctx, PayerContext{AccountID: payerAcct.ID, DeviceID: payerDev.ID}, intentQR, 1)
	require.NoError(t, err)
	_, _, err = merchant.AcceptAuthorization(ctx, authQR)
	require.NoError(t, err)

	queue := NewSyncQueue(merchantStore)
	batch, err := queue.Batch(ctx, merchantDev.ID)
	require.NoError(t, err)
	require.Len(t, batch.Transactions, 1)

	resp, err := rec.Sync(ctx, batch)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, payments.StatusAccepted, resp.Results[0].Status, resp.Results[0].Reason)
	assert.Equal(t, int64(650), resp.Results[0].WalletAfter.PayerAvailableCents)
	assert.Equal(t, int64(350), resp.Results[0].WalletAfter.MerchantAvailableCents)

	changed, err := queue.Apply(ctx, resp.Results)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	local, err := merchantStore.Get(ctx, batch.Transactions[0].TxID)
	require.NoError(t, err)
	assert.Equal(t, StateSynced, local.State)

	pending, err := queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A retried upload of the same rows settles nothing new.
	resp, err = rec.Sync(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusDuplicate, resp.Results[0].Status)
	payerWallet, err := wallets.GetWallet(ctx, payerAcct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(650), payerWallet.AvailableCents)
}

func TestSyncQueueApplyRecordsRejections(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	for _, id := range []string{"ok", "bad", "dup-accepted", "dup-rejected", "dup-key", "dup-unknown"} {
		require.NoError(t, store.Save(ctx, sampleLocal(id, StatePendingSync, now)))
	}
	require.NoError(t, store.Save(ctx, sampleLocal("old", StateSynced, now)))

	queue := NewSyncQueue(store)
	changed, err := queue.Apply(ctx, []payments.Result{
		{TxID: "ok", Status: payments.StatusAccepted},
		{TxID: "bad", Status: payments.StatusRejected, Reason: payments.ReasonSignatureInvalid},
		{TxID: "dup-accepted", Status: payments.StatusDuplicate, Reason: payments.ReasonTxIDSeen, RecordedStatus: payments.StatusReconciled},
		{TxID: "dup-rejected", Status: payments.StatusDuplicate, Reason: payments.ReasonTxIDSeen,
			RecordedStatus: payments.StatusRejected, RecordedReason: payments.ReasonInsufficientFunds},
		{TxID: "dup-key", Status: payments.StatusDuplicate, Reason: payments.ReasonIdempotencyKeySeen},
		{TxID: "dup-unknown", Status: payments.StatusDuplicate, Reason: payments.ReasonTxIDSeen},
		{TxID: "old", Status: payments.StatusRejected, Reason: payments.ReasonSignatureInvalid},
		{TxID: "ghost", Status: payments.StatusAccepted},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, changed)

	cases := []struct {
		txID   string
		state  LocalState
		reason string
	}{
		{"ok", StateSynced, ""},
		{"bad", StateRejected, payments.ReasonSignatureInvalid},
		{"dup-accepted", StateSynced, ""},
		{"dup-rejected", StateRejected, payments.ReasonInsufficientFunds},
		{"dup-key", StateRejected, payments.ReasonIdempotencyKeySeen},
		{"dup-unknown", StatePendingSync, ""},
		{"old", StateSynced, ""},
	}
	for _, tc := range cases {
		got, err := store.Get(ctx, tc.txID)
		require.NoError(t, err)
		assert.Equal(t, tc.state, got.State, tc.txID)
		assert.Equal(t, tc.reason, got.FailureReason, tc.txID)
	}
}

// pendingPayment runs a 350 handshake between fresh devices and returns the
// merchant's queue with the row waiting for upload.
func pendingPayment(t *testing.T, payerFunds int64) (*payments.Reconciler, *SyncQueue, Store, payments.SyncRequest) {
	t.Helper()
	ctx := context.Background()
	policy := risk.DefaultPolicy()
	wallets := ledger.NewInMemory(ledger.WithConservationAssert())
	auditor := audit.NewService(audit.NewMemoryRepository(), logging.Discard())
	locker := lock.NewLocal()
	ids := identity.NewService(identity.NewMemoryAccountRepository(), identity.NewMemoryDeviceRepository(), wallets, auditor, locker, logging.Discard())
	rec := payments.NewReconciler(ids, wallets, payments.NewMemoryRepository(), auditor, signing.Ed25519Verifier{}, locker, policy, logging.Discard())

	keys, err := NewKeyStore([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	enroll := func(name string, role identity.Role) (identity.Account, identity.Device, *signing.Ed25519Signer) {
		account, err := ids.CreateAccount(ctx, identity.CreateAccountInput{ExternalIdentity: name, DisplayName: name, Roles: []identity.Role{role}})
		require.NoError(t, err)
		signer, err := keys.Signer(name, 1)
		require.NoError(t, err)
		device, err := ids.RegisterDevice(ctx, identity.RegisterDeviceInput{AccountID: account.ID, Role: role, PublicKey: signer.PublicKey(), KeyVersion: 1})
		require.NoError(t, err)
		return account, device, signer
	}
	merchantAcct, merchantDev, merchantSigner := enroll("merchant", identity.RoleCashier)
	payerAcct, payerDev, payerSigner := enroll("payer", identity.RolePayer)
	_, err = ledger.Fund(ctx, wallets, payerAcct.ID, payerFunds)
	require.NoError(t, err)

	store := NewMemoryStore()
	merchant := NewCoordinator(store, merchantSigner, policy, logging.Discard())
	payer := NewCoordinator(NewMemoryStore(), payerSigner, policy, logging.Discard())
	_, intentQR, err := merchant.BuildMerchantIntent(ctx, MerchantContext{AccountID: merchantAcct.ID, DeviceID: merchantDev.ID, LastSyncAt: merchantDev.LastSyncAt}, 350, "XAF", 1)
	require.NoError(t, err)
	_, authQR, err := payer.BuildPayerAuthorization(ctx, PayerContext{AccountID: payerAcct.ID, DeviceID: payerDev.ID}, intentQR, 1)
	require.NoError(t, err)
	_, _, err = merchant.AcceptAuthorization(ctx, authQR)
	require.NoError(t, err)

	queue := NewSyncQueue(store)
	batch, err := queue.Batch(ctx, merchantDev.ID)
	require.NoError(t, err)
	require.Len(t, batch.Transactions, 1)
	return rec, queue, store, batch
}

// The first response is lost, so the device only ever sees the duplicate.
func TestRetriedUploadKeepsRecordedRejection(t *testing.T) {
	ctx := context.Background()
	rec, queue, store, batch := pendingPayment(t, 100)

	first, err := rec.Sync(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, payments.StatusRejected, first.Results[0].Status)

	retry, err := rec.Sync(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, payments.StatusDuplicate, retry.Results[0].Status)

	changed, err := queue.Apply(ctx, retry.Results)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	local, err := store.Get(ctx, batch.Transactions[0].TxID)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, local.State)
	assert.Equal(t, payments.ReasonInsufficientFunds, local.FailureReason)
}

func TestRetriedUploadSettlesAcceptedRow(t *testing.T) {
	ctx := context.Background()
	rec, queue, store, batch := pendingPayment(t, 1_000)

	_, err := rec.Sync(ctx, batch)
	require.NoError(t, err)
	retry, err := rec.Sync(ctx, batch)
	require.NoError(t, err)

	_, err = queue.Apply(ctx, retry.Results)
	require.NoError(t, err)
	local, err := store.Get(ctx, batch.Transactions[0].TxID)
	require.NoError(t, err)
	assert.Equal(t, StateSynced, local.State)
}

package cardtransfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/offlinepay/internal/apperror"
	"github.com/congo-pay/offlinepay/internal/audit"
	"github.com/congo-pay/offlinepay/internal/identity"
	"github.com/congo-pay/offlinepay/internal/ledger"
	"github.com/congo-pay/offlinepay/internal/lock"
	"github.com/congo-pay/offlinepay/internal/logging"
)

type fixture struct {
	svc      *Service
	identity *identity.Service
	accounts identity.AccountRepository
	devices  identity.DeviceRepository
	audit    *audit.Service
	owner    identity.Account
	admin    identity.Account
	stranger identity.Account
	device   identity.Device
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithDevices(t, identity.NewMemoryDeviceRepository())
}

func newFixtureWithDevices(t *testing.T, devices identity.DeviceRepository) *fixture {
	t.Helper()
	ctx := context.Background()
	accounts := identity.NewMemoryAccountRepository()
	auditor := audit.NewService(audit.NewMemoryRepository(), logging.Discard())
	locker := lock.NewLocal()
	ids := identity.NewService(accounts, devices, ledger.NewInMemory(), auditor, locker, logging.Discard())

	create := func(name string, roles ...identity.Role) identity.Account {
		a, err := ids.CreateAccount(ctx, identity.CreateAccountInput{ExternalIdentity: name, DisplayName: name, Roles: roles})
		require.NoError(t, err)
		return a
	}
	f := &fixture{
		svc:      NewService(accounts, devices, NewMemoryRepository(devices), auditor, locker, logging.Discard()),
		identity: ids,
		accounts: accounts,
		devices:  devices,
		audit:    auditor,
		owner:    create("owner", identity.RoleCashier),
		admin:    create("admin", identity.RoleAdmin),
		stranger: create("stranger", identity.RolePayer),
	}
	var err error
	f.device, err = ids.RegisterDevice(ctx, identity.RegisterDeviceInput{AccountID: f.owner.ID, Role: identity.RoleCashier, PublicKey: "old-key", KeyVersion: 1})
	require.NoError(t, err)
	return f
}

func (f *fixture) start(t *testing.T, actor string) StartResult {
	t.Helper()
	res, err := f.svc.Start(context.Background(), StartInput{AccountID: f.owner.ID, FromDeviceID: f.device.ID, ActorAccountID: actor})
	require.NoError(t, err)
	return res
}

func TestStartAndCompleteTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started := f.start(t, f.owner.ID)
	assert.Len(t, started.TransferCode, 16)
	assert.Equal(t, identity.RoleCashier, started.Role)
	assert.WithinDuration(t, time.Now().Add(TTL), started.ExpiresAt, 5*time.Second)

	done, err := f.svc.Complete(ctx, CompleteInput{TransferCode: started.TransferCode, NewDevicePublicKey: "new-key", KeyVersion: 2, ActorAccountID: f.owner.ID})
	require.NoError(t, err)
	assert.Equal(t, f.device.ID, done.RevokedDeviceID)
	assert.Equal(t, identity.DeviceActive, done.NewDevice.Status)
	assert.Equal(t, identity.RoleCashier, done.NewDevice.Role)
	assert.Equal(t, 2, done.NewDevice.KeyVersion)

	old, err := f.devices.GetByID(ctx, f.device.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.DeviceRevoked, old.Status)
	assert.Equal(t, "card_transferred:"+started.TransferID, old.FreezeReason)

	devices, err := f.devices.ListByAccount(ctx, f.owner.ID)
	require.NoError(t, err)
	active := 0
	for _, d := range devices {
		if d.Active() {
			active++
		}
	}
	assert.Equal(t, 1, active)

	session, err := f.svc.transfers.GetByTransferID(ctx, started.TransferID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, session.Status)
	assert.Equal(t, done.NewDevice.ID, session.NewDeviceID)
	require.NotNil(t, session.CompletedAt)

	events, err := f.audit.ListBySubject(ctx, started.TransferID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventCardTransferCompleted, events[0].EventType)
	assert.Equal(t, done.NewDevice.ID, events[0].ActorDeviceID)
}

func TestCompleteTwiceFailsNotPending(t *testing.T) {
	f := newFixture(t)
	started := f.start(t, f.owner.ID)
	in := CompleteInput{TransferCode: started.TransferCode, NewDevicePublicKey: "new-key", KeyVersion: 2, ActorAccountID: f.owner.ID}

	_, err := f.svc.Complete(context.Background(), in)
	require.NoError(t, err)
	_, err = f.svc.Complete(context.Background(), in)
	assert.ErrorIs(t, err, ErrTransferNotPending)
}

func TestConcurrentCompletionsActivateOneDevice(t *testing.T) {
	f := newFixture(t)
	started := f.start(t, f.owner.ID)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Complete(context.Background(), CompleteInput{TransferCode: started.TransferCode, NewDevicePublicKey: "k", KeyVersion: 2, ActorAccountID: f.owner.ID})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}

func TestAdminMayOperateOnOtherAccounts(t *testing.T) {
	f := newFixture(t)
	started := f.start(t, f.admin.ID)
	_, err := f.svc.Complete(context.Background(), CompleteInput{TransferCode: started.TransferCode, NewDevicePublicKey: "k", KeyVersion: 2, ActorAccountID: f.admin.ID})
	assert.NoError(t, err)
}

func TestStartRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.identity.RegisterDevice(ctx, identity.RegisterDeviceInput{AccountID: f.stranger.ID, Role: identity.RolePayer, PublicKey: "k"})
	require.NoError(t, err)

	cases := []struct {
		name string
		in   StartInput
		want *apperror.Error
	}{
		{"unknown account", StartInput{AccountID: "ghost", FromDeviceID: f.device.ID, ActorAccountID: f.owner.ID}, ErrAccountNotFound},
		{"stranger actor", StartInput{AccountID: f.owner.ID, FromDeviceID: f.device.ID, ActorAccountID: f.stranger.ID}, ErrActorNotAllowed},
		{"unknown actor", StartInput{AccountID: f.owner.ID, FromDeviceID: f.device.ID, ActorAccountID: "ghost"}, ErrActorNotAllowed},
		{"device of another account", StartInput{AccountID: f.owner.ID, FromDeviceID: other.ID, ActorAccountID: f.owner.ID}, ErrDeviceNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Start(ctx, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	t.Run("frozen device", func(t *testing.T) {
		_, err := f.identity.FreezeDevice(ctx, f.device.ID, "suspicious", audit.Actor{})
		require.NoError(t, err)
		_, err = f.svc.Start(ctx, StartInput{AccountID: f.owner.ID, FromDeviceID: f.device.ID, ActorAccountID: f.owner.ID})
		assert.ErrorIs(t, err, ErrDeviceNotActive)
	})
}

func TestCompleteExpiredTransfer(t *testing.T) {
	f := newFixture(t)
	started := f.start(t, f.owner.ID)
	f.svc.now = func() time.Time { return time.Now().Add(TTL + time.Minute) }

	_, err := f.svc.Complete(context.Background(), CompleteInput{TransferCode: started.TransferCode, NewDevicePublicKey: "k", KeyVersion: 2, ActorAccountID: f.owner.ID})
	assert.ErrorIs(t, err, ErrTransferExpired)
	assert.Equal(t, 409, apperror.Status(err))

	session, err := f.svc.transfers.GetByTransferID(context.Background(), started.TransferID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, session.Status)

	source, err := f.devices.GetByID(context.Background(), f.device.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.DeviceActive, source.Status)

	_, err = f.svc.Complete(context.Background(), CompleteInput{TransferCode: started.TransferCode, NewDevicePublicKey: "k", KeyVersion: 2, ActorAccountID: f.owner.ID})
	assert.ErrorIs(t, err, ErrTransferNotPending)
}

func TestCompleteRechecksSourceDevice(t *testing.T) {
	f := newFixture(t)
	started := f.start(t, f.owner.ID)
	_, err := f.identity.FreezeDevice(context.Background(), f.device.ID, "lost", audit.Actor{})
	require.NoError(t, err)

	_, err = f.svc.Complete(context.Background(), CompleteInput{TransferCode: started.TransferCode, NewDevicePublicKey: "k", KeyVersion: 2, ActorAccountID: f.owner.ID})
	assert.ErrorIs(t, err, ErrSourceDeviceInactive)
}

func TestCompleteUnknownCodeAndActor(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Complete(context.Background(), CompleteInput{TransferCode: "deadbeefdeadbeef", NewDevicePublicKey: "k", ActorAccountID: f.owner.ID})
	assert.ErrorIs(t, err, ErrTransferNotFound)

	started := f.start(t, f.owner.ID)
	_, err = f.svc.Complete(context.Background(), CompleteInput{TransferCode: started.TransferCode, NewDevicePublicKey: "k", ActorAccountID: f.stranger.ID})
	assert.ErrorIs(t, err, ErrActorNotAllowed)
}

func (f *fixture) activeDevices(t *testing.T) []identity.Device {
	t.Helper()
	devices, err := f.devices.ListByAccount(context.Background(), f.owner.ID)
	require.NoError(t, err)
	var active []identity.Device
	for _, d := range devices {
		if d.Active() {
			active = append(active, d)
		}
	}
	return active
}

// flakyDevices fails the next Create when failCreate is set and runs
// beforeSync ahead of the next MarkSynced.
type flakyDevices struct {
	identity.DeviceRepository
	failCreate bool
	beforeSync func()
}

func (d *flakyDevices) Create(ctx context.Context, device identity.Device) error {
	if d.failCreate {
		d.failCreate = false
		return errors.New("disk full")
	}
	return d.DeviceRepository.Create(ctx, device)
}

func (d *flakyDevices) MarkSynced(ctx context.Context, id string, at time.Time) error {
	if hook := d.beforeSync; hook != nil {
		d.beforeSync = nil
		hook()
	}
	return d.DeviceRepository.MarkSynced(ctx, id, at)
}

func TestCompleteRestoresSourceWhenReplacementFails(t *testing.T) {
	devices := &flakyDevices{DeviceRepository: identity.NewMemoryDeviceRepository()}
	f := newFixtureWithDevices(t, devices)
	ctx := context.Background()
	started := f.start(t, f.owner.ID)
	in := CompleteInput{TransferCode: started.TransferCode, NewDevicePublicKey: "new-key", KeyVersion: 2, ActorAccountID: f.owner.ID}

	devices.failCreate = true
	_, err := f.svc.Complete(ctx, in)
	require.Error(t, err)

	source, err := f.devices.GetByID(ctx, f.device.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.DeviceActive, source.Status)
	assert.Empty(t, source.FreezeReason)

	session, err := f.svc.transfers.GetByTransferID(ctx, started.TransferID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, session.Status)

	done, err := f.svc.Complete(ctx, in)
	require.NoError(t, err)
	active := f.activeDevices(t)
	require.Len(t, active, 1)
	assert.Equal(t, done.NewDevice.ID, active[0].ID)
}

func TestSyncDuringCompletionKeepsRevocation(t *testing.T) {
	devices := &flakyDevices{DeviceRepository: identity.NewMemoryDeviceRepository()}
	f := newFixtureWithDevices(t, devices)
	ctx := context.Background()
	started := f.start(t, f.owner.ID)

	var done CompleteResult
	devices.beforeSync = func() {
		var err error
		done, err = f.svc.Complete(ctx, CompleteInput{TransferCode: started.TransferCode, NewDevicePublicKey: "new-key", KeyVersion: 2, ActorAccountID: f.owner.ID})
		require.NoError(t, err)
	}
	require.NoError(t, f.identity.MarkDeviceSynced(ctx, f.device.ID, time.Now()))

	source, err := f.devices.GetByID(ctx, f.device.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.DeviceRevoked, source.Status)

	active := f.activeDevices(t)
	require.Len(t, active, 1)
	assert.Equal(t, done.NewDevice.ID, active[0].ID)
}

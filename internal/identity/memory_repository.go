package identity

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

type memoryAccounts struct {
	mu         sync.RWMutex
	byID       map[string]Account
	byIdentity map[string]string
}

// NewMemoryAccountRepository builds an in-memory account store.
func NewMemoryAccountRepository() AccountRepository {
	return &memoryAccounts{byID: make(map[string]Account), byIdentity: make(map[string]string)}
}

func (r *memoryAccounts) Create(_ context.Context, a Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[a.ID]; exists {
		return ErrAlreadyExists
	}
	if _, exists := r.byIdentity[a.ExternalIdentity]; exists {
		return ErrAlreadyExists
	}
	a.Roles = slices.Clone(a.Roles)
	r.byID[a.ID] = a
	r.byIdentity[a.ExternalIdentity] = a.ID
	return nil
}

func (r *memoryAccounts) GetByID(_ context.Context, id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	a.Roles = slices.Clone(a.Roles)
	return a, nil
}

func (r *memoryAccounts) GetByExternalIdentity(ctx context.Context, externalIdentity string) (Account, error) {
	r.mu.RLock()
	id, ok := r.byIdentity[externalIdentity]
	r.mu.RUnlock()
	if !ok {
		return Account{}, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memoryAccounts) Update(_ context.Context, a Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byID[a.ID]
	if !ok {
		return ErrNotFound
	}
	a.ExternalIdentity = current.ExternalIdentity
	a.Roles = slices.Clone(a.Roles)
	r.byID[a.ID] = a
	return nil
}

type memoryDevices struct {
	mu   sync.RWMutex
	byID map[string]Device
}

// NewMemoryDeviceRepository builds an in-memory device store.
func NewMemoryDeviceRepository() DeviceRepository {
	return &memoryDevices{byID: make(map[string]Device)}
}

func (r *memoryDevices) Create(_ context.Context, d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[d.ID]; exists {
		return ErrAlreadyExists
	}
	r.byID[d.ID] = d
	return nil
}

func (r *memoryDevices) GetByID(_ context.Context, id string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	return d, nil
}

func (r *memoryDevices) ListByAccount(_ context.Context, accountID string) ([]Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Device
	for _, d := range r.byID {
		if d.AccountID == accountID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (r *memoryDevices) SetStatus(_ context.Context, id, from, to, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != from {
		return ErrStatusChanged
	}
	d.Status = to
	d.FreezeReason = reason
	r.byID[id] = d
	return nil
}

func (r *memoryDevices) MarkSynced(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	d.LastSyncAt = at.UTC()
	r.byID[id] = d
	return nil
}

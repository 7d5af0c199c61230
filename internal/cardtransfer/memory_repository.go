package cardtransfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/congo-pay/offlinepay/internal/identity"
)

type memoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]Session
	byCode  map[string]string
	devices identity.DeviceRepository
}

// NewMemoryRepository builds an in-memory session store. Completions write
// device changes through devices and undo the revocation if a later step
// fails.
func NewMemoryRepository(devices identity.DeviceRepository) Repository {
	return &memoryRepository{byID: make(map[string]Session), byCode: make(map[string]string), devices: devices}
}

func (r *memoryRepository) Create(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.TransferID] = s
	r.byCode[s.TransferCode] = s.TransferID
	return nil
}

func (r *memoryRepository) GetByTransferID(_ context.Context, id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *memoryRepository) GetByTransferCode(ctx context.Context, code string) (Session, error) {
	r.mu.RLock()
	id, ok := r.byCode[code]
	r.mu.RUnlock()
	if !ok {
		return Session{}, ErrNotFound
	}
	return r.GetByTransferID(ctx, id)
}

func (r *memoryRepository) Update(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.TransferID]; !ok {
		return ErrNotFound
	}
	r.byID[s.TransferID] = s
	return nil
}

func (r *memoryRepository) Complete(ctx context.Context, c Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byID[c.Session.TransferID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != StatusPending {
		return ErrSessionChanged
	}

	source, err := r.devices.GetByID(ctx, c.SourceDeviceID)
	if err != nil {
		return err
	}
	if err := r.devices.SetStatus(ctx, c.SourceDeviceID, identity.DeviceActive, identity.DeviceRevoked, c.RevokeReason); err != nil {
		return err
	}
	if err := r.devices.Create(ctx, c.NewDevice); err != nil {
		if undo := r.devices.SetStatus(ctx, c.SourceDeviceID, identity.DeviceRevoked, identity.DeviceActive, source.FreezeReason); undo != nil {
			return errors.Join(fmt.Errorf("insert replacement device: %w", err), fmt.Errorf("restore source device: %w", undo))
		}
		return fmt.Errorf("insert replacement device: %w", err)
	}
	r.byID[c.Session.TransferID] = c.Session
	return nil
}

package devicecli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/congo-pay/offlinepay/internal/handshake"
	"github.com/congo-pay/offlinepay/internal/logging"
	"github.com/congo-pay/offlinepay/internal/risk"
)

// session is one open device: its local store, key and coordinator.
type session struct {
	store  *handshake.SQLiteStore
	coord  *handshake.Coordinator
	policy risk.Policy
	logger *slog.Logger
}

func openSession(cmd *cobra.Command, opts *Options) (*session, error) {
	logger := logging.NewText(cmd.ErrOrStderr(), opts.logLevel())

	keys, err := handshake.NewKeyStoreFromHex(opts.seed())
	if err != nil {
		return nil, err
	}
	signer, err := keys.Signer(opts.keyID(), opts.keyVersion())
	if err != nil {
		return nil, err
	}
	policy, err := loadPolicy(opts.policyPath())
	if err != nil {
		return nil, err
	}
	store, err := handshake.OpenSQLite(opts.dbPath())
	if err != nil {
		return nil, err
	}
	return &session{
		store:  store,
		coord:  handshake.NewCoordinator(store, signer, policy, logger),
		policy: policy,
		logger: logger,
	}, nil
}

func (s *session) Close() error {
	return s.store.Close()
}

// loadPolicy reads the last policy received from the server. A missing file
// means the device has never synced and runs on the defaults.
func loadPolicy(path string) (risk.Policy, error) {
	if path == "" {
		return risk.DefaultPolicy(), nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return risk.DefaultPolicy(), nil
	}
	if err != nil {
		return risk.Policy{}, fmt.Errorf("read policy: %w", err)
	}
	policy := risk.DefaultPolicy()
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return risk.Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return policy, nil
}

func savePolicy(path string, policy risk.Policy) error {
	if path == "" {
		return nil
	}
	raw, err := yaml.Marshal(policy)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

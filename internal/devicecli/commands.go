package devicecli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/congo-pay/offlinepay/internal/handshake"
)

type qrOutput struct {
	TxID      string `yaml:"tx_id"`
	Type      string `yaml:"type"`
	ExpiresAt string `yaml:"expires_at,omitempty"`
	QR        string `yaml:"qr"`
}

type receiptOutput struct {
	TxID                 string `yaml:"tx_id"`
	ReceiptID            string `yaml:"receipt_id"`
	PayerAuthorizationID string `yaml:"payer_authorization_id"`
	MerchantAccountID    string `yaml:"merchant_account_id"`
	PayerAccountID       string `yaml:"payer_account_id"`
	AmountCents          int64  `yaml:"amount_cents"`
	Currency             string `yaml:"currency"`
	Status               string `yaml:"status"`
	QR                   string `yaml:"qr,omitempty"`
}

func newReceiptOutput(r handshake.Receipt, qr string) receiptOutput {
	return receiptOutput{
		TxID:                 r.TxID,
		ReceiptID:            r.ReceiptID,
		PayerAuthorizationID: r.PayerAuthorizationID,
		MerchantAccountID:    r.MerchantAccountID,
		PayerAccountID:       r.PayerAccountID,
		AmountCents:          r.AmountCents,
		Currency:             r.Currency,
		Status:               string(r.Status),
		QR:                   qr,
	}
}

func requireIdentity(opts *Options) error {
	if opts.accountID() == "" || opts.deviceID() == "" {
		return fmt.Errorf("--account and --device are required")
	}
	return nil
}

func newPubKeyCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Print the public key to register for this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := handshake.NewKeyStoreFromHex(opts.seed())
			if err != nil {
				return err
			}
			pub, err := keys.PublicKey(opts.keyID(), opts.keyVersion())
			if err != nil {
				return err
			}
			return printYAML(cmd, map[string]any{
				"key_id":      opts.keyID(),
				"key_version": opts.keyVersion(),
				"public_key":  pub,
			})
		},
	}
}

func newIntentCommand(opts *Options) *cobra.Command {
	var (
		amount   int64
		currency string
		counter  int64
		lastSync string
	)
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Issue a merchant payment intent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireIdentity(opts); err != nil {
				return err
			}
			synced := time.Now().UTC()
			if lastSync != "" {
				t, err := time.Parse(time.RFC3339, lastSync)
				if err != nil {
					return fmt.Errorf("invalid --last-sync: %w", err)
				}
				synced = t
			}
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			intent, qr, err := s.coord.BuildMerchantIntent(cmd.Context(), handshake.MerchantContext{
				AccountID:  opts.accountID(),
				DeviceID:   opts.deviceID(),
				LastSyncAt: synced,
			}, amount, strings.ToUpper(currency), counter)
			if err != nil {
				return err
			}
			return printYAML(cmd, qrOutput{
				TxID:      intent.TxID,
				Type:      string(handshake.TypeIntent),
				ExpiresAt: intent.ExpiresAt.Format(time.RFC3339Nano),
				QR:        qr,
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in cents")
	cmd.Flags().StringVar(&currency, "currency", "XAF", "ISO currency code")
	cmd.Flags().Int64Var(&counter, "counter", 1, "monotonic merchant counter")
	cmd.Flags().StringVar(&lastSync, "last-sync", "", "RFC3339 time of the last successful sync (default now)")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newAuthorizeCommand(opts *Options) *cobra.Command {
	var counter int64
	cmd := &cobra.Command{
		Use:   "authorize <intent-qr>",
		Short: "Sign a merchant intent as the payer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireIdentity(opts); err != nil {
				return err
			}
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			auth, qr, err := s.coord.BuildPayerAuthorization(cmd.Context(), handshake.PayerContext{
				AccountID: opts.accountID(),
				DeviceID:  opts.deviceID(),
			}, args[0], counter)
			if err != nil {
				return err
			}
			return printYAML(cmd, qrOutput{
				TxID:      auth.TxID,
				Type:      string(handshake.TypeAuthorization),
				ExpiresAt: auth.ExpiresAt.Format(time.RFC3339Nano),
				QR:        qr,
			})
		},
	}
	cmd.Flags().Int64Var(&counter, "counter", 1, "monotonic payer counter")
	return cmd
}

func newAcceptCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <authorization-qr>",
		Short: "Accept a payer authorization and issue the receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			receipt, qr, err := s.coord.AcceptAuthorization(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd, newReceiptOutput(receipt, qr))
		},
	}
}

func newReceiptCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "receipt <receipt-qr>",
		Short: "Check a merchant receipt against the payer's authorization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			receipt, err := s.coord.ReadReceipt(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd, newReceiptOutput(receipt, ""))
		},
	}
}

func newPendingCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List transactions waiting for upload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			pending, err := handshake.NewSyncQueue(s.store).Pending(cmd.Context())
			if err != nil {
				return err
			}
			type row struct {
				TxID        string `yaml:"tx_id"`
				AmountCents int64  `yaml:"amount_cents"`
				Currency    string `yaml:"currency"`
				PayerID     string `yaml:"payer_account_id"`
			}
			rows := make([]row, 0, len(pending))
			for _, p := range pending {
				rows = append(rows, row{TxID: p.TxID, AmountCents: p.AmountCents, Currency: p.Currency, PayerID: p.PayerAccountID})
			}
			return printYAML(cmd, map[string]any{"pending": rows})
		},
	}
}

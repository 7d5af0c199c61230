package devicecli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/congo-pay/offlinepay/internal/handshake"
	"github.com/congo-pay/offlinepay/internal/middleware"
	"github.com/congo-pay/offlinepay/internal/payments"
)

const syncPath = "/api/v1/offline-transactions/sync"

func newSyncCommand(opts *Options) *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload pending transactions and record the server's verdicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.deviceID() == "" {
				return fmt.Errorf("--device is required")
			}
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			queue := handshake.NewSyncQueue(s.store)
			batch, err := queue.Batch(cmd.Context(), opts.deviceID())
			if err != nil {
				return err
			}
			if len(batch.Transactions) == 0 {
				return printYAML(cmd, map[string]any{"uploaded": 0})
			}

			resp, err := upload(strings.TrimRight(server, "/")+syncPath, batch, timeout)
			if err != nil {
				return err
			}
			changed, err := queue.Apply(cmd.Context(), resp.Results)
			if err != nil {
				return err
			}
			if err := savePolicy(opts.policyPath(), resp.RiskPolicy); err != nil {
				s.logger.Warn("failed to store refreshed policy", "error", err)
			}
			s.logger.Info("sync complete", "uploaded", len(batch.Transactions), "updated", changed)

			type row struct {
				TxID   string `yaml:"tx_id"`
				Status string `yaml:"status"`
				Reason string `yaml:"reason,omitempty"`
			}
			rows := make([]row, 0, len(resp.Results))
			for _, r := range resp.Results {
				rows = append(rows, row{TxID: r.TxID, Status: string(r.Status), Reason: r.Reason})
			}
			return printYAML(cmd, map[string]any{
				"uploaded":  len(batch.Transactions),
				"synced_at": resp.SyncedAt.Format(time.RFC3339Nano),
				"results":   rows,
			})
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "base URL of the API")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "upload timeout")
	return cmd
}

func upload(url string, batch payments.SyncRequest, timeout time.Duration) (payments.SyncResponse, error) {
	agent := fiber.Post(url).
		JSON(batch).
		Set(fiber.HeaderXRequestID, uuid.NewString()).
		Timeout(timeout)
	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return payments.SyncResponse{}, fmt.Errorf("upload batch: %w", errors.Join(errs...))
	}
	if status != fiber.StatusAccepted {
		var env middleware.ErrorEnvelope
		if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
			return payments.SyncResponse{}, fmt.Errorf("upload batch: %d %s: %s", status, env.Error.Code, env.Error.Message)
		}
		return payments.SyncResponse{}, fmt.Errorf("upload batch: unexpected status %d", status)
	}
	var resp payments.SyncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return payments.SyncResponse{}, fmt.Errorf("decode sync response: %w", err)
	}
	return resp, nil
}

package devicecli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/congo-pay/offlinepay/internal/payments"
	"github.com/congo-pay/offlinepay/internal/risk"
)

var testSeed = strings.Repeat("ab", 32)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, out any, args ...string) {
	t.Helper()
	text, err := run(t, args...)
	require.NoError(t, err, strings.Join(args, " "))
	if out != nil {
		require.NoError(t, yaml.Unmarshal([]byte(text), out))
	}
}

type device struct {
	flags []string
}

func newDevice(dir, name string) device {
	return device{flags: []string{
		"--seed", testSeed,
		"--db", filepath.Join(dir, name+".db"),
		"--key-id", name,
		"--account", name + "-account",
		"--device", name + "-device",
		"--policy", filepath.Join(dir, name+"-policy.yaml"),
	}}
}

func (d device) args(cmd ...string) []string {
	return append(cmd, d.flags...)
}

func TestHandshakeAndSyncThroughCommands(t *testing.T) {
	dir := t.TempDir()
	merchant := newDevice(dir, "merchant")
	payer := newDevice(dir, "payer")

	var key map[string]any
	mustRun(t, &key, merchant.args("pubkey")...)
	assert.NotEmpty(t, key["public_key"])

	var intent qrOutput
	mustRun(t, &intent, merchant.args("intent", "--amount", "250")...)
	require.NotEmpty(t, intent.QR)
	assert.Equal(t, "merchantIntent", intent.Type)

	var auth qrOutput
	mustRun(t, &auth, payer.args("authorize", intent.QR)...)
	assert.Equal(t, intent.TxID, auth.TxID)

	var receipt receiptOutput
	mustRun(t, &receipt, merchant.args("accept", auth.QR)...)
	assert.Equal(t, "acceptedOffline", receipt.Status)
	assert.Equal(t, "payer-account", receipt.PayerAccountID)
	require.NotEmpty(t, receipt.QR)

	var checked receiptOutput
	mustRun(t, &checked, payer.args("receipt", receipt.QR)...)
	assert.Equal(t, receipt.ReceiptID, checked.ReceiptID)

	var pending struct {
		Pending []map[string]any `yaml:"pending"`
	}
	mustRun(t, &pending, merchant.args("pending")...)
	require.Len(t, pending.Pending, 1)

	tightened := risk.DefaultPolicy()
	tightened.MaxPerTransactionCents = 200
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, syncPath, r.URL.Path)
		var req payments.SyncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "merchant-device", req.MerchantDeviceID)
		results := make([]payments.Result, 0, len(req.Transactions))
		for _, tx := range req.Transactions {
			results = append(results, payments.Result{TxID: tx.TxID, Status: payments.StatusAccepted})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(payments.SyncResponse{SyncedAt: time.Now().UTC(), RiskPolicy: tightened, Results: results})
	}))
	defer srv.Close()

	var synced struct {
		Uploaded int `yaml:"uploaded"`
		Results  []struct {
			TxID   string `yaml:"tx_id"`
			Status string `yaml:"status"`
		} `yaml:"results"`
	}
	mustRun(t, &synced, merchant.args("sync", "--server", srv.URL)...)
	assert.Equal(t, 1, synced.Uploaded)
	require.Len(t, synced.Results, 1)
	assert.Equal(t, intent.TxID, synced.Results[0].TxID)

	mustRun(t, &pending, merchant.args("pending")...)
	assert.Empty(t, pending.Pending)

	// The refreshed policy now caps intents below the previous amount.
	_, err := run(t, merchant.args("intent", "--amount", "250")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), risk.ReasonTransactionLimit)
}

func TestSyncSurfacesServerErrors(t *testing.T) {
	dir := t.TempDir()
	merchant := newDevice(dir, "merchant")
	payer := newDevice(dir, "payer")

	var intent, auth qrOutput
	mustRun(t, &intent, merchant.args("intent", "--amount", "100")...)
	mustRun(t, &auth, payer.args("authorize", intent.QR)...)
	mustRun(t, nil, merchant.args("accept", auth.QR)...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"SYNC_RATE_LIMITED","message":"slow down"}}`))
	}))
	defer srv.Close()

	_, err := run(t, merchant.args("sync", "--server", srv.URL)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_RATE_LIMITED")

	var pending struct {
		Pending []map[string]any `yaml:"pending"`
	}
	mustRun(t, &pending, merchant.args("pending")...)
	assert.Len(t, pending.Pending, 1)
}

func TestCommandsRequireSeedAndIdentity(t *testing.T) {
	_, err := run(t, "pubkey")
	require.Error(t, err)

	_, err = run(t, "intent", "--amount", "10", "--seed", testSeed, "--db", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--account")
}

package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/offlinepay/internal/config"
	"github.com/congo-pay/offlinepay/internal/funding"
	"github.com/congo-pay/offlinepay/internal/handshake"
	"github.com/congo-pay/offlinepay/internal/identity"
	"github.com/congo-pay/offlinepay/internal/logging"
	"github.com/congo-pay/offlinepay/internal/middleware"
	"github.com/congo-pay/offlinepay/internal/payments"
	"github.com/congo-pay/offlinepay/internal/risk"
	"github.com/congo-pay/offlinepay/internal/settlement"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler})
	cfg := config.Config{
		AppEnv:              "development",
		DefaultCurrency:     "XAF",
		IdempotencyTTL:      time.Hour,
		SyncRateLimitPerMin: 30,
		LedgerAssert:        true,
		Risk:                risk.DefaultPolicy(),
	}
	if err := Setup(app, Deps{Cfg: cfg, Logger: logging.Discard()}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return app
}

func call(t *testing.T, app *fiber.App, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestSetupRequiresStoresOutsideDevelopment(t *testing.T) {
	app := fiber.New()
	err := Setup(app, Deps{Cfg: config.Config{AppEnv: "production"}, Logger: logging.Discard()})
	if err == nil {
		t.Fatalf("expected production setup without a database to fail")
	}
}

func TestOfflinePaymentLifecycleOverHTTP(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)
	keys, err := handshake.NewKeyStore([]byte(strings.Repeat("s", handshake.MinSeedSize)))
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}

	enroll := func(name string, role identity.Role) (identity.Account, identity.Device) {
		var account identity.Account
		if code := call(t, app, fiber.MethodPost, "/api/v1/accounts", identity.CreateAccountInput{
			ExternalIdentity: name, DisplayName: name, Roles: []identity.Role{role},
		}, &account); code != fiber.StatusCreated {
			t.Fatalf("create %s: status %d", name, code)
		}
		pub, err := keys.PublicKey(name, 1)
		if err != nil {
			t.Fatalf("public key: %v", err)
		}
		var registered struct {
			Device     identity.Device `json:"device"`
			RiskPolicy risk.Policy     `json:"riskPolicy"`
		}
		if code := call(t, app, fiber.MethodPost, "/api/v1/devices/register", identity.RegisterDeviceInput{
			AccountID: account.ID, Role: role, PublicKey: pub, KeyVersion: 1,
		}, &registered); code != fiber.StatusCreated {
			t.Fatalf("register %s: status %d", name, code)
		}
		if registered.RiskPolicy != risk.DefaultPolicy() {
			t.Fatalf("expected policy snapshot, got %+v", registered.RiskPolicy)
		}
		return account, registered.Device
	}
	merchant, merchantDevice := enroll("merchant", identity.RoleCashier)
	payer, payerDevice := enroll("payer", identity.RolePayer)

	if code := call(t, app, fiber.MethodPost, "/api/v1/wallet/topup", funding.TopUpRequest{
		AccountID: payer.ID, AmountCents: 1_000, Reference: "cash-desk",
	}, nil); code != fiber.StatusCreated {
		t.Fatalf("topup: status %d", code)
	}

	merchantSigner, _ := keys.Signer("merchant", 1)
	payerSigner, _ := keys.Signer("payer", 1)
	merchantStore := handshake.NewMemoryStore()
	merchantCoord := handshake.NewCoordinator(merchantStore, merchantSigner, risk.DefaultPolicy(), logging.Discard())
	payerCoord := handshake.NewCoordinator(handshake.NewMemoryStore(), payerSigner, risk.DefaultPolicy(), logging.Discard())

	_, intentQR, err := merchantCoord.BuildMerchantIntent(ctx, handshake.MerchantContext{
		AccountID: merchant.ID, DeviceID: merchantDevice.ID, LastSyncAt: merchantDevice.LastSyncAt,
	}, 350, "XAF", 1)
	if err != nil {
		t.Fatalf("intent: %v", err)
	}
	_, authQR, err := payerCoord.BuildPayerAuthorization(ctx, handshake.PayerContext{AccountID: payer.ID, DeviceID: payerDevice.ID}, intentQR, 1)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if _, _, err := merchantCoord.AcceptAuthorization(ctx, authQR); err != nil {
		t.Fatalf("accept: %v", err)
	}
	batch, err := handshake.NewSyncQueue(merchantStore).Batch(ctx, merchantDevice.ID)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	var synced payments.SyncResponse
	if code := call(t, app, fiber.MethodPost, "/api/v1/offline-transactions/sync", batch, &synced); code != fiber.StatusAccepted {
		t.Fatalf("sync: status %d", code)
	}
	if len(synced.Results) != 1 || synced.Results[0].Status != payments.StatusAccepted {
		t.Fatalf("expected one accepted row, got %+v", synced.Results)
	}

	var balance funding.BalanceResponse
	call(t, app, fiber.MethodGet, "/api/v1/wallet/"+payer.ID+"/balance", nil, &balance)
	if balance.AvailableCents != 650 {
		t.Fatalf("expected payer balance 650, got %d", balance.AvailableCents)
	}

	var history funding.HistoryResponse
	call(t, app, fiber.MethodGet, "/api/v1/history/"+merchant.ID+"?limit=10", nil, &history)
	if len(history.Transactions) != 1 || len(history.Ledger) != 1 {
		t.Fatalf("unexpected merchant history: %d txs, %d entries", len(history.Transactions), len(history.Ledger))
	}

	var summary settlement.Summary
	if code := call(t, app, fiber.MethodPost, "/api/v1/settlements/reconcile", map[string]string{
		"merchantAccountId": merchant.ID,
		"date":              time.Now().UTC().Format(settlement.DateLayout),
	}, &summary); code != fiber.StatusAccepted {
		t.Fatalf("reconcile: status %d", code)
	}
	if summary.AcceptedAmountCents != 350 || summary.CreditedAmountCents != 350 || summary.Mismatch {
		t.Fatalf("unexpected summary %+v", summary)
	}

	var events struct {
		Events []map[string]any `json:"events"`
	}
	call(t, app, fiber.MethodGet, "/api/v1/audit/"+merchant.ID, nil, &events)
	if len(events.Events) == 0 {
		t.Fatalf("expected audit events for the merchant")
	}
}

func TestErrorsRenderEnvelope(t *testing.T) {
	app := newTestApp(t)

	var env middleware.ErrorEnvelope
	if code := call(t, app, fiber.MethodGet, "/api/v1/accounts/missing", nil, &env); code != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if env.Error.Code != "ACCOUNT_NOT_FOUND" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	if code := call(t, app, fiber.MethodPost, "/api/v1/offline-transactions/sync", map[string]any{}, &env); code != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if env.Error.Code != "INVALID_REQUEST" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t)

	var health struct {
		Status map[string]string `json:"status"`
	}
	if code := call(t, app, fiber.MethodGet, "/health", nil, &health); code != fiber.StatusOK {
		t.Fatalf("health: status %d", code)
	}
	if health.Status["postgres"] != "memory" {
		t.Fatalf("expected in-memory store, got %q", health.Status["postgres"])
	}

	req := httptest.NewRequest(fiber.MethodGet, "/metrics", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "offlinepay_http_request_duration_seconds") {
		t.Fatalf("metrics output missing request histogram")
	}
}

func TestDeviceStatusRoutes(t *testing.T) {
	app := newTestApp(t)

	var account identity.Account
	call(t, app, fiber.MethodPost, "/api/v1/accounts", identity.CreateAccountInput{
		ExternalIdentity: "ops", DisplayName: "ops", Roles: []identity.Role{identity.RolePayer},
	}, &account)
	var registered struct {
		Device identity.Device `json:"device"`
	}
	call(t, app, fiber.MethodPost, "/api/v1/devices/register", identity.RegisterDeviceInput{
		AccountID: account.ID, Role: identity.RolePayer, PublicKey: "cHVibGlj", KeyVersion: 1,
	}, &registered)

	var status map[string]string
	if code := call(t, app, fiber.MethodPost, "/api/v1/devices/"+registered.Device.ID+"/freeze", nil, &status); code != fiber.StatusAccepted {
		t.Fatalf("freeze: status %d", code)
	}
	if status["status"] != identity.DeviceFrozen {
		t.Fatalf("expected frozen, got %q", status["status"])
	}

	call(t, app, fiber.MethodPost, "/api/v1/devices/"+registered.Device.ID+"/revoke", map[string]string{"reason": "lost"}, nil)
	var device identity.Device
	if code := call(t, app, fiber.MethodGet, "/api/v1/devices/"+registered.Device.ID, nil, &device); code != fiber.StatusOK {
		t.Fatalf("get device: status %d", code)
	}
	if device.Status != identity.DeviceRevoked || device.FreezeReason != "lost" {
		t.Fatalf("unexpected device %+v", device)
	}
}

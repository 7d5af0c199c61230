package routes

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/offlinepay/internal/audit"
	"github.com/congo-pay/offlinepay/internal/cardtransfer"
	"github.com/congo-pay/offlinepay/internal/config"
	"github.com/congo-pay/offlinepay/internal/funding"
	"github.com/congo-pay/offlinepay/internal/identity"
	"github.com/congo-pay/offlinepay/internal/ledger"
	"github.com/congo-pay/offlinepay/internal/lock"
	"github.com/congo-pay/offlinepay/internal/metrics"
	"github.com/congo-pay/offlinepay/internal/middleware"
	"github.com/congo-pay/offlinepay/internal/payments"
	"github.com/congo-pay/offlinepay/internal/settlement"
	"github.com/congo-pay/offlinepay/internal/signing"
)

// Deps aggregates shared dependencies required to wire routes. DB, Cache and
// Producer may be nil in development.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Producer sarama.SyncProducer
	Logger   *slog.Logger
}

type stores struct {
	accounts  identity.AccountRepository
	devices   identity.DeviceRepository
	wallets   ledger.Store
	txs       payments.Repository
	transfers cardtransfer.Repository
	audit     audit.Repository
	locker    lock.Locker
}

func buildStores(d Deps) stores {
	var s stores
	if d.DB != nil {
		ids := identity.NewPostgresRepository(d.DB)
		s.accounts = ids.Accounts()
		s.devices = ids.Devices()
		s.wallets = ledger.NewPostgresStore(d.DB)
		s.txs = payments.NewPostgresRepository(d.DB)
		s.transfers = cardtransfer.NewPostgresRepository(d.DB)
		s.audit = audit.NewPostgresRepository(d.DB)
	} else {
		var opts []ledger.InMemoryOption
		if d.Cfg.LedgerAssert {
			opts = append(opts, ledger.WithConservationAssert())
		}
		s.accounts = identity.NewMemoryAccountRepository()
		s.devices = identity.NewMemoryDeviceRepository()
		s.wallets = ledger.NewInMemory(opts...)
		s.txs = payments.NewMemoryRepository()
		s.transfers = cardtransfer.NewMemoryRepository(s.devices)
		s.audit = audit.NewMemoryRepository()
	}
	if d.Cache != nil {
		s.locker = lock.NewRedis(d.Cache)
	} else {
		s.locker = lock.NewLocal()
	}
	return s
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if !isDev(d.Cfg.AppEnv) {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "UTC",
	}))
	app.Use(middleware.Audit(d.Logger))
	app.Use(metrics.HTTP())

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	s := buildStores(d)
	publishers := []audit.Publisher{audit.NewLogPublisher(d.Logger)}
	if d.Producer != nil {
		publishers = append(publishers, audit.NewKafkaPublisher(d.Producer, d.Cfg.KafkaAuditTopic))
	}
	auditSvc := audit.NewService(s.audit, d.Logger, publishers...)
	policy := d.Cfg.Risk

	identitySvc := identity.NewService(s.accounts, s.devices, s.wallets, auditSvc, s.locker, d.Logger)
	reconciler := payments.NewReconciler(identitySvc, s.wallets, s.txs, auditSvc, signing.Ed25519Verifier{}, s.locker, policy, d.Logger)
	transferSvc := cardtransfer.NewService(s.accounts, s.devices, s.transfers, auditSvc, s.locker, d.Logger)
	settlementSvc := settlement.NewService(s.txs, s.wallets, auditSvc, s.locker, d.Logger)
	fundingSvc := funding.NewService(s.wallets, s.txs, auditSvc, s.locker, d.Cfg.DefaultCurrency, d.Logger)

	api := app.Group("/api/v1")
	RegisterIdentityRoutes(api, identity.NewHandler(identitySvc, policy))
	RegisterCardTransferRoutes(api, cardtransfer.NewHandler(transferSvc))
	RegisterFundingRoutes(api, funding.NewHandler(fundingSvc), middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	RegisterPaymentRoutes(api, payments.NewHandler(reconciler), middleware.SyncRateLimit(d.Cache, d.Cfg.SyncRateLimitPerMin, d.Logger))
	RegisterSettlementRoutes(api, settlement.NewHandler(settlementSvc))
	RegisterAuditRoutes(api, audit.NewHandler(auditSvc))

	return nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

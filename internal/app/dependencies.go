package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/reconciler/internal/auth"
	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/reconciler/internal/health"
	"github.com/vladislavdragonenkov/reconciler/internal/lock"
	"github.com/vladislavdragonenkov/reconciler/internal/metrics"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
	"github.com/vladislavdragonenkov/reconciler/internal/provider/card"
	"github.com/vladislavdragonenkov/reconciler/internal/provider/gatewaya"
	"github.com/vladislavdragonenkov/reconciler/internal/provider/gatewayb"
	"github.com/vladislavdragonenkov/reconciler/internal/service/commission"
	"github.com/vladislavdragonenkov/reconciler/internal/service/coupon"
	"github.com/vladislavdragonenkov/reconciler/internal/service/inventory"
	"github.com/vladislavdragonenkov/reconciler/internal/service/journal"
	"github.com/vladislavdragonenkov/reconciler/internal/service/orders"
	"github.com/vladislavdragonenkov/reconciler/internal/service/reconcile"
	"github.com/vladislavdragonenkov/reconciler/internal/storage/memory"
	"github.com/vladislavdragonenkov/reconciler/internal/storage/postgres"
	"github.com/vladislavdragonenkov/reconciler/internal/version"
)

// Repositories — хранилища одного драйвера.
type Repositories struct {
	Orders      domain.OrderRepository
	Ledger      domain.LedgerRepository
	Commissions domain.CommissionRepository
	Outbox      domain.OutboxRepository
	Timeline    domain.TimelineRepository
	// Store заполнен только для postgres.
	Store *postgres.Store
}

// Dependencies содержит собранный граф компонентов приложения.
type Dependencies struct {
	Repos       Repositories
	Metrics     *metrics.ReconcileMetrics
	Providers   *provider.Registry
	Locker      lock.Locker
	Journal     *journal.Journal
	Inventory   domain.InventoryService
	Engine      *reconcile.Engine
	Orders      *orders.Service
	Commissions *commission.Service
	Verifier    *auth.Verifier
	Health      *healthcheck.Handler
	Logger      *log.Entry

	closers []func() error
}

// NewDependencies создаёт и связывает все компоненты по конфигурации.
// При ошибке уже открытые ресурсы закрываются.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (deps *Dependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	deps = &Dependencies{
		Logger:  logger,
		Metrics: metrics.NewReconcileMetrics(),
		Health:  healthcheck.NewHandler(version.Current().Version),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, deps.Close())
			deps = nil
		}
	}()

	if deps.Repos, err = deps.initStorage(ctx, cfg); err != nil {
		return deps, err
	}
	deps.Health.RegisterChecker("outbox", healthcheck.NewBacklogChecker(deps.Repos.Outbox.Stats, cfg.OutboxBacklogMaxAge))
	if deps.Locker, err = deps.initLocker(ctx, cfg); err != nil {
		return deps, err
	}
	if deps.Verifier, err = auth.NewVerifier(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, TTL: cfg.JWTTTL}); err != nil {
		return deps, err
	}
	rates, err := cfg.RateTable()
	if err != nil {
		return deps, err
	}
	coupons, err := coupon.ParseRules(cfg.Coupons)
	if err != nil {
		return deps, fmt.Errorf("parse coupons: %w", err)
	}

	deps.Providers = newProviderRegistry(cfg, deps.Metrics, logger)
	deps.Journal = journal.New(deps.Repos.Outbox, deps.Repos.Timeline, deps.Metrics, logger.WithField("component", "journal"))

	switch cfg.InventoryMode {
	case InventoryModeOutbox:
		deps.Inventory = inventory.NewOutboxAdjuster(deps.Repos.Outbox)
	default:
		deps.Inventory = inventory.NewMemoryStock(logger.WithField("component", "inventory"))
	}

	deps.Commissions = commission.NewService(deps.Repos.Commissions, rates, cfg.CommissionRole, deps.Journal, deps.Metrics,
		logger.WithField("component", "commission"))
	deps.Engine = reconcile.NewEngine(reconcile.Deps{
		Providers:   deps.Providers,
		Orders:      deps.Repos.Orders,
		Ledger:      deps.Repos.Ledger,
		Locker:      deps.Locker,
		Inventory:   deps.Inventory,
		Commissions: deps.Commissions,
		Journal:     deps.Journal,
		Metrics:     deps.Metrics,
	}, cfg.ReconcileOptions(), logger.WithField("component", "reconcile"))
	deps.Orders = orders.NewService(orders.Deps{
		Providers: deps.Providers,
		Orders:    deps.Repos.Orders,
		Timeline:  deps.Repos.Timeline,
		Locker:    deps.Locker,
		Inventory: deps.Inventory,
		Coupons:   coupons,
		Journal:   deps.Journal,
	}, orders.Options{IntentTimeout: cfg.ProviderTimeout, RefundTimeout: cfg.ProviderTimeout}, logger.WithField("component", "orders"))

	logger.WithFields(log.Fields{
		"storage":   cfg.StorageDriver,
		"inventory": cfg.InventoryMode,
		"providers": deps.Providers.Enabled(),
	}).Info("dependencies initialized")
	return deps, nil
}

func (d *Dependencies) initStorage(ctx context.Context, cfg Config) (Repositories, error) {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		return Repositories{
			Orders:      memory.NewOrderRepository(),
			Ledger:      memory.NewLedgerRepository(),
			Commissions: memory.NewCommissionRepository(),
			Outbox:      memory.NewOutboxRepository(),
			Timeline:    memory.NewTimelineRepository(),
		}, nil
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return Repositories{}, fmt.Errorf("postgres dsn is required")
		}
		pool := postgres.DefaultPoolConfig()
		if cfg.PostgresMaxConns > 0 {
			pool.MaxOpenConns = cfg.PostgresMaxConns
			pool.MaxIdleConns = cfg.PostgresMaxConns
		}
		if cfg.PostgresConnMaxLife > 0 {
			pool.ConnMaxLifetime = cfg.PostgresConnMaxLife
		}
		store, err := postgres.OpenWithPool(ctx, cfg.PostgresDSN, pool)
		if err != nil {
			return Repositories{}, err
		}
		d.closers = append(d.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return Repositories{}, fmt.Errorf("apply migrations: %w", err)
			}
		}
		d.Health.RegisterChecker("postgres", healthcheck.NewSimpleChecker("postgres", store.Ready))
		return Repositories{
			Orders:      postgres.NewOrderRepository(store),
			Ledger:      postgres.NewLedgerRepository(store),
			Commissions: postgres.NewCommissionRepository(store),
			Outbox:      postgres.NewOutboxRepository(store),
			Timeline:    postgres.NewTimelineRepository(store),
			Store:       store,
		}, nil
	default:
		return Repositories{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// initLocker выбирает Redis, если задан адрес; иначе блокировка в пределах процесса.
func (d *Dependencies) initLocker(ctx context.Context, cfg Config) (lock.Locker, error) {
	if cfg.RedisAddr == "" {
		return lock.NewLocal(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	d.closers = append(d.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	d.Health.RegisterChecker("redis", healthcheck.NewSimpleChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	return lock.NewRedis(lock.NewRedisStore(client), lock.RedisOptions{
		TTL:     cfg.LockTTL,
		MaxWait: cfg.LockMaxWait,
		Logger:  d.Logger.WithField("component", "redis-lock"),
	})
}

func newProviderRegistry(cfg Config, m *metrics.ReconcileMetrics, logger *log.Entry) *provider.Registry {
	callCfg := cfg.CallConfig()
	caller := func(name domain.Provider) *provider.Caller {
		return provider.NewCaller(name, callCfg, provider.WithObserver(m),
			provider.WithLogger(logger.WithFields(log.Fields{"component": "provider-caller", "provider": name})))
	}
	return provider.NewRegistry(
		card.New(card.Config{
			APIKey:           cfg.CardAPIKey,
			WebhookSecret:    cfg.CardWebhookSecret,
			WebhookTolerance: cfg.WebhookTolerance,
		}, caller(domain.ProviderCardProcessor), logger.WithField("component", "provider-card")),
		gatewaya.New(gatewaya.Config{
			AccessToken:     cfg.GatewayAAccessToken,
			LocationID:      cfg.GatewayALocationID,
			Environment:     cfg.GatewayAEnvironment,
			WebhookSecret:   cfg.GatewayAWebhookSecret,
			NotificationURL: cfg.GatewayANotificationURL,
		}, caller(domain.ProviderRegionalGatewayA), logger.WithField("component", "provider-gateway-a")),
		gatewayb.New(gatewayb.Config{
			BaseURL:       cfg.GatewayBBaseURL,
			APIKey:        cfg.GatewayBAPIKey,
			WebhookSecret: cfg.GatewayBWebhookSecret,
			Tolerance:     cfg.WebhookTolerance,
		}, &http.Client{Timeout: cfg.ProviderTimeout}, caller(domain.ProviderRegionalGatewayB), logger.WithField("component", "provider-gateway-b")),
	)
}

// Close освобождает ресурсы в обратном порядке открытия.
func (d *Dependencies) Close() error {
	if d == nil {
		return nil
	}
	var errs error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, d.closers[i]())
	}
	d.closers = nil
	return errs
}

package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/paylane/checkout/internal/gateway"
	"github.com/paylane/checkout/internal/handlers"
	"github.com/paylane/checkout/internal/platform/auth"
	"github.com/paylane/checkout/internal/platform/config"
	pfirestore "github.com/paylane/checkout/internal/platform/firestore"
	"github.com/paylane/checkout/internal/platform/idempotency"
	"github.com/paylane/checkout/internal/platform/jobs"
	"github.com/paylane/checkout/internal/platform/observability"
	"github.com/paylane/checkout/internal/repositories"
	fsrepo "github.com/paylane/checkout/internal/repositories/firestore"
	"github.com/paylane/checkout/internal/services"
)

// Services bundles the service-layer contracts the handlers rely upon.
type Services struct {
	Snapshots  services.SnapshotService
	Discounts  services.DiscountService
	Orders     services.OrderCreationService
	Payments   services.PaymentService
	PriceFixer services.PriceFixerService
	Cleanup    services.CleanupService
}

// Container wires repositories, services, transport middleware and the
// HTTP router for runtime use.
type Container struct {
	Config        config.Config
	Logger        *zap.Logger
	Repositories  repositories.Registry
	Gateway       gateway.Client
	Services      Services
	Authenticator *auth.Authenticator
	HMAC          *auth.HMACValidator
	Health        repositories.HealthRepository
	Idempotency   idempotency.Store
	Router        http.Handler

	pubsubClient *pubsub.Client
}

// NewContainer constructs the runtime dependencies from configuration.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	provider := pfirestore.NewProvider(cfg.Firestore)
	registry, err := fsrepo.NewRegistry(provider)
	if err != nil {
		return nil, fmt.Errorf("build repository registry: %w", err)
	}

	gw, err := gateway.NewHTTPClient(gateway.HTTPClientConfig{
		BaseURL:        cfg.Gateway.BaseURL,
		MerchantID:     cfg.Gateway.MerchantID,
		SigningSecret:  cfg.Gateway.SigningSecret,
		RequestTimeout: cfg.Gateway.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build gateway client: %w", err)
	}

	c := &Container{
		Config:       cfg,
		Logger:       logger,
		Repositories: registry,
		Gateway:      gw,
	}

	events, err := c.buildEventPublisher(ctx)
	if err != nil {
		return nil, err
	}

	svc, err := buildServices(registry, gw, events, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.Services = svc

	if cfg.Security.OperatorTokenSecret != "" {
		c.Authenticator = auth.NewAuthenticator([]byte(cfg.Security.OperatorTokenSecret))
	}
	c.HMAC = buildHMACValidator(cfg, logger)
	c.Health = buildHealthRepository(provider, gw, c.pubsubClient)
	c.Router = c.buildRouter(ctx, provider)

	return c, nil
}

// Close releases repository clients and the event publisher.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.pubsubClient != nil {
		if err := c.pubsubClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Container) buildEventPublisher(ctx context.Context) (services.EventPublisher, error) {
	cfg := c.Config.PubSub
	if cfg.CheckoutTopic == "" {
		return nil, nil
	}
	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = c.Config.Firestore.ProjectID
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("build pubsub client: %w", err)
	}
	c.pubsubClient = client

	publisher, err := jobs.NewPubSubEventPublisher(client.Topic(cfg.CheckoutTopic))
	if err != nil {
		return nil, fmt.Errorf("build event publisher: %w", err)
	}
	return publisher, nil
}

func buildServices(reg repositories.Registry, gw gateway.Client, events services.EventPublisher, cfg config.Config, logger *zap.Logger) (Services, error) {
	var svc Services

	serviceLogger := zapServiceLogger(logger)
	monitor := zapMonitor{logger: logger}
	idGen := func() string { return ulid.Make().String() }

	discountSvc, err := services.NewDiscountService(services.DiscountServiceDeps{
		Discounts: reg.Discounts(),
		Sessions:  reg.Sessions(),
		Snapshots: reg.Snapshots(),
		Orders:    reg.Orders(),
		Clock:     time.Now,
		Logger:    serviceLogger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build discount service: %w", err)
	}
	svc.Discounts = discountSvc

	snapshotSvc, err := services.NewSnapshotService(services.SnapshotServiceDeps{
		Sessions:    reg.Sessions(),
		Snapshots:   reg.Snapshots(),
		Counters:    reg.Counters(),
		Discounts:   discountSvc,
		Gateway:     gw,
		Events:      events,
		Clock:       time.Now,
		IDGenerator: idGen,
		Logger:      serviceLogger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build snapshot service: %w", err)
	}
	svc.Snapshots = snapshotSvc

	rates, err := services.NewStoredShippingRates(reg.Sessions())
	if err != nil {
		return Services{}, fmt.Errorf("build shipping rate provider: %w", err)
	}

	orderSvc, err := services.NewOrderCreationService(services.OrderCreationServiceDeps{
		Sessions:   reg.Sessions(),
		Snapshots:  reg.Snapshots(),
		Orders:     reg.Orders(),
		Discounts:  reg.Discounts(),
		Inventory:  reg.Inventory(),
		Counters:   reg.Counters(),
		Gateway:    gw,
		Rates:      rates,
		Events:     events,
		Monitor:    monitor,
		UnitOfWork: reg,
		Config: services.OrderCreationConfig{
			ToleranceMinorUnits: cfg.Reconciliation.ToleranceMinorUnits,
			SnapshotRetention:   time.Duration(cfg.Cleanup.SnapshotRetentionDays) * 24 * time.Hour,
		},
		Clock:       time.Now,
		IDGenerator: idGen,
		Logger:      serviceLogger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order creation service: %w", err)
	}
	svc.Orders = orderSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:        reg.Orders(),
		Gateway:       gw,
		OrderCreation: orderSvc,
		Inventory:     reg.Inventory(),
		Events:        events,
		Monitor:       monitor,
		Clock:         time.Now,
		IDGenerator:   idGen,
		Logger:        serviceLogger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	fixerSvc, err := services.NewPriceFixerService(services.PriceFixerServiceDeps{
		Orders:  reg.Orders(),
		Gateway: gw,
		Monitor: monitor,
		Config: services.PriceFixerConfig{
			ToleranceMinorUnits: cfg.Reconciliation.ToleranceMinorUnits,
			AllowTotalsOverride: cfg.Reconciliation.AllowTotalsOverride,
		},
		Clock:  time.Now,
		Logger: serviceLogger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build price fixer: %w", err)
	}
	svc.PriceFixer = fixerSvc

	cleanupSvc, err := services.NewCleanupService(services.CleanupServiceDeps{
		Snapshots: reg.Snapshots(),
		Orders:    reg.Orders(),
		Monitor:   monitor,
		Config: services.CleanupConfig{
			SnapshotRetention: time.Duration(cfg.Cleanup.SnapshotRetentionDays) * 24 * time.Hour,
			PendingOrderTTL:   cfg.Cleanup.PendingOrderTTL,
			BatchSize:         cfg.Cleanup.BatchSize,
		},
		Logger: serviceLogger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cleanup service: %w", err)
	}
	svc.Cleanup = cleanupSvc

	return svc, nil
}

func buildHMACValidator(cfg config.Config, logger *zap.Logger) *auth.HMACValidator {
	secrets := cfg.Security.HMAC.Secrets
	if len(secrets) == 0 {
		return nil
	}
	provider := auth.SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		secret, ok := secrets[name]
		if !ok || secret == "" {
			return "", fmt.Errorf("hmac secret %q not configured", name)
		}
		return secret, nil
	})
	return auth.NewHMACValidator(provider, auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
}

func buildHealthRepository(provider *pfirestore.Provider, gw gateway.Client, pubsubClient *pubsub.Client) repositories.HealthRepository {
	checks := []repositories.DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				_, err := provider.Client(ctx)
				return err
			},
		},
		{
			Name: "gateway",
			Check: func(ctx context.Context) error {
				_, err := gw.FetchTransaction(ctx, "healthcheck")
				if err != nil && errors.Is(err, gateway.ErrUnavailable) {
					return err
				}
				return nil
			},
		},
	}
	if pubsubClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				it := pubsubClient.Topics(ctx)
				if _, err := it.Next(); err != nil && err != iterator.Done {
					return err
				}
				return nil
			},
		})
	}

	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil
	}
	return repo
}

func (c *Container) buildRouter(ctx context.Context, provider *pfirestore.Provider) http.Handler {
	cfg := c.Config

	var idempotencyStore idempotency.Store = idempotency.NewMemoryStore()
	if client, err := provider.Client(ctx); err == nil {
		idempotencyStore = idempotency.NewFirestoreStore(client)
	}
	c.Idempotency = idempotencyStore
	idempotencyMW := idempotency.Middleware(idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(c.Logger)),
	)

	checkoutHandlers := handlers.NewCheckoutHandlers(c.Services.Snapshots)
	discountHandlers := handlers.NewDiscountHandlers(c.Services.Discounts)
	orderHandlers := handlers.NewOrderHandlers(c.Authenticator, c.Services.Payments, c.Services.PriceFixer)
	webhookHandlers := handlers.NewWebhookHandlers(c.Services.Payments)
	maintenanceHandlers := handlers.NewMaintenanceHandlers(c.Services.Cleanup)

	opts := []handlers.Option{
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(c.Health)),
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(c.Logger),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(c.Logger),
			handlers.RateLimitMiddleware(cfg.RateLimits.DefaultPerMinute),
		),
		handlers.WithCheckoutRoutes(func(r chi.Router) {
			r.Use(idempotencyMW)
			checkoutHandlers.Routes(r)
			discountHandlers.Routes(r)
		}),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(maintenanceHandlers.Routes),
	}

	if c.HMAC != nil {
		opts = append(opts,
			handlers.WithWebhookMiddlewares(c.HMAC.RequireHMAC("gateway")),
			handlers.WithInternalMiddlewares(c.HMAC.RequireHMAC("scheduler")),
		)
	}

	return handlers.NewRouter(opts...)
}

// zapServiceLogger adapts the zap logger to the services logging hook.
func zapServiceLogger(logger *zap.Logger) services.Logger {
	return func(_ context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}

// zapMonitor reports anomalies and errors through the process logger.
type zapMonitor struct {
	logger *zap.Logger
}

func (m zapMonitor) ReportAnomaly(_ context.Context, event string, fields map[string]any) {
	zapFields := make([]zap.Field, 0, len(fields))
	for key, value := range fields {
		zapFields = append(zapFields, zap.Any(key, value))
	}
	m.logger.Warn(event, zapFields...)
}

func (m zapMonitor) ReportError(_ context.Context, err error, fields map[string]any) {
	zapFields := make([]zap.Field, 0, len(fields)+1)
	zapFields = append(zapFields, zap.Error(err))
	for key, value := range fields {
		zapFields = append(zapFields, zap.Any(key, value))
	}
	m.logger.Error("unexpected failure", zapFields...)
}

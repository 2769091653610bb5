// Package main is the entry point for the DevVelocity API server.
//
// It loads configuration, opens Postgres and (optionally) Redis, builds the
// provider clients and domain services, mounts every handler group on the
// core chassis and serves HTTP until SIGINT or SIGTERM.
package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"devvelocity/internal/api/handlers"
	"devvelocity/internal/auth"
	"devvelocity/internal/auth/sso"
	"devvelocity/internal/billing"
	"devvelocity/internal/cache"
	"devvelocity/internal/config"
	"devvelocity/internal/core"
	"devvelocity/internal/db"
	"devvelocity/internal/external"
	"devvelocity/internal/files"
	"devvelocity/internal/metrics"
	"devvelocity/internal/plans"
	"devvelocity/internal/queue"
	"devvelocity/internal/scheduler"
	"devvelocity/internal/security"
	"devvelocity/internal/types"
	"devvelocity/internal/usage"
)

//go:embed openapi.yaml
var openAPIDoc []byte

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	ctx := context.Background()

	cfg, err := config.LoadConfig(config.NewSSMProvider(regionFromEnv()))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("devvelocity API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:               cfg.Database.URL.Unmask(),
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	var rdb *redis.Client
	if url := cfg.Cache.RedisURL.Unmask(); url != "" {
		rdb, err = cache.NewRedisClient(ctx, url)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()
	} else {
		logger.Warn("REDIS_URL not set; plan cache, rate limits and idempotency are per process")
	}

	emails, err := newEmailQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv, err := buildServer(cfg, infra{pool: pool, conn: pool, rdb: rdb, emails: emails}, logger)
	if err != nil {
		return err
	}

	return runHTTPServer(srv, cfg, logger)
}

// infra holds the process-wide connections buildServer wires into
// repositories. pool may be nil in tests, which disables the database health
// probe and pool metrics.
type infra struct {
	pool   *pgxpool.Pool
	conn   dbConn
	rdb    *redis.Client
	emails types.EmailQueue
}

// dbConn is satisfied by *pgxpool.Pool.
type dbConn interface {
	db.DBTX
	db.TxBeginner
}

// buildServer constructs repositories, services and handlers and mounts
// them on a core.Server.
func buildServer(cfg *config.Config, in infra, logger *slog.Logger) (*core.Server, error) {
	catalog := plans.MustDefault()
	clock := types.RealClock{}
	httpClient := external.NewHTTPClient()

	// Repositories.
	orgs := db.NewOrganizationRepository(in.conn)
	members := db.NewMemberRepository(in.conn)
	usageLogs := db.NewUsageLogRepository(in.conn)
	billingEvents := db.NewBillingEventRepository(in.conn)
	templates := db.NewTemplateRepository(in.conn)
	fileRepo := db.NewFileRepository(in.conn)
	aiRepo := db.NewAIBuilderRepository(in.conn)

	planCache := cache.NewPlanCache(orgs, in.rdb, cfg.Cache.PlanTTL, logger)

	// Provider clients. A provider without credentials is left nil so the
	// checkout service reports it as unavailable.
	var (
		stripeGW  billing.StripeGateway
		lemonGW   billing.LemonGateway
		invoiceGW billing.InvoiceItemCreator
	)
	if cfg.Stripe.Enabled() {
		stripeCli := external.NewStripeClient(httpClient, external.StripeConfig{
			SecretKey: cfg.Stripe.SecretKey.Unmask(),
			Prices:    cfg.Stripe.Prices(),
			Logger:    logger,
		})
		stripeGW, invoiceGW = stripeCli, stripeCli
	}
	if cfg.Lemon.Enabled() {
		lemonGW = external.NewLemonClient(httpClient, external.LemonConfig{
			APIKey:   cfg.Lemon.APIKey.Unmask(),
			StoreID:  cfg.Lemon.StoreID,
			Variants: cfg.Lemon.Variants(),
			Logger:   logger,
		})
	}
	openai := external.NewOpenAIClient(httpClient, external.OpenAIConfig{
		APIKey:  cfg.OpenAI.APIKey.Unmask(),
		Model:   cfg.OpenAI.Model,
		BaseURL: cfg.OpenAI.BaseURL,
		Logger:  logger,
	})
	if cfg.OpenAI.APIKey == "" {
		logger.Warn("OPENAI_API_KEY not set; AI builds and file upgrades will fail")
	}

	// Services.
	usageSvc := usage.NewService(orgs, usageLogs, catalog, clock, logger)
	fileSvc := files.NewService(fileRepo, files.NewPgTxRunner(in.conn), openai, logger)
	checkout := billing.NewCheckout(orgs, billingEvents, stripeGW, lemonGW, cfg.Server.AppBaseURL, logger)
	syncer := billing.NewSync(billing.SyncDeps{
		Orgs:    orgs,
		Events:  billingEvents,
		Members: members,
		Cache:   planCache,
		Emails:  in.emails,
		Catalog: catalog,
		Clock:   clock,
		Logger:  logger,
	})
	// Issuer URLs come from org admins; discovery and token calls must not
	// reach internal addresses.
	issuerGuard := security.NewGuard()
	ssoSvc := sso.NewService(orgs, members, catalog, cfg.Server.APIBaseURL, logger).
		WithHTTPClient(issuerGuard.NewClient(10*time.Second, 5))

	runner := scheduler.NewRunner(scheduler.RunnerDeps{
		Jobs: scheduler.JobSet{
			SeatOverage: billing.NewSeatOverage(orgs, billingEvents, invoiceGW, catalog, clock, logger),
			Orgs:        orgs,
			Usage:       usageSvc,
			Members:     members,
			Emails:      in.emails,
			Logger:      logger,
		}.Build(),
		Locks:    db.NewJobLockRepository(in.conn, clock),
		History:  db.NewJobRunRepository(in.conn, clock),
		WorkerID: "api-" + uuid.NewString(),
		Clock:    clock,
		Logger:   logger,
	})

	// Chassis.
	srv, err := core.NewServer(cfg, catalog, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	prom := metrics.NewPrometheus(prometheus.NewRegistry())
	if in.pool != nil {
		prom.ObservePool(in.pool)
		srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{ProbeName: "database", Fn: in.pool.Ping})
	}
	if in.rdb != nil {
		rdb := in.rdb
		srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{
			ProbeName: "redis",
			Fn:        func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	srv.Metrics = prom
	srv.MetricsHandler = prom.Handler()

	srv.Authenticator = auth.NewSupabaseAuthenticator(cfg.Supabase.JWTSecret, cfg.Supabase.Issuer(), members, clock, logger)
	srv.Plans = planCache
	srv.RateLimitStore = cache.NewRateLimiter(in.rdb, logger)
	srv.IdempotencyStore = cache.NewIdempotencyStore(in.rdb)

	spec, err := core.LoadOpenAPI(context.Background(), openAPIDoc)
	if err != nil {
		return nil, err
	}
	srv.OpenAPI = spec

	gate := srv.Gate()
	v := srv.Validator

	// SSO needs a cookie secret; without one the browser routes are not
	// mounted and only bearer authentication is available.
	if cfg.Security.SessionSecret != "" {
		sessions, err := auth.NewSessionStore(cfg.Security.SessionSecret, cfg.Environment != "local", clock)
		if err != nil {
			return nil, fmt.Errorf("creating session store: %w", err)
		}
		srv.Sessions = auth.NewSessionAuthenticator(sessions, members)
		srv.PublicRoutes = append(srv.PublicRoutes,
			handlers.NewSSOHandler(ssoSvc, sessions, cfg.Server.AppBaseURL, logger).RegisterRoutes)
	} else {
		logger.Warn("SESSION_SECRET not set; SSO sign-in is disabled")
	}

	srv.PublicRoutes = append(srv.PublicRoutes, handlers.NewWebhookHandler(
		syncer,
		orgs,
		external.StripeVerifier{},
		handlers.WebhookConfig{Secret: cfg.Stripe.WebhookSecret.Unmask(), Plans: cfg.Stripe.Prices()},
		external.LemonVerifier{},
		handlers.WebhookConfig{Secret: cfg.Lemon.WebhookSecret.Unmask(), Plans: cfg.Lemon.Variants()},
		logger,
	).RegisterRoutes)

	srv.V1Routes = []core.RouteRegistrar{
		handlers.NewOrgHandler(handlers.OrgHandlerDeps{
			Orgs:        orgs,
			Members:     members,
			Provisioner: db.NewOrgProvisioner(in.conn),
			Gate:        gate,
			Catalog:     catalog,
			Emails:      in.emails,
			Clock:       clock,
			AppBaseURL:  cfg.Server.AppBaseURL,
			Validator:   v,
			Endpoints:   issuerGuard,
			Logger:      logger,
		}).RegisterRoutes,
		handlers.NewUsageHandler(usageSvc, v, logger).RegisterRoutes,
		handlers.NewBillingHandler(checkout, v, logger).RegisterRoutes,
		handlers.NewFileHandler(fileSvc, usageSvc, gate, v, logger).RegisterRoutes,
		handlers.NewTemplateHandler(templates, v, logger).RegisterRoutes,
		handlers.NewAIBuilderHandler(aiRepo, openai, usageSvc, gate, v, logger).RegisterRoutes,
	}
	srv.InternalRoutes = []core.RouteRegistrar{
		handlers.NewJobsHandler(runner, logger).RegisterRoutes,
	}

	srv.MountRoutes()
	return srv, nil
}

// newEmailQueue returns the SQS publisher, or a queue that only logs when
// EMAIL_QUEUE_URL is unset (local development).
func newEmailQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (types.EmailQueue, error) {
	if cfg.Email.QueueURL == "" {
		logger.Warn("EMAIL_QUEUE_URL not set; emails are logged, not sent")
		return queue.LogQueue{Logger: logger}, nil
	}
	awsCfg, err := cfg.AWS.LoadAWS(ctx)
	if err != nil {
		return nil, err
	}
	return queue.NewEmailPublisher(sqs.NewFromConfig(awsCfg), cfg.Email.QueueURL, logger), nil
}

// regionFromEnv reads the region before config is loaded, since SSM
// resolution happens as part of loading.
func regionFromEnv() string {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	return "us-east-1"
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	var handler http.Handler = srv.Handler()
	if cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, cfg.Service)
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

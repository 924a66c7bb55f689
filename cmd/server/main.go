// Command server runs the billing reconciliation and usage enforcement API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/reviewradar/db/migrations"
	engine "github.com/dmitrymomot/reviewradar/pkg/billing"
	"github.com/dmitrymomot/reviewradar/pkg/clientip"
	"github.com/dmitrymomot/reviewradar/pkg/config"
	"github.com/dmitrymomot/reviewradar/pkg/httpserver"
	"github.com/dmitrymomot/reviewradar/pkg/jwt"
	"github.com/dmitrymomot/reviewradar/pkg/logger"
	"github.com/dmitrymomot/reviewradar/pkg/pg"
	"github.com/dmitrymomot/reviewradar/pkg/ratelimit"
	"github.com/dmitrymomot/reviewradar/pkg/redis"
	"github.com/dmitrymomot/reviewradar/pkg/requestid"
	"github.com/dmitrymomot/reviewradar/svc/billing"
)

type appConfig struct {
	Env           string        `env:"APP_ENV" envDefault:"development"`
	Name          string        `env:"APP_NAME" envDefault:"reviewradar-billing"`
	LogLevel      string        `env:"LOG_LEVEL"`
	HealthTimeout time.Duration `env:"HEALTH_TIMEOUT" envDefault:"3s"`
	IPHeaders     []string      `env:"HTTP_TRUSTED_IP_HEADERS" envSeparator:"," envDefault:"CF-Connecting-IP,X-Forwarded-For,X-Real-IP"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	app := config.MustLoad[appConfig]()
	log := logger.New(
		logger.WithEnvironment(app.Env, app.Name),
		logger.WithLevelName(app.LogLevel),
		logger.WithContextExtractors(requestid.LogExtractor, clientip.LogExtractor, billing.PrincipalLogExtractor),
	)

	billingCfg := config.MustLoad[billing.Config]()
	if err := billingCfg.Validate(); err != nil {
		return fmt.Errorf("billing config: %w", err)
	}

	pgCfg := config.MustLoad[pg.Config]()
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, migrations.FS, pgCfg.MigrationsTable, log); err != nil {
		return err
	}

	checks := []httpserver.Check{{Name: "postgres", Probe: pg.Healthcheck(pool)}}

	var rdb *goredis.Client
	if redisCfg := config.MustLoad[redis.Config](); redisCfg.Enabled() {
		rdb, err = redis.Connect(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
		checks = append(checks, httpserver.Check{Name: "redis", Probe: redis.Healthcheck(rdb)})
	} else {
		log.WarnContext(ctx, "REDIS_URL not set, webhook dedup and sync rate limits are per instance")
	}

	processor, err := newProcessor(billingCfg.Provider)
	if err != nil {
		return err
	}

	catalog, err := newCatalog(ctx, billingCfg, pool)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engineLog := log.With(logger.Processor(processor.Name()))
	opts := []engine.Option{
		engine.WithLogger(engineLog),
		engine.WithMetrics(engine.NewMetrics(reg)),
		engine.WithConcurrency(billingCfg.SweepConcurrency),
		engine.WithIncrementTimeout(billingCfg.IncrementTimeout),
	}

	store := billing.NewStore(pool)
	journal := billing.NewActionJournal(pool)

	var ledger engine.EventLedger = engine.NewMemoryLedger(billingCfg.WebhookClaimTTL, billingCfg.WebhookRetention)
	var limiterStore ratelimit.Store = ratelimit.NewMemoryStore(billingCfg.SyncRateWindow)
	if rdb != nil {
		ledger = billing.NewRedisLedger(rdb, billingCfg.WebhookClaimTTL, billingCfg.WebhookRetention)
		limiterStore = ratelimit.NewRedisStore(rdb, "billing:ratelimit:")
	}
	syncLimiter, err := ratelimit.New(limiterStore, billingCfg.SyncRateLimit, billingCfg.SyncRateWindow)
	if err != nil {
		return err
	}

	tokens, err := jwt.New(config.MustLoad[jwt.Config]())
	if err != nil {
		return err
	}

	reconciler := engine.NewReconciler(processor, store, opts...)
	trials := engine.NewTrialEvaluator(store, store)
	usage := engine.NewUsageCounter(store, catalog, journal, opts...)

	api := billing.NewHandler(billingCfg, billing.Deps{
		Reconciler:   reconciler,
		Webhooks:     engine.NewWebhooks(processor, reconciler, ledger, opts...),
		Provisioner:  engine.NewProvisioner(processor, store, catalog, trials, opts...),
		Usage:        usage,
		Trials:       trials,
		Entitlements: engine.NewEntitlements(store, catalog, usage, opts...),
		Principals:   billing.JWTPrincipalResolver(tokens),
		SyncLimiter:  syncLimiter,
	}, billing.WithHandlerLogger(log))

	r := chi.NewRouter()
	r.Use(requestid.Middleware, clientip.New(app.IPHeaders...).Middleware, middleware.Recoverer)
	r.Get("/healthz", httpserver.HealthHandler(log, app.HealthTimeout, checks...))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Mount("/billing", api.Routes())

	srv := httpserver.New(config.MustLoad[httpserver.Config](), httpserver.WithLogger(log))
	log.InfoContext(ctx, "starting billing service",
		slog.String("provider", billingCfg.Provider),
		slog.Int("plans", len(catalog.Plans())))
	return srv.Run(ctx, r)
}

func newProcessor(provider string) (engine.Processor, error) {
	switch provider {
	case billing.ProviderStripe:
		return engine.NewStripeProcessor(config.MustLoad[engine.StripeConfig]())
	case billing.ProviderPaddle:
		return engine.NewPaddleProcessor(config.MustLoad[engine.PaddleConfig]())
	default:
		return nil, errors.Join(billing.ErrUnknownProvider, fmt.Errorf("provider %q", provider))
	}
}

// newCatalog loads plans from the YAML file when configured, otherwise from
// the plans table. BILLING_DEFAULT_PLAN overrides the source's default.
func newCatalog(ctx context.Context, cfg billing.Config, pool billing.DB) (*engine.Catalog, error) {
	var (
		src         engine.PlansSource
		defaultPlan string
		err         error
	)
	if cfg.PlansFile != "" {
		yamlSrc := engine.NewYAMLFileSource(cfg.PlansFile)
		src = yamlSrc
		defaultPlan, err = yamlSrc.DefaultPlan()
	} else {
		tableSrc := billing.NewPlanTableSource(pool)
		src = tableSrc
		defaultPlan, err = tableSrc.DefaultPlan(ctx)
	}
	if err != nil {
		return nil, err
	}
	if cfg.DefaultPlan != "" {
		defaultPlan = cfg.DefaultPlan
	}

	var opts []engine.CatalogOption
	if defaultPlan != "" {
		opts = append(opts, engine.WithDefaultPlan(defaultPlan))
	}
	return engine.NewCatalog(ctx, src, opts...)
}

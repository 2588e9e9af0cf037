package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"funnel-backend/internal/llm"
	openai "funnel-backend/internal/llm/openai"
	"funnel-backend/internal/payments"
	"funnel-backend/internal/payments/paypal"
	"funnel-backend/internal/queue"
	"funnel-backend/internal/reports"
	"funnel-backend/internal/services/health"
	"funnel-backend/internal/sessions"
	"funnel-backend/internal/shared/cache"
	"funnel-backend/internal/shared/config"
	"funnel-backend/internal/shared/server"
	"funnel-backend/internal/shared/server/middleware"
	"funnel-backend/internal/shared/storage/db"
	"funnel-backend/internal/shared/telemetry"
	"funnel-backend/internal/tokens"
)

const (
	paypalTimeout    = 15 * time.Second
	defaultReportTTL = 30 * 24 * time.Hour
)

// App holds shared dependencies for every entrypoint.
type App struct {
	Config          config.Config
	Router          *gin.Engine
	DB              *sql.DB
	Redis           *redis.Client
	Queue           queue.Client
	Catalog         *payments.Catalog
	SessionsRepo    sessions.Repo
	ReportsRepo     reports.Repo
	SessionsService *sessions.Service
	PaymentsService *payments.Service
	ReportsService  *reports.Service
	ReportJob       *reports.Job
	Reconciler      *reports.Reconciler
	Sandbox         *payments.SandboxProcessor
	// InProcess is set when no queue backend is configured.
	InProcess *reports.InProcessDispatcher

	closers []func() error
}

type options struct {
	llm       llm.Client
	processor payments.Processor
	queue     queue.Client
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option overrides a dependency, mostly for tests.
type Option func(*options)

// WithLLM replaces the configured LLM provider.
func WithLLM(client llm.Client) Option {
	return func(o *options) { o.llm = client }
}

// WithPaymentProcessor replaces the configured payment processor.
func WithPaymentProcessor(p payments.Processor) Option {
	return func(o *options) { o.processor = p }
}

// WithQueue replaces the configured queue backend.
func WithQueue(q queue.Client) Option {
	return func(o *options) { o.queue = q }
}

// WithClock replaces time.Now across services.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSleep replaces the job's retry wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

// Build prepares shared dependencies and the router.
func Build(cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	ctx := context.Background()

	app := &App{Config: cfg}

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.DB = sqlDB
	if sqlDB != nil {
		app.closers = append(app.closers, sqlDB.Close)
		if isDevLike(cfg.Env) {
			if err := db.RunMigrations(ctx, sqlDB); err != nil {
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
	}

	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			if !isDevLike(cfg.Env) {
				return nil, err
			}
			log.Printf("bootstrap: redis unavailable; using in-process poll limiter: %v", err)
		} else {
			app.Redis = rdb
			app.closers = append(app.closers, rdb.Close)
		}
	}

	if o.queue != nil {
		app.Queue = o.queue
	} else if err := buildQueue(ctx, app); err != nil {
		return nil, err
	}

	catalog, err := payments.LoadCatalog(cfg.TiersFile)
	if err != nil {
		return nil, fmt.Errorf("load tiers: %w", err)
	}
	app.Catalog = catalog

	if err := buildServices(app, o); err != nil {
		return nil, err
	}
	return app, nil
}

// Close releases connections opened by Build.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Processor returns what queue workers should call for each message.
func (a *App) Processor() *reports.Job {
	return a.ReportJob
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	if db.IsLambdaRuntime() {
		opts := db.PoolOptions(db.DefaultLambdaOptions(), cfg.DBPool)
		sqlDB, err = db.GetSingleton(ctx, cfg.DatabaseURL, opts)
	} else {
		opts := db.PoolOptions(db.DefaultServerOptions(), cfg.DBPool)
		sqlDB, err = db.Connect(ctx, cfg.DatabaseURL, opts)
	}
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func buildQueue(ctx context.Context, app *App) error {
	switch app.Config.QueueBackend {
	case "sqs":
		client, err := queue.NewSQSClient(ctx, app.Config.SQSQueueURL, app.Config.AWSRegion)
		if err != nil {
			return err
		}
		app.Queue = client
	case "asynq":
		if app.Config.RedisURL == "" {
			return fmt.Errorf("QUEUE_BACKEND=asynq requires REDIS_URL")
		}
		client, err := queue.NewAsynqClient(app.Config.RedisURL)
		if err != nil {
			return err
		}
		app.Queue = client
		app.closers = append(app.closers, client.Close)
	}
	return nil
}

func buildLLM(cfg config.Config) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" && isDevLike(cfg.Env) {
			log.Printf("bootstrap: OPENAI_API_KEY empty; reports will fail with LLM_NOT_CONFIGURED")
			return llm.PlaceholderClient{}, nil
		}
		client, err := openai.NewClient(cfg.OpenAIAPIKey, cfg.LLMModel, cfg.OpenAIURL, cfg.LLMTimeout)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "", "none", "placeholder":
		return llm.PlaceholderClient{}, nil
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

func buildProcessor(app *App) (payments.Processor, error) {
	cfg := app.Config
	switch cfg.PaymentProvider {
	case "paypal":
		client, err := paypal.NewClient(cfg.PayPalBaseURL, cfg.PayPalClientID, cfg.PayPalClientSecret, paypalTimeout)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "", "sandbox":
		if cfg.Env == "production" {
			return nil, fmt.Errorf("PAYMENT_PROVIDER=sandbox is not allowed in production")
		}
		app.Sandbox = payments.NewSandboxProcessor(cfg.PublicBaseURL)
		return app.Sandbox, nil
	default:
		return nil, fmt.Errorf("unknown PAYMENT_PROVIDER %q", cfg.PaymentProvider)
	}
}

func buildServices(app *App, o options) error {
	cfg := app.Config

	if app.DB != nil {
		app.SessionsRepo = &sessions.PGRepo{DB: app.DB}
		app.ReportsRepo = &reports.PGRepo{DB: app.DB}
	} else {
		sessionRepo := sessions.NewMemoryRepo()
		app.SessionsRepo = sessionRepo
		app.ReportsRepo = reports.NewMemoryRepo(sessionRepo)
	}

	llmClient := o.llm
	if llmClient == nil {
		built, err := buildLLM(cfg)
		if err != nil {
			return err
		}
		llmClient = built
	}

	processor := o.processor
	if processor == nil {
		built, err := buildProcessor(app)
		if err != nil {
			return err
		}
		processor = built
	} else if sandbox, ok := processor.(*payments.SandboxProcessor); ok {
		app.Sandbox = sandbox
	}

	sessionSvc := sessions.NewService(app.SessionsRepo)
	sessionSvc.Now = o.now

	issuer := tokensIssuer(cfg, app.ReportsRepo, o.now)

	job := &reports.Job{
		Repo:       app.ReportsRepo,
		Sessions:   app.SessionsRepo,
		LLM:        llmClient,
		Tokens:     issuer,
		Tiers:      app.Catalog,
		Timeout:    cfg.ReportGenerationTimeout,
		StaleAfter: cfg.ReportStaleAfter,
		Now:        o.now,
		Sleep:      o.sleep,
	}

	var dispatcher reports.Dispatcher
	if app.Queue != nil {
		dispatcher = reports.QueueDispatcher{Queue: app.Queue}
	} else {
		app.InProcess = &reports.InProcessDispatcher{Job: job}
		dispatcher = app.InProcess
	}

	reportSvc := &reports.Service{
		Repo:        app.ReportsRepo,
		Tokens:      issuer,
		Dispatcher:  dispatcher,
		MaxAttempts: cfg.ReportMaxAttempts,
		Now:         o.now,
	}

	paymentSvc := &payments.Service{
		Sessions:      sessionSvc,
		Catalog:       app.Catalog,
		Processor:     processor,
		Ledger:        reportSvc,
		PublicBaseURL: cfg.PublicBaseURL,
	}

	app.SessionsService = sessionSvc
	app.ReportsService = reportSvc
	app.PaymentsService = paymentSvc
	app.ReportJob = job
	app.Reconciler = &reports.Reconciler{
		Service:    reportSvc,
		Grace:      cfg.ReconcileGrace,
		StaleAfter: cfg.ReportStaleAfter,
		Now:        o.now,
	}

	var pollLimiter reports.PollLimiter
	var healthRedis redis.Cmdable
	if app.Redis != nil {
		pollLimiter = cache.NewPollLimiter(app.Redis, cfg.PollWindow)
		healthRedis = app.Redis
	} else {
		pollLimiter = reports.NewMemoryPollLimiter(cfg.PollWindow, o.now)
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:         cfg,
		SessionHandler: sessions.NewHandler(sessionSvc),
		PaymentHandler: payments.NewHandler(paymentSvc, app.Sandbox),
		ReportHandler:  reports.NewHandler(reportSvc, pollLimiter),
		Health:         health.NewService(app.DB, healthRedis),
		RateLimiter:    middleware.NewRateLimiter(o.now),
	})

	telemetry.Info("bootstrap.ready", map[string]any{
		"env":              cfg.Env,
		"storage":          storageName(app.DB),
		"queue":            queueName(app),
		"payment_provider": processor.Name(),
		"redis":            app.Redis != nil,
	})
	return nil
}

func tokensIssuer(cfg config.Config, repo reports.Repo, now func() time.Time) *tokens.Issuer {
	ttl := cfg.ReportTokenTTL
	if ttl <= 0 {
		ttl = defaultReportTTL
	}
	issuer := tokens.NewIssuer(ttl, reports.GrantStore{Repo: repo})
	issuer.Now = now
	return issuer
}

func storageName(sqlDB *sql.DB) string {
	if sqlDB == nil {
		return "memory"
	}
	return "postgres"
}

func queueName(app *App) string {
	if app.Queue == nil {
		return "in-process"
	}
	if app.Config.QueueBackend == "none" || app.Config.QueueBackend == "" {
		return "custom"
	}
	return app.Config.QueueBackend
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}

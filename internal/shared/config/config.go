package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration. It is built once at process start
// and passed into bootstrap; components never read the environment directly.
type Config struct {
	Env             string
	Port            string
	CORSAllowOrigin []string
	DatabaseURL     string
	RedisURL        string

	QueueBackend string
	SQSQueueURL  string
	AWSRegion    string

	LLMProvider  string
	LLMModel     string
	OpenAIAPIKey string
	OpenAIURL    string
	LLMTimeout   time.Duration

	PaymentProvider    string
	PayPalClientID     string
	PayPalClientSecret string
	PayPalBaseURL      string
	PublicBaseURL      string
	TiersFile          string

	ReportTokenTTL          time.Duration
	ReportMaxAttempts       int
	ReportGenerationTimeout time.Duration
	ReportStaleAfter        time.Duration
	ReconcileInterval       time.Duration
	ReconcileGrace          time.Duration
	PollWindow              time.Duration
	WorkerConcurrency       int

	SQSVisibilityTimeout  time.Duration
	WorkerShutdownTimeout time.Duration

	DBPool DBPool
}

// DBPool holds DB_* pool overrides. Zero means keep the process default.
type DBPool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// Load reads configuration from .env files, the environment and defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	for _, path := range []string{".env", "cmd/.env"} {
		_ = godotenv.Load(path)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	env := normalizeEnv(v.GetString("ENV"))
	dbURL := strings.TrimSpace(v.GetString("DATABASE_URL"))
	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return Config{
		Env:             env,
		Port:            v.GetString("PORT"),
		CORSAllowOrigin: splitAndTrim(v.GetString("CORS_ALLOW_ORIGINS")),
		DatabaseURL:     dbURL,
		RedisURL:        strings.TrimSpace(v.GetString("REDIS_URL")),

		QueueBackend: normalizeQueueBackend(v.GetString("QUEUE_BACKEND"), v.GetString("RA_SQS_QUEUE_URL")),
		SQSQueueURL:  strings.TrimSpace(v.GetString("RA_SQS_QUEUE_URL")),
		AWSRegion:    v.GetString("AWS_REGION"),

		LLMProvider:  strings.ToLower(strings.TrimSpace(v.GetString("LLM_PROVIDER"))),
		LLMModel:     v.GetString("LLM_MODEL"),
		OpenAIAPIKey: v.GetString("OPENAI_API_KEY"),
		OpenAIURL:    v.GetString("OPENAI_API_URL"),
		LLMTimeout:   time.Duration(v.GetInt("OPENAI_TIMEOUT_SECONDS")) * time.Second,

		PaymentProvider:    strings.ToLower(strings.TrimSpace(v.GetString("PAYMENT_PROVIDER"))),
		PayPalClientID:     v.GetString("PAYPAL_CLIENT_ID"),
		PayPalClientSecret: v.GetString("PAYPAL_CLIENT_SECRET"),
		PayPalBaseURL:      strings.TrimRight(v.GetString("PAYPAL_BASE_URL"), "/"),
		PublicBaseURL:      strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
		TiersFile:          strings.TrimSpace(v.GetString("TIERS_FILE")),

		ReportTokenTTL:          v.GetDuration("REPORT_TOKEN_TTL"),
		ReportMaxAttempts:       v.GetInt("REPORT_MAX_ATTEMPTS"),
		ReportGenerationTimeout: v.GetDuration("REPORT_GENERATION_TIMEOUT"),
		ReportStaleAfter:        v.GetDuration("REPORT_STALE_AFTER"),
		ReconcileInterval:       v.GetDuration("RECONCILE_INTERVAL"),
		ReconcileGrace:          v.GetDuration("RECONCILE_GRACE"),
		PollWindow:              v.GetDuration("REPORT_POLL_WINDOW"),
		WorkerConcurrency:       v.GetInt("WORKER_CONCURRENCY"),

		SQSVisibilityTimeout:  time.Duration(v.GetInt("RA_SQS_VISIBILITY_TIMEOUT_SECONDS")) * time.Second,
		WorkerShutdownTimeout: time.Duration(v.GetInt("RA_SHUTDOWN_TIMEOUT_SECONDS")) * time.Second,

		DBPool: DBPool{
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
			ConnMaxIdleTime: v.GetDuration("DB_CONN_MAX_IDLE_TIME"),
			PingTimeout:     v.GetDuration("DB_PING_TIMEOUT"),
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("CORS_ALLOW_ORIGINS", "http://localhost:5173")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("LLM_PROVIDER", "openai")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("OPENAI_TIMEOUT_SECONDS", 120)
	v.SetDefault("PAYMENT_PROVIDER", "sandbox")
	v.SetDefault("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:5173")
	v.SetDefault("REPORT_TOKEN_TTL", "720h")
	v.SetDefault("REPORT_MAX_ATTEMPTS", 3)
	v.SetDefault("REPORT_GENERATION_TIMEOUT", "45s")
	v.SetDefault("REPORT_STALE_AFTER", "5m")
	v.SetDefault("RECONCILE_INTERVAL", "1m")
	v.SetDefault("RECONCILE_GRACE", "2m")
	v.SetDefault("REPORT_POLL_WINDOW", "1s")
	v.SetDefault("WORKER_CONCURRENCY", 4)
	v.SetDefault("RA_SQS_VISIBILITY_TIMEOUT_SECONDS", 1200)
	v.SetDefault("RA_SHUTDOWN_TIMEOUT_SECONDS", 30)
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

// normalizeQueueBackend keeps older deployments working: a configured SQS
// queue URL implies the sqs backend when QUEUE_BACKEND is unset.
func normalizeQueueBackend(raw, sqsURL string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sqs":
		return "sqs"
	case "asynq", "redis":
		return "asynq"
	case "none", "inprocess", "in-process":
		return "none"
	}
	if strings.TrimSpace(sqsURL) != "" {
		return "sqs"
	}
	return "none"
}

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "COMMERCE"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "COMMERCE_APP_ENV"
	EnvPort     = "COMMERCE_APP_PORT"
	EnvDBDSN    = "COMMERCE_DB_DSN"
	EnvDBHost   = "COMMERCE_DB_HOST"
	EnvDBUser   = "COMMERCE_DB_USER"
	EnvDBName   = "COMMERCE_DB_NAME"
	EnvRedisURL = "COMMERCE_REDIS_URL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	HTTP         HTTPConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Idempotency  IdempotencyConfig
	Webhooks     WebhooksConfig
	Stripe       StripeConfig
	Square       SquareConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Outbox.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"COMMERCE_APP_ENV" required:"true"`
	Port         string `envconfig:"COMMERCE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"COMMERCE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"COMMERCE_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"COMMERCE_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"COMMERCE_SERVICE_KIND" default:"api"`
}

// HTTPConfig covers the API edge: allowed browser origins and the per-IP and
// per-tenant request budgets. A zero limit disables that check.
type HTTPConfig struct {
	CORSOrigins        []string      `envconfig:"COMMERCE_CORS_ORIGINS" default:"http://localhost:3000"`
	RateLimitWindow    time.Duration `envconfig:"COMMERCE_RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitPerIP     int           `envconfig:"COMMERCE_RATE_LIMIT_PER_IP" default:"300"`
	RateLimitPerTenant int           `envconfig:"COMMERCE_RATE_LIMIT_PER_TENANT" default:"1200"`
	ShutdownTimeout    time.Duration `envconfig:"COMMERCE_HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

type DBConfig struct {
	DSN    string `envconfig:"COMMERCE_DB_DSN"`
	Driver string `envconfig:"COMMERCE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"COMMERCE_DB_HOST"`
	LegacyPort     int    `envconfig:"COMMERCE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"COMMERCE_DB_USER"`
	LegacyPassword string `envconfig:"COMMERCE_DB_PASSWORD"`
	LegacyName     string `envconfig:"COMMERCE_DB_NAME"`
	LegacySSLMode  string `envconfig:"COMMERCE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"COMMERCE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"COMMERCE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"COMMERCE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"COMMERCE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"COMMERCE_REDIS_URL"`
	Address      string        `envconfig:"COMMERCE_REDIS_ADDR"`
	Password     string        `envconfig:"COMMERCE_REDIS_PASSWORD"`
	DB           int           `envconfig:"COMMERCE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"COMMERCE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"COMMERCE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"COMMERCE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"COMMERCE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"COMMERCE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"COMMERCE_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"COMMERCE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"COMMERCE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"COMMERCE_GOOGLE_APPLICATION_CREDENTIALS"`
}

// PubSubConfig names the topics used for alerts and pubsub-transport webhook deliveries.
// Empty topics disable the corresponding sink.
type PubSubConfig struct {
	AlertsTopic   string `envconfig:"COMMERCE_PUBSUB_ALERTS_TOPIC"`
	DeliveryTopic string `envconfig:"COMMERCE_PUBSUB_DELIVERY_TOPIC"`
}

func (p PubSubConfig) Enabled() bool {
	return strings.TrimSpace(p.AlertsTopic) != "" || strings.TrimSpace(p.DeliveryTopic) != ""
}

type OutboxConfig struct {
	BatchSize        int           `envconfig:"COMMERCE_OUTBOX_BATCH_SIZE" default:"50"`
	PollIntervalMS   int           `envconfig:"COMMERCE_OUTBOX_POLL_MS" default:"500"`
	MaxAttempts      int           `envconfig:"COMMERCE_OUTBOX_MAX_ATTEMPTS" default:"10"`
	BackoffCap       time.Duration `envconfig:"COMMERCE_OUTBOX_BACKOFF_CAP" default:"10m"`
	DeliveryTimeout  time.Duration `envconfig:"COMMERCE_OUTBOX_DELIVERY_TIMEOUT" default:"15s"`
	RatePerSecond    float64       `envconfig:"COMMERCE_OUTBOX_RATE_PER_SECOND" default:"10"`
	Burst            int           `envconfig:"COMMERCE_OUTBOX_BURST" default:"20"`
	SignatureHeader  string        `envconfig:"COMMERCE_OUTBOX_SIGNATURE_HEADER" default:"X-Webhook-Signature"`
	SentRetention    time.Duration `envconfig:"COMMERCE_OUTBOX_SENT_RETENTION" default:"720h"`
	RetentionBatchSz int           `envconfig:"COMMERCE_OUTBOX_RETENTION_BATCH" default:"500"`
}

func (o OutboxConfig) PollInterval() time.Duration {
	if o.PollIntervalMS <= 0 {
		return 0
	}
	return time.Duration(o.PollIntervalMS) * time.Millisecond
}

func (o OutboxConfig) validate() error {
	if o.BatchSize < 0 {
		return fmt.Errorf("outbox batch size must be non-negative")
	}
	if o.MaxAttempts < 0 {
		return fmt.Errorf("outbox max attempts must be non-negative")
	}
	if o.RatePerSecond < 0 {
		return fmt.Errorf("outbox rate must be non-negative")
	}
	return nil
}

type IdempotencyConfig struct {
	TTL time.Duration `envconfig:"COMMERCE_IDEMPOTENCY_TTL" default:"24h"`
}

// WebhooksConfig carries the inbound signing secrets per provider.
type WebhooksConfig struct {
	StripeSecret          string `envconfig:"COMMERCE_WEBHOOK_STRIPE_SECRET"`
	SquareSecret          string `envconfig:"COMMERCE_WEBHOOK_SQUARE_SECRET"`
	SquareNotificationURL string `envconfig:"COMMERCE_WEBHOOK_SQUARE_NOTIFICATION_URL"`
	ManualSecret          string `envconfig:"COMMERCE_WEBHOOK_MANUAL_SECRET"`
}

type StripeConfig struct {
	APIKey string `envconfig:"COMMERCE_STRIPE_API_KEY"`
	Env    string `envconfig:"COMMERCE_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type SquareConfig struct {
	AccessToken string `envconfig:"COMMERCE_SQUARE_ACCESS_TOKEN"`
	Env         string `envconfig:"COMMERCE_SQUARE_ENV" default:"sandbox"`
	LocationID  string `envconfig:"COMMERCE_SQUARE_LOCATION_ID"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

type CronConfig struct {
	Interval            time.Duration `envconfig:"COMMERCE_CRON_INTERVAL" default:"1m"`
	LockTTL             time.Duration `envconfig:"COMMERCE_CRON_LOCK_TTL" default:"10m"`
	MaxAttempts         int           `envconfig:"COMMERCE_CRON_MAX_ATTEMPTS" default:"3"`
	RetryDelay          time.Duration `envconfig:"COMMERCE_CRON_RETRY_DELAY" default:"2s"`
	PendingOrderTTL     time.Duration `envconfig:"COMMERCE_CRON_PENDING_ORDER_TTL" default:"30m"`
	ReadyOrderTTL       time.Duration `envconfig:"COMMERCE_CRON_READY_ORDER_TTL" default:"24h"`
	StuckOrderAfter     time.Duration `envconfig:"COMMERCE_CRON_STUCK_ORDER_AFTER" default:"10m"`
	HeartbeatStaleAfter time.Duration `envconfig:"COMMERCE_CRON_HEARTBEAT_STALE_AFTER" default:"30m"`
	BatchSize           int           `envconfig:"COMMERCE_CRON_BATCH_SIZE" default:"100"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}

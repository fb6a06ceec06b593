package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type HTTP struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

type DB struct {
	DBDSN                   string        `envconfig:"DB_DSN" required:"true"`
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type AWS struct {
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
}

type Redis struct {
	RedisAddr       string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword   string `envconfig:"REDIS_PASSWORD"`
	RedisDB         int    `envconfig:"REDIS_DB" default:"0"`
	RealtimeChannel string `envconfig:"REALTIME_CHANNEL" default:"omnigate:realtime"`
}

type Credentials struct {
	CredentialsKey string `envconfig:"CREDENTIALS_KEY" required:"true"`
}

// Inbound groups the settings shared by every process that runs the
// webhook event processor.
type Inbound struct {
	TaskQueueURL      string        `envconfig:"TASK_QUEUE_URL" required:"true"`
	ThreadIdleTimeout time.Duration `envconfig:"THREAD_IDLE_TIMEOUT" default:"0s"`
	OrphanTTL         time.Duration `envconfig:"ORPHAN_TTL" default:"24h"`
	EventStaleAfter   time.Duration `envconfig:"EVENT_STALE_AFTER" default:"5m"`
	WatermarkSkew     time.Duration `envconfig:"WATERMARK_SKEW" default:"5s"`
}

type APIConfig struct {
	HTTP
	DB
	AWS
	Redis
	Credentials

	TaskQueueURL      string        `envconfig:"TASK_QUEUE_URL" required:"true"`
	ThreadIdleTimeout time.Duration `envconfig:"THREAD_IDLE_TIMEOUT" default:"0s"`
	AccountsFile      string        `envconfig:"ACCOUNTS_FILE"`
	AgentWSToken      string        `envconfig:"AGENT_WS_TOKEN" required:"true"`
}

type WebhookConfig struct {
	HTTP
	DB
	AWS
	Redis
	Credentials
	Inbound

	// Empty means deliveries are processed inline on the request path.
	WebhookQueueURL string `envconfig:"WEBHOOK_QUEUE_URL"`
	MaxBodyBytes    int64  `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"10485760"`
}

type WebhookProcessorConfig struct {
	HTTP
	DB
	AWS
	Redis
	Credentials
	Inbound

	WebhookQueueURL      string `envconfig:"WEBHOOK_QUEUE_URL" required:"true"`
	ProcessorConcurrency int    `envconfig:"PROCESSOR_CONCURRENCY" default:"10"`
}

type WorkerConfig struct {
	HTTP
	DB
	AWS
	Redis
	Credentials

	TaskQueueURL      string `envconfig:"TASK_QUEUE_URL" required:"true"`
	WorkerConcurrency int    `envconfig:"WORKER_CONCURRENCY" default:"20"`

	RateLimitBackend   string  `envconfig:"RATE_LIMIT_BACKEND" default:"redis"`
	RateLimitPerSecond int     `envconfig:"RATE_LIMIT_PER_SECOND" default:"10"`
	RateLimitPerHour   int     `envconfig:"RATE_LIMIT_PER_HOUR" default:"1000"`
	SendRPSPerPod      float64 `envconfig:"SEND_RPS_PER_POD" default:"20"`
	SendBurst          int     `envconfig:"SEND_BURST" default:"20"`

	SendMaxRetries     int           `envconfig:"SEND_MAX_RETRIES" default:"3"`
	SendAttemptTimeout time.Duration `envconfig:"SEND_ATTEMPT_TIMEOUT" default:"6s"`
	SendMaxRetryAfter  time.Duration `envconfig:"SEND_MAX_RETRY_AFTER" default:"10s"`

	BreakerMaxRequests  uint32        `envconfig:"BREAKER_MAX_REQUESTS" default:"3"`
	BreakerTimeout      time.Duration `envconfig:"BREAKER_TIMEOUT" default:"20s"`
	BreakerTripFailures uint32        `envconfig:"BREAKER_TRIP_FAILURES" default:"10"`

	SendMaxDeferrals int `envconfig:"SEND_MAX_DEFERRALS" default:"50"`

	OrphanTTL           time.Duration `envconfig:"ORPHAN_TTL" default:"24h"`
	OrphanMaxAttempts   int           `envconfig:"ORPHAN_MAX_ATTEMPTS" default:"5"`
	OrphanSweepInterval time.Duration `envconfig:"ORPHAN_SWEEP_INTERVAL" default:"10m"`
}

type MailPollerConfig struct {
	HTTP
	DB
	AWS
	Redis
	Credentials
	Inbound

	PollInterval time.Duration `envconfig:"IMAP_POLL_INTERVAL" default:"1m"`
	Mailbox      string        `envconfig:"IMAP_MAILBOX" default:"INBOX"`
	BatchSize    int           `envconfig:"IMAP_BATCH_SIZE" default:"50"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	mustProcess(&cfg)
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	mustProcess(&cfg)
	return cfg
}

func LoadWebhookProcessor() WebhookProcessorConfig {
	var cfg WebhookProcessorConfig
	mustProcess(&cfg)
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	mustProcess(&cfg)
	return cfg
}

func LoadMailPoller() MailPollerConfig {
	var cfg MailPollerConfig
	mustProcess(&cfg)
	return cfg
}

func mustProcess(cfg any) {
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
}

// Package config loads process settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

const (
	defaultHTTPAddr       = ":8080"
	defaultLogLevel       = "info"
	defaultBatchSize      = 100
	defaultWorkers        = 8
	defaultClaimTTL       = 5 * time.Minute
	defaultSchedulerCron  = "@every 1m"
	defaultChannelTimeout = 10 * time.Second
	defaultChunkSize      = 500
	defaultChunkDelay     = 100 * time.Millisecond
	defaultEmailQueue     = "email_sends"
	defaultFlowCacheTTL   = 30 * time.Second
	defaultTimezone       = "UTC"
	defaultLockKey        = "campaign-engine:scheduler"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	LogLevel    string

	SchedulerBatchSize int
	SchedulerWorkers   int
	SchedulerClaimTTL  time.Duration
	SchedulerCron      string
	SchedulerLockKey   string
	Timezone           string

	ChannelTimeout      time.Duration
	BroadcastChunkSize  int
	BroadcastChunkDelay time.Duration
	FlowCacheTTL        time.Duration

	LineChannelAccessToken string
	AMQPURL                string
	EmailQueue             string
	RedisAddr              string
	RedisPassword          string
	CronSecret             string
}

// Load reads .env if present, then the environment. Variables already set in
// the environment win over .env.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}
	return LoadFromEnv()
}

func LoadFromEnv() (Config, error) {
	batchSize, err := parseEnvInt("SCHEDULER_BATCH_SIZE", defaultBatchSize)
	if err != nil {
		return Config{}, err
	}
	workers, err := parseEnvInt("SCHEDULER_WORKERS", defaultWorkers)
	if err != nil {
		return Config{}, err
	}
	claimTTL, err := parseEnvDuration("SCHEDULER_CLAIM_TTL", defaultClaimTTL)
	if err != nil {
		return Config{}, err
	}
	channelTimeout, err := parseEnvDuration("CHANNEL_TIMEOUT", defaultChannelTimeout)
	if err != nil {
		return Config{}, err
	}
	chunkSize, err := parseEnvInt("BROADCAST_CHUNK_SIZE", defaultChunkSize)
	if err != nil {
		return Config{}, err
	}
	chunkDelay, err := parseEnvDuration("BROADCAST_CHUNK_DELAY", defaultChunkDelay)
	if err != nil {
		return Config{}, err
	}
	flowCacheTTL, err := parseEnvDuration("FLOW_CACHE_TTL", defaultFlowCacheTTL)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL:            databaseURL(),
		HTTPAddr:               getEnv("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:               getEnv("LOG_LEVEL", defaultLogLevel),
		SchedulerBatchSize:     batchSize,
		SchedulerWorkers:       workers,
		SchedulerClaimTTL:      claimTTL,
		SchedulerCron:          getEnv("SCHEDULER_CRON", defaultSchedulerCron),
		SchedulerLockKey:       getEnv("SCHEDULER_LOCK_KEY", defaultLockKey),
		Timezone:               getEnv("TIMEZONE", defaultTimezone),
		ChannelTimeout:         channelTimeout,
		BroadcastChunkSize:     chunkSize,
		BroadcastChunkDelay:    chunkDelay,
		FlowCacheTTL:           flowCacheTTL,
		LineChannelAccessToken: os.Getenv("LINE_CHANNEL_ACCESS_TOKEN"),
		AMQPURL:                os.Getenv("AMQP_URL"),
		EmailQueue:             getEnv("EMAIL_QUEUE", defaultEmailQueue),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		CronSecret:             os.Getenv("CRON_SECRET"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL or DB_HOST must be set")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.LogLevel)
	}
	if c.SchedulerBatchSize <= 0 {
		return errors.New("scheduler batch size must be positive")
	}
	if c.SchedulerWorkers <= 0 {
		return errors.New("scheduler workers must be positive")
	}
	if c.SchedulerClaimTTL <= 0 {
		return errors.New("scheduler claim ttl must be positive")
	}
	if _, err := cron.ParseStandard(c.SchedulerCron); err != nil {
		return fmt.Errorf("scheduler cron %q: %w", c.SchedulerCron, err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if c.ChannelTimeout < 0 {
		return errors.New("channel timeout must be >= 0")
	}
	if c.BroadcastChunkSize <= 0 || c.BroadcastChunkSize > 500 {
		return errors.New("broadcast chunk size must be between 1 and 500")
	}
	if c.BroadcastChunkDelay < 0 {
		return errors.New("broadcast chunk delay must be >= 0")
	}
	if c.FlowCacheTTL <= 0 {
		return errors.New("flow cache ttl must be positive")
	}
	return nil
}

// Location returns the zone the worker's cron spec is evaluated in.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func databaseURL() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	host := os.Getenv("DB_HOST")
	if host == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		host,
		getEnv("DB_PORT", "5432"),
		os.Getenv("DB_NAME"),
		getEnv("DB_SSLMODE", "disable"),
	)
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func parseEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s or 5m: %w", key, err)
	}
	return d, nil
}

func parseEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return out, nil
}

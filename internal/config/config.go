package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Validator ValidatorConfig
	Saga      SagaConfig
	Notify    NotifyConfig
	LogLevel  string
}

type ServerConfig struct {
	Host string
	Port int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     int
	SSLMode  string
	MaxConns int32
}

// DSN renders the connection string for pgxpool.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

type ValidatorConfig struct {
	URL         string
	GroupID     int
	Seller      int
	Timeout     time.Duration
	MaxAttempts int
	RetryIdle   time.Duration
}

type SagaConfig struct {
	PendingTTL            time.Duration
	SweepInterval         time.Duration
	SweepBatch            int
	UntrustedGroupPolicy  string
	ReserveRateLimit      int
	ReserveRateLimitEvery time.Duration
}

type NotifyConfig struct {
	ArtifactBaseURL    string
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubUserID       string
}

// New loads envFile (if present) into the environment and builds the Config.
// An empty envFile means ".env".
func New(envFile string) (*Config, error) {
	const op = "config.New"

	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	serverPort, err := envInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	serverCfg := ServerConfig{
		Host: envString("SERVER_HOST", "localhost"),
		Port: serverPort,
	}

	postgresPort, err := envInt("POSTGRES_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	postgresUser := os.Getenv("POSTGRES_USER")
	if postgresUser == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_USER", op)
	}

	postgresPassword := os.Getenv("POSTGRES_PASSWORD")
	if postgresPassword == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_PASSWORD", op)
	}

	postgresDB := os.Getenv("POSTGRES_DB")
	if postgresDB == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_DB", op)
	}

	maxConns, err := envInt("POSTGRES_MAX_CONNS", 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	postgresCfg := PostgresConfig{
		User:     postgresUser,
		Password: postgresPassword,
		Name:     postgresDB,
		Host:     envString("POSTGRES_HOST", "localhost"),
		Port:     postgresPort,
		SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		MaxConns: int32(maxConns),
	}

	redisDB, err := envInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	redisCfg := RedisConfig{
		Addr:     envString("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       redisDB,
	}

	validatorCfg, err := loadValidator()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sagaCfg, err := loadSaga()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	notifyCfg := NotifyConfig{
		ArtifactBaseURL:    strings.TrimRight(os.Getenv("ARTIFACT_BASE_URL"), "/"),
		PubNubPublishKey:   os.Getenv("PUBNUB_PUBLISH_KEY"),
		PubNubSubscribeKey: os.Getenv("PUBNUB_SUBSCRIBE_KEY"),
		PubNubUserID:       envString("PUBNUB_USER_ID", "tix-saga"),
	}

	return &Config{
		Server:    serverCfg,
		Postgres:  postgresCfg,
		Redis:     redisCfg,
		Validator: validatorCfg,
		Saga:      sagaCfg,
		Notify:    notifyCfg,
		LogLevel:  envString("LOG_LEVEL", "info"),
	}, nil
}

func loadValidator() (ValidatorConfig, error) {
	var (
		cfg ValidatorConfig
		err error
	)

	cfg.URL = os.Getenv("VALIDATOR_URL")

	if cfg.GroupID, err = envInt("VALIDATOR_GROUP_ID", 20); err != nil {
		return cfg, err
	}
	if cfg.Seller, err = envInt("VALIDATOR_SELLER", 0); err != nil {
		return cfg, err
	}
	if cfg.Timeout, err = envDuration("VALIDATOR_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = envInt("VALIDATOR_MAX_ATTEMPTS", 5); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts < 1 {
		return cfg, fmt.Errorf("invalid VALIDATOR_MAX_ATTEMPTS: must be at least 1")
	}
	if cfg.RetryIdle, err = envDuration("VALIDATOR_RETRY_IDLE", 5*time.Second); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func loadSaga() (SagaConfig, error) {
	var (
		cfg SagaConfig
		err error
	)

	if cfg.PendingTTL, err = envDuration("SAGA_PENDING_TTL", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval, err = envDuration("SAGA_SWEEP_INTERVAL", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.SweepBatch, err = envInt("SAGA_SWEEP_BATCH", 100); err != nil {
		return cfg, err
	}

	cfg.UntrustedGroupPolicy = strings.ToLower(envString("SAGA_UNTRUSTED_GROUP_POLICY", "reject"))
	switch cfg.UntrustedGroupPolicy {
	case "debit", "reject":
	default:
		return cfg, fmt.Errorf("invalid SAGA_UNTRUSTED_GROUP_POLICY %q: want debit or reject", cfg.UntrustedGroupPolicy)
	}

	if cfg.ReserveRateLimit, err = envInt("RESERVE_RATE_LIMIT", 10); err != nil {
		return cfg, err
	}
	cfg.ReserveRateLimitEvery = time.Minute

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return d, nil
}

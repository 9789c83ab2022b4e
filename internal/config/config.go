package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"escrowpay/internal/chains"
	"escrowpay/internal/tokens"

	"github.com/joho/godotenv"
)

// Catalog models catalog.json: the chains and tokens the service accepts.
type Catalog struct {
	Chains []chains.ChainConfig `json:"chains"`
	Tokens []tokens.TokenConfig `json:"tokens"`
}

// DeploymentConfig represents deployments.json as written by the contract
// deploy scripts.
type DeploymentConfig struct {
	Chains chains.Deployments `json:"chains"`
}

// AppConfig ties together catalog + deployment info and derived values.
type AppConfig struct {
	Catalog    Catalog
	Deployment DeploymentConfig
	Service    ServiceConfig
	Storage    StorageConfig
	Chain      ChainConfig
	Retry      RetryConfig
	Release    ReleaseConfig
	Events     EventsConfig
}

type ServiceConfig struct {
	HTTPPort             int
	Env                  string
	LogLevel             string
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	DLQPath              string
	CheckoutBaseURL      string
	DefaultChainID       uint64
	CORSAllowedOrigins   []string
	RequestTimeout       time.Duration
}

type StorageConfig struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ReceiptTTL    time.Duration
}

type ChainConfig struct {
	PrivateKey   string
	PollInterval time.Duration
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type ReleaseConfig struct {
	SweepInterval time.Duration
	BatchSize     int
}

type EventsConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
}

// Load aggregates configuration from .env, disk and environment.
func Load() (*AppConfig, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load(envOr("ENV_FILE", ".env"))

	catalog, err := loadCatalog(envOr("CATALOG_PATH", ""))
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	deployCfg, err := loadDeployments(envOr("DEPLOYMENTS_PATH", ""))
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	catalog.Chains = chains.ApplyDeployments(catalog.Chains, deployCfg.Chains)
	catalog.Chains = chains.WithRPCOverrides(catalog.Chains, rpcOverrides(catalog.Chains))

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		Env:                  envOr("APP_ENV", "production"),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		HMACSecret:           envOr("MERCHANT_HMAC_SECRET", ""),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "escrowpay-idem.json")),
		DLQPath:              envOr("DLQ_PATH", filepath.Join(os.TempDir(), "escrowpay-dlq")),
		CheckoutBaseURL:      strings.TrimRight(envOr("CHECKOUT_BASE_URL", "http://localhost:3000/checkout"), "/"),
		DefaultChainID:       uint64(envOrInt("DEFAULT_CHAIN_ID", int(chains.ArbitrumOne))),
		CORSAllowedOrigins:   envList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RequestTimeout:       envOrDuration("REQUEST_TIMEOUT", 60*time.Second),
	}

	storageCfg := StorageConfig{
		DatabaseURL:   envOr("DATABASE_URL", ""),
		RedisAddr:     envOr("REDIS_ADDR", ""),
		RedisPassword: envOr("REDIS_PASSWORD", ""),
		RedisDB:       envOrInt("REDIS_DB", 0),
		ReceiptTTL:    time.Duration(envOrInt("RECEIPT_CACHE_TTL_SECONDS", 86400)) * time.Second,
	}

	chainCfg := ChainConfig{
		PrivateKey:   envOr("OPERATOR_PRIVATE_KEY", ""),
		PollInterval: time.Duration(envOrInt("RECEIPT_POLL_MS", 2000)) * time.Millisecond,
	}

	retryCfg := RetryConfig{
		MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", 3),
		InitialBackoff:    time.Duration(envOrInt("RETRY_INITIAL_BACKOFF_MS", 500)) * time.Millisecond,
		MaxBackoff:        time.Duration(envOrInt("RETRY_MAX_BACKOFF_MS", 8000)) * time.Millisecond,
		BackoffMultiplier: envOrInt("RETRY_BACKOFF_MULTIPLIER", 2),
	}

	releaseCfg := ReleaseConfig{
		SweepInterval: time.Duration(envOrInt("RELEASE_SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		BatchSize:     envOrInt("RELEASE_SWEEP_BATCH", 50),
	}

	eventsCfg := EventsConfig{
		KafkaBrokers: envList("KAFKA_BROKERS", nil),
		KafkaTopic:   envOr("KAFKA_TOPIC", ""),
	}

	return &AppConfig{
		Catalog:    *catalog,
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Storage:    storageCfg,
		Chain:      chainCfg,
		Retry:      retryCfg,
		Release:    releaseCfg,
		Events:     eventsCfg,
	}, nil
}

// loadCatalog reads path, falling back to the built-in catalog when path is
// empty. A file without tokens keeps the built-in tokens.
func loadCatalog(path string) (*Catalog, error) {
	cat := &Catalog{Chains: chains.DefaultChains(), Tokens: tokens.DefaultTokens()}
	if path == "" {
		return cat, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fromFile Catalog
	if err := json.Unmarshal(raw, &fromFile); err != nil {
		return nil, err
	}
	if len(fromFile.Chains) > 0 {
		cat.Chains = fromFile.Chains
	}
	if len(fromFile.Tokens) > 0 {
		cat.Tokens = fromFile.Tokens
	}
	return cat, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	cfg := &DeploymentConfig{Chains: chains.Deployments{}}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// rpcOverrides collects RPC_URL_<chainId> for every catalog chain.
func rpcOverrides(configs []chains.ChainConfig) map[uint64]string {
	out := make(map[uint64]string)
	for _, c := range configs {
		if url := envOr("RPC_URL_"+strconv.FormatUint(c.ID, 10), ""); url != "" {
			out[c.ID] = url
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	val := envOr(key, "")
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package domain

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// JIT funding settings
	JIT JITConfig `json:"jit"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// AsyncWorker consumes JIT requests from the event bus when true.
	AsyncWorker bool `json:"asyncWorker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// JITConfig holds decision engine settings.
type JITConfig struct {
	// Timezone is the IANA zone audit windows are reported in.
	Timezone string `json:"timezone"`

	// AuthExpireDays is the default rolling exposure window for providers
	// without their own setting.
	AuthExpireDays int `json:"authExpireDays"`

	// CreditLimit is the default provider credit limit.
	CreditLimit decimal.Decimal `json:"creditLimit"`

	// DecisionCacheTTL bounds how long a decision is replayed for a retried
	// provider transaction token.
	DecisionCacheTTL time.Duration `json:"decisionCacheTtl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"` // OTLP/HTTP host:port, empty keeps spans in-process
	Insecure    bool   `json:"insecure"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		JIT: JITConfig{
			Timezone:         "America/Denver",
			AuthExpireDays:   3,
			CreditLimit:      decimal.NewFromInt(250000),
			DecisionCacheTTL: 24 * time.Hour,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig picks the tier from KESTREL_TIER and overlays KESTREL_*
// environment variables on its defaults.
func LoadConfig() *Config {
	cfg := DefaultConfig()
	if strings.EqualFold(os.Getenv("KESTREL_TIER"), string(TierPro)) {
		cfg = ProConfig()
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg
}

// ApplyEnv overlays settings found through lookup onto cfg.
// Unparseable numeric values are ignored and the default is kept.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("KESTREL_HOST", &c.Server.Host)
	num("KESTREL_PORT", &c.Server.Port)

	str("KESTREL_DB_DRIVER", &c.Repository.Driver)
	str("KESTREL_SQLITE_PATH", &c.Repository.SQLitePath)
	str("KESTREL_POSTGRES_HOST", &c.Repository.PostgresHost)
	num("KESTREL_POSTGRES_PORT", &c.Repository.PostgresPort)
	str("KESTREL_POSTGRES_USER", &c.Repository.PostgresUser)
	str("KESTREL_POSTGRES_PASSWORD", &c.Repository.PostgresPassword)
	str("KESTREL_POSTGRES_DB", &c.Repository.PostgresDB)
	str("KESTREL_POSTGRES_SSLMODE", &c.Repository.PostgresSSLMode)

	str("KESTREL_CACHE", &c.Cache.Type)
	str("KESTREL_REDIS_ADDR", &c.Cache.RedisAddr)
	str("KESTREL_REDIS_PASSWORD", &c.Cache.RedisPassword)
	num("KESTREL_REDIS_DB", &c.Cache.RedisDB)

	str("KESTREL_BUS", &c.EventBus.Type)
	str("KESTREL_NATS_URL", &c.EventBus.NATSUrl)
	str("KESTREL_NATS_TOKEN", &c.EventBus.NATSToken)

	flag("KESTREL_ASYNC_WORKER", &c.AsyncWorker)

	str("KESTREL_TIMEZONE", &c.JIT.Timezone)
	num("KESTREL_AUTH_EXPIRE_DAYS", &c.JIT.AuthExpireDays)
	if v, ok := lookup("KESTREL_CREDIT_LIMIT"); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			c.JIT.CreditLimit = d
		}
	}
	if v, ok := lookup("KESTREL_DECISION_CACHE_TTL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.JIT.DecisionCacheTTL = d
		}
	}

	str("KESTREL_LOG_LEVEL", &c.Logging.Level)
	if v, ok := lookup("KESTREL_DEBUG"); ok && v == "true" {
		c.Logging.Level = "debug"
	}

	flag("KESTREL_TRACING", &c.Tracing.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	flag("OTEL_EXPORTER_OTLP_INSECURE", &c.Tracing.Insecure)
}

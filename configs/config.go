package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Backends understood by connect.Open.
const (
	BackendRedis    = "redis"
	BackendEtcd     = "etcd"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
}

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	Prefix      string
}

type PostgresConfig struct {
	DSN           string
	MaxOpenConns  int
	MaxIdleConns  int
	SweepSchedule string
}

type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	Timeout          time.Duration
}

// AdminConfig configures the admin HTTP API. An empty JWTSecret turns
// authentication off.
type AdminConfig struct {
	Addr              string
	JWTSecret         string
	RequestsPerMinute int
	Burst             int
}

type Config struct {
	Backend  string
	Redis    RedisConfig
	Etcd     EtcdConfig
	Postgres PostgresConfig

	// Primitive defaults
	LeaseTTL       time.Duration
	AcquireTimeout time.Duration
	RetryInterval  time.Duration
	MaxRetries     int
	ListCacheTTL   time.Duration

	Breaker BreakerConfig

	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	LogLevel    string
	LogEncoding string

	Admin AdminConfig
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendRedis)

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_pool_size", 100)
	v.SetDefault("redis_min_idle_conns", 10)
	v.SetDefault("redis_dial_timeout", "5s")

	v.SetDefault("etcd_endpoints", "localhost:2379")
	v.SetDefault("etcd_dial_timeout", "5s")
	v.SetDefault("etcd_username", "")
	v.SetDefault("etcd_password", "")
	v.SetDefault("etcd_prefix", "/dtypes/")

	v.SetDefault("postgres_dsn", "host=localhost user=dtypes password=password dbname=dtypes port=5432 sslmode=disable")
	v.SetDefault("postgres_max_open_conns", 50)
	v.SetDefault("postgres_max_idle_conns", 5)
	v.SetDefault("postgres_sweep_schedule", "@every 10m")

	v.SetDefault("lease_ttl", "30s")
	v.SetDefault("acquire_timeout", "10s")
	v.SetDefault("retry_interval", "10ms")
	v.SetDefault("max_retries", 64)
	v.SetDefault("list_cache_ttl", "0s")

	v.SetDefault("breaker_enabled", false)
	v.SetDefault("breaker_failure_threshold", 5)
	v.SetDefault("breaker_timeout", "30s")

	v.SetDefault("tracing_enabled", false)
	v.SetDefault("otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing_sample_rate", 1.0)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_encoding", "json")

	v.SetDefault("admin_addr", ":8080")
	v.SetDefault("admin_jwt_secret", "")
	v.SetDefault("admin_requests_per_minute", 600)
	v.SetDefault("admin_burst", 50)
}

// LoadConfig reads .env files, then DTYPES_* environment variables.
func LoadConfig() (*Config, error) {
	// missing env files are fine
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix("dtypes")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Backend: strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		Redis: RedisConfig{
			Addr:         v.GetString("redis_addr"),
			Password:     v.GetString("redis_password"),
			DB:           v.GetInt("redis_db"),
			PoolSize:     v.GetInt("redis_pool_size"),
			MinIdleConns: v.GetInt("redis_min_idle_conns"),
			DialTimeout:  v.GetDuration("redis_dial_timeout"),
		},
		Etcd: EtcdConfig{
			Endpoints:   splitList(v.GetString("etcd_endpoints")),
			DialTimeout: v.GetDuration("etcd_dial_timeout"),
			Username:    v.GetString("etcd_username"),
			Password:    v.GetString("etcd_password"),
			Prefix:      v.GetString("etcd_prefix"),
		},
		Postgres: PostgresConfig{
			DSN:           v.GetString("postgres_dsn"),
			MaxOpenConns:  v.GetInt("postgres_max_open_conns"),
			MaxIdleConns:  v.GetInt("postgres_max_idle_conns"),
			SweepSchedule: v.GetString("postgres_sweep_schedule"),
		},
		LeaseTTL:       v.GetDuration("lease_ttl"),
		AcquireTimeout: v.GetDuration("acquire_timeout"),
		RetryInterval:  v.GetDuration("retry_interval"),
		MaxRetries:     v.GetInt("max_retries"),
		ListCacheTTL:   v.GetDuration("list_cache_ttl"),
		Breaker: BreakerConfig{
			Enabled:          v.GetBool("breaker_enabled"),
			FailureThreshold: v.GetInt("breaker_failure_threshold"),
			Timeout:          v.GetDuration("breaker_timeout"),
		},
		TracingEnabled:    v.GetBool("tracing_enabled"),
		OTLPEndpoint:      v.GetString("otlp_endpoint"),
		TracingSampleRate: v.GetFloat64("tracing_sample_rate"),
		LogLevel:          v.GetString("log_level"),
		LogEncoding:       v.GetString("log_encoding"),
		Admin: AdminConfig{
			Addr:              v.GetString("admin_addr"),
			JWTSecret:         v.GetString("admin_jwt_secret"),
			RequestsPerMinute: v.GetInt("admin_requests_per_minute"),
			Burst:             v.GetInt("admin_burst"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no backend or primitive can work with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendRedis, BackendEtcd, BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("invalid backend %q", c.Backend)
	}
	if c.Backend == BackendEtcd && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd backend needs at least one endpoint")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be positive, got %s", c.LeaseTTL)
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("retry_interval must be positive, got %s", c.RetryInterval)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.ListCacheTTL < 0 {
		return fmt.Errorf("list_cache_ttl must not be negative, got %s", c.ListCacheTTL)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("tracing_sample_rate must be within [0,1], got %g", c.TracingSampleRate)
	}
	if c.Admin.RequestsPerMinute <= 0 || c.Admin.Burst <= 0 {
		return fmt.Errorf("admin rate limit must be positive, got %d/min burst %d", c.Admin.RequestsPerMinute, c.Admin.Burst)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

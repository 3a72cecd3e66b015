package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server  ServerConfig
	App     AppConfig
	Log     LogConfig
	Backend BackendConfig
	Store   StoreConfig
	Cache   CacheConfig
	Sync    SyncConfig
	Scan    ScanConfig
}

// ServerConfig holds settings for the local HTTP surface used by the presentation layer.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"127.0.0.1"`
	Port            int           `envconfig:"SERVER_PORT" default:"8787"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"0s"` // 0 keeps the event stream open
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	APIKey          string        `envconfig:"LOCAL_API_KEY" default:""`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string `envconfig:"APP_NAME" default:"lotscan"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	Version     string `envconfig:"APP_VERSION" default:"1.0.0"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:""` // empty picks per environment
	Output string `envconfig:"LOG_OUTPUT" default:"stdout"`
}

// BackendConfig holds the inventory backend connection settings.
type BackendConfig struct {
	BaseURL         string        `envconfig:"BACKEND_URL" default:"http://localhost:8069/inventory_app"`
	Timeout         time.Duration `envconfig:"BACKEND_TIMEOUT" default:"30s"`
	Framing         string        `envconfig:"BACKEND_FRAMING" default:"jsonrpc"` // jsonrpc or flat
	AuthScheme      string        `envconfig:"BACKEND_AUTH_SCHEME" default:""`    // e.g. "Bearer"; empty sends the raw token
	TokenTTL        time.Duration `envconfig:"BACKEND_TOKEN_TTL" default:"12h"`
	RefreshInterval time.Duration `envconfig:"BACKEND_REFRESH_INTERVAL" default:"30m"`
}

// StoreConfig holds Local Store settings.
type StoreConfig struct {
	Type string `envconfig:"STORE_TYPE" default:"sqlite"` // sqlite or mysql
	Path string `envconfig:"STORE_PATH" default:"./data/lotscan.db"`
	// MySQL settings (shared station queue)
	Host     string `envconfig:"STORE_DB_HOST" default:"localhost"`
	Port     int    `envconfig:"STORE_DB_PORT" default:"3306"`
	Name     string `envconfig:"STORE_DB_NAME" default:"lotscan"`
	User     string `envconfig:"STORE_DB_USER" default:"root"`
	Password string `envconfig:"STORE_DB_PASS" default:""`
}

// CacheConfig holds hot lookup cache settings.
type CacheConfig struct {
	Type      string        `envconfig:"CACHE_TYPE" default:"memory"` // memory or redis
	LookupTTL time.Duration `envconfig:"CACHE_LOOKUP_TTL" default:"10m"`
	StoreTTL  time.Duration `envconfig:"CACHE_STORE_TTL" default:"24h"`
	KeyPrefix string        `envconfig:"CACHE_KEY_PREFIX" default:"lotscan:lookup"`

	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

// SyncConfig holds Sync Engine and housekeeping settings.
type SyncConfig struct {
	DrainInterval    time.Duration `envconfig:"SYNC_DRAIN_INTERVAL" default:"1m"`
	PingInterval     time.Duration `envconfig:"SYNC_PING_INTERVAL" default:"15s"`
	MaxAttempts      int           `envconfig:"SYNC_MAX_ATTEMPTS" default:"10"`
	LookupRefreshMax int           `envconfig:"SYNC_LOOKUP_REFRESH_MAX_ATTEMPTS" default:"5"`
	PurgeInterval    time.Duration `envconfig:"SYNC_PURGE_INTERVAL" default:"10m"`
	WorkItemMaxAge   time.Duration `envconfig:"SYNC_WORK_ITEM_MAX_AGE" default:"72h"`
	DrainTimeout     time.Duration `envconfig:"SYNC_DRAIN_TIMEOUT" default:"5m"`
}

// ScanConfig holds Scan Session settings.
type ScanConfig struct {
	LotPattern   string        `envconfig:"SCAN_LOT_PATTERN" default:"^[0-9]{7}$"`
	DedupeWindow time.Duration `envconfig:"SCAN_DEDUPE_WINDOW" default:"3s"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisAddress returns the Redis address in host:port format.
func (c *CacheConfig) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// DSN returns the MySQL data source name.
func (s *StoreConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		s.User, s.Password, s.Host, s.Port, s.Name)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (a *AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// Validate checks values envconfig cannot check on its own.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	switch c.Backend.Framing {
	case "jsonrpc", "flat":
	default:
		return fmt.Errorf("unknown BACKEND_FRAMING %q", c.Backend.Framing)
	}
	switch c.Store.Type {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unknown STORE_TYPE %q", c.Store.Type)
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown CACHE_TYPE %q", c.Cache.Type)
	}
	if _, err := regexp.Compile(c.Scan.LotPattern); err != nil {
		return fmt.Errorf("invalid SCAN_LOT_PATTERN: %w", err)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

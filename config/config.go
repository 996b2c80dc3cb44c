package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig              `mapstructure:"server"`
	Database    DatabaseConfig            `mapstructure:"database"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Marketplace MarketplaceConfig         `mapstructure:"marketplace"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Webhook     WebhookConfig             `mapstructure:"webhook"`
	Poller      PollerConfig              `mapstructure:"poller"`
	Dispatcher  DispatcherConfig          `mapstructure:"dispatcher"`
	Incentives  IncentivesConfig          `mapstructure:"incentives"`
	Admin       AdminConfig               `mapstructure:"admin"`
	Encryption  EncryptionConfig          `mapstructure:"encryption"`
	Log         LogConfig                 `mapstructure:"log"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MarketplaceConfig configures the upstream marketplace API client.
// Requests are signed with the shared secret.
type MarketplaceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	AppID   string        `mapstructure:"app_id"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProviderConfig describes one inbound payment provider: how its
// webhook signatures are verified and which payload fields carry
// the settlement facts.
type ProviderConfig struct {
	Scheme       string               `mapstructure:"scheme"`     // rsa or hmac
	Secret       string               `mapstructure:"secret"`     // hmac shared secret
	PublicKey    string               `mapstructure:"public_key"` // PEM, rsa verification
	Fields       ProviderFieldsConfig `mapstructure:"fields"`
	SuccessValue string               `mapstructure:"success_value"`
	DebitValues  []string             `mapstructure:"debit_values"`
}

// ProviderFieldsConfig maps payload keys to their meaning for one provider.
type ProviderFieldsConfig struct {
	Reference   string `mapstructure:"reference"`
	Amount      string `mapstructure:"amount"`
	Currency    string `mapstructure:"currency"`
	User        string `mapstructure:"user"`
	Status      string `mapstructure:"status"`
	Type        string `mapstructure:"type"`
	Order       string `mapstructure:"order"`
	OrderStatus string `mapstructure:"order_status"`
	Method      string `mapstructure:"method"`
	Receipt     string `mapstructure:"receipt"`
}

// WebhookConfig tunes the replay guard in front of webhook ingestion.
// ReplayStore selects the implementation: "redis" shares the seen-set
// across nodes, "memory" is a bounded per-process cache for single-node
// deployments.
type WebhookConfig struct {
	ReplayStore     string        `mapstructure:"replay_store"`
	ReplayWindow    time.Duration `mapstructure:"replay_window"`
	ReplayCacheSize int           `mapstructure:"replay_cache_size"`
}

type PollerConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	RunBudget time.Duration `mapstructure:"run_budget"`
	PageSize  int           `mapstructure:"page_size"`
	// ExpireAfter is the payment window: unpaid orders older than this are
	// cancelled on the next polling run. Zero disables expiry.
	ExpireAfter time.Duration `mapstructure:"expire_after"`
}

type DispatcherConfig struct {
	Group            string        `mapstructure:"group"`
	Consumer         string        `mapstructure:"consumer"`
	Workers          int           `mapstructure:"workers"`
	RetryInitial     time.Duration `mapstructure:"retry_initial"`
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
}

// IncentivesConfig controls cashback crediting on completed orders.
// CashbackRate is a decimal fraction kept as a string so precision
// survives parsing.
type IncentivesConfig struct {
	CashbackRate string `mapstructure:"cashback_rate"`
}

// AdminConfig secures the operator trigger surface.
type AdminConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
	JWTIssuer string        `mapstructure:"jwt_issuer"`
}

// EncryptionConfig feeds key derivation for payment detail encryption.
type EncryptionConfig struct {
	Passphrase string `mapstructure:"passphrase"`
	Salt       string `mapstructure:"salt"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: PSG_ (P2P Settlement
// Gateway). Nested keys use underscore: PSG_DATABASE_HOST, PSG_ADMIN_JWT_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "settlement_gateway")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("marketplace.base_url", "")
	v.SetDefault("marketplace.app_id", "")
	v.SetDefault("marketplace.secret", "")
	v.SetDefault("marketplace.timeout", "10s")
	v.SetDefault("webhook.replay_store", "redis")
	v.SetDefault("webhook.replay_window", "10m")
	v.SetDefault("webhook.replay_cache_size", 100000)
	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.interval", "30s")
	v.SetDefault("poller.run_budget", "25s")
	v.SetDefault("poller.page_size", 50)
	v.SetDefault("poller.expire_after", "30m")
	v.SetDefault("dispatcher.group", "settlement-engine")
	v.SetDefault("dispatcher.consumer", "dispatcher")
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.retry_initial", "1s")
	v.SetDefault("dispatcher.retry_max_interval", "30s")
	v.SetDefault("dispatcher.retry_max_attempts", 5)
	v.SetDefault("incentives.cashback_rate", "0")
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.jwt_expiry", "24h")
	v.SetDefault("admin.jwt_issuer", "p2p-settlement-gateway")
	v.SetDefault("encryption.passphrase", "")
	v.SetDefault("encryption.salt", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: PSG_DATABASE_HOST -> database.host
	v.SetEnvPrefix("PSG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Provider profiles only come from the file; env vars can still
	// override the scalar sections.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

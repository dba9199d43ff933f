package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full engine configuration, loaded from environment variables.
type Config struct {
	Vault        VaultConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Server       ServerConfig
	Trading      TradingConfig
	Engines      EngineConfig
	Exchanges    ExchangeConfig
	Notification NotificationConfig
	Logging      LoggingConfig
}

// VaultConfig holds credential-vault configuration. MasterSecret may be left
// empty when a HashiCorp Vault source is configured; main resolves it at boot.
type VaultConfig struct {
	MasterSecret string
	KDFSalt      []byte

	// Optional HashiCorp Vault source for the master secret.
	HashicorpEnabled bool
	HashicorpAddr    string
	HashicorpToken   string
	HashicorpPath    string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	// SessionTTL bounds how long an unfinished credential-connect flow survives.
	SessionTTL time.Duration
}

type ServerConfig struct {
	Port           int
	JWTSecret      string
	AllowedOrigins []string
}

// TradingConfig holds the defaults and hard bounds applied to signals and
// credentials. Out-of-bounds values are rejected at validation time, not
// silently clamped.
type TradingConfig struct {
	DefaultLeverage            int
	MaxLeverage                int
	DefaultPositionSizePercent float64
	MaxPositionSizePercent     float64
	SignalExpiry               time.Duration
}

type EngineConfig struct {
	DistributorInterval time.Duration
	MonitorInterval     time.Duration
	FanOutWorkers       int
	AdapterTimeout      time.Duration
}

// ExchangeConfig carries per-venue base URL overrides. Empty values fall back
// to each adapter's mainnet default.
type ExchangeConfig struct {
	BinanceBaseURL string
	BybitBaseURL   string
	OKXBaseURL     string
	BitgetBaseURL  string
	MEXCBaseURL    string
	GateBaseURL    string
}

type NotificationConfig struct {
	Enabled          bool
	TelegramBotToken string
	TelegramChatID   string
}

type LoggingConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration from the environment (.env is loaded when present)
// and validates it. The process must not start without the vault master secret
// material, so a missing MASTER_SECRET (with no HashiCorp source) or a missing
// VAULT_KDF_SALT is a hard error.
func Load() (*Config, error) {
	// Best effort; the environment may already be populated.
	_ = godotenv.Load()

	cfg := &Config{
		Vault: VaultConfig{
			MasterSecret:     os.Getenv("MASTER_SECRET"),
			HashicorpEnabled: getEnvBool("VAULT_HASHICORP_ENABLED", false),
			HashicorpAddr:    os.Getenv("VAULT_ADDR"),
			HashicorpToken:   os.Getenv("VAULT_TOKEN"),
			HashicorpPath:    getEnv("VAULT_SECRET_PATH", "secret/data/signal-bot/master"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "signal_bot"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "signal_bot"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Enabled:    getEnvBool("REDIS_ENABLED", false),
			Addr:       getEnv("REDIS_ADDR", "localhost:6379"),
			Password:   os.Getenv("REDIS_PASSWORD"),
			DB:         getEnvInt("REDIS_DB", 0),
			SessionTTL: getEnvDuration("SESSION_TTL", 10*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			JWTSecret:      os.Getenv("JWT_SECRET"),
			AllowedOrigins: []string{getEnv("CORS_ORIGIN", "*")},
		},
		Trading: TradingConfig{
			DefaultLeverage:            getEnvInt("DEFAULT_LEVERAGE", 10),
			MaxLeverage:                getEnvInt("MAX_LEVERAGE", 50),
			DefaultPositionSizePercent: getEnvFloat("DEFAULT_POSITION_SIZE_PERCENT", 5),
			MaxPositionSizePercent:     getEnvFloat("MAX_POSITION_SIZE_PERCENT", 10),
			SignalExpiry:               getEnvDuration("SIGNAL_EXPIRY", 24*time.Hour),
		},
		Engines: EngineConfig{
			DistributorInterval: getEnvDuration("DISTRIBUTOR_INTERVAL", time.Second),
			MonitorInterval:     getEnvDuration("MONITOR_INTERVAL", 5*time.Second),
			FanOutWorkers:       getEnvInt("FANOUT_WORKERS", 8),
			AdapterTimeout:      getEnvDuration("ADAPTER_TIMEOUT", 30*time.Second),
		},
		Exchanges: ExchangeConfig{
			BinanceBaseURL: os.Getenv("BINANCE_BASE_URL"),
			BybitBaseURL:   os.Getenv("BYBIT_BASE_URL"),
			OKXBaseURL:     os.Getenv("OKX_BASE_URL"),
			BitgetBaseURL:  os.Getenv("BITGET_BASE_URL"),
			MEXCBaseURL:    os.Getenv("MEXC_BASE_URL"),
			GateBaseURL:    os.Getenv("GATE_BASE_URL"),
		},
		Notification: NotificationConfig{
			Enabled:          getEnvBool("NOTIFICATIONS_ENABLED", false),
			TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
			TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvBool("LOG_PRETTY", false),
		},
	}

	if salt := os.Getenv("VAULT_KDF_SALT"); salt != "" {
		decoded, err := base64.StdEncoding.DecodeString(salt)
		if err != nil {
			return nil, fmt.Errorf("VAULT_KDF_SALT is not valid base64: %w", err)
		}
		cfg.Vault.KDFSalt = decoded
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Vault.MasterSecret == "" && !c.Vault.HashicorpEnabled {
		return fmt.Errorf("MASTER_SECRET is required (or enable VAULT_HASHICORP_ENABLED); run cmd/genkey to provision one")
	}
	if len(c.Vault.KDFSalt) < 16 {
		return fmt.Errorf("VAULT_KDF_SALT must be set and decode to at least 16 bytes; run cmd/genkey to provision one")
	}
	if c.Vault.HashicorpEnabled && (c.Vault.HashicorpAddr == "" || c.Vault.HashicorpToken == "") {
		return fmt.Errorf("VAULT_ADDR and VAULT_TOKEN are required when VAULT_HASHICORP_ENABLED is set")
	}
	if c.Trading.MaxLeverage < 1 || c.Trading.MaxLeverage > 50 {
		return fmt.Errorf("MAX_LEVERAGE must be within 1-50, got %d", c.Trading.MaxLeverage)
	}
	if c.Trading.DefaultLeverage < 1 || c.Trading.DefaultLeverage > c.Trading.MaxLeverage {
		return fmt.Errorf("DEFAULT_LEVERAGE must be within 1-%d, got %d", c.Trading.MaxLeverage, c.Trading.DefaultLeverage)
	}
	if c.Trading.MaxPositionSizePercent < 1 || c.Trading.MaxPositionSizePercent > 10 {
		return fmt.Errorf("MAX_POSITION_SIZE_PERCENT must be within 1-10, got %v", c.Trading.MaxPositionSizePercent)
	}
	if c.Trading.DefaultPositionSizePercent < 1 || c.Trading.DefaultPositionSizePercent > c.Trading.MaxPositionSizePercent {
		return fmt.Errorf("DEFAULT_POSITION_SIZE_PERCENT must be within 1-%v, got %v", c.Trading.MaxPositionSizePercent, c.Trading.DefaultPositionSizePercent)
	}
	if c.Engines.DistributorInterval <= 0 || c.Engines.MonitorInterval <= 0 {
		return fmt.Errorf("engine polling intervals must be positive")
	}
	if c.Engines.FanOutWorkers < 1 {
		return fmt.Errorf("FANOUT_WORKERS must be at least 1, got %d", c.Engines.FanOutWorkers)
	}
	if c.Engines.AdapterTimeout < time.Second {
		return fmt.Errorf("ADAPTER_TIMEOUT must be at least 1s, got %s", c.Engines.AdapterTimeout)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

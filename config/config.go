package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every runtime setting of the paidaction tools
type Config struct {
	ServerURL string
	APIKey    string
	ActorID   string

	StubAddr       string
	StubHmacSecret string

	PollInterval      time.Duration
	InvoiceExpiry     time.Duration
	EscalateAfter     time.Duration
	WalletSendTimeout time.Duration

	ZapDebounce   time.Duration
	UndoWindow    time.Duration
	UndoThreshold int64
	TipDefault    int64
	TurboTipping  bool

	CacheBackend string
	RedisURL     string
	JournalPath  string

	LogLevel string
	LogFile  string
}

// Load reads configuration from .env, an optional config file and
// PAIDACTION_* environment variables, in increasing priority
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PAIDACTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		v.SetConfigName("paidaction")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg := &Config{
		ServerURL:         v.GetString("server_url"),
		APIKey:            v.GetString("api_key"),
		ActorID:           v.GetString("actor_id"),
		StubAddr:          v.GetString("stub_addr"),
		StubHmacSecret:    v.GetString("stub_hmac_secret"),
		PollInterval:      v.GetDuration("poll_interval"),
		InvoiceExpiry:     v.GetDuration("invoice_expiry"),
		EscalateAfter:     v.GetDuration("escalate_after"),
		WalletSendTimeout: v.GetDuration("wallet_send_timeout"),
		ZapDebounce:       v.GetDuration("zap_debounce"),
		UndoWindow:        v.GetDuration("undo_window"),
		UndoThreshold:     v.GetInt64("undo_threshold"),
		TipDefault:        v.GetInt64("tip_default"),
		TurboTipping:      v.GetBool("turbo_tipping"),
		CacheBackend:      v.GetString("cache_backend"),
		RedisURL:          v.GetString("redis_url"),
		JournalPath:       v.GetString("journal_path"),
		LogLevel:          v.GetString("log_level"),
		LogFile:           v.GetString("log_file"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "http://localhost:8402")
	v.SetDefault("api_key", "")
	v.SetDefault("actor_id", "")
	v.SetDefault("stub_addr", ":8402")
	v.SetDefault("stub_hmac_secret", "dev-secret")

	v.SetDefault("poll_interval", "500ms")
	v.SetDefault("invoice_expiry", "180s")
	v.SetDefault("escalate_after", "1s")
	v.SetDefault("wallet_send_timeout", "60s")

	v.SetDefault("zap_debounce", "500ms")
	v.SetDefault("undo_window", "5s")
	v.SetDefault("undo_threshold", 100) // in satoshis
	v.SetDefault("tip_default", 10)     // in satoshis
	v.SetDefault("turbo_tipping", false)

	v.SetDefault("cache_backend", "memory") // or "redis"
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("journal_path", "./paidaction_journal.db")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}

// Validate checks settings that have no safe fallback
func (c *Config) Validate() error {
	switch c.CacheBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache_backend %q", c.CacheBackend)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.EscalateAfter < 0 {
		return fmt.Errorf("escalate_after must not be negative")
	}
	if c.InvoiceExpiry < time.Second {
		return fmt.Errorf("invoice_expiry must be at least 1s")
	}
	return nil
}

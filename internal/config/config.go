package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

var (
	ErrInvalidRetryAttempts = errors.New("RETRY_ATTEMPTS must be between 1 and 20")
	ErrInvalidBackoff       = errors.New("RETRY_DELAY must be > 0 and RATE_LIMIT_DELAY >= RETRY_DELAY <= RETRY_MAX_DELAY")
	ErrInvalidQuota         = errors.New("QUOTA_PER_HOUR must be > 0")
	ErrMissingDatabaseDSN   = errors.New("DB_DSN is required when the generation log is enabled")
	ErrMissingUtilityModel  = errors.New("UTILITY_MODEL is required")
	ErrMissingMasterKey     = errors.New("at least one master key is required")
)

type Config struct {
	HTTP   HTTPConfig
	Retry  RetryConfig
	Models ModelsConfig
	Redis  RedisConfig
	DB     DBConfig
	Log    LogConfig
	Crypto CryptoConfig
}

type HTTPConfig struct {
	ListenAddr       string `env:"LISTEN_ADDR" envDefault:":8080"`
	CORSAllowOrigins string `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin  int    `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	MaxBodyBytes     int64  `env:"MAX_BODY_BYTES" envDefault:"8388608"`

	ReadTimeout time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	// Generations include retries and a fallback, so replies can take minutes.
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"5m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"60s"`
}

type RetryConfig struct {
	Attempts       int           `env:"RETRY_ATTEMPTS" envDefault:"5"`
	RetryDelay     time.Duration `env:"RETRY_DELAY" envDefault:"1200ms"`
	RateLimitDelay time.Duration `env:"RATE_LIMIT_DELAY" envDefault:"2s"`
	MaxDelay       time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
}

type ModelsConfig struct {
	UtilityModel string `env:"UTILITY_MODEL" envDefault:"gemini-2.5-flash"`
	ImageModel   string `env:"IMAGE_MODEL" envDefault:"gemini-2.0-flash-preview-image-generation"`

	// Base URL overrides, applied to every profile of the family.
	GeminiBaseURL     string `env:"GEMINI_BASE_URL"`
	OpenRouterBaseURL string `env:"OPENROUTER_BASE_URL"`

	// Key sources are "env:NAME" or "sealed:NAME".
	GeminiKeySource     string `env:"GEMINI_KEY_SOURCE" envDefault:"env:GEMINI_API_KEY"`
	OpenRouterKeySource string `env:"OPENROUTER_KEY_SOURCE" envDefault:"env:OPENROUTER_API_KEY"`

	OpenRouterReferer string `env:"OPENROUTER_REFERER"`
	OpenRouterTitle   string `env:"OPENROUTER_TITLE" envDefault:"companion"`
}

type RedisConfig struct {
	// Addr empty disables the quota and idempotency guards.
	Addr           string        `env:"REDIS_ADDR"`
	Password       string        `env:"REDIS_PASSWORD"`
	DB             int           `env:"REDIS_DB" envDefault:"0"`
	QuotaPerHour   int64         `env:"QUOTA_PER_HOUR" envDefault:"200"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
}

type DBConfig struct {
	Enabled     bool   `env:"GENERATION_LOG" envDefault:"true"`
	Driver      string `env:"DB_DRIVER" envDefault:"sqlite"`
	DSN         string `env:"DB_DSN" envDefault:"companion.db"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

func (c CryptoConfig) Enabled() bool {
	return len(c.Keys) > 0
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Retry.Attempts < 1 || c.Retry.Attempts > 20 {
		return ErrInvalidRetryAttempts
	}
	if c.Retry.RetryDelay <= 0 || c.Retry.RateLimitDelay < c.Retry.RetryDelay || c.Retry.MaxDelay < c.Retry.RateLimitDelay {
		return ErrInvalidBackoff
	}
	if c.Redis.Addr != "" && c.Redis.QuotaPerHour <= 0 {
		return ErrInvalidQuota
	}
	if c.DB.Enabled && strings.TrimSpace(c.DB.DSN) == "" {
		return ErrMissingDatabaseDSN
	}
	if strings.TrimSpace(c.Models.UtilityModel) == "" {
		return ErrMissingUtilityModel
	}
	return nil
}

// RequireMasterKey fails when sealed key sources are in use without keys.
func (c *Config) RequireMasterKey() error {
	if !c.Crypto.Enabled() {
		return ErrMissingMasterKey
	}
	return nil
}

// loadCryptoConfig reads MASTER_KEYS_JSON, MASTER_KEY_<ID>_B64 and
// MASTER_KEY_B64. Master keys are optional; an empty config is returned when
// none is set.
func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := strings.TrimSpace(os.Getenv("MASTER_KEYS_JSON")); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "MASTER_KEY_B64" || !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := strings.TrimSpace(os.Getenv("MASTER_KEY_CURRENT_ID"))
	if single := strings.TrimSpace(os.Getenv("MASTER_KEY_B64")); single != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = single
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID is required with more than one master key")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

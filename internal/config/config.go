package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	StorageMySQL  = "mysql"
	StorageSQLite = "sqlite3"
	StorageRedis  = "redis"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"local"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	StorageDriver    string `env:"STORAGE_DRIVER" envDefault:"sqlite3"`
	StorageDSN       string `env:"STORAGE_DSN" envDefault:"file:purchases.db?_pragma=busy_timeout(5000)"`
	StorageNamespace string `env:"STORAGE_NAMESPACE" envDefault:"purchase.transactions"`
	// StorageSealingKey is a hex encoded 32 byte key. When set, stored
	// values are encrypted at rest.
	StorageSealingKey string `env:"STORAGE_SEALING_KEY"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	NotifyRedisChannel string `env:"NOTIFY_REDIS_CHANNEL"`
	NATSURL            string `env:"NATS_URL"`
	NATSSubject        string `env:"NATS_SUBJECT" envDefault:"purchase.notifications"`

	AppStoreURL          string        `env:"APP_STORE_API"`
	AppStoreSandboxURL   string        `env:"APP_STORE_SANDBOX_API"`
	AppStoreSandbox      bool          `env:"APP_STORE_SANDBOX" envDefault:"false"`
	AppStoreSharedSecret string        `env:"APP_STORE_SHARED_SECRET"`
	VerifyTimeout        time.Duration `env:"VERIFY_TIMEOUT" envDefault:"10s"`
	VerifyRetries        int           `env:"VERIFY_RETRIES" envDefault:"3"`
	WorkerConcurrency    int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
}

// Load reads .env files (missing files are fine) and then the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading env file: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageMySQL, StorageSQLite:
		if c.StorageDSN == "" {
			return fmt.Errorf("STORAGE_DSN is required for driver %s", c.StorageDriver)
		}
	case StorageRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for driver %s", c.StorageDriver)
		}
	default:
		return fmt.Errorf("invalid STORAGE_DRIVER: %s (must be mysql, sqlite3 or redis)", c.StorageDriver)
	}

	if c.StorageSealingKey != "" {
		if _, err := c.SealingKey(); err != nil {
			return err
		}
	}
	if c.VerifyTimeout <= 0 {
		return fmt.Errorf("VERIFY_TIMEOUT must be positive")
	}
	if c.VerifyRetries < 1 {
		return fmt.Errorf("VERIFY_RETRIES must be at least 1")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	return nil
}

// SealingKey decodes StorageSealingKey. It returns nil when sealing is off.
func (c Config) SealingKey() ([]byte, error) {
	if c.StorageSealingKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.StorageSealingKey)
	if err != nil {
		return nil, fmt.Errorf("invalid STORAGE_SEALING_KEY: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid STORAGE_SEALING_KEY: want %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

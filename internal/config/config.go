package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageS3     = "s3"
)

type Config struct {
	ListenAddr           string   `env:"WANDERLY_LISTEN_ADDR" envDefault:":8080"`
	OriginBaseURL        string   `env:"WANDERLY_ORIGIN_BASE_URL"`
	OriginTimeoutSeconds int      `env:"WANDERLY_ORIGIN_TIMEOUT_SECONDS" envDefault:"10"`
	CacheVersion         string   `env:"WANDERLY_CACHE_VERSION" envDefault:"wanderly-v1"`
	HomePath             string   `env:"WANDERLY_HOME_PATH" envDefault:"/index.html"`
	ManifestFile         string   `env:"WANDERLY_MANIFEST_FILE"`
	FallbackExclude      []string `env:"WANDERLY_FALLBACK_EXCLUDE" envSeparator:","`
	InstallAttempts      uint     `env:"WANDERLY_INSTALL_ATTEMPTS" envDefault:"5"`
	AdminToken           string   `env:"WANDERLY_ADMIN_TOKEN"`
	LogLevel             string   `env:"WANDERLY_LOG_LEVEL" envDefault:"info"`
	OTelEndpoint         string   `env:"WANDERLY_OTEL_ENDPOINT"`

	Storage    string `env:"WANDERLY_STORAGE" envDefault:"memory"`
	SQLitePath string `env:"WANDERLY_SQLITE_PATH" envDefault:"wanderly-cache.db"`

	S3Endpoint  string `env:"WANDERLY_S3_ENDPOINT"`
	S3Region    string `env:"WANDERLY_S3_REGION" envDefault:"us-east-1"`
	S3Bucket    string `env:"WANDERLY_S3_BUCKET"`
	S3Prefix    string `env:"WANDERLY_S3_PREFIX" envDefault:"wanderly"`
	S3AccessKey string `env:"WANDERLY_S3_ACCESS_KEY"`
	S3SecretKey string `env:"WANDERLY_S3_SECRET_KEY"`

	RedisAddr      string `env:"WANDERLY_REDIS_ADDR"`
	RedisDB        int    `env:"WANDERLY_REDIS_DB" envDefault:"0"`
	RedisPassword  string `env:"WANDERLY_REDIS_PASSWORD"`
	LockTTLSeconds int    `env:"WANDERLY_LOCK_TTL_SECONDS" envDefault:"45"`

	// SyncIntervalSeconds is how often a replica on shared storage checks for
	// a version activated elsewhere. 0 disables the check.
	SyncIntervalSeconds int `env:"WANDERLY_SYNC_INTERVAL_SECONDS" envDefault:"30"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	cfg.FallbackExclude = compact(cfg.FallbackExclude)
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.OriginBaseURL == "" {
		return errors.New("WANDERLY_ORIGIN_BASE_URL is required")
	}
	if strings.TrimSpace(c.CacheVersion) == "" {
		return errors.New("WANDERLY_CACHE_VERSION must not be empty")
	}
	if !strings.HasPrefix(c.HomePath, "/") {
		return errors.New("WANDERLY_HOME_PATH must be an absolute path")
	}
	switch c.Storage {
	case StorageMemory:
	case StorageSQLite:
		if c.SQLitePath == "" {
			return errors.New("WANDERLY_SQLITE_PATH is required for sqlite storage")
		}
	case StorageS3:
		if c.S3Endpoint == "" || c.S3Bucket == "" || c.S3AccessKey == "" || c.S3SecretKey == "" {
			return errors.New("S3 endpoint/bucket/access/secret are required")
		}
	default:
		return fmt.Errorf("unknown WANDERLY_STORAGE %q", c.Storage)
	}
	return nil
}

func (c Config) OriginTimeout() time.Duration {
	return time.Duration(c.OriginTimeoutSeconds) * time.Second
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// SharedStorage reports whether other processes may use the same caches.
func (c Config) SharedStorage() bool {
	return c.Storage != StorageMemory
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

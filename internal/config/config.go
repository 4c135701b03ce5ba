// Package config loads server settings from an optional YAML file, a .env
// file and DARKPOOL_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/ksred/darkpool-api/internal/auth"
	"github.com/ksred/darkpool-api/pkg/middleware"
	"gopkg.in/yaml.v3"
)

// Cluster modes
const (
	ClusterLocal = "local"
	ClusterHTTP  = "http"
)

type Config struct {
	Env       string            `yaml:"env"`
	Debug     bool              `yaml:"debug"`
	Server    ServerConfig      `yaml:"server"`
	Database  DatabaseConfig    `yaml:"database"`
	Auth      AuthConfig        `yaml:"auth"`
	Cluster   ClusterConfig     `yaml:"cluster"`
	Processor ProcessorConfig   `yaml:"processor"`
	Redis     RedisConfig       `yaml:"redis"`
	RateLimit middleware.Limits `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // sqlite file path, or ":memory:"
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	Clients   []auth.Client `yaml:"clients"`
}

// ClusterConfig describes the compute cluster: where requests go, how its
// attestations are checked and, in local mode, the stand-in's key material.
type ClusterConfig struct {
	Mode               string        `yaml:"mode"`
	URL                string        `yaml:"url"`
	CallbackURL        string        `yaml:"callback_url"`
	SubmitTimeout      time.Duration `yaml:"submit_timeout"`
	KeyID              string        `yaml:"key_id"`
	AttestationSecret  string        `yaml:"attestation_secret"`
	PrivateKey         string        `yaml:"private_key"` // hex x25519, local mode
	StateKey           string        `yaml:"state_key"`   // hex, local mode
	ComputationTimeout time.Duration `yaml:"computation_timeout"`
}

type ProcessorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// RedisConfig enables the shared market lock when Addr is set
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// Defaults returns a configuration good enough for local development
func Defaults() Config {
	return Config{
		Env:      "development",
		Server:   ServerConfig{Port: 8080, ShutdownTimeout: 5 * time.Second},
		Database: DatabaseConfig{DSN: "darkpool.db"},
		Auth:     AuthConfig{TokenTTL: 24 * time.Hour},
		Cluster: ClusterConfig{
			Mode:               ClusterLocal,
			KeyID:              "local-1",
			SubmitTimeout:      10 * time.Second,
			ComputationTimeout: 10 * time.Minute,
		},
		Processor: ProcessorConfig{Interval: 30 * time.Second},
		Redis:     RedisConfig{LockTTL: 30 * time.Second},
		RateLimit: middleware.Limits{Auth: 10, Betting: 100, Read: 1000},
	}
}

// Load builds the configuration. path may be empty; a missing .env is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	_ = godotenv.Load()
	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// Validate reports settings the server cannot start without
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Cluster.AttestationSecret == "" {
		errs = append(errs, errors.New("cluster.attestation_secret is required"))
	}
	switch c.Cluster.Mode {
	case ClusterLocal:
	case ClusterHTTP:
		if c.Cluster.URL == "" || c.Cluster.CallbackURL == "" {
			errs = append(errs, errors.New("cluster.url and cluster.callback_url are required in http mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cluster.mode %q", c.Cluster.Mode))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("invalid server.port %d", c.Server.Port))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether pretty console logging should be off
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Env, "DARKPOOL_ENV")
	setBool(&cfg.Debug, "DARKPOOL_DEBUG")

	setInt(&cfg.Server.Port, "DARKPOOL_SERVER_PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "DARKPOOL_SERVER_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Database.DSN, "DARKPOOL_DATABASE_DSN")

	setStr(&cfg.Auth.JWTSecret, "DARKPOOL_JWT_SECRET")
	setDuration(&cfg.Auth.TokenTTL, "DARKPOOL_TOKEN_TTL")

	setStr(&cfg.Cluster.Mode, "DARKPOOL_CLUSTER_MODE")
	setStr(&cfg.Cluster.URL, "DARKPOOL_CLUSTER_URL")
	setStr(&cfg.Cluster.CallbackURL, "DARKPOOL_CLUSTER_CALLBACK_URL")
	setDuration(&cfg.Cluster.SubmitTimeout, "DARKPOOL_CLUSTER_SUBMIT_TIMEOUT")
	setStr(&cfg.Cluster.KeyID, "DARKPOOL_CLUSTER_KEY_ID")
	setStr(&cfg.Cluster.AttestationSecret, "DARKPOOL_CLUSTER_ATTESTATION_SECRET")
	setStr(&cfg.Cluster.PrivateKey, "DARKPOOL_CLUSTER_PRIVATE_KEY")
	setStr(&cfg.Cluster.StateKey, "DARKPOOL_CLUSTER_STATE_KEY")
	setDuration(&cfg.Cluster.ComputationTimeout, "DARKPOOL_COMPUTATION_TIMEOUT")

	setDuration(&cfg.Processor.Interval, "DARKPOOL_PROCESSOR_INTERVAL")

	setStr(&cfg.Redis.Addr, "DARKPOOL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DARKPOOL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DARKPOOL_REDIS_DB")
	setDuration(&cfg.Redis.LockTTL, "DARKPOOL_REDIS_LOCK_TTL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Package config loads the server configuration from a YAML file, an
// optional .env file and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/allisson/go-env"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Storage and registry kinds.
const (
	KindPostgres = "postgres"
	KindMemory   = "memory"
)

// DefaultEnvironmentTypes are the recognized environment types when none are configured.
var DefaultEnvironmentTypes = []string{"dev", "qual", "preprod", "prod"}

// Backend configures the secret backend client.
type Backend struct {
	Address         string        `yaml:"address"`
	RootToken       string        `yaml:"root_token"`
	PolicyPath      string        `yaml:"policy_path"`
	TokenCreatePath string        `yaml:"token_create_path"`
	TokenRevokePath string        `yaml:"token_revoke_path"`
	SecretPath      string        `yaml:"secret_path"`
	Timeout         time.Duration `yaml:"timeout"`
}

// RateLimit configures per-client request throttling. RPS <= 0 disables it.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Config is the server configuration.
type Config struct {
	ListenAddr       string    `yaml:"listen_addr"`
	TLSCertFile      string    `yaml:"tls_cert"`
	TLSKeyFile       string    `yaml:"tls_key"`
	DBUrl            string    `yaml:"db_url"`
	MigrationsDir    string    `yaml:"migrations_dir"`
	LogLevel         string    `yaml:"log_level"`
	Storage          string    `yaml:"storage"`
	Registry         string    `yaml:"registry"`
	AdminTokenHash   string    `yaml:"admin_token_hash"`
	RateLimit        RateLimit `yaml:"rate_limit"`
	EnvironmentTypes []string  `yaml:"environment_types"`
	Backend          Backend   `yaml:"backend"`
}

// Default returns the configuration used for keys absent from every source.
func Default() Config {
	return Config{
		ListenAddr:       ":8300",
		MigrationsDir:    "migrations",
		LogLevel:         "info",
		Storage:          KindPostgres,
		Registry:         KindMemory,
		RateLimit:        RateLimit{RPS: 20, Burst: 40},
		EnvironmentTypes: append([]string(nil), DefaultEnvironmentTypes...),
		Backend: Backend{
			PolicyPath:      "sys/policy",
			TokenCreatePath: "auth/token/create",
			TokenRevokePath: "auth/token/revoke-accessor",
			SecretPath:      "secret",
			Timeout:         30 * time.Second,
		},
	}
}

// Load reads path (a missing file is tolerated), then .env, then environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("file", path).Msg("config file not found, using defaults")
	default:
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	// .env never overrides variables already set in the process.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env")
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = env.GetString("SECRETPROV_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DBUrl = env.GetString("DATABASE_URL", cfg.DBUrl)
	cfg.MigrationsDir = env.GetString("SECRETPROV_MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.LogLevel = env.GetString("SECRETPROV_LOG_LEVEL", cfg.LogLevel)
	cfg.Storage = env.GetString("SECRETPROV_STORAGE", cfg.Storage)
	cfg.Registry = env.GetString("SECRETPROV_REGISTRY", cfg.Registry)
	cfg.AdminTokenHash = env.GetString("SECRETPROV_ADMIN_TOKEN_HASH", cfg.AdminTokenHash)
	cfg.RateLimit.RPS = env.GetFloat64("SECRETPROV_RATE_LIMIT_RPS", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = env.GetInt("SECRETPROV_RATE_LIMIT_BURST", cfg.RateLimit.Burst)
	if types := env.GetString("SECRETPROV_ENVIRONMENT_TYPES", ""); types != "" {
		cfg.EnvironmentTypes = splitList(types)
	}

	b := &cfg.Backend
	b.Address = env.GetString("SECRETPROV_BACKEND_ADDR", b.Address)
	b.RootToken = env.GetString("SECRETPROV_BACKEND_TOKEN", b.RootToken)
	b.PolicyPath = env.GetString("SECRETPROV_BACKEND_POLICY_PATH", b.PolicyPath)
	b.TokenCreatePath = env.GetString("SECRETPROV_BACKEND_TOKEN_CREATE_PATH", b.TokenCreatePath)
	b.TokenRevokePath = env.GetString("SECRETPROV_BACKEND_TOKEN_REVOKE_PATH", b.TokenRevokePath)
	b.SecretPath = env.GetString("SECRETPROV_BACKEND_SECRET_PATH", b.SecretPath)
	if secs := env.GetInt("SECRETPROV_BACKEND_TIMEOUT_SECONDS", 0); secs > 0 {
		b.Timeout = time.Duration(secs) * time.Second
	}
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

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Backend.Address == "" {
		return errors.New("backend.address must be configured (or SECRETPROV_BACKEND_ADDR)")
	}
	if c.Backend.RootToken == "" {
		return errors.New("backend.root_token must be configured (or SECRETPROV_BACKEND_TOKEN)")
	}
	switch c.Storage {
	case KindPostgres:
		if c.DBUrl == "" {
			return errors.New("db_url must be configured for postgres storage (or DATABASE_URL)")
		}
	case KindMemory:
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	switch c.Registry {
	case KindMemory:
	case KindPostgres:
		if c.Storage != KindPostgres {
			return errors.New("postgres registry requires postgres storage")
		}
	default:
		return fmt.Errorf("unknown registry %q", c.Registry)
	}
	if len(c.EnvironmentTypes) == 0 {
		return errors.New("environment_types must not be empty")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	return nil
}

// IsEnvironmentType reports whether t is one of the configured environment types.
func (c Config) IsEnvironmentType(t string) bool {
	for _, et := range c.EnvironmentTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Package config loads process configuration from defaults, an optional
// YAML file and QUILL_* environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

const (
	EnvPrefix = "QUILL"

	EnvDevelopment = "development"
	EnvProduction  = "production"

	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"

	defaultJWTSecret = "change-me-in-production"
	// 32 bytes of 0x01; only acceptable outside production.
	defaultHashKey = "0101010101010101010101010101010101010101010101010101010101010101"
)

// Config holds every tunable of the API process. Secrets live here for the
// process lifetime and are never re-read.
type Config struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	Env             string        `mapstructure:"env"`
	LogLevel        string        `mapstructure:"log_level"`
	AuditLogPath    string        `mapstructure:"audit_log_path"`
	StorageDriver   string        `mapstructure:"storage_driver"`
	DatabaseDSN     string        `mapstructure:"database_dsn"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWTIssuer       string        `mapstructure:"jwt_issuer"`
	HashKey         string        `mapstructure:"hash_key"`
	BcryptCost      int           `mapstructure:"bcrypt_cost"`
	AccessTTL       time.Duration `mapstructure:"access_ttl"`
	RefreshTTL      time.Duration `mapstructure:"refresh_ttl"`
	ResetTokenTTL   time.Duration `mapstructure:"reset_token_ttl"`
	ResetURL        string        `mapstructure:"reset_url"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	SeedAdminEmail  string        `mapstructure:"seed_admin_email"`
	SeedAdminPass   string        `mapstructure:"seed_admin_password"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		Env:             EnvDevelopment,
		LogLevel:        "info",
		StorageDriver:   StorageMemory,
		JWTSecret:       defaultJWTSecret,
		JWTIssuer:       "quillpress",
		HashKey:         defaultHashKey,
		BcryptCost:      bcrypt.DefaultCost,
		AccessTTL:       15 * time.Minute,
		RefreshTTL:      14 * 24 * time.Hour,
		ResetTokenTTL:   time.Hour,
		ResetURL:        "http://localhost:8080/reset-password/confirm",
		AllowedOrigins:  []string{"*"},
		RateLimitPerSec: 5,
		RateLimitBurst:  10,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads configuration. path may be empty; a missing file is not an
// error. Environment variables override the file.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.TrustedProxies = splitList(cfg.TrustedProxies)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("grpc_addr", d.GRPCAddr)
	v.SetDefault("env", d.Env)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("audit_log_path", d.AuditLogPath)
	v.SetDefault("storage_driver", d.StorageDriver)
	v.SetDefault("database_dsn", d.DatabaseDSN)
	v.SetDefault("jwt_secret", d.JWTSecret)
	v.SetDefault("jwt_issuer", d.JWTIssuer)
	v.SetDefault("hash_key", d.HashKey)
	v.SetDefault("bcrypt_cost", d.BcryptCost)
	v.SetDefault("access_ttl", d.AccessTTL)
	v.SetDefault("refresh_ttl", d.RefreshTTL)
	v.SetDefault("reset_token_ttl", d.ResetTokenTTL)
	v.SetDefault("reset_url", d.ResetURL)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("trusted_proxies", []string{})
	v.SetDefault("rate_limit_per_sec", d.RateLimitPerSec)
	v.SetDefault("rate_limit_burst", d.RateLimitBurst)
	v.SetDefault("seed_admin_email", d.SeedAdminEmail)
	v.SetDefault("seed_admin_password", d.SeedAdminPass)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Production reports whether the process runs in production mode.
func (c Config) Production() bool { return c.Env == EnvProduction }

// HashKeyBytes decodes the hex hash key.
func (c Config) HashKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.HashKey)
	if err != nil {
		return nil, fmt.Errorf("hash_key: %w", err)
	}
	return key, nil
}

// Validate reports every problem found, joined into one error.
func (c Config) Validate() error {
	var errs []error
	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("env: unknown value %q", c.Env))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr: required"))
	}
	switch c.StorageDriver {
	case StorageMemory:
	case StoragePostgres, StorageSQLite:
		if c.DatabaseDSN == "" {
			errs = append(errs, fmt.Errorf("database_dsn: required for %s storage", c.StorageDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage_driver: unknown value %q", c.StorageDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret: required"))
	}
	if key, err := c.HashKeyBytes(); err != nil {
		errs = append(errs, err)
	} else if len(key) != 32 {
		errs = append(errs, fmt.Errorf("hash_key: must decode to 32 bytes, got %d", len(key)))
	}
	if c.BcryptCost != 0 && (c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost) {
		errs = append(errs, fmt.Errorf("bcrypt_cost: must be within %d-%d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.ResetTokenTTL <= 0 {
		errs = append(errs, errors.New("access_ttl, refresh_ttl and reset_token_ttl must be positive"))
	} else if c.RefreshTTL <= c.AccessTTL {
		errs = append(errs, errors.New("refresh_ttl must be longer than access_ttl"))
	}
	for _, proxy := range c.TrustedProxies {
		if !validProxy(proxy) {
			errs = append(errs, fmt.Errorf("trusted_proxies: %q is not an IP address or CIDR range", proxy))
		}
	}
	if c.RateLimitPerSec < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if (c.SeedAdminEmail == "") != (c.SeedAdminPass == "") {
		errs = append(errs, errors.New("seed_admin_email and seed_admin_password must be set together"))
	}
	if c.Production() {
		if c.JWTSecret == defaultJWTSecret {
			errs = append(errs, errors.New("jwt_secret: default secret is not allowed in production"))
		}
		if strings.EqualFold(c.HashKey, defaultHashKey) {
			errs = append(errs, errors.New("hash_key: default key is not allowed in production"))
		}
		if c.StorageDriver == StorageMemory {
			errs = append(errs, errors.New("storage_driver: memory storage is not allowed in production"))
		}
	}
	return errors.Join(errs...)
}

func validProxy(s string) bool {
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults (Default)
  2. YAML file passed to Load
  3. .env in the working directory, if present
  4. Process environment (LOYALTY_*)

Command-line flags in cmd/server override the result.

ENVIRONMENT:
  LOYALTY_PORT           server.port
  LOYALTY_DB             database.path
  LOYALTY_ATOMIC_CLAIMS  database.atomic_claims (true/false)
  LOYALTY_CATALOG        database.catalog_seed
  LOYALTY_REDIS_ADDR     redis.addr (empty disables the catalog cache)
  LOYALTY_REDIS_PASSWORD redis.password
  LOYALTY_LOG_LEVEL      log.level
  LOYALTY_LOG_FORMAT     log.format
  LOYALTY_TIMEZONE       timezone (IANA name, streak calendar days)
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/checkout"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/logger"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      logger.Config  `yaml:"log"`
	Timezone string         `yaml:"timezone"`
	Program  Program        `yaml:"program"`
}

type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Path         string `yaml:"path"`
	AtomicClaims bool   `yaml:"atomic_claims"`
	CatalogSeed  string `yaml:"catalog_seed"`
}

type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	CatalogTTL time.Duration `yaml:"catalog_ttl"`
}

// Program holds the business rules of the coin program.
type Program struct {
	Bonus          bonus.Rules           `yaml:"bonus"`
	Checkout       checkout.Rules        `yaml:"checkout"`
	Tiers          ledger.TierThresholds `yaml:"tiers"`
	CallTimeout    time.Duration         `yaml:"call_timeout"`
	ReservationTTL time.Duration         `yaml:"reservation_ttl"`
	Jobs           Jobs                  `yaml:"jobs"`
}

// Jobs are scheduler intervals. Zero disables a job.
type Jobs struct {
	ClaimExpiry      time.Duration `yaml:"claim_expiry"`
	ReservationSweep time.Duration `yaml:"reservation_sweep"`
	ConsistencyAudit time.Duration `yaml:"consistency_audit"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Database: DatabaseConfig{Path: "loyalty.db", AtomicClaims: true},
		Redis:    RedisConfig{CatalogTTL: time.Minute},
		Log:      logger.DefaultConfig(),
		Timezone: "UTC",
		Program: Program{
			Bonus:          bonus.DefaultRules(),
			Checkout:       checkout.DefaultRules(),
			Tiers:          ledger.DefaultTierThresholds,
			CallTimeout:    ledger.DefaultCallTimeout,
			ReservationTTL: 30 * time.Minute,
			Jobs: Jobs{
				ClaimExpiry:      time.Hour,
				ReservationSweep: 5 * time.Minute,
				ConsistencyAudit: 24 * time.Hour,
			},
		},
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LOYALTY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOYALTY_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("LOYALTY_ATOMIC_CLAIMS"); v != "" {
		atomic, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOYALTY_ATOMIC_CLAIMS: %w", err)
		}
		c.Database.AtomicClaims = atomic
	}
	if v := os.Getenv("LOYALTY_CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}

	strs := map[string]*string{
		"LOYALTY_DB":             &c.Database.Path,
		"LOYALTY_CATALOG":        &c.Database.CatalogSeed,
		"LOYALTY_REDIS_ADDR":     &c.Redis.Addr,
		"LOYALTY_REDIS_PASSWORD": &c.Redis.Password,
		"LOYALTY_LOG_LEVEL":      &c.Log.Level,
		"LOYALTY_LOG_FORMAT":     &c.Log.Format,
		"LOYALTY_TIMEZONE":       &c.Timezone,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	return nil
}

func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if err := c.Program.Bonus.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Program.Checkout.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	t := c.Program.Tiers
	if !(0 < t.Silver && t.Silver < t.Gold && t.Gold < t.Platinum) {
		return fmt.Errorf("config: tiers must be increasing and positive, got %d/%d/%d", t.Silver, t.Gold, t.Platinum)
	}
	if c.Program.CallTimeout <= 0 {
		return fmt.Errorf("config: program.call_timeout must be positive")
	}
	if c.Program.ReservationTTL <= 0 {
		return fmt.Errorf("config: program.reservation_ttl must be positive")
	}
	return nil
}

// Location is the timezone that decides streak calendar days.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

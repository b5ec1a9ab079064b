package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/grcsync/pkg/engine"
	"github.com/openfroyo/grcsync/pkg/stores"
	"github.com/openfroyo/grcsync/pkg/telemetry"
)

// AppConfig is the grcsync configuration file.
type AppConfig struct {
	Database DatabaseConfig `yaml:"database"`
	Locks    LocksConfig    `yaml:"locks"`
	Drift    DriftConfig    `yaml:"drift"`
	Policy   PolicyConfig   `yaml:"policy"`
	Schemas  SchemasConfig  `yaml:"schemas"`

	// KindsFile overrides the built-in entity kinds and field mappings.
	KindsFile string `yaml:"kinds_file"`

	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// LocksConfig configures apply locks.
type LocksConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl" validate:"gt=0"`
}

// DriftConfig configures the untracked-record scan of drift detection.
type DriftConfig struct {
	PageSize         int `yaml:"page_size" validate:"gt=0"`
	MaxUntrackedScan int `yaml:"max_untracked_scan" validate:"gte=0"`
}

// PolicyConfig configures Rego admission policies.
type PolicyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths" validate:"dive,required"`

	// Watch reloads the policies when a file under Paths changes.
	Watch bool `yaml:"watch"`
}

// SchemasConfig configures CUE admission schemas.
type SchemasConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths lists extra .cue files. Each file replaces the schema of the
	// resource type named after it, e.g. control.cue.
	Paths []string `yaml:"paths" validate:"dive,required"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Database: DatabaseConfig{
			Path:            "grcsync.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
		},
		Locks: LocksConfig{DefaultTTL: engine.DefaultLockTTL},
		Drift: DriftConfig{PageSize: engine.DefaultDriftPageSize},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Schemas: SchemasConfig{
			Enabled: true,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a YAML configuration file on top of DefaultConfig. An empty
// path returns the defaults.
func Load(path string) (*AppConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *AppConfig) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// StoreConfig converts the database section for stores.NewSQLiteStore.
func (c *AppConfig) StoreConfig() stores.Config {
	return stores.Config{
		Path:            c.Database.Path,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		BusyTimeout:     c.Database.BusyTimeout,
	}
}

// DriftOptions converts the drift section for engine.WithDriftOptions.
func (c *AppConfig) DriftOptions() engine.DriftOptions {
	return engine.DriftOptions{
		PageSize:         c.Drift.PageSize,
		MaxUntrackedScan: c.Drift.MaxUntrackedScan,
	}
}

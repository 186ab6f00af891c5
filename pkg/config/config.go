// Package config holds the typed application configuration shared by the
// CLI commands and the long-running mount.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/tensorhaul/tensorhaul/pkg/configutils"
	"github.com/tensorhaul/tensorhaul/pkg/logging"
)

// Storage selects and parameterizes the object storage backend.
type Storage struct {
	Provider        string `mapstructure:"provider" validate:"required,oneof=s3"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Bucket          string `mapstructure:"bucket"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// MountOptions parameterize the filesystem mount and its cache.
type MountOptions struct {
	CacheSizeMB    int64 `mapstructure:"cache_size_mb" validate:"gt=0"`
	TimeoutSeconds int   `mapstructure:"timeout_seconds" validate:"gt=0"`
	ReadOnly       bool  `mapstructure:"read_only"`
}

// TransferOptions parameterize bulk copy behavior.
type TransferOptions struct {
	ConcurrentUploads int   `mapstructure:"concurrent_uploads" validate:"gt=0"`
	ChunkSize         int64 `mapstructure:"chunk_size" validate:"gt=0"`
	RetryAttempts     int   `mapstructure:"retry_attempts" validate:"gte=1"`
}

// SyncOptions parameterize the diff engine.
type SyncOptions struct {
	MtimeTolerance time.Duration `mapstructure:"mtime_tolerance"`
}

type Config struct {
	AnotherLogger logging.Interface

	DefaultStorage  Storage         `mapstructure:"default_storage"`
	MountOptions    MountOptions    `mapstructure:"mount_options"`
	TransferOptions TransferOptions `mapstructure:"transfer_options"`
	SyncOptions     SyncOptions     `mapstructure:"sync_options"`
}

type Option func(*Config) error

// Apply applies the given options to the configuration.
func (c *Config) Apply(opts ...Option) error {
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(c); err != nil {
			return err
		}
	}
	return nil
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	return &Config{
		DefaultStorage: Storage{
			Provider: "s3",
			Region:   "us-east-1",
		},
		MountOptions: MountOptions{
			CacheSizeMB:    1024,
			TimeoutSeconds: 300,
			ReadOnly:       true,
		},
		TransferOptions: TransferOptions{
			ConcurrentUploads: 4,
			ChunkSize:         8 * 1024 * 1024,
			RetryAttempts:     3,
		},
		SyncOptions: SyncOptions{
			MtimeTolerance: time.Second,
		},
	}
}

// NewConfig builds a configuration from defaults plus the given options.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()
	if err := c.Apply(opts...); err != nil {
		return nil, err
	}
	return c, nil
}

// WithViper overlays values from viper onto the configuration.
func WithViper(v *viper.Viper, logger logging.Interface) Option {
	return func(c *Config) error {
		c.AnotherLogger = logger
		// AutomaticEnv only covers keys viper has seen; nested struct
		// keys must be bound explicitly for env overrides to apply.
		if err := configutils.BindEnvsRecursive(v, c, ""); err != nil {
			return err
		}
		if err := v.Unmarshal(c); err != nil {
			return fmt.Errorf("error unmarshalling config: %w", err)
		}
		return nil
	}
}

// WithAnotherLog sets the logger for the configuration.
func WithAnotherLog(logger logging.Interface) Option {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("nil logger")
		}
		c.AnotherLogger = logger
		return nil
	}
}

// Validate checks the configuration against its declared constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// MountTimeout returns the attribute/listing expiry as a duration.
func (c *Config) MountTimeout() time.Duration {
	return time.Duration(c.MountOptions.TimeoutSeconds) * time.Second
}

// CacheBudget returns the cache byte budget.
func (c *Config) CacheBudget() int64 {
	return c.MountOptions.CacheSizeMB * 1024 * 1024
}

package config

import (
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/tensorhaul/tensorhaul/pkg/logging"
)

// Module provides the validated application configuration.
var Module = fx.Provide(
	func(v *viper.Viper, logger logging.Interface) (*Config, error) {
		cfg, err := NewConfig(
			WithViper(v, logger),
		)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	},
)

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/tensorhaul/tensorhaul/pkg/config"
	"github.com/tensorhaul/tensorhaul/pkg/configutils"
	"github.com/tensorhaul/tensorhaul/pkg/logging"
	"github.com/tensorhaul/tensorhaul/pkg/objectstore"
	"github.com/tensorhaul/tensorhaul/pkg/syncer"
	"github.com/tensorhaul/tensorhaul/pkg/transfer"
)

const envPrefix = "TENSORHAUL"

// humanizeDurationUnit rounds report durations for display.
const humanizeDurationUnit = time.Millisecond

// configProvider builds the viper instance shared by every command.
// The config file is optional; without one the typed defaults apply.
func configProvider(cmd *cobra.Command) fx.Option {
	return fx.Provide(func() (*viper.Viper, error) {
		v := viper.New()

		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		if err := v.BindPFlag("debug", cmd.Flags().Lookup("debug")); err != nil {
			return nil, err
		}
		if err := v.BindPFlag("logging.debug", cmd.Flags().Lookup("debug")); err != nil {
			return nil, err
		}

		if configFilePath != "" {
			if err := configutils.ResolveAndMergeFile(v, configFilePath); err != nil {
				return nil, fmt.Errorf("cannot read config file: %w", err)
			}
		}

		// viper.UnmarshalKey ignores environment variables unless keys
		// are materialized first
		for _, key := range v.AllKeys() {
			v.Set(key, v.Get(key))
		}
		return v, nil
	})
}

// baseOptions assembles the fx modules every command runs on.
func baseOptions(cmd *cobra.Command) []fx.Option {
	return []fx.Option{
		configProvider(cmd),
		logging.Module,
		logging.UseLoggingInterface,
		config.Module,
		fx.Provide(func() afero.Fs { return afero.NewOsFs() }),
		objectstore.Module,
		transfer.Module,
		syncer.Module,
	}
}

// runApp builds the fx app and executes the command's invoke function.
// One-shot commands do their work inside the invoke and surface errors
// through it.
func runApp(cmd *cobra.Command, invoke interface{}) error {
	opts := append(baseOptions(cmd), fx.Invoke(invoke))
	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return err
	}
	return nil
}

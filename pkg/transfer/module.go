package transfer

import (
	"github.com/spf13/afero"
	"go.uber.org/fx"

	"github.com/tensorhaul/tensorhaul/pkg/config"
	"github.com/tensorhaul/tensorhaul/pkg/logging"
	"github.com/tensorhaul/tensorhaul/pkg/objectstore"
	"github.com/tensorhaul/tensorhaul/pkg/retry"
)

// Module provides the transfer Manager from the application
// configuration.
var Module = fx.Provide(
	func(factory objectstore.Factory, fs afero.Fs, cfg *config.Config, logger logging.Interface) *Manager {
		policy := retry.DefaultPolicy().WithAttempts(cfg.TransferOptions.RetryAttempts)
		return NewManager(factory, fs, policy, logger, Options{
			ChunkSize:   cfg.TransferOptions.ChunkSize,
			Concurrency: cfg.TransferOptions.ConcurrentUploads,
		})
	},
)

package syncer

import (
	"github.com/spf13/afero"
	"go.uber.org/fx"

	"github.com/tensorhaul/tensorhaul/pkg/config"
	"github.com/tensorhaul/tensorhaul/pkg/logging"
	"github.com/tensorhaul/tensorhaul/pkg/objectstore"
	"github.com/tensorhaul/tensorhaul/pkg/transfer"
)

// Module provides the sync Engine from the application configuration.
var Module = fx.Provide(
	func(manager *transfer.Manager, factory objectstore.Factory, fs afero.Fs, cfg *config.Config, logger logging.Interface) *Engine {
		return NewEngine(manager, factory, fs,
			cfg.SyncOptions.MtimeTolerance,
			cfg.TransferOptions.ConcurrentUploads,
			logger)
	},
)

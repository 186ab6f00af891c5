package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tensorhaul/tensorhaul/pkg/cache"
	"github.com/tensorhaul/tensorhaul/pkg/location"
	"github.com/tensorhaul/tensorhaul/pkg/objectstore"
	"github.com/tensorhaul/tensorhaul/pkg/syncer"
	"github.com/tensorhaul/tensorhaul/pkg/transfer"
	"github.com/tensorhaul/tensorhaul/pkg/version"
)

var configFilePath string
var debug bool

var rootCmd = &cobra.Command{
	Use:     "tensorhaul",
	Short:   "Move ML artifacts between local disk and object storage",
	Long:    "tensorhaul lists, copies, syncs, and mounts object storage buckets holding ML artifacts.",
	Version: fmt.Sprintf("gitVersion=%s, gitCommit=%s", version.GitVersion, version.GitCommit),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR (%s): %v\n", errCategory(err), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newCopyCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newMountCommand())
}

// errCategory names the failure class for scripted callers.
func errCategory(err error) string {
	switch {
	case errors.Is(err, location.ErrInvalidScheme), errors.Is(err, location.ErrEmptyPath):
		return "invalid-path"
	case errors.Is(err, transfer.ErrUnsupportedPair):
		return "unsupported"
	case errors.Is(err, transfer.ErrSizeMismatch):
		return "size-mismatch"
	case errors.Is(err, syncer.ErrListingFailure):
		return "listing"
	case objectstore.IsNotFound(err):
		return "not-found"
	case objectstore.IsTimeout(err):
		return "timeout"
	case errors.Is(err, cache.ErrCacheFull):
		return "cache-full"
	default:
		return "error"
	}
}

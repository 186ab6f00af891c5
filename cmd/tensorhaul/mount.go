package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/tensorhaul/tensorhaul/pkg/cache"
	"github.com/tensorhaul/tensorhaul/pkg/config"
	"github.com/tensorhaul/tensorhaul/pkg/location"
	"github.com/tensorhaul/tensorhaul/pkg/logging"
	"github.com/tensorhaul/tensorhaul/pkg/mountfs"
	"github.com/tensorhaul/tensorhaul/pkg/objectstore"
	"github.com/tensorhaul/tensorhaul/pkg/retry"
)

func newMountCommand() *cobra.Command {
	var source, mountpoint string
	var readonly bool

	cmd := &cobra.Command{
		Use:   "mount --source <uri> --mountpoint <path>",
		Short: "Mount an s3:// prefix as a local filesystem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := location.Resolve(source)
			if err != nil {
				return fmt.Errorf("source: %w", err)
			}
			if !src.IsRemote() {
				return fmt.Errorf("mount source must be an s3:// URI, got %s", source)
			}

			opts := append(baseOptions(cmd), fx.Invoke(mountInvoke(src, mountpoint, readonly)))
			app := fx.New(opts...)
			if err := app.Err(); err != nil {
				return err
			}
			// serves until the filesystem is unmounted or a signal
			// arrives; teardown flushes dirty cache entries
			app.Run()
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "s3:// URI to mount")
	cmd.Flags().StringVar(&mountpoint, "mountpoint", "", "local mount point")
	cmd.Flags().BoolVar(&readonly, "readonly", false, "force a read-only mount")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("mountpoint")
	return cmd
}

func mountInvoke(src location.Location, mountpoint string, readonly bool) interface{} {
	return func(lc fx.Lifecycle, sh fx.Shutdowner, factory objectstore.Factory, filesys afero.Fs, cfg *config.Config, logger logging.Interface) error {
		client, err := factory(context.Background(), src.Bucket())
		if err != nil {
			return err
		}

		cacheDir := filepath.Join(os.TempDir(), "tensorhaul-cache")
		policy := retry.DefaultPolicy().WithAttempts(cfg.TransferOptions.RetryAttempts)
		c, err := cache.New(filesys, cacheDir, cfg.CacheBudget(), mountfs.CacheUploader(client), policy, logger)
		if err != nil {
			return err
		}

		mfs := mountfs.New(client, c, src, mountfs.Options{
			ReadOnly:     cfg.MountOptions.ReadOnly || readonly,
			EntryTimeout: cfg.MountTimeout(),
			WriteDir:     cacheDir,
		}, logger)

		var server *gofuse.Server
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				server, err = mfs.Mount(mountpoint)
				if err != nil {
					return err
				}
				go func() {
					server.Wait()
					if err := sh.Shutdown(); err != nil {
						logger.WithError(err).Error("shutdown after unmount failed")
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				if server != nil {
					_ = server.Unmount()
				}
				if err := c.FlushAll(ctx); err != nil {
					logger.WithError(err).Error("flushing dirty cache entries failed")
					return err
				}
				return nil
			},
		})
		return nil
	}
}

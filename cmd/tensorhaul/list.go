package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tensorhaul/tensorhaul/pkg/location"
	"github.com/tensorhaul/tensorhaul/pkg/objectstore"
)

func newListCommand() *cobra.Command {
	var long bool

	cmd := &cobra.Command{
		Use:   "list <uri>",
		Short: "List a local directory or an s3:// prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := location.Resolve(args[0])
			if err != nil {
				return err
			}
			return runApp(cmd, func(factory objectstore.Factory, fs afero.Fs) error {
				return runList(cmd.Context(), factory, fs, loc, long)
			})
		},
	}

	cmd.Flags().BoolVarP(&long, "long", "l", false, "show size and modification time")
	return cmd
}

func runList(ctx context.Context, factory objectstore.Factory, fs afero.Fs, loc location.Location, long bool) error {
	if loc.IsRemote() {
		client, err := factory(ctx, loc.Bucket())
		if err != nil {
			return err
		}
		infos, err := client.List(ctx, loc.Key())
		if err != nil {
			return err
		}
		for _, info := range infos {
			if info.IsDir {
				continue
			}
			if long {
				fmt.Printf("%10s  %s  s3://%s/%s\n",
					humanize.Bytes(uint64(info.Size)),
					info.LastModified.Format("2006-01-02 15:04:05"),
					loc.Bucket(), info.Key)
			} else {
				fmt.Printf("s3://%s/%s\n", loc.Bucket(), info.Key)
			}
		}
		return nil
	}

	entries, err := afero.ReadDir(fs, loc.Path())
	if err != nil {
		return err
	}
	for _, fi := range entries {
		name := fi.Name()
		if fi.IsDir() {
			name += "/"
		}
		if long {
			fmt.Printf("%10s  %s  %s\n",
				humanize.Bytes(uint64(fi.Size())),
				fi.ModTime().Format("2006-01-02 15:04:05"),
				name)
		} else {
			fmt.Println(name)
		}
	}
	return nil
}

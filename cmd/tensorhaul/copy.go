package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tensorhaul/tensorhaul/pkg/location"
	"github.com/tensorhaul/tensorhaul/pkg/transfer"
)

func newCopyCommand() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "copy <src> <dst>",
		Short: "Copy files between local disk and object storage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := location.Resolve(args[0])
			if err != nil {
				return fmt.Errorf("source: %w", err)
			}
			dst, err := location.Resolve(args[1])
			if err != nil {
				return fmt.Errorf("destination: %w", err)
			}

			return runApp(cmd, func(manager *transfer.Manager) error {
				report, err := manager.CopyTree(cmd.Context(), src, dst, recursive)
				if report != nil {
					printCopyReport(report)
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "copy a whole tree")
	return cmd
}

func printCopyReport(report *transfer.Report) {
	fmt.Printf("copied %d file(s), %s in %s\n",
		report.Succeeded,
		humanize.Bytes(uint64(report.Bytes)),
		report.Duration.Round(humanizeDurationUnit),
	)
	for _, f := range report.Failed {
		fmt.Printf("failed: %s: %v\n", f.Path, f.Err)
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tensorhaul/tensorhaul/pkg/location"
	"github.com/tensorhaul/tensorhaul/pkg/syncer"
)

func newSyncCommand() *cobra.Command {
	var deleteExtra bool

	cmd := &cobra.Command{
		Use:   "sync <src> <dst>",
		Short: "Make the destination tree mirror the source tree",
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

			return runApp(cmd, func(engine *syncer.Engine) error {
				report, err := engine.Sync(cmd.Context(), src, dst, deleteExtra)
				if report != nil {
					printSyncReport(report)
				}
				if err != nil {
					return err
				}
				if len(report.Failed) > 0 {
					return fmt.Errorf("sync finished with %d failure(s)", len(report.Failed))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&deleteExtra, "delete", false, "delete destination files absent from the source")
	return cmd
}

func printSyncReport(report *syncer.Report) {
	fmt.Printf("transferred %d, deleted %d, skipped %d, failed %d\n",
		report.Transferred, report.Deleted, report.Skipped, len(report.Failed))
	for _, f := range report.Failed {
		fmt.Printf("failed: %s: %v\n", f.Path, f.Err)
	}
}

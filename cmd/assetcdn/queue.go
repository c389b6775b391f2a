package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Work with the resolution queue",
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Resolve every queued path now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, closeFn, err := openEngine()
		if err != nil {
			return err
		}
		defer closeFn()

		report, err := engine.Queue.Drain(cmd.Context(), 0)
		if err != nil {
			return err
		}
		if report.Skipped {
			return fmt.Errorf("queue is being processed by another run")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Processed %d paths: %d active, %d inactive, %d expired dropped.\n",
			report.Processed, report.Active, report.Inactive, report.Expired)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueProcessCmd)
}

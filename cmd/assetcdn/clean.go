package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete stored decisions",
}

var cleanAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Delete every stored path, cached version and marker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, closeFn, err := openEngine()
		if err != nil {
			return err
		}
		defer closeFn()
		if err := engine.Invalidator.DeleteAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Deleted all stored paths.")
		return nil
	},
}

var cleanExpiredCmd = &cobra.Command{
	Use:   "expired",
	Short: "Delete paths whose ttl has passed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, closeFn, err := openEngine()
		if err != nil {
			return err
		}
		defer closeFn()
		n, err := engine.Invalidator.DeleteExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired paths.\n", n)
		return nil
	},
}

var cleanStartingWithCmd = &cobra.Command{
	Use:     "starting-with <path>...",
	Short:   "Delete paths starting with any of the given prefixes",
	Example: "  assetcdn clean starting-with /wp-includes/ /wp-content/plugins/akismet/",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, closeFn, err := openEngine()
		if err != nil {
			return err
		}
		defer closeFn()
		n, err := engine.Invalidator.DeleteStartingWith(cmd.Context(), args)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d paths.\n", n)
		return nil
	},
}

func init() {
	cleanCmd.AddCommand(cleanAllCmd)
	cleanCmd.AddCommand(cleanExpiredCmd)
	cleanCmd.AddCommand(cleanStartingWithCmd)
}

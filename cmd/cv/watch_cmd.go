package main

import (
	"github.com/spf13/cobra"

	"github.com/contextvault/contextvault/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the vault tree and index changes incrementally",
		RunE: func(cmd *cobra.Command, args []string) error {
			tc, d, closer, err := openEngine()
			if err != nil {
				return err
			}
			defer closer()

			// Converge once before streaming changes.
			if _, err := d.Reindex(cmd.Context(), nil); err != nil {
				return err
			}
			return watcher.Watch(cmd.Context(), tc)
		},
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newReindexCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Reconcile the index with the on-disk vault tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, closer, err := openEngine()
			if err != nil {
				return err
			}
			defer closer()

			progress := func(current, total int, path string) {
				if !quiet {
					fmt.Fprintf(os.Stderr, "  [%d/%d] %s\n", current, total, path)
				}
			}
			stats, err := d.Reindex(cmd.Context(), progress)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress per-file progress")
	return cmd
}

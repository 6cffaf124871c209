package main

import (
	"github.com/spf13/cobra"

	"github.com/contextvault/contextvault/internal/cli"
	"github.com/contextvault/contextvault/internal/tools"
)

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an entry by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, closer, err := openEngine()
			if err != nil {
				return err
			}
			defer closer()

			if _, err := d.DeleteContext(cmd.Context(), tools.DeleteContextInput{ID: args[0]}); err != nil {
				return err
			}
			cli.Okf("deleted %s", args[0])
			return nil
		},
	}
}

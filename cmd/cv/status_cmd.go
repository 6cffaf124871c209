package main

import (
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the vault diagnostic snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, closer, err := openEngine()
			if err != nil {
				return err
			}
			defer closer()

			res, err := d.ContextStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

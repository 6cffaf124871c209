package main

import (
	"github.com/spf13/cobra"
)

func newManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest",
		Short: "Print the sync manifest (id, kind, title, created_at per entry)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, closer, err := openEngine()
			if err != nil {
				return err
			}
			defer closer()

			res, err := d.Manifest(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

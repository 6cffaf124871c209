package main

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export all entries as JSONL on stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, closer, err := openEngine()
			if err != nil {
				return err
			}
			defer closer()

			res, err := d.Export(cmd.Context())
			if err != nil {
				return err
			}
			w := bufio.NewWriter(os.Stdout)
			defer w.Flush()
			enc := json.NewEncoder(w)
			for _, e := range res.Entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

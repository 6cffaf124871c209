package main

import (
	"github.com/spf13/cobra"

	"github.com/contextvault/contextvault/internal/tools"
)

func newListCmd() *cobra.Command {
	var (
		kind     string
		category string
		tags     []string
		since    string
		until    string
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Browse entries newest-first with filters and pagination",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, closer, err := openEngine()
			if err != nil {
				return err
			}
			defer closer()

			res, err := d.ListContext(cmd.Context(), tools.ListContextInput{
				Kind:     kind,
				Category: category,
				Tags:     tags,
				Since:    since,
				Until:    until,
				Limit:    limit,
				Offset:   offset,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag (repeatable)")
	cmd.Flags().StringVar(&since, "since", "", "lower time bound (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "upper time bound (RFC3339)")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (default 20, max 100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}

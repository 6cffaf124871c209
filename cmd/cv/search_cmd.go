package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/contextvault/contextvault/internal/tools"
)

func newSearchCmd() *cobra.Command {
	var (
		kind        string
		category    string
		identityKey string
		tags        []string
		since       string
		until       string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Hybrid search over the vault",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, closer, err := openEngine()
			if err != nil {
				return err
			}
			defer closer()

			res, err := d.GetContext(cmd.Context(), tools.GetContextInput{
				Query:       strings.Join(args, " "),
				Kind:        kind,
				Category:    category,
				IdentityKey: identityKey,
				Tags:        tags,
				Since:       since,
				Until:       until,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().StringVar(&identityKey, "identity-key", "", "exact entity lookup (with --kind)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag (repeatable)")
	cmd.Flags().StringVar(&since, "since", "", "lower time bound (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "upper time bound (RFC3339)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/contextvault/contextvault/internal/tools"
)

func newFeedbackCmd() *cobra.Command {
	var (
		fbType   string
		severity string
	)
	cmd := &cobra.Command{
		Use:   "feedback <text>",
		Short: "File feedback about the vault",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, closer, err := openEngine()
			if err != nil {
				return err
			}
			defer closer()

			res, err := d.SubmitFeedback(cmd.Context(), tools.SubmitFeedbackInput{
				Type:     fbType,
				Severity: severity,
				Body:     strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&fbType, "type", "other", "bug, feature, praise, or other")
	cmd.Flags().StringVar(&severity, "severity", "", "severity label")
	return cmd
}

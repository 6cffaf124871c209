package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/contextvault/contextvault/internal/tools"
)

func newSaveCmd() *cobra.Command {
	var (
		id          string
		title       string
		tags        []string
		source      string
		folder      string
		identityKey string
		expiresAt   string
		metaJSON    string
		stdin       bool
	)
	cmd := &cobra.Command{
		Use:   "save <kind> [body]",
		Short: "Save an entry (or update with --id)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, closer, err := openEngine()
			if err != nil {
				return err
			}
			defer closer()

			body := ""
			if len(args) > 1 {
				body = args[1]
			}
			if stdin || body == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				body = string(data)
			}

			in := tools.SaveContextInput{
				ID:          id,
				Kind:        args[0],
				Body:        body,
				Tags:        tags,
				Folder:      folder,
				IdentityKey: identityKey,
				ExpiresAt:   expiresAt,
			}
			if cmd.Flags().Changed("title") {
				in.Title = &title
			}
			if cmd.Flags().Changed("source") {
				in.Source = &source
			}
			if metaJSON != "" {
				if err := json.Unmarshal([]byte(metaJSON), &in.Meta); err != nil {
					return fmt.Errorf("parse --meta: %w", err)
				}
			}

			res, err := d.SaveContext(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "update an existing entry")
	cmd.Flags().StringVar(&title, "title", "", "entry title")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&source, "source", "", "provenance label")
	cmd.Flags().StringVar(&folder, "folder", "", "subfolder under the kind directory")
	cmd.Flags().StringVar(&identityKey, "identity-key", "", "identity key (required for entity kinds)")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "TTL as RFC3339 timestamp")
	cmd.Flags().StringVar(&metaJSON, "meta", "", "metadata as a JSON object")
	cmd.Flags().BoolVar(&stdin, "stdin", false, "read the body from stdin")
	return cmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

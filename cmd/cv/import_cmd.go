package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/contextvault/contextvault/internal/capture"
	"github.com/contextvault/contextvault/internal/cli"
)

// importEntry is one JSONL line of an import file (the shape cv export
// writes).
type importEntry struct {
	Kind        string         `json:"kind"`
	Title       string         `json:"title,omitempty"`
	Body        string         `json:"body"`
	Meta        map[string]any `json:"meta,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Source      string         `json:"source,omitempty"`
	Folder      string         `json:"folder,omitempty"`
	IdentityKey string         `json:"identity_key,omitempty"`
	ExpiresAt   string         `json:"expires_at,omitempty"`
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.jsonl>",
		Short: "Import entries from a JSONL file (one entry per line)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var batch []capture.Input
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
			line := 0
			for scanner.Scan() {
				line++
				if len(scanner.Bytes()) == 0 {
					continue
				}
				var ie importEntry
				if err := json.Unmarshal(scanner.Bytes(), &ie); err != nil {
					return fmt.Errorf("line %d: %w", line, err)
				}
				in := capture.Input{
					Kind:        ie.Kind,
					Body:        ie.Body,
					Meta:        ie.Meta,
					Tags:        ie.Tags,
					Folder:      ie.Folder,
					IdentityKey: ie.IdentityKey,
				}
				if ie.Title != "" {
					title := ie.Title
					in.Title = &title
				}
				if ie.Source != "" {
					source := ie.Source
					in.Source = &source
				}
				if ie.ExpiresAt != "" {
					t, err := time.Parse(time.RFC3339, ie.ExpiresAt)
					if err != nil {
						return fmt.Errorf("line %d: expires_at: %w", line, err)
					}
					in.ExpiresAt = &t
				}
				batch = append(batch, in)
			}
			if err := scanner.Err(); err != nil {
				return err
			}

			_, d, closer, err := openEngine()
			if err != nil {
				return err
			}
			defer closer()

			res, err := d.Import(cmd.Context(), batch, func(done, total int) {
				fmt.Fprintf(os.Stderr, "\r  importing %d/%d", done, total)
			})
			fmt.Fprintln(os.Stderr)
			if err != nil {
				cli.Errf("import aborted: %v", err)
			}
			return printJSON(res)
		},
	}
}

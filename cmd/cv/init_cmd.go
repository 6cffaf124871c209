package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/contextvault/contextvault/internal/cli"
	"github.com/contextvault/contextvault/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the vault directory tree and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.WriteMarker(cfg.VaultDir, Version); err != nil {
				return err
			}
			for _, dir := range []string{"knowledge", "entity", "event"} {
				if err := os.MkdirAll(filepath.Join(cfg.VaultDir, dir), 0o755); err != nil {
					return err
				}
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			cli.Okf("vault initialized at %s", cli.ShortenHome(cfg.VaultDir))
			cli.Okf("config written to %s", cli.ShortenHome(filepath.Join(cfg.DataDir, "config.json")))
			return nil
		},
	}
}

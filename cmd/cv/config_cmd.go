package main

import (
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := map[string]any{
				"vault_dir":        cfg.VaultDir,
				"data_dir":         cfg.DataDir,
				"db_path":          cfg.DBPath,
				"event_decay_days": cfg.EventDecayDays,
				"resolved_from":    cfg.ResolvedFrom,
			}
			if cfg.HostedURL != "" {
				out["hosted_url"] = cfg.HostedURL
			}
			if cfg.UserID != "" {
				out["user_id"] = cfg.UserID
			}
			if cfg.Email != "" {
				out["email"] = cfg.Email
			}
			if cfg.LinkedAt != "" {
				out["linked_at"] = cfg.LinkedAt
			}
			return printJSON(out)
		},
	}
}

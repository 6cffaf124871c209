// Package main is the entrypoint for the cv CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/contextvault/contextvault/internal/config"
	"github.com/contextvault/contextvault/internal/crypt"
	"github.com/contextvault/contextvault/internal/embedding"
	"github.com/contextvault/contextvault/internal/store"
	"github.com/contextvault/contextvault/internal/tenant"
	"github.com/contextvault/contextvault/internal/tools"
)

// dekCache holds unwrapped tenant DEKs for the process lifetime.
var dekCache = crypt.NewDEKCache(256, 0)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	flagVault   string
	flagDataDir string
	flagDBPath  string
	flagUser    string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "cv",
		Short:         "Context Vault — a local-first knowledge store for AI agents",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.WarnLevel
			if flagVerbose {
				level = zerolog.DebugLevel
			}
			log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).With().Timestamp().Logger()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagVault, "vault", "", "vault root directory (overrides config)")
	pf.StringVar(&flagDataDir, "data-dir", "", "data directory (overrides config)")
	pf.StringVar(&flagDBPath, "db", "", "database path (overrides config)")
	pf.StringVar(&flagUser, "user", "", "tenant user id (default: local mode)")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newSaveCmd(),
		newSearchCmd(),
		newListCmd(),
		newDeleteCmd(),
		newFeedbackCmd(),
		newStatusCmd(),
		newReindexCmd(),
		newManifestCmd(),
		newImportCmd(),
		newExportCmd(),
		newWatchCmd(),
		newConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cv: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves config and applies CLI flag overrides (the highest
// precedence level).
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(nil)
	if err != nil {
		return nil, err
	}
	if flagVault != "" {
		if cfg.VaultDir, err = filepath.Abs(flagVault); err != nil {
			return nil, err
		}
	}
	if flagDataDir != "" {
		if cfg.DataDir, err = filepath.Abs(flagDataDir); err != nil {
			return nil, err
		}
		if flagDBPath == "" {
			cfg.DBPath = filepath.Join(cfg.DataDir, "vault.db")
		}
	}
	if flagDBPath != "" {
		if cfg.DBPath, err = filepath.Abs(flagDBPath); err != nil {
			return nil, err
		}
	}
	if flagUser == "" {
		flagUser = cfg.UserID
	}
	return cfg, nil
}

// openEngine builds the tenant context and dispatcher for one CLI
// invocation. The returned closer releases the store.
func openEngine() (*tenant.Context, *tools.Dispatcher, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}

	tc := &tenant.Context{
		Store:     db,
		Embedder:  embedding.NewLazy(embedConfig()),
		VaultRoot: cfg.VaultDir,
		DBPath:    cfg.DBPath,
		UserID:    flagUser,
		DecayDays: cfg.EventDecayDays,
	}

	// Envelope encryption is opt-in: both the server master secret and the
	// client key share must be present.
	master := os.Getenv("CONTEXT_VAULT_MASTER_SECRET")
	share := os.Getenv("CONTEXT_VAULT_KEY_SHARE")
	if master != "" && share != "" {
		kr := crypt.NewKeyring([]byte(master))
		if err := tenant.AttachEncryption(tc, kr, dekCache, []byte(share)); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
	}
	d := tools.New(tc, tools.Options{
		Version:      Version,
		ResolvedFrom: cfg.ResolvedFrom,
	})
	return tc, d, func() { db.Close() }, nil
}

// embedConfig reads the embedding provider settings from the environment.
// Unset means the local Ollama default; "none" forces lexical-only mode.
func embedConfig() embedding.Config {
	return embedding.Config{
		Provider: os.Getenv("CONTEXT_VAULT_EMBED_PROVIDER"),
		Model:    os.Getenv("CONTEXT_VAULT_EMBED_MODEL"),
		BaseURL:  os.Getenv("CONTEXT_VAULT_EMBED_BASE_URL"),
		APIKey:   os.Getenv("CONTEXT_VAULT_EMBED_API_KEY"),
	}
}

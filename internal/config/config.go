// Package config resolves engine configuration.
// Precedence, lowest to highest: built-in defaults, <data_dir>/config.json,
// environment variables (CONTEXT_VAULT_*, alias CONTEXT_MCP_*), CLI flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EmbeddingDim is the fixed dimensionality of the vector index. Changing it
// requires a full rebuild, so it is a constant rather than a setting.
const EmbeddingDim = 384

// MarkerFile marks a directory as a vault root.
const MarkerFile = ".context-mcp"

// Config holds the resolved engine configuration. All paths are absolute
// after Load.
type Config struct {
	VaultDir       string `mapstructure:"vault_dir" json:"vault_dir"`
	DataDir        string `mapstructure:"data_dir" json:"data_dir"`
	DBPath         string `mapstructure:"db_path" json:"db_path"`
	EventDecayDays int    `mapstructure:"event_decay_days" json:"event_decay_days"`
	HostedURL      string `mapstructure:"hosted_url" json:"hosted_url,omitempty"`
	APIKey         string `mapstructure:"api_key" json:"api_key,omitempty"`
	UserID         string `mapstructure:"user_id" json:"user_id,omitempty"`
	Email          string `mapstructure:"email" json:"email,omitempty"`
	LinkedAt       string `mapstructure:"linked_at" json:"linked_at,omitempty"`

	// ResolvedFrom records where the effective config came from, for the
	// status snapshot.
	ResolvedFrom string `mapstructure:"-" json:"-"`
}

// keys lists every recognized configuration key.
var keys = []string{
	"vault_dir", "data_dir", "db_path", "event_decay_days",
	"hosted_url", "api_key", "user_id", "email", "linked_at",
}

// Load resolves configuration from all sources. flags may be nil (no CLI
// override).
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	home, _ := os.UserHomeDir()
	defaultData := filepath.Join(home, ".context-vault")
	v.SetDefault("vault_dir", filepath.Join(home, "context-vault"))
	v.SetDefault("data_dir", defaultData)
	v.SetDefault("db_path", "")
	v.SetDefault("event_decay_days", 30)

	// Canonical env names first, legacy alias second.
	for _, key := range keys {
		suffix := strings.ToUpper(key)
		if err := v.BindEnv(key, "CONTEXT_VAULT_"+suffix, "CONTEXT_MCP_"+suffix); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	// The config file lives under data_dir, so data_dir must be resolved
	// from env/flags/defaults before the file is read. The file itself may
	// not relocate data_dir.
	dataDir, err := filepath.Abs(v.GetString("data_dir"))
	if err != nil {
		return nil, fmt.Errorf("resolve data_dir: %w", err)
	}

	resolvedFrom := "defaults"
	cfgFile := filepath.Join(dataDir, "config.json")
	if _, err := os.Stat(cfgFile); err == nil {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", cfgFile, err)
		}
		resolvedFrom = cfgFile
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.DataDir = dataDir
	cfg.ResolvedFrom = resolvedFrom

	if cfg.VaultDir, err = filepath.Abs(cfg.VaultDir); err != nil {
		return nil, fmt.Errorf("resolve vault_dir: %w", err)
	}
	if err := validateVaultDir(cfg.VaultDir); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "vault.db")
	} else if cfg.DBPath, err = filepath.Abs(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("resolve db_path: %w", err)
	}
	if cfg.EventDecayDays <= 0 {
		cfg.EventDecayDays = 30
	}

	return &cfg, nil
}

// EventDecay returns the event recency window as a duration.
func (c *Config) EventDecay() time.Duration {
	return time.Duration(c.EventDecayDays) * 24 * time.Hour
}

// Save writes the configuration file under data_dir.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.DataDir, "config.json"), data, 0o600)
}

// validateVaultDir rejects vault roots that are filesystem roots or shallow
// system directories, where a vault walk would scan far too much.
func validateVaultDir(path string) error {
	dangerous := []string{"/", "/home", "/Users", "/tmp", "/var", "/etc", "/opt"}
	if runtime.GOOS == "windows" {
		for _, letter := range "CD" {
			dangerous = append(dangerous, string(letter)+":\\")
		}
	}
	for _, d := range dangerous {
		if path == d {
			return fmt.Errorf("vault_dir %q is too broad", path)
		}
	}
	return nil
}

// Marker is the JSON payload of the vault marker file.
type Marker struct {
	Created string `json:"created"`
	Version string `json:"version"`
}

// MarkerPath returns the marker file location for a vault root.
func MarkerPath(vaultDir string) string {
	return filepath.Join(vaultDir, MarkerFile)
}

// HasMarker reports whether the directory is an initialized vault.
func HasMarker(vaultDir string) bool {
	_, err := os.Stat(MarkerPath(vaultDir))
	return err == nil
}

// WriteMarker initializes a vault root: creates the directory tree and
// writes the marker file. Idempotent.
func WriteMarker(vaultDir, version string) error {
	if err := os.MkdirAll(vaultDir, 0o755); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	if HasMarker(vaultDir) {
		return nil
	}
	m := Marker{Created: time.Now().UTC().Format(time.RFC3339), Version: version}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(MarkerPath(vaultDir), data, 0o644)
}

// ReadMarker parses the marker file for a vault root.
func ReadMarker(vaultDir string) (*Marker, error) {
	data, err := os.ReadFile(MarkerPath(vaultDir))
	if err != nil {
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse marker: %w", err)
	}
	return &m, nil
}

package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/sqlgate/internal/config"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/output"
)

var flagInitForce bool

func init() {
	initCmd.Flags().BoolVarP(&flagInitForce, "force", "f", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the sqlgate home directory, config and state store",
	Long: `Initialize $SQLGATE_HOME (default ~/.sqlgate).

Creates the following structure:
  ~/.sqlgate/
  ├── config.toml      # Commented defaults; set target.url here
  ├── state.db         # Approval and audit store (SQLite, WAL mode)
  └── logs/            # Daemon log

An existing config.toml is kept unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	out, err := newWriter(cmd)
	if err != nil {
		return err
	}

	configPath := flagConfig
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	wrote, err := config.WriteDefault(configPath, flagInitForce)
	if err != nil {
		return fmt.Errorf("creating config: %w", err)
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	logDir := filepath.Dir(cfg.LogFile())
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return fmt.Errorf("creating directory %s: %w", logDir, err)
	}

	store, err := db.Open(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("initializing state store: %w", err)
	}
	version, err := store.GetSchemaVersion()
	store.Close()
	if err != nil {
		return err
	}

	if out.Format() == output.FormatJSON {
		return out.JSON(map[string]any{
			"initialized":    true,
			"config":         configPath,
			"config_written": wrote,
			"state":          cfg.State.Path,
			"schema_version": version,
			"logs":           logDir,
		})
	}

	out.Printf("Initialized sqlgate in %s\n\n", config.HomeDir())
	if wrote {
		out.Printf("  %-12s %s\n", "config", configPath)
	} else {
		out.Printf("  %-12s %s (kept existing)\n", "config", configPath)
	}
	out.Printf("  %-12s %s (schema v%d)\n", "state", cfg.State.Path, version)
	out.Printf("  %-12s %s\n\n", "logs", logDir)
	out.Printf("Next steps:\n")
	out.Printf("  1. Set target.url in %s\n", configPath)
	out.Printf("  2. Start the gateway: sqlgate daemon start\n")
	out.Printf("  3. Review requests:   sqlgate pending / sqlgate tui\n")
	return nil
}

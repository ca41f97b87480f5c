// Package cli implements the sqlgate command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Dicklesworthstone/sqlgate/internal/config"
	"github.com/Dicklesworthstone/sqlgate/internal/output"
)

var (
	flagConfig   string
	flagOutput   string
	flagJSON     bool
	flagLogLevel string
	flagState    string
	flagTarget   string
)

var rootCmd = &cobra.Command{
	Use:   "sqlgate",
	Short: "Human-approved SQL for LLM agents",
	Long: `sqlgate sits between an agent and a database. Reads run immediately inside
read-only transactions; writes and schema changes wait for a human decision.

Configuration precedence: defaults < config file < SQLGATE_* env < flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default $SQLGATE_HOME/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "output format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "shorthand for --output json")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagState, "state", "", "state database path")
	rootCmd.PersistentFlags().StringVar(&flagTarget, "target", "", "target database URL")
}

// Execute runs the root command. Cancelling ctx aborts blocking commands.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// GetOutput returns the effective output format.
func GetOutput() string {
	if flagJSON {
		return string(output.FormatJSON)
	}
	return flagOutput
}

func newWriter(cmd *cobra.Command) (*output.Writer, error) {
	format, err := output.ParseFormat(GetOutput())
	if err != nil {
		return nil, err
	}
	return output.New(cmd.OutOrStdout(), format), nil
}

// loadConfig applies flag overrides on top of file and environment settings.
func loadConfig() (*config.Config, *viper.Viper, error) {
	cfg, v, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, err
	}
	overrides := map[string]string{
		"log.level":  flagLogLevel,
		"state.path": flagState,
		"target.url": flagTarget,
	}
	changed := false
	for key, val := range overrides {
		if strings.TrimSpace(val) != "" {
			v.Set(key, val)
			changed = true
		}
	}
	if changed {
		if cfg, err = config.Decode(v); err != nil {
			return nil, nil, err
		}
	}
	return cfg, v, nil
}

// newLogger writes to stderr so stdout stays machine-readable.
func newLogger(cfg *config.Config) *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           cfg.Level(),
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "sqlgate",
	})
}

// reviewer is the default decider identity.
func reviewer() string {
	for _, k := range []string{"SQLGATE_REVIEWER", "USER", "USERNAME"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func requireArg(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

// withBackend loads config, connects and hands the pieces to fn.
func withBackend(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, b backend, out *output.Writer) error) error {
	out, err := newWriter(cmd)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b := connect(ctx, cfg, newLogger(cfg))
	defer b.Close()
	return fn(ctx, cfg, b, out)
}

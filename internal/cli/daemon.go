package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/sqlgate/internal/daemon"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/output"
)

var flagStopTimeout time.Duration

func init() {
	daemonStopCmd.Flags().DurationVar(&flagStopTimeout, "timeout", 10*time.Second, "how long to wait for the daemon to exit")

	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd)
	rootCmd.AddCommand(serveCmd, daemonCmd, statusCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway daemon in the foreground",
	Long: `Serve tool calls, approvals and schema requests on a Unix socket.

Logs go to stderr. The config file is watched: log level and rate limits
apply without a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, v, err := loadConfig()
		if err != nil {
			return err
		}
		opts := daemon.OptionsFor(cfg)
		opts.Logger = newLogger(cfg)
		opts.Viper = v
		return daemon.RunDaemon(cmd.Context(), cfg, opts)
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the background daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, v, err := loadConfig()
		if err != nil {
			return err
		}
		opts := daemon.OptionsFor(cfg)
		opts.Viper = v
		if err := daemon.StartDaemonWithOptions(cmd.Context(), cfg, opts); err != nil {
			return err
		}
		out, err := newWriter(cmd)
		if err != nil {
			return err
		}
		if out.Format() == output.FormatJSON {
			return out.JSON(map[string]any{"started": true, "socket": opts.SocketPath, "log": cfg.LogFile()})
		}
		out.Printf("daemon started (socket %s, log %s)\n", opts.SocketPath, cfg.LogFile())
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if err := daemon.StopDaemonWithOptions(daemon.OptionsFor(cfg), flagStopTimeout); err != nil {
			return err
		}
		out, err := newWriter(cmd)
		if err != nil {
			return err
		}
		if out.Format() == output.FormatJSON {
			return out.JSON(map[string]any{"stopped": true})
		}
		out.Printf("daemon stopped\n")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and state store status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newWriter(cmd)
		if err != nil {
			return err
		}
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		opts := daemon.OptionsFor(cfg)

		if running, pid := daemon.Running(opts); running {
			client := daemon.NewIPCClient(opts.SocketPath)
			defer client.Close()
			st, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("daemon pid %d is not answering: %w", pid, err)
			}
			if out.Format() == output.FormatJSON {
				return out.JSON(map[string]any{"daemon": true, "pid": pid, "status": st})
			}
			info := map[string]any{
				"daemon":        fmt.Sprintf("running (pid %d)", pid),
				"uptime":        (time.Duration(st.UptimeSeconds) * time.Second).String(),
				"pending":       st.PendingCount,
				"in-flight":     st.InFlightCalls,
				"connections":   st.ActiveConns,
				"subscribers":   st.Subscribers,
				"schema tables": st.SchemaTables,
				"state":         st.StatePath,
			}
			if !st.SchemaCaptured.IsZero() {
				info["schema age"] = humanize.Time(st.SchemaCaptured)
			}
			if st.SchemaLastError != "" {
				info["schema error"] = st.SchemaLastError
			}
			return out.Write(info)
		}

		store, err := db.Open(cfg.State.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		stats, err := store.GetStats(ctx)
		if err != nil {
			return err
		}
		if out.Format() == output.FormatJSON {
			return out.JSON(map[string]any{"daemon": false, "stats": stats})
		}
		return out.Write(map[string]any{
			"daemon":     "not running",
			"state":      stats.Path,
			"pending":    stats.PendingCount,
			"approvals":  humanize.Comma(int64(stats.ApprovalCount)),
			"executions": humanize.Comma(int64(stats.ExecutionCount)),
		})
	},
}

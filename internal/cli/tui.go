package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/sqlgate/internal/config"
	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/daemon"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/output"
	"github.com/Dicklesworthstone/sqlgate/internal/tui"
	"github.com/Dicklesworthstone/sqlgate/internal/tui/dashboard"
)

var (
	flagTuiNoMouse   bool
	flagTuiRefresh   time.Duration
	flagTuiPalette   string
	flagTuiReviewer  string
	flagTuiAltScreen bool
)

func init() {
	tuiCmd.Flags().BoolVar(&flagTuiNoMouse, "no-mouse", false, "disable mouse support")
	tuiCmd.Flags().DurationVar(&flagTuiRefresh, "refresh-interval", 2*time.Second, "how often to reload approvals")
	tuiCmd.Flags().StringVar(&flagTuiPalette, "theme", "", "color palette (mocha, latte)")
	tuiCmd.Flags().StringVar(&flagTuiReviewer, "by", "", "reviewer identity (default $SQLGATE_REVIEWER or $USER)")
	tuiCmd.Flags().BoolVar(&flagTuiAltScreen, "alt-screen", true, "use the alternate screen buffer")

	rootCmd.AddCommand(tuiCmd)
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Review pending statements interactively",
	Long: `Launch the reviewer dashboard.

If the daemon is running, new requests appear as soon as they are submitted;
otherwise the state store is polled.

Key bindings:
  up/down (k/j)  Select a request
  a              Approve the selected statement
  d              Deny, with an optional reason
  r              Reload now
  ?              Toggle full help
  q              Quit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		by := flagTuiReviewer
		if by == "" {
			by = reviewer()
		}
		if err := requireArg("--by", by); err != nil {
			return err
		}
		return withBackend(cmd, func(ctx context.Context, cfg *config.Config, b backend, _ *output.Writer) error {
			store, err := db.Open(cfg.State.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			opts := tui.Options{
				Options: dashboard.Options{
					Source:          &reviewSource{backend: b, store: store},
					Reviewer:        by,
					RefreshInterval: flagTuiRefresh,
					Events:          liveEvents(ctx, cfg),
				},
				Palette:      flagTuiPalette,
				DisableMouse: flagTuiNoMouse,
				AltScreen:    flagTuiAltScreen,
			}
			if err := tui.Run(ctx, opts); err != nil {
				return fmt.Errorf("tui: %w", err)
			}
			return nil
		})
	},
}

// reviewSource reads approvals through the backend so the daemon sees every
// decision, and reads the audit log straight from the state store.
type reviewSource struct {
	backend backend
	store   *db.DB
}

func (s *reviewSource) ListPending(ctx context.Context) ([]*db.Approval, error) {
	return s.backend.ListApprovals(ctx, db.StatePending, 0)
}

func (s *reviewSource) RecentExecutions(ctx context.Context, limit int) ([]*db.ExecutionRecord, error) {
	return s.store.ListExecutions(ctx, limit)
}

func (s *reviewSource) Decide(ctx context.Context, id string, decision db.Decision, decider, reason string) (*db.Approval, error) {
	return s.backend.Decide(ctx, daemon.DecideParams{ID: id, Decision: decision, Decider: decider, Reason: reason})
}

// liveEvents subscribes on a dedicated connection. It returns nil when no
// daemon is running; the dashboard then polls.
func liveEvents(ctx context.Context, cfg *config.Config) <-chan core.Event {
	opts := daemon.OptionsFor(cfg)
	if running, _ := daemon.Running(opts); !running {
		return nil
	}
	client := daemon.NewIPCClient(opts.SocketPath)
	events, err := client.Subscribe(ctx)
	if err != nil {
		client.Close()
		return nil
	}
	context.AfterFunc(ctx, func() { client.Close() })
	return events
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/daemon"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
)

var flagWatchPollInterval time.Duration

func init() {
	watchCmd.Flags().DurationVar(&flagWatchPollInterval, "poll-interval", 2*time.Second, "polling interval when the daemon is not running")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream approval events as NDJSON",
	Long: `Stream lifecycle events as newline-delimited JSON for reviewing tools.

If the daemon is running, events arrive in real time over its socket.
Otherwise the state store is polled and only approval events are reported.

Event types:
  approval_pending     - a statement awaits review
  approval_resolved    - approved, denied or expired
  execution_completed  - a statement ran (daemon only)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		enc := json.NewEncoder(cmd.OutOrStdout())

		opts := daemon.OptionsFor(cfg)
		if running, _ := daemon.Running(opts); running {
			client := daemon.NewIPCClient(opts.SocketPath)
			defer client.Close()
			events, err := client.Subscribe(ctx)
			if err == nil {
				return streamEvents(ctx, events, enc)
			}
			newLogger(cfg).Warn("subscribe failed; polling the state store", "error", err)
		}

		store, err := db.Open(cfg.State.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		return pollEvents(ctx, store, enc, flagWatchPollInterval)
	},
}

func streamEvents(ctx context.Context, events <-chan core.Event, enc *json.Encoder) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("daemon closed the event stream")
			}
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("encoding event: %w", err)
			}
		}
	}
}

// pollEvents diffs the pending set on every tick. An approval that leaves
// the set is re-read to report how it was resolved.
func pollEvents(ctx context.Context, store *db.DB, enc *json.Encoder, every time.Duration) error {
	if every <= 0 {
		every = 2 * time.Second
	}
	seen := make(map[string]bool)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if err := pollOnce(ctx, store, enc, seen); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func pollOnce(ctx context.Context, store *db.DB, enc *json.Encoder, seen map[string]bool) error {
	pending, err := store.ListPendingApprovals(ctx)
	if err != nil {
		return fmt.Errorf("listing approvals: %w", err)
	}

	current := make(map[string]bool, len(pending))
	for _, a := range pending {
		current[a.ID] = true
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		if err := enc.Encode(core.Event{Type: core.EventApprovalPending, Approval: a, At: a.CreatedAt}); err != nil {
			return encodeErr(err)
		}
	}

	for id := range seen {
		if current[id] {
			continue
		}
		delete(seen, id)
		a, err := store.GetApproval(ctx, id)
		if err != nil {
			continue
		}
		at := time.Now().UTC()
		if a.DecidedAt != nil {
			at = *a.DecidedAt
		}
		if err := enc.Encode(core.Event{Type: core.EventApprovalResolved, Approval: a, At: at}); err != nil {
			return encodeErr(err)
		}
	}
	return nil
}

func encodeErr(err error) error {
	if err == io.ErrClosedPipe {
		return nil
	}
	return fmt.Errorf("encoding event: %w", err)
}

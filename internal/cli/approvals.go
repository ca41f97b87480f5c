package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/sqlgate/internal/config"
	"github.com/Dicklesworthstone/sqlgate/internal/daemon"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/output"
)

var (
	flagPendingState string
	flagPendingLimit int

	flagDecideBy     string
	flagDecideReason string
)

func init() {
	pendingCmd.Flags().StringVar(&flagPendingState, "state", "", "list approvals in this state (pending, approved, denied, expired, all)")
	pendingCmd.Flags().IntVarP(&flagPendingLimit, "limit", "n", 50, "maximum approvals to list when --state is set")

	for _, c := range []*cobra.Command{approveCmd, denyCmd} {
		c.Flags().StringVar(&flagDecideBy, "by", "", "reviewer identity (default $SQLGATE_REVIEWER or $USER)")
		c.Flags().StringVarP(&flagDecideReason, "reason", "m", "", "comment recorded with the decision")
	}

	rootCmd.AddCommand(pendingCmd, approveCmd, denyCmd, showCmd)
}

var pendingCmd = &cobra.Command{
	Use:     "pending",
	Aliases: []string{"ls"},
	Short:   "List approvals awaiting a decision",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		state := db.ApprovalState(flagPendingState)
		if state != "" && state != "all" && !state.Valid() {
			return fmt.Errorf("unknown state %q", flagPendingState)
		}
		return withBackend(cmd, func(ctx context.Context, _ *config.Config, b backend, out *output.Writer) error {
			list, err := b.ListApprovals(ctx, state, flagPendingLimit)
			if err != nil {
				return err
			}
			if list == nil {
				list = []*db.Approval{}
			}
			return out.Write(list)
		})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Approve a pending statement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], db.DecisionApprove)
	},
}

var denyCmd = &cobra.Command{
	Use:     "deny <approval-id>",
	Aliases: []string{"reject"},
	Short:   "Deny a pending statement",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], db.DecisionDeny)
	},
}

func decide(cmd *cobra.Command, id string, decision db.Decision) error {
	by := flagDecideBy
	if by == "" {
		by = reviewer()
	}
	if err := requireArg("--by", by); err != nil {
		return err
	}

	return withBackend(cmd, func(ctx context.Context, _ *config.Config, b backend, out *output.Writer) error {
		a, err := b.Decide(ctx, daemon.DecideParams{ID: id, Decision: decision, Decider: by, Reason: flagDecideReason})
		switch {
		case isNotFound(err):
			return fmt.Errorf("no approval %s", id)
		case isAlreadyResolved(err):
			return &exitError{code: 4, err: fmt.Errorf("approval %s was already resolved: %w", id, err)}
		case err != nil:
			return err
		}
		if out.Format() == output.FormatJSON {
			return out.Write(a)
		}
		out.Printf("%s %s by %s\n", a.ID, a.State, a.Decider)
		return nil
	})
}

var showCmd = &cobra.Command{
	Use:   "show <approval-id>",
	Short: "Show one approval with its decision attempts and executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newWriter(cmd)
		if err != nil {
			return err
		}
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := db.Open(cfg.State.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		a, err := store.GetApproval(ctx, args[0])
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("no approval %s", args[0])
			}
			return err
		}
		attempts, err := store.ListDecisionAttempts(ctx, a.ID)
		if err != nil {
			return err
		}
		execs, err := store.ListExecutionsForApproval(ctx, a.ID)
		if err != nil {
			return err
		}

		if out.Format() == output.FormatJSON {
			return out.JSON(map[string]any{
				"approval":          a,
				"decision_attempts": attempts,
				"executions":        execs,
			})
		}
		if err := out.Write(a); err != nil {
			return err
		}
		if len(attempts) > 0 {
			out.Printf("\nDecision attempts:\n")
			for _, d := range attempts {
				verdict := "accepted"
				if !d.Accepted {
					verdict = "refused (" + string(d.Observed) + ")"
				}
				out.Printf("  %s  %-8s %-12s %s\n", d.CreatedAt.Local().Format("15:04:05"), d.Decision, d.Decider, verdict)
			}
		}
		if len(execs) > 0 {
			out.Printf("\n")
			return out.Write(execs)
		}
		return nil
	},
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/sqlgate/internal/config"
	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/daemon"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/output"
)

var (
	flagCallIntent        string
	flagCallID            string
	flagCallSession       string
	flagCallJustification string
	flagCallReturnRows    bool
	flagCallTable         string
	flagCallRefresh       bool

	flagSchemaRefresh bool

	flagHistoryLimit int
)

func init() {
	callCmd.Flags().StringVarP(&flagCallIntent, "intent", "i", "", "read_query, mutating_query or schema_introspection (default read_query, or mutating_query with --justification)")
	callCmd.Flags().StringVar(&flagCallID, "id", "", "tool call correlation id (default random)")
	callCmd.Flags().StringVarP(&flagCallSession, "session", "s", "cli", "agent session id")
	callCmd.Flags().StringVar(&flagCallJustification, "justification", "", "reason shown to the reviewer")
	callCmd.Flags().BoolVar(&flagCallReturnRows, "return-rows", false, "return rows from a mutating statement (RETURNING)")
	callCmd.Flags().StringVar(&flagCallTable, "table", "", "table for schema_introspection")
	callCmd.Flags().BoolVar(&flagCallRefresh, "refresh", false, "force a schema refresh")

	schemaCmd.Flags().BoolVar(&flagSchemaRefresh, "refresh", false, "re-introspect instead of using the cached snapshot")

	historyCmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 20, "number of executions to show")

	rootCmd.AddCommand(callCmd, schemaCmd, historyCmd)
}

var callCmd = &cobra.Command{
	Use:   "call [sql | -]",
	Short: "Run one tool call through the gateway",
	Long: `Submit a tool call the way an agent would and print its outcome.

Mutating statements block until a reviewer approves or denies them, or the
approval expires. Use "-" to read the statement from stdin.`,
	Example: `  sqlgate call "SELECT * FROM orders LIMIT 5"
  sqlgate call -i mutating_query --justification "cleanup" "DELETE FROM sessions WHERE expired"
  sqlgate call -i schema_introspection --table orders`,
	RunE: func(cmd *cobra.Command, args []string) error {
		call, err := buildToolCall(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		return withBackend(cmd, func(ctx context.Context, _ *config.Config, b backend, out *output.Writer) error {
			outcome, err := b.ToolCall(ctx, call)
			if err != nil {
				return err
			}
			if err := out.Write(outcome); err != nil {
				return err
			}
			if outcome.Rejection != nil {
				return &exitError{code: 2, err: fmt.Errorf("%s: %s", outcome.Rejection.Kind, outcome.Rejection.Reason)}
			}
			if outcome.Result != nil && outcome.Result.Status != db.ExecSuccess {
				return &exitError{code: 3, err: fmt.Errorf("statement %s", outcome.Result.Status)}
			}
			return nil
		})
	},
}

func buildToolCall(stdin io.Reader, args []string) (*core.ToolCall, error) {
	sql := strings.TrimSpace(strings.Join(args, " "))
	if sql == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		sql = strings.TrimSpace(string(data))
	}

	intent := core.Intent(flagCallIntent)
	if intent == "" {
		switch {
		case sql == "" && (flagCallTable != "" || flagCallRefresh):
			intent = core.IntentSchemaIntrospection
		case flagCallJustification != "" || flagCallReturnRows:
			intent = core.IntentMutatingQuery
		default:
			intent = core.IntentReadQuery
		}
	}
	if !intent.Valid() {
		return nil, fmt.Errorf("unknown intent %q", flagCallIntent)
	}
	if intent != core.IntentSchemaIntrospection && sql == "" {
		return nil, fmt.Errorf("a SQL statement is required for %s", intent)
	}

	id := flagCallID
	if id == "" {
		id = uuid.NewString()
	}
	return &core.ToolCall{
		ID:        id,
		SessionID: flagCallSession,
		Intent:    intent,
		Args: core.ToolArgs{
			SQL:           sql,
			Table:         flagCallTable,
			ForceRefresh:  flagCallRefresh,
			ReturnRows:    flagCallReturnRows,
			Justification: flagCallJustification,
		},
	}, nil
}

var schemaCmd = &cobra.Command{
	Use:   "schema [table]",
	Short: "Show the cached schema of the target database",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := daemon.SchemaParams{ForceRefresh: flagSchemaRefresh}
		if len(args) == 1 {
			p.Table = args[0]
		}
		return withBackend(cmd, func(ctx context.Context, _ *config.Config, b backend, out *output.Writer) error {
			snap, err := b.Schema(ctx, p)
			if err != nil {
				return err
			}
			return out.Write(snap)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent executions from the audit log",
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
		store, err := db.Open(cfg.State.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.ListExecutions(cmd.Context(), flagHistoryLimit)
		if err != nil {
			return err
		}
		if list == nil {
			list = []*db.ExecutionRecord{}
		}
		return out.Write(list)
	},
}

// exitError carries a process exit code alongside the message.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

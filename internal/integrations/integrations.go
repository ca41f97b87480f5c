// Package integrations produces the artifacts agent frameworks need to call
// the gateway: function-calling tool definitions and an instructions section
// for agent rules files.
package integrations

import (
	"encoding/json"
	"fmt"

	"github.com/Dicklesworthstone/sqlgate/internal/core"
)

// Format is a tool-definition dialect.
type Format string

const (
	// FormatAnthropic emits {name, description, input_schema}.
	FormatAnthropic Format = "anthropic"
	// FormatOpenAI emits {type: function, function: {name, description, parameters}}.
	FormatOpenAI Format = "openai"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatAnthropic, FormatOpenAI:
		return f, nil
	case "":
		return FormatAnthropic, nil
	default:
		return "", fmt.Errorf("unknown tool format %q (want anthropic or openai)", s)
	}
}

// Tool is one callable tool, named after the intent it maps to.
type Tool struct {
	Name        core.Intent
	Description string
	Schema      map[string]any
}

// Tools describes the gateway's three intents.
func Tools() []Tool {
	return []Tool{
		{
			Name: core.IntentReadQuery,
			Description: "Run one read-only SQL statement (SELECT, WITH ... SELECT, EXPLAIN) and return rows. " +
				"Results are capped; check the truncated flag. Writes are refused.",
			Schema: object(map[string]any{
				"sql": prop("string", "A single SQL statement without a trailing second statement."),
			}, "sql"),
		},
		{
			Name: core.IntentMutatingQuery,
			Description: "Propose one INSERT, UPDATE, DELETE or DDL statement. A human reviewer must approve it; " +
				"the call blocks until the decision and returns the result or the rejection reason.",
			Schema: object(map[string]any{
				"sql":           prop("string", "The statement to run once approved."),
				"justification": prop("string", "Why the change is needed. Shown to the reviewer."),
				"return_rows":   prop("boolean", "Return rows produced by RETURNING."),
			}, "sql", "justification"),
		},
		{
			Name:        core.IntentSchemaIntrospection,
			Description: "Describe tables, columns, keys, indexes and sample rows of the target database.",
			Schema: object(map[string]any{
				"table":         prop("string", "Limit the description to one table."),
				"force_refresh": prop("boolean", "Re-read the schema instead of using the cached snapshot."),
			}),
		},
	}
}

// Definitions renders Tools in the given format.
func Definitions(f Format) []map[string]any {
	tools := Tools()
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		switch f {
		case FormatOpenAI:
			out = append(out, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        string(t.Name),
					"description": t.Description,
					"parameters":  t.Schema,
				},
			})
		default:
			out = append(out, map[string]any{
				"name":         string(t.Name),
				"description":  t.Description,
				"input_schema": t.Schema,
			})
		}
	}
	return out
}

// MarshalDefinitions pretty-prints Definitions as JSON.
func MarshalDefinitions(f Format) ([]byte, error) {
	return json.MarshalIndent(Definitions(f), "", "  ")
}

// ToolCallFromFunction builds a ToolCall from a model's function call.
// Unknown fields in args are ignored.
func ToolCallFromFunction(id, sessionID, name string, args json.RawMessage) (*core.ToolCall, error) {
	intent := core.Intent(name)
	if !intent.Valid() {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	var ta core.ToolArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &ta); err != nil {
			return nil, fmt.Errorf("decoding %s arguments: %w", name, err)
		}
	}
	return &core.ToolCall{ID: id, SessionID: sessionID, Intent: intent, Args: ta}, nil
}

func object(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props, "additionalProperties": false}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

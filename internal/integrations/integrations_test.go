package integrations

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Dicklesworthstone/sqlgate/internal/core"
)

func TestDefinitionsFormats(t *testing.T) {
	tests := []struct {
		format Format
		name   func(map[string]any) string
		schema func(map[string]any) map[string]any
	}{
		{
			format: FormatAnthropic,
			name:   func(d map[string]any) string { return d["name"].(string) },
			schema: func(d map[string]any) map[string]any { return d["input_schema"].(map[string]any) },
		},
		{
			format: FormatOpenAI,
			name:   func(d map[string]any) string { return d["function"].(map[string]any)["name"].(string) },
			schema: func(d map[string]any) map[string]any {
				return d["function"].(map[string]any)["parameters"].(map[string]any)
			},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			defs := Definitions(tt.format)
			if len(defs) != 3 {
				t.Fatalf("len(defs) = %d, want 3", len(defs))
			}
			for _, d := range defs {
				name := tt.name(d)
				if !core.Intent(name).Valid() {
					t.Errorf("tool %q is not an intent", name)
				}
				if typ := tt.schema(d)["type"]; typ != "object" {
					t.Errorf("%s schema type = %v", name, typ)
				}
			}
		})
	}
}

func TestMarshalDefinitionsRequiredFields(t *testing.T) {
	data, err := MarshalDefinitions(FormatAnthropic)
	if err != nil {
		t.Fatal(err)
	}
	var defs []struct {
		Name        string `json:"name"`
		InputSchema struct {
			Required []string `json:"required"`
		} `json:"input_schema"`
	}
	if err := json.Unmarshal(data, &defs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	required := map[string][]string{}
	for _, d := range defs {
		required[d.Name] = d.InputSchema.Required
	}
	if got := required["mutating_query"]; len(got) != 2 || got[1] != "justification" {
		t.Errorf("mutating_query required = %v", got)
	}
	if got := required["schema_introspection"]; len(got) != 0 {
		t.Errorf("schema_introspection required = %v", got)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatAnthropic {
		t.Errorf("ParseFormat(\"\") = %q, %v", f, err)
	}
	if f, err := ParseFormat("openai"); err != nil || f != FormatOpenAI {
		t.Errorf("ParseFormat(openai) = %q, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}
}

func TestToolCallFromFunction(t *testing.T) {
	call, err := ToolCallFromFunction("c1", "s1", "mutating_query",
		json.RawMessage(`{"sql":"DELETE FROM t","justification":"cleanup","extra":1}`))
	if err != nil {
		t.Fatalf("ToolCallFromFunction() error = %v", err)
	}
	if call.Intent != core.IntentMutatingQuery || call.Args.SQL != "DELETE FROM t" || call.Args.Justification != "cleanup" {
		t.Errorf("call = %+v", call)
	}

	if _, err := ToolCallFromFunction("c2", "", "drop_everything", nil); err == nil {
		t.Error("unknown tool should fail")
	}
	if _, err := ToolCallFromFunction("c3", "", "read_query", json.RawMessage(`{"sql":`)); err == nil {
		t.Error("malformed arguments should fail")
	}
}

func TestApplyRules(t *testing.T) {
	section := RulesSection()

	got, changed := ApplyRules("", RulesAppend)
	if !changed || got != section {
		t.Fatal("empty content should become the section")
	}

	got, changed = ApplyRules("# Project\nbe nice", RulesAppend)
	if !changed || !strings.HasPrefix(got, "# Project\nbe nice\n\n") || !strings.HasSuffix(got, section) {
		t.Fatalf("append = %q", got)
	}

	again, changed := ApplyRules(got, RulesAppend)
	if changed || again != got {
		t.Error("append with an existing section should be a no-op")
	}

	stale := "top\n" + rulesStartMarker + "\nold text\n" + rulesEndMarker + "\nbottom\n"
	got, changed = ApplyRules(stale, RulesReplace)
	if !changed || strings.Contains(got, "old text") || !strings.HasPrefix(got, "top\n") || !strings.HasSuffix(got, "bottom\n") {
		t.Fatalf("replace = %q", got)
	}
	if _, changed := ApplyRules(got, RulesReplace); changed {
		t.Error("replacing an up-to-date section should report no change")
	}
}

func TestInstallRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "AGENTS.md")
	changed, err := InstallRules(path, RulesAppend)
	if err != nil || !changed {
		t.Fatalf("InstallRules() = %v, %v", changed, err)
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), "sqlgate call") {
		t.Fatalf("file = %q, %v", data, err)
	}
	if changed, err := InstallRules(path, RulesAppend); err != nil || changed {
		t.Fatalf("second InstallRules() = %v, %v", changed, err)
	}
}

package integrations

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	rulesStartMarker = "<!-- sqlgate:rules:start -->"
	rulesEndMarker   = "<!-- sqlgate:rules:end -->"
)

// RulesSection returns the sqlgate section for an agent rules file
// (.cursorrules, AGENTS.md, CLAUDE.md). It is wrapped in markers so it can
// be replaced in place.
func RulesSection() string {
	const tick = "`"

	var b strings.Builder
	b.WriteString(rulesStartMarker)
	b.WriteString("\n\n")
	b.WriteString("## Database access policy (sqlgate)\n\n")
	b.WriteString("Never connect to the database directly. Every statement goes through sqlgate:\n\n")

	b.WriteString("1. Discover the schema first:\n   ")
	b.WriteString(tick + "sqlgate call -i schema_introspection [--table <name>]" + tick + "\n\n")

	b.WriteString("2. Reads run immediately inside a read-only transaction:\n   ")
	b.WriteString(tick + `sqlgate call "SELECT ..."` + tick + "\n\n")

	b.WriteString("3. Writes and schema changes wait for a human reviewer:\n   ")
	b.WriteString(tick + `sqlgate call -i mutating_query --justification "..." "UPDATE ..."` + tick + "\n\n")

	b.WriteString("### Rules\n")
	b.WriteString("- One statement per call. Batches are rejected.\n")
	b.WriteString("- A denial or expiry is final for that statement; do not resubmit it unchanged.\n")
	b.WriteString("- Exit code 2 means rejected, 3 means the statement failed or timed out.\n\n")

	b.WriteString(rulesEndMarker)
	b.WriteString("\n")
	return b.String()
}

// RulesMode determines how the section is applied to existing content.
type RulesMode int

const (
	// RulesAppend appends the section only if it is missing.
	RulesAppend RulesMode = iota
	// RulesReplace replaces an existing section in place, or appends it.
	RulesReplace
)

// ApplyRules upserts the sqlgate section into existing content. It returns
// the new content and whether it changed.
func ApplyRules(existing string, mode RulesMode) (string, bool) {
	section := RulesSection()

	if strings.TrimSpace(existing) == "" {
		return section, true
	}

	start := strings.Index(existing, rulesStartMarker)
	end := strings.Index(existing, rulesEndMarker)

	if start != -1 && end != -1 && end > start {
		if mode == RulesAppend {
			return existing, false
		}
		end += len(rulesEndMarker)
		after := strings.TrimPrefix(existing[end:], "\n")
		updated := existing[:start] + section + after
		return updated, updated != existing
	}

	out := existing
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	if !strings.HasSuffix(out, "\n\n") {
		out += "\n"
	}
	return out + section, true
}

// InstallRules upserts the section into the file at path, creating it if
// needed. It reports whether the file changed.
func InstallRules(path string, mode RulesMode) (bool, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	updated, changed := ApplyRules(string(existing), mode)
	if !changed {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return false, fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return false, fmt.Errorf("writing %s: %w", path, err)
	}
	return true, nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SQLGATE_HOME", home)

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Approval.Timeout != 5*time.Minute {
		t.Errorf("approval.timeout = %v, want 5m", cfg.Approval.Timeout)
	}
	if cfg.Schema.SampleRows != 5 || cfg.Schema.TTL != 5*time.Minute {
		t.Errorf("schema = %+v", cfg.Schema)
	}
	if cfg.Executor.MaxRows != 1000 || cfg.Executor.MaxBytes != 1<<20 {
		t.Errorf("executor = %+v", cfg.Executor)
	}
	if cfg.State.Path != filepath.Join(home, "state.db") {
		t.Errorf("state.path = %q", cfg.State.Path)
	}
	if cfg.Daemon.SocketPath != filepath.Join(home, "sqlgate.sock") {
		t.Errorf("daemon.socket_path = %q", cfg.Daemon.SocketPath)
	}
	if len(cfg.Approval.AutoApproveDDL) != 0 {
		t.Errorf("auto_approve_ddl = %v, want none by default", cfg.Approval.AutoApproveDDL)
	}
	if cfg.Approval.MaxPendingPerSession != 10 {
		t.Errorf("max_pending_per_session = %d, want 10", cfg.Approval.MaxPendingPerSession)
	}
	if cfg.Level() != log.InfoLevel {
		t.Errorf("Level() = %v", cfg.Level())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("SQLGATE_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[target]
url = "sqlite:///tmp/app.db"

[approval]
timeout = "90s"
auto_approve_ddl = ["CREATE INDEX *"]

[executor]
max_rows = 50
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SQLGATE_EXECUTOR_MAX_ROWS", "25")
	t.Setenv("SQLGATE_LOG_LEVEL", "debug")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Target.URL != "sqlite:///tmp/app.db" {
		t.Errorf("target.url = %q", cfg.Target.URL)
	}
	if cfg.Approval.Timeout != 90*time.Second {
		t.Errorf("approval.timeout = %v", cfg.Approval.Timeout)
	}
	if len(cfg.Approval.AutoApproveDDL) != 1 || cfg.Approval.AutoApproveDDL[0] != "CREATE INDEX *" {
		t.Errorf("auto_approve_ddl = %v", cfg.Approval.AutoApproveDDL)
	}
	if cfg.Executor.MaxRows != 25 {
		t.Errorf("max_rows = %d, want env override 25", cfg.Executor.MaxRows)
	}
	if cfg.Level() != log.DebugLevel {
		t.Errorf("Level() = %v, want debug", cfg.Level())
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("SQLGATE_HOME", t.TempDir())
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"sample rows too high", map[string]string{"SQLGATE_SCHEMA_SAMPLE_ROWS": "6"}, "sample_rows"},
		{"zero max rows", map[string]string{"SQLGATE_EXECUTOR_MAX_ROWS": "0"}, "max_rows"},
		{"bad level", map[string]string{"SQLGATE_LOG_LEVEL": "loud"}, "log.level"},
		{"negative rate", map[string]string{"SQLGATE_LIMITS_CALLS_PER_SECOND": "-1"}, "calls_per_second"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, _, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	t.Setenv("SQLGATE_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	wrote, err := WriteDefault(path, false)
	if err != nil || !wrote {
		t.Fatalf("WriteDefault() = %v, %v", wrote, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[approval]") || !strings.Contains(string(data), `timeout = "5m"`) {
		t.Errorf("default file:\n%s", data)
	}

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load(default file) error = %v", err)
	}
	if cfg.Approval.Timeout != 5*time.Minute {
		t.Errorf("approval.timeout = %v", cfg.Approval.Timeout)
	}

	if wrote, err := WriteDefault(path, false); err != nil || wrote {
		t.Errorf("second WriteDefault() = %v, %v, want untouched", wrote, err)
	}
}

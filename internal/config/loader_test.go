package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.MaxConns != 15 {
		t.Errorf("expected max_conns 15, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Engine.MaxSteps != 50 {
		t.Errorf("expected max_steps 50, got %d", cfg.Engine.MaxSteps)
	}
	if cfg.Engine.AutoCheckpointRetention != 10 {
		t.Errorf("expected retention 10, got %d", cfg.Engine.AutoCheckpointRetention)
	}
	if cfg.Budget.DefaultDaily != nil || cfg.Budget.DefaultMonthly != nil {
		t.Error("default budgets should be unlimited")
	}
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
postgres:
  max_conns: 20
engine:
  max_steps: 12
  checkpoint_interval: 3
budget:
  default_daily: 5.5
hooks:
  protected_branches: ["release"]
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.MaxConns != 20 {
		t.Errorf("expected max_conns 20, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Engine.MaxSteps != 12 || cfg.Engine.CheckpointInterval != 3 {
		t.Errorf("engine override not applied: %+v", cfg.Engine)
	}
	if cfg.Budget.DefaultDaily == nil || *cfg.Budget.DefaultDaily != 5.5 {
		t.Errorf("expected daily budget 5.5, got %v", cfg.Budget.DefaultDaily)
	}
	if len(cfg.Hooks.ProtectedBranches) != 1 || cfg.Hooks.ProtectedBranches[0] != "release" {
		t.Errorf("expected protected branches [release], got %v", cfg.Hooks.ProtectedBranches)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(yamlPath, []byte("server: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("AGENTENGINE_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("AGENTENGINE_PG_MAX_CONNS", "25")
	t.Setenv("AGENTENGINE_LOG_LEVEL", "warn")
	t.Setenv("AGENTENGINE_BREAKER_TIMEOUT", "1m")
	t.Setenv("AGENTENGINE_MAX_STEPS", "7")
	t.Setenv("AGENTENGINE_BUDGET_MONTHLY", "100")
	t.Setenv("AGENTENGINE_PG_REVERT_TABLES", "todos, notes ,")
	t.Setenv("AGENTENGINE_MCP_ENABLED", "true")
	t.Setenv("AGENTENGINE_SLACK_WEBHOOK_URL", "https://hooks.slack.test/T1")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("unexpected DSN: %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("expected max_conns 25, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected 1m, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Engine.MaxSteps != 7 {
		t.Errorf("expected max_steps 7, got %d", cfg.Engine.MaxSteps)
	}
	if cfg.Budget.DefaultMonthly == nil || *cfg.Budget.DefaultMonthly != 100 {
		t.Errorf("expected monthly 100, got %v", cfg.Budget.DefaultMonthly)
	}
	if got := strings.Join(cfg.Postgres.RevertTables, ","); got != "todos,notes" {
		t.Errorf("expected revert tables todos,notes, got %s", got)
	}
	if !cfg.MCP.Enabled {
		t.Error("expected MCP enabled")
	}
	if cfg.Notify.SlackWebhook != "https://hooks.slack.test/T1" {
		t.Errorf("unexpected slack webhook: %s", cfg.Notify.SlackWebhook)
	}
}

func TestEnvInvalidValuesIgnored(t *testing.T) {
	cfg := Defaults()

	t.Setenv("AGENTENGINE_PG_MAX_CONNS", "lots")
	t.Setenv("AGENTENGINE_BREAKER_TIMEOUT", "soon")
	t.Setenv("AGENTENGINE_LOG_ASYNC", "maybe")

	loadEnv(&cfg)

	if cfg.Postgres.MaxConns != 15 {
		t.Errorf("invalid int should be ignored, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("invalid duration should be ignored, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Logging.Async {
		t.Error("invalid bool should be ignored")
	}
}

func TestEnvEmptyNATSDisables(t *testing.T) {
	cfg := Defaults()
	t.Setenv("NATS_URL", "")
	loadEnv(&cfg)
	if cfg.NATS.URL != "" {
		t.Errorf("expected NATS disabled, got %q", cfg.NATS.URL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty port", func(c *Config) { c.Server.Port = "" }, "server.port"},
		{"empty dsn", func(c *Config) { c.Postgres.DSN = "" }, "postgres.dsn"},
		{"zero max conns", func(c *Config) { c.Postgres.MaxConns = 0 }, "postgres.max_conns"},
		{"sqlite without path", func(c *Config) { c.Store.Driver = "sqlite"; c.SQLite.Path = "" }, "sqlite.path"},
		{"sqlite ignores dsn", func(c *Config) { c.Store.Driver = "sqlite"; c.Postgres.DSN = "" }, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"zero breaker", func(c *Config) { c.Breaker.MaxFailures = 0 }, "breaker.max_failures"},
		{"zero retry", func(c *Config) { c.Retry.Attempts = 0 }, "retry.attempts"},
		{"zero burst", func(c *Config) { c.Rate.Burst = 0 }, "rate.burst"},
		{"zero max steps", func(c *Config) { c.Engine.MaxSteps = 0 }, "engine.max_steps"},
		{"negative interval", func(c *Config) { c.Engine.CheckpointInterval = -1 }, "checkpoint_interval"},
		{"bad recovery mode", func(c *Config) { c.Engine.RecoveryMode = "ignore" }, "recovery_mode"},
		{"zero recovery workers", func(c *Config) { c.Engine.RecoveryWorkers = 0 }, "recovery_workers"},
		{"negative price", func(c *Config) { c.Budget.InputPer1K = -1 }, "budget prices"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"mcp without key", func(c *Config) { c.MCP.Enabled = true }, "mcp.api_key"},
		{"bad notify level", func(c *Config) { c.Notify.MinLevel = "loud" }, "notify.min_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := validate(&cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

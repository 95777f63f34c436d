package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentengine.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTENGINE_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTENGINE_CORS_ORIGIN")
	setString(&cfg.Server.BaseURL, "AGENTENGINE_BASE_URL")
	setString(&cfg.Server.APIKey, "AGENTENGINE_API_KEY")

	setString(&cfg.Store.Driver, "AGENTENGINE_STORE")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTENGINE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTENGINE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTENGINE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTENGINE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTENGINE_PG_HEALTH_CHECK")
	setList(&cfg.Postgres.RevertTables, "AGENTENGINE_PG_REVERT_TABLES")
	setString(&cfg.SQLite.Path, "AGENTENGINE_SQLITE_PATH")

	// NATS_URL may be set to the empty string to disable NATS.
	if v, ok := os.LookupEnv("NATS_URL"); ok {
		cfg.NATS.URL = v
	}

	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.LiteLLM.PlannerModel, "AGENTENGINE_PLANNER_MODEL")
	setString(&cfg.LiteLLM.JudgeModel, "AGENTENGINE_JUDGE_MODEL")
	setDuration(&cfg.LiteLLM.Timeout, "AGENTENGINE_LLM_TIMEOUT")

	setString(&cfg.Logging.Level, "AGENTENGINE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTENGINE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTENGINE_LOG_ASYNC")
	setString(&cfg.Logging.Format, "AGENTENGINE_LOG_FORMAT")

	setInt(&cfg.Breaker.MaxFailures, "AGENTENGINE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTENGINE_BREAKER_TIMEOUT")
	setInt(&cfg.Retry.Attempts, "AGENTENGINE_RETRY_ATTEMPTS")
	setDuration(&cfg.Retry.Backoff, "AGENTENGINE_RETRY_BACKOFF")

	setFloat64(&cfg.Rate.RequestsPerSecond, "AGENTENGINE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "AGENTENGINE_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "AGENTENGINE_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "AGENTENGINE_RATE_MAX_IDLE_TIME")

	// Engine
	setInt(&cfg.Engine.MaxSteps, "AGENTENGINE_MAX_STEPS")
	setInt(&cfg.Engine.CheckpointInterval, "AGENTENGINE_CHECKPOINT_INTERVAL")
	setInt(&cfg.Engine.AutoCheckpointRetention, "AGENTENGINE_CHECKPOINT_RETENTION")
	setString(&cfg.Engine.RecoveryMode, "AGENTENGINE_RECOVERY_MODE")
	setInt(&cfg.Engine.RecoveryWorkers, "AGENTENGINE_RECOVERY_WORKERS")
	setInt(&cfg.Engine.StreamBuffer, "AGENTENGINE_STREAM_BUFFER")

	// Budget
	setFloat64(&cfg.Budget.InputPer1K, "AGENTENGINE_PRICE_INPUT_PER_1K")
	setFloat64(&cfg.Budget.OutputPer1K, "AGENTENGINE_PRICE_OUTPUT_PER_1K")
	setFloat64Ptr(&cfg.Budget.DefaultDaily, "AGENTENGINE_BUDGET_DAILY")
	setFloat64Ptr(&cfg.Budget.DefaultMonthly, "AGENTENGINE_BUDGET_MONTHLY")

	// Hooks
	setString(&cfg.Hooks.Dir, "AGENTENGINE_HOOKS_DIR")
	setString(&cfg.Hooks.ScriptsDir, "AGENTENGINE_HOOKS_SCRIPTS_DIR")
	setInt64(&cfg.Hooks.LargeFileBytes, "AGENTENGINE_LARGE_FILE_BYTES")
	setList(&cfg.Hooks.ProtectedBranches, "AGENTENGINE_PROTECTED_BRANCHES")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTENGINE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "AGENTENGINE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "AGENTENGINE_CACHE_L2_TTL")

	// MCP
	setBool(&cfg.MCP.Enabled, "AGENTENGINE_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "AGENTENGINE_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "AGENTENGINE_MCP_API_KEY")

	// OTEL
	setBool(&cfg.OTEL.Enabled, "AGENTENGINE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "AGENTENGINE_OTEL_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "AGENTENGINE_OTEL_INSECURE")
	setString(&cfg.OTEL.ServiceName, "AGENTENGINE_OTEL_SERVICE_NAME")
	setFloat64(&cfg.OTEL.SampleRate, "AGENTENGINE_OTEL_SAMPLE_RATE")

	setString(&cfg.Workspace.Root, "AGENTENGINE_WORKSPACE_ROOT")

	setString(&cfg.Notify.MinLevel, "AGENTENGINE_NOTIFY_MIN_LEVEL")
	setString(&cfg.Notify.SlackWebhook, "AGENTENGINE_SLACK_WEBHOOK_URL")
	setString(&cfg.Notify.DiscordWebhook, "AGENTENGINE_DISCORD_WEBHOOK_URL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "sqlite":
		if cfg.SQLite.Path == "" {
			return errors.New("sqlite.path is required")
		}
	default:
		return fmt.Errorf("store.driver must be postgres or sqlite, got %q", cfg.Store.Driver)
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Retry.Attempts < 1 {
		return errors.New("retry.attempts must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Engine.MaxSteps < 1 {
		return errors.New("engine.max_steps must be >= 1")
	}
	if cfg.Engine.CheckpointInterval < 0 {
		return errors.New("engine.checkpoint_interval must be >= 0")
	}
	if cfg.Engine.RecoveryMode != "resume" && cfg.Engine.RecoveryMode != "fail" {
		return errors.New("engine.recovery_mode must be resume or fail")
	}
	if cfg.Engine.RecoveryWorkers < 1 {
		return errors.New("engine.recovery_workers must be >= 1")
	}
	if cfg.Budget.InputPer1K < 0 || cfg.Budget.OutputPer1K < 0 {
		return errors.New("budget prices must be >= 0")
	}
	switch cfg.Logging.Format {
	case "json", "text", "auto":
	default:
		return errors.New("logging.format must be json, text or auto")
	}
	if cfg.MCP.Enabled && cfg.MCP.APIKey == "" {
		return errors.New("mcp.api_key is required when mcp is enabled")
	}
	switch cfg.Notify.MinLevel {
	case "debug", "info", "warning", "error":
	default:
		return fmt.Errorf("notify.min_level must be debug, info, warning or error, got %q", cfg.Notify.MinLevel)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setFloat64Ptr(dst **float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = &f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

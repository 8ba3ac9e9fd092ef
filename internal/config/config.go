// Package config loads .taskweave/config.yaml, fills defaults and applies
// overrides from .taskweave/.env and the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskweave/internal/model"
)

const (
	FileName = "config.yaml"
	EnvFile  = ".env"

	DefaultWorkspaceFile       = "workspace.yaml"
	DefaultBufferSize          = 256
	DefaultAuditMaxBytes       = 100 * 1024 * 1024
	DefaultRetentionSec        = 3600
	DefaultShutdownTimeoutSec  = 30
	DefaultSnapshotIntervalSec = 10
	DefaultConnTimeoutSec      = 30
	DefaultExportIntervalSec   = 60
	DefaultLogLevel            = "info"
)

// Environment variables that override config.yaml.
const (
	EnvLogLevel       = "TASKWEAVE_LOG_LEVEL"
	EnvCacheEnabled   = "TASKWEAVE_CACHE_ENABLED"
	EnvCacheScope     = "TASKWEAVE_CACHE_SCOPE"
	EnvTaskTimeoutSec = "TASKWEAVE_TASK_TIMEOUT_SEC"
	EnvMetricsEnabled = "TASKWEAVE_METRICS_ENABLED"
	EnvTracesEnabled  = "TASKWEAVE_TRACES_ENABLED"
)

// Load reads the configuration in dir. A missing config.yaml yields the
// defaults; a missing .env is ignored.
func Load(dir string) (model.Config, error) {
	var cfg model.Config
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	switch {
	case err == nil:
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return model.Config{}, fmt.Errorf("parse %s: %w", FileName, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		cfg.Workspace.Watch = true
	default:
		return model.Config{}, fmt.Errorf("read %s: %w", FileName, err)
	}

	dotenv, err := godotenv.Read(filepath.Join(dir, EnvFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return model.Config{}, fmt.Errorf("read %s: %w", EnvFile, err)
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return model.Config{}, err
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *model.Config) {
	if cfg.Workspace.File == "" {
		cfg.Workspace.File = DefaultWorkspaceFile
	}
	if cfg.Engine.Cache.Scope == "" {
		cfg.Engine.Cache.Scope = model.CacheScopeGlobal
	}
	if cfg.Events.BufferSize <= 0 {
		cfg.Events.BufferSize = DefaultBufferSize
	}
	if cfg.Events.AuditMaxBytes <= 0 {
		cfg.Events.AuditMaxBytes = DefaultAuditMaxBytes
	}
	if cfg.Tracker.RetentionSec <= 0 {
		cfg.Tracker.RetentionSec = DefaultRetentionSec
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		cfg.Daemon.ShutdownTimeoutSec = DefaultShutdownTimeoutSec
	}
	if cfg.Daemon.SnapshotIntervalSec <= 0 {
		cfg.Daemon.SnapshotIntervalSec = DefaultSnapshotIntervalSec
	}
	if cfg.Daemon.ConnTimeoutSec <= 0 {
		cfg.Daemon.ConnTimeoutSec = DefaultConnTimeoutSec
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Telemetry.ExportIntervalSec <= 0 {
		cfg.Telemetry.ExportIntervalSec = DefaultExportIntervalSec
	}
}

// Validate rejects values that defaults cannot repair.
func Validate(cfg model.Config) error {
	switch cfg.Engine.Cache.Scope {
	case model.CacheScopeGlobal, model.CacheScopeExecution:
	default:
		return fmt.Errorf("engine.cache.scope: unknown scope %q (want %q or %q)",
			cfg.Engine.Cache.Scope, model.CacheScopeGlobal, model.CacheScopeExecution)
	}
	if cfg.Engine.TaskTimeoutSec < 0 {
		return fmt.Errorf("engine.task_timeout_sec: must be >= 0, got %d", cfg.Engine.TaskTimeoutSec)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	return nil
}

func applyEnv(cfg *model.Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := lookup(EnvCacheScope); ok && v != "" {
		cfg.Engine.Cache.Scope = model.CacheScope(strings.ToLower(v))
	}
	if err := envBool(lookup, EnvCacheEnabled, &cfg.Engine.Cache.Enabled); err != nil {
		return err
	}
	if err := envBool(lookup, EnvMetricsEnabled, &cfg.Telemetry.MetricsEnabled); err != nil {
		return err
	}
	if err := envBool(lookup, EnvTracesEnabled, &cfg.Telemetry.TracesEnabled); err != nil {
		return err
	}
	if v, ok := lookup(EnvTaskTimeoutSec); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTaskTimeoutSec, err)
		}
		cfg.Engine.TaskTimeoutSec = n
	}
	return nil
}

func envBool(lookup func(string) (string, bool), key string, dst *bool) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

// Package model defines the data structures shared by the taskweave engine,
// daemon and CLI: configuration, execution identifiers, events and status.
package model

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Engine    EngineConfig    `yaml:"engine"`
	Events    EventsConfig    `yaml:"events"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type WorkspaceConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

type EngineConfig struct {
	TaskTimeoutSec int         `yaml:"task_timeout_sec"`
	Cache          CacheConfig `yaml:"cache"`
}

type CacheScope string

const (
	// CacheScopeGlobal keys results by task id alone, so a result is reused
	// across executions until the cache is cleared.
	CacheScopeGlobal CacheScope = "global"
	// CacheScopeExecution keys results by execution id, project and task id.
	CacheScopeExecution CacheScope = "execution"
)

type CacheConfig struct {
	Enabled       bool       `yaml:"enabled"`
	Scope         CacheScope `yaml:"scope"`
	StoreFailures *bool      `yaml:"store_failures"`
}

// ShouldStoreFailures defaults to true when unset.
func (c CacheConfig) ShouldStoreFailures() bool {
	return c.StoreFailures == nil || *c.StoreFailures
}

type EventsConfig struct {
	BufferSize    int   `yaml:"buffer_size"`
	AuditLog      bool  `yaml:"audit_log"`
	AuditMaxBytes int64 `yaml:"audit_max_bytes"`
}

type TrackerConfig struct {
	RetentionSec int `yaml:"retention_sec"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec  int `yaml:"shutdown_timeout_sec"`
	SnapshotIntervalSec int `yaml:"snapshot_interval_sec"`
	ConnTimeoutSec      int `yaml:"conn_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type TelemetryConfig struct {
	MetricsEnabled    bool `yaml:"metrics_enabled"`
	TracesEnabled     bool `yaml:"traces_enabled"`
	ExportIntervalSec int  `yaml:"export_interval_sec"`
}

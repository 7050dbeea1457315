package config

import "time"

// QueueConfig contains durable task queue settings.
type QueueConfig struct {
	// Path is the location of the queue's SQLite file. The parent
	// directory is created on first use with owner-only permissions.
	Path string `yaml:"path"`

	// StaleLeaseSeconds is how long a PROCESSING task may go without a
	// heartbeat before recovery returns it to PENDING (or fails it once
	// attempts are exhausted).
	StaleLeaseSeconds int `yaml:"stale_lease_seconds"`

	// CleanupAgeHours is the age beyond which terminal tasks
	// (completed/failed/cancelled) are deleted by the maintenance service.
	CleanupAgeHours int `yaml:"cleanup_age_hours"`

	// MaintenanceIntervalMinutes is how often the maintenance service runs
	// cleanup and stale-lease recovery.
	MaintenanceIntervalMinutes int `yaml:"maintenance_interval_minutes"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Path:                       "data/queue.db",
		StaleLeaseSeconds:          300,
		CleanupAgeHours:            72,
		MaintenanceIntervalMinutes: 60,
	}
}

// StaleLease returns the stale-lease horizon as a duration.
func (c *QueueConfig) StaleLease() time.Duration {
	return time.Duration(c.StaleLeaseSeconds) * time.Second
}

// CleanupAge returns the terminal-task retention age as a duration.
func (c *QueueConfig) CleanupAge() time.Duration {
	return time.Duration(c.CleanupAgeHours) * time.Hour
}

// MaintenanceInterval returns the maintenance cadence as a duration.
func (c *QueueConfig) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalMinutes) * time.Minute
}

// OrchestratorConfig contains worker pool settings.
type OrchestratorConfig struct {
	// MaxWorkers is the number of worker goroutines draining the queue.
	MaxWorkers int `yaml:"max_workers"`

	// PollingIntervalMS is the base sleep between empty polls, in
	// milliseconds. Workers add ±20% jitter to avoid thundering herds.
	PollingIntervalMS int `yaml:"polling_interval_ms"`

	// HeartbeatSeconds is how often a worker touches its claimed task so
	// stale-lease recovery can tell a slow task from a dead worker.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`

	// ShutdownGraceSeconds is how long Stop waits for in-flight tasks
	// before the hard shutdown path marks them failed.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// DefaultOrchestratorConfig returns the built-in orchestrator defaults.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		MaxWorkers:           4,
		PollingIntervalMS:    500,
		HeartbeatSeconds:     30,
		ShutdownGraceSeconds: 60,
	}
}

// PollingInterval returns the base poll interval as a duration.
func (c *OrchestratorConfig) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMS) * time.Millisecond
}

// Heartbeat returns the worker heartbeat cadence as a duration.
func (c *OrchestratorConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// ShutdownGrace returns the graceful shutdown window as a duration.
func (c *OrchestratorConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

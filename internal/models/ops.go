package models

import "time"

// Alert is a persisted ops monitor alert.
type Alert struct {
	ID           int64          `json:"id"`
	Severity     string         `json:"severity"`
	Category     string         `json:"category"`
	Message      string         `json:"message"`
	AutoHealed   bool           `json:"auto_healed"`
	Acknowledged bool           `json:"acknowledged"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Alert severity constants
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert category constants
const (
	CategoryEngine = "engine"
	CategoryWorker = "worker"
	CategoryJob    = "job"
	CategoryDB     = "db"
)

// HealthSnapshot is one periodic row written by the ops monitor.
type HealthSnapshot struct {
	ID                 int64     `json:"id"`
	EngineRunning      bool      `json:"engine_running"`
	WorkerCount        int       `json:"worker_count"`
	WorkersAlive       int       `json:"workers_alive"`
	PendingJobs        int       `json:"pending_jobs"`
	FailedJobsLastHour int       `json:"failed_jobs_last_hour"`
	StaleLocks         int       `json:"stale_locks"`
	DBOk               bool      `json:"db_ok"`
	CreatedAt          time.Time `json:"created_at"`
}

// Heal action names exposed through the monitor.
const (
	HealRestartWorkers = "restart_workers"
	HealRestartEngine  = "restart_engine"
	HealClearLocks     = "clear_locks"
	HealFailStaleJobs  = "fail_stale_jobs"
)

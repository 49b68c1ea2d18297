package interfaces

import "time"

// JobStatus is the externally visible state of one scheduled job.
type JobStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	IsRunning bool       `json:"is_running"`
	LastError string     `json:"last_error,omitempty"`
}

// SchedulerService runs the background maintenance jobs: the proactive
// token-refresh sweep and the optional scheduled bulk sync.
type SchedulerService interface {
	// RegisterJob adds a named job on a cron schedule. Must be called
	// before Start.
	RegisterJob(name, schedule string, handler func() error) error

	// Start begins dispatching registered jobs.
	Start() error

	// Stop halts dispatch and waits for a running job to finish.
	Stop() error

	// TriggerJob runs a job immediately, outside its schedule.
	TriggerJob(name string) error

	// GetJobStatus reports one job's state.
	GetJobStatus(name string) (*JobStatus, error)

	// GetAllJobStatuses reports every registered job.
	GetAllJobStatuses() map[string]*JobStatus

	// IsRunning reports whether the scheduler has been started.
	IsRunning() bool
}

package jobs

import (
	"time"
)

// JobStatus represents the current status of an analysis job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a job in this status can still change state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// WorkerHealthStatus represents a worker's liveness classification
type WorkerHealthStatus string

const (
	WorkerStatusActive    WorkerHealthStatus = "active"
	WorkerStatusUnhealthy WorkerHealthStatus = "unhealthy"
)

const (
	// JobStallThreshold is how long a job may sit in processing before a
	// worker run treats it as abandoned and requeues it.
	JobStallThreshold = 30 * time.Minute
	// MaxJobsPerRun caps how many jobs one worker invocation will touch.
	MaxJobsPerRun = 10
	// MaxJobProcessingTime bounds the wall-clock time of one worker run.
	MaxJobProcessingTime = 15 * time.Minute
)

// Job represents one unit of content-gap analysis work
type Job struct {
	ID             string     `json:"id"`
	Status         JobStatus  `json:"status"`
	UserID         string     `json:"user_id"`
	OrganisationID string     `json:"organisation_id"`
	TargetURL      string     `json:"target_url"`
	CompetitorURLs []string   `json:"competitor_urls"`
	RegionID       *string    `json:"region_id,omitempty"`
	WorkerID       *string    `json:"worker_id,omitempty"`
	Priority       int        `json:"priority"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`

	// Result data, populated when the analysis completes
	ContentGaps   []string `json:"content_gaps,omitempty"`
	PopularThemes []string `json:"popular_themes,omitempty"`
}

// JobOptions defines configuration options for submitting a job
type JobOptions struct {
	UserID         string   `json:"user_id"`
	OrganisationID string   `json:"organisation_id"`
	TargetURL      string   `json:"target_url"`
	CompetitorURLs []string `json:"competitor_urls"`
	RegionID       string   `json:"region_id,omitempty"`
	Priority       int      `json:"priority,omitempty"`
}

// WorkerHealth is the liveness/capacity record for one worker process
type WorkerHealth struct {
	WorkerID      string             `json:"worker_id"`
	InstanceID    string             `json:"instance_id"`
	RegionID      string             `json:"region_id"`
	Status        WorkerHealthStatus `json:"status"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	CPUUsage      float64            `json:"cpu_usage"`
	MemoryUsage   float64            `json:"memory_usage"`
	LatencyMs     int64              `json:"latency_ms"`
	Version       string             `json:"version"`
}

// RunSummary reports what one worker invocation accomplished
type RunSummary struct {
	Region    string    `json:"region"`
	WorkerID  string    `json:"worker_id"`
	Processed int       `json:"processed"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Stalled   int       `json:"stalled_recovered"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

package api

import (
	"time"
)

// JobType identifies which handler processes a job.
type JobType string

const (
	JobTypeExecuteFlow                    JobType = "EXECUTE_FLOW"
	JobTypeExecuteWebhook                 JobType = "EXECUTE_WEBHOOK"
	JobTypeExecutePolling                 JobType = "EXECUTE_POLLING"
	JobTypeRenewWebhook                   JobType = "RENEW_WEBHOOK"
	JobTypeDelayedFlow                    JobType = "DELAYED_FLOW"
	JobTypeExecuteAgent                   JobType = "EXECUTE_AGENT"
	JobTypeExecuteTool                    JobType = "EXECUTE_TOOL"
	JobTypeExecuteValidation              JobType = "EXECUTE_VALIDATION"
	JobTypeExecuteTriggerHook             JobType = "EXECUTE_TRIGGER_HOOK"
	JobTypeExecuteProperty                JobType = "EXECUTE_PROPERTY"
	JobTypeExecuteExtractPieceInformation JobType = "EXECUTE_EXTRACT_PIECE_INFORMATION"

	// JobTypeStopFlow is the control job used to stop a run.
	JobTypeStopFlow JobType = "STOP_FLOW"
)

// AllJobTypes lists every job type known to the service, in a stable order.
func AllJobTypes() []JobType {
	return []JobType{
		JobTypeExecuteFlow,
		JobTypeExecuteWebhook,
		JobTypeExecutePolling,
		JobTypeRenewWebhook,
		JobTypeDelayedFlow,
		JobTypeExecuteAgent,
		JobTypeExecuteTool,
		JobTypeExecuteValidation,
		JobTypeExecuteTriggerHook,
		JobTypeExecuteProperty,
		JobTypeExecuteExtractPieceInformation,
		JobTypeStopFlow,
	}
}

// JobStatus is a projection of a job's queue state. It is never stored;
// Job.Status derives it from the stored fields.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "QUEUED"
	JobStatusDelayed  JobStatus = "DELAYED"
	JobStatusActive   JobStatus = "ACTIVE"
	JobStatusRetrying JobStatus = "RETRYING"
	JobStatusFailed   JobStatus = "FAILED"
)

// AllJobStatuses lists the statuses reported by queue metrics.
func AllJobStatuses() []JobStatus {
	return []JobStatus{
		JobStatusQueued,
		JobStatusDelayed,
		JobStatusActive,
		JobStatusRetrying,
		JobStatusFailed,
	}
}

// Priorities. Higher values are leased first.
const (
	PriorityLow    = -10
	PriorityNormal = 0
	PriorityHigh   = 10
)

// DefaultMaxAttempts is used when EnqueueOptions.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// Job is one unit of queued work.
type Job struct {
	ID          string    `json:"id"`
	Type        JobType   `json:"type"`
	Payload     []byte    `json:"payload"`
	Priority    int       `json:"priority"`
	NotBefore   time.Time `json:"notBefore"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"maxAttempts"`
	CreatedAt   time.Time `json:"createdAt"`

	// RunID correlates the job with a flow run. At most one job per RunID
	// is leased at any time.
	RunID string `json:"runId,omitempty"`

	// IdempotencyKey deduplicates enqueues. A second enqueue with the same
	// key returns the first job's ID.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	LeasedBy       string    `json:"leasedBy,omitempty"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	Failed         bool      `json:"failed,omitempty"`
}

// Status derives the job's status at time now.
func (j *Job) Status(now time.Time) JobStatus {
	switch {
	case j.Failed:
		return JobStatusFailed
	case j.LeasedBy != "":
		return JobStatusActive
	case j.Attempt > 0:
		return JobStatusRetrying
	case j.NotBefore.After(now):
		return JobStatusDelayed
	default:
		return JobStatusQueued
	}
}

// EnqueueOptions tunes a single Enqueue call. The zero value enqueues an
// immediately eligible job with DefaultMaxAttempts and PriorityNormal.
type EnqueueOptions struct {
	NotBefore      time.Time
	MaxAttempts    int
	Priority       int
	RunID          string
	IdempotencyKey string
}

// QueueStats counts jobs per type and status.
type QueueStats map[JobType]map[JobStatus]int

// NewQueueStats returns stats with every known type and status set to zero.
func NewQueueStats() QueueStats {
	stats := make(QueueStats)
	for _, t := range AllJobTypes() {
		stats.ensure(t)
	}
	return stats
}

func (s QueueStats) ensure(t JobType) map[JobStatus]int {
	m, ok := s[t]
	if !ok {
		m = make(map[JobStatus]int, 5)
		for _, st := range AllJobStatuses() {
			m[st] = 0
		}
		s[t] = m
	}
	return m
}

// Add increments the count for one type and status.
func (s QueueStats) Add(t JobType, status JobStatus, n int) {
	s.ensure(t)[status] += n
}

package domain

import "time"

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateDelayed   JobState = "delayed"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateStalled   JobState = "stalled"
	JobStateCancelled JobState = "cancelled"
	JobStateNotFound  JobState = "not_found"
)

func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// QueueJob is the wire payload submitted to the distributed work queue.
type QueueJob struct {
	JobID      string         `json:"job_id"`
	RequestID  string         `json:"request_id"`
	Type       ProcessingType `json:"type"`
	CompanyID  string         `json:"company_id"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// JobCancelResult reports what a cancellation attempt found and did.
// Cancelling a waiting or delayed job is definitive; cancelling an active job
// only arms the cooperative flag checked by the row processing loop.
type JobCancelResult struct {
	Success       bool     `json:"success"`
	PreviousState JobState `json:"previous_state"`
	Message       string   `json:"message"`
}

type JobStatusInfo struct {
	Exists       bool     `json:"exists"`
	State        JobState `json:"state"`
	FailedReason string   `json:"failed_reason,omitempty"`
}

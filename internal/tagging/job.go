// Package tagging implements the tagging job queue: cancellable FIFO jobs
// that run ML inference over catalog images.
package tagging

import "time"

// Status tracks a tagging job through its lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusDone || s == StatusError
}

// JobError records one failed image inside a job.
type JobError struct {
	ImageID string `json:"image_id"`
	Error   string `json:"error"`
}

// Job is a point-in-time snapshot of a tagging job. Callers get copies,
// never the live record.
type Job struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	Status    Status     `json:"status"`
	Total     int        `json:"total"`
	Done      int        `json:"done"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Current   string     `json:"current,omitempty"`
	Errors    []JobError `json:"errors,omitempty"`
}

// job is the live, mutable record. Guarded by the manager's mutex.
type job struct {
	Job
	ids             []string
	cancelRequested bool
}

func (j *job) snapshot() *Job {
	out := j.Job
	out.Errors = make([]JobError, len(j.Errors))
	copy(out.Errors, j.Errors)
	return &out
}

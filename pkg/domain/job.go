package domain

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether from → to is a legal job transition.
// queued may fail directly when dispatch is rejected.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobQueued:
		return to == JobProcessing || to == JobFailed
	case JobProcessing:
		return to == JobCompleted || to == JobFailed
	default:
		return false
	}
}

// ResultRef points at a produced artifact.
type ResultRef struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// JobError describes why a job failed.
type JobError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Diagnostics string    `json:"diagnostics,omitempty"`
}

// Job tracks one export request from admission to a terminal outcome.
type Job struct {
	ID          string        `json:"id"`
	Request     ExportRequest `json:"request"`
	Fingerprint string        `json:"fingerprint"`
	Status      JobStatus     `json:"status"`
	Result      *ResultRef    `json:"result,omitempty"`
	Error       *JobError     `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the registry.
func (j Job) Clone() Job {
	out := j
	if j.Request.Layers != nil {
		out.Request.Layers = append([]Layer(nil), j.Request.Layers...)
	}
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

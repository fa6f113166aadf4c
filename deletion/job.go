package deletion

import (
	"time"

	"github.com/google/uuid"

	"github.com/c360/eventstore/docstore"
)

// Status is the lifecycle state of a deletion job.
type Status string

const (
	// StatusPending means the job is accepted but no worker has picked it
	// up yet.
	StatusPending Status = "pending"
	// StatusRunning means a worker is actively deleting.
	StatusRunning Status = "running"
	// StatusPartiallyDone means the job made progress but paused, waiting
	// for the next rate window or a retry. It resumes to running.
	StatusPartiallyDone Status = "partially-done"
	// StatusDone means every owned document was removed.
	StatusDone Status = "done"
	// StatusFailed means the job exhausted its retry budget or was
	// cancelled.
	StatusFailed Status = "failed"
)

// Active reports whether the job still needs a worker.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusPartiallyDone
}

// Terminal reports whether the job reached a final state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Job is a persisted deletion job. Workers checkpoint Cursor and Deleted
// after every fully-deleted batch, so a restarted service resumes from the
// last batch boundary without re-deleting (re-deleting an absent document
// is a no-op anyway).
type Job struct {
	ID          string   `json:"id"`
	TaskID      string   `json:"task_id"`
	URLPrefixes []string `json:"url_prefixes,omitempty"`

	Status Status           `json:"status"`
	Cursor docstore.SortKey `json:"cursor,omitempty"`

	Deleted         int64 `json:"deleted"`
	Attempts        int   `json:"attempts"`
	CancelRequested bool  `json:"cancel_requested,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Error       string    `json:"error,omitempty"`
}

// NewJob creates a pending job for the task. Empty urlPrefixes means the
// scheduler's default resolver decides which object URLs are deletable.
func NewJob(taskID string, urlPrefixes []string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		URLPrefixes: urlPrefixes,
		Status:      StatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy so stores can hand out jobs without aliasing
// their internal state.
func (j *Job) Clone() *Job {
	c := *j
	if j.URLPrefixes != nil {
		c.URLPrefixes = append([]string(nil), j.URLPrefixes...)
	}
	return &c
}

package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/clipfetch/clipfetch"
)

// JobState is one node of the per-job state machine:
//
//	pending-info → fetching-info → initializing → downloading ⇄ retrying
//	                                     → {completed | failed | cancelled}
//
// The terminal states are absorbing.
type JobState string

const (
	StatePendingInfo  JobState = "pending-info"
	StateFetchingInfo JobState = "fetching-info"
	StateInitializing JobState = "initializing"
	StateDownloading  JobState = "downloading"
	StateRetrying     JobState = "retrying"
	StateCompleted    JobState = "completed"
	StateFailed       JobState = "failed"
	StateCancelled    JobState = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// InFlight reports whether some active process should still be driving the
// job. A persisted record in an in-flight state cannot have survived a
// process restart.
func (s JobState) InFlight() bool {
	return s != "" && !s.Terminal()
}

var stateSuccessors = map[JobState][]JobState{
	StatePendingInfo:  {StateFetchingInfo, StateFailed, StateCancelled},
	StateFetchingInfo: {StateInitializing, StateRetrying, StateFailed, StateCancelled},
	StateInitializing: {StateDownloading, StateRetrying, StateFailed, StateCancelled},
	StateDownloading:  {StateRetrying, StateCompleted, StateFailed, StateCancelled},
	StateRetrying:     {StateFetchingInfo, StateInitializing, StateDownloading, StateFailed, StateCancelled},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s JobState) CanTransition(next JobState) bool {
	for _, allowed := range stateSuccessors[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobError is the persisted failure attached to a failed job.
type JobError struct {
	Kind      clipfetch.ErrorKind `json:"kind"`
	Retryable bool                `json:"retryable"`
	Message   string              `json:"message"`
}

// Job is one download attempt, tracked end to end. It is mutated only by
// the Orchestrator; adapters communicate through callbacks.
type Job struct {
	ID        string              `json:"id"`
	Locator   string              `json:"locator"`
	SourceRef clipfetch.SourceRef `json:"sourceRef"`
	State     JobState            `json:"state"`

	Title string `json:"title,omitempty"`

	// Quality and PinnedAdapter echo the start options so a retry can
	// reuse them.
	Quality       string `json:"quality,omitempty"`
	PinnedAdapter string `json:"pinnedAdapter,omitempty"`

	// Progress is in [0,1] and never regresses while downloading.
	Progress        float64       `json:"progress"`
	BytesDownloaded int64         `json:"bytesDownloaded"`
	BytesTotal      int64         `json:"bytesTotal"`
	Speed           int64         `json:"speed"`
	ETA             time.Duration `json:"eta"`

	// ChosenAdapter is set once, when an adapter execution begins.
	ChosenAdapter string    `json:"chosenAdapter,omitempty"`
	RetryCount    int       `json:"retryCount"`
	Error         *JobError `json:"error,omitempty"`
	FilePath      string    `json:"filePath,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newJob(locator string, ref clipfetch.SourceRef, retryCount int) *Job {
	now := time.Now()
	return &Job{
		ID:         uuid.NewString(),
		Locator:    locator,
		SourceRef:  ref,
		State:      StatePendingInfo,
		RetryCount: retryCount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Active reports whether the job counts against the concurrency ceiling.
func (j *Job) Active() bool {
	return j.State.InFlight()
}

// setState moves the job along a legal edge; illegal transitions are
// ignored so a late adapter callback cannot resurrect a terminal job.
func (j *Job) setState(next JobState) bool {
	if !j.State.CanTransition(next) {
		return false
	}
	j.State = next
	j.UpdatedAt = time.Now()
	return true
}

// applyProgress folds a progress observation into the job, clamping the
// fraction so it never regresses even under noisy upstream reporting.
func (j *Job) applyProgress(p clipfetch.Progress) {
	if p.Fraction > j.Progress {
		j.Progress = p.Fraction
	}
	if p.Bytes > j.BytesDownloaded {
		j.BytesDownloaded = p.Bytes
	}
	if p.TotalBytes > 0 {
		j.BytesTotal = p.TotalBytes
	}
	j.Speed = p.Speed
	j.ETA = p.ETA
	j.UpdatedAt = time.Now()
}

func (j *Job) fail(err error) {
	coerced := clipfetch.Coerce(err)
	if coerced == nil {
		coerced = clipfetch.NewError(clipfetch.KindUnknown, "failed with no recorded error")
	}
	j.Error = &JobError{
		Kind:      coerced.Kind,
		Retryable: coerced.Retryable,
		Message:   coerced.Message,
	}
	j.State = StateFailed
	j.UpdatedAt = time.Now()
}

// snapshot returns a copy safe to hand to subscribers.
func (j *Job) snapshot() Job {
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return c
}

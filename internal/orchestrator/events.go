package orchestrator

// Event is the payload type of the orchestrator's event bus. Each event
// carries a Job snapshot (Deleted carries only the ID, since the record is
// gone).
type Event interface {
	// JobID identifies the job the event relates to.
	JobID() string
}

type jobEvent struct {
	Job Job
}

func (e jobEvent) JobID() string {
	return e.Job.ID
}

// JobProgress is emitted for every state change and progress observation,
// after the snapshot has been committed to the store.
type JobProgress struct {
	jobEvent
}

// JobCompleted is emitted once, when a job reaches the completed state.
type JobCompleted struct {
	jobEvent
}

// JobFailed is emitted once, when a job settles to failed. Cancellation is
// reported as JobCancelled instead, so subscribers never present a
// user-requested cancel as an error.
type JobFailed struct {
	jobEvent
}

// JobCancelled is emitted once, when a job settles to cancelled.
type JobCancelled struct {
	jobEvent
}

// JobDeleted is emitted when a job's persisted record is removed.
type JobDeleted struct {
	ID string
}

func (e JobDeleted) JobID() string {
	return e.ID
}

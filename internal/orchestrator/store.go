package orchestrator

// Store is the durable persistence boundary for the job registry. It has
// no business logic; the orchestrator is its single writer.
type Store interface {
	// ListJobs returns every persisted job record.
	ListJobs() ([]Job, error)
	// PutJob durably writes one job record, replacing any previous value.
	PutJob(*Job) error
	// DeleteJob removes a job record; deleting a missing record is not an
	// error.
	DeleteJob(id string) error
}

// NilStore discards everything; useful for tests and one-shot CLI runs.
type NilStore struct{}

func (NilStore) ListJobs() ([]Job, error) { return nil, nil }
func (NilStore) PutJob(*Job) error        { return nil }
func (NilStore) DeleteJob(string) error   { return nil }

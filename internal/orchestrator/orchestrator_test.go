package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipfetch/clipfetch"
)

const testLocator = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

// fakeAdapter scripts adapter behaviour for lifecycle tests.
type fakeAdapter struct {
	name      string
	probeErr  error
	infoErr   error
	info      clipfetch.VideoInfo
	acquire   func(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error)
	infoCalls int32
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Probe(ctx context.Context) error { return a.probeErr }

func (a *fakeAdapter) FetchInfo(ctx context.Context, ref clipfetch.SourceRef) (*clipfetch.VideoInfo, error) {
	atomic.AddInt32(&a.infoCalls, 1)
	if a.infoErr != nil {
		return nil, a.infoErr
	}
	info := a.info
	if info.Title == "" {
		info.Title = "Test Video"
	}
	return &info, nil
}

func (a *fakeAdapter) Acquire(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error) {
	if a.acquire != nil {
		return a.acquire(ctx, req)
	}
	if req.Progress != nil {
		req.Progress(clipfetch.Progress{Fraction: 0.5, Bytes: 50, TotalBytes: 100})
		req.Progress(clipfetch.Progress{Fraction: 1, Bytes: 100, TotalBytes: 100})
	}
	return &clipfetch.Acquisition{FilePath: req.OutputDir + "/test.mp4"}, nil
}

// memStore is an in-memory Store for asserting persistence ordering.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]Job)}
}

func (s *memStore) ListJobs() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *memStore) PutJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *memStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memStore) get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func testOrchestrator(t *testing.T, cfg Config, adapters ...clipfetch.Adapter) *Orchestrator {
	t.Helper()
	if cfg.Registry == nil {
		cfg.Registry = &clipfetch.AdapterRegistry{}
		for _, a := range adapters {
			cfg.Registry.MustAdd(a)
		}
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	o := New(cfg, context.Background())
	require.NoError(t, o.Initialize(context.Background()))
	t.Cleanup(o.Close)
	return o
}

// awaitState polls until the job reaches the wanted state or the test times
// out. Most assertions go through events instead; this is for the cases
// where only the end state matters.
func awaitState(t *testing.T, o *Orchestrator, id string, want JobState) Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, ok := o.Get(id)
		if ok && job.State == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached %s (currently %s)", id, want, job.State)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func collectUntilTerminal(t *testing.T, sub interface {
	Receive() <-chan Event
}) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-sub.Receive():
			if !ok {
				return events
			}
			events = append(events, e)
			switch e.(type) {
			case JobCompleted, JobFailed, JobCancelled:
				return events
			}
		case <-deadline:
			t.Fatal("no terminal event observed")
		}
	}
}

func TestDownloadLifecycle(t *testing.T) {
	store := newMemStore()
	o := testOrchestrator(t, Config{Store: store}, &fakeAdapter{name: "fake"})

	sub, err := o.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	id, err := o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	events := collectUntilTerminal(t, sub)
	final, ok := events[len(events)-1].(JobCompleted)
	require.True(t, ok, "expected JobCompleted, got %T", events[len(events)-1])
	assert.Equal(t, id, final.Job.ID)
	assert.Equal(t, StateCompleted, final.Job.State)
	assert.Equal(t, 1.0, final.Job.Progress)
	assert.Equal(t, "fake", final.Job.ChosenAdapter)
	assert.Equal(t, "Test Video", final.Job.Title)
	assert.NotEmpty(t, final.Job.FilePath)

	// States advance through the machine in order, never regressing
	seen := map[JobState]int{}
	order := []JobState{StatePendingInfo, StateFetchingInfo, StateInitializing, StateDownloading, StateCompleted}
	rank := func(s JobState) int {
		for i, st := range order {
			if st == s {
				return i
			}
		}
		return -1
	}
	last := -1
	for _, e := range events {
		var job Job
		switch ev := e.(type) {
		case JobProgress:
			job = ev.Job
		case JobCompleted:
			job = ev.Job
		default:
			continue
		}
		r := rank(job.State)
		require.GreaterOrEqual(t, r, last, "state regressed to %s", job.State)
		last = r
		seen[job.State]++
	}
	assert.NotZero(t, seen[StateDownloading])

	// Completion is persisted
	stored, ok := store.get(id)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, stored.State)
}

func TestProgressNeverRegresses(t *testing.T) {
	adapter := &fakeAdapter{name: "noisy"}
	adapter.acquire = func(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error) {
		// Deliberately out-of-order upstream reporting
		for _, f := range []float64{0.2, 0.6, 0.4, 0.8, 0.7, 1} {
			req.Progress(clipfetch.Progress{Fraction: f})
		}
		return &clipfetch.Acquisition{FilePath: req.OutputDir + "/n.mp4"}, nil
	}
	o := testOrchestrator(t, Config{}, adapter)

	sub, err := o.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	_, err = o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)

	prev := -1.0
	for _, e := range collectUntilTerminal(t, sub) {
		var job Job
		switch ev := e.(type) {
		case JobProgress:
			job = ev.Job
		case JobCompleted:
			job = ev.Job
		default:
			continue
		}
		require.GreaterOrEqual(t, job.Progress, prev,
			"progress regressed from %v to %v", prev, job.Progress)
		prev = job.Progress
	}
	assert.Equal(t, 1.0, prev)
}

func TestConcurrencyCeiling(t *testing.T) {
	release := make(chan struct{})
	adapter := &fakeAdapter{name: "slow"}
	adapter.acquire = func(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error) {
		select {
		case <-release:
			return &clipfetch.Acquisition{FilePath: req.OutputDir + "/s.mp4"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	o := testOrchestrator(t, Config{MaxConcurrent: 2}, adapter)

	id1, err := o.StartDownload("https://youtu.be/aaaaaaaaaa1", StartOptions{})
	require.NoError(t, err)
	id2, err := o.StartDownload("https://youtu.be/aaaaaaaaaa2", StartOptions{})
	require.NoError(t, err)

	_, err = o.StartDownload("https://youtu.be/aaaaaaaaaa3", StartOptions{})
	require.Error(t, err)
	assert.Equal(t, clipfetch.KindQuotaExceeded, clipfetch.KindOf(err))

	close(release)
	awaitState(t, o, id1, StateCompleted)
	awaitState(t, o, id2, StateCompleted)

	// Capacity is released once jobs settle
	id4, err := o.StartDownload("https://youtu.be/aaaaaaaaaa4", StartOptions{})
	require.NoError(t, err)
	awaitState(t, o, id4, StateCompleted)
}

func TestDuplicateLocatorJoinsExistingJob(t *testing.T) {
	release := make(chan struct{})
	adapter := &fakeAdapter{name: "slow"}
	adapter.acquire = func(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error) {
		select {
		case <-release:
			return &clipfetch.Acquisition{FilePath: req.OutputDir + "/d.mp4"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	o := testOrchestrator(t, Config{}, adapter)

	id1, err := o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)
	id2, err := o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "an in-flight locator must not spawn a duplicate job")

	close(release)
	awaitState(t, o, id1, StateCompleted)

	// A settled job no longer blocks a fresh download of the same locator
	id3, err := o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestCancelDownload(t *testing.T) {
	started := make(chan struct{})
	adapter := &fakeAdapter{name: "slow"}
	adapter.acquire = func(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error) {
		close(started)
		<-ctx.Done()
		return nil, clipfetch.WrapError(clipfetch.KindCancelled, ctx.Err(), "terminated")
	}
	o := testOrchestrator(t, Config{}, adapter)

	sub, err := o.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	id, err := o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)
	<-started
	assert.True(t, o.CancelDownload(id))

	events := collectUntilTerminal(t, sub)
	_, ok := events[len(events)-1].(JobCancelled)
	require.True(t, ok, "cancel must settle as JobCancelled, got %T", events[len(events)-1])

	job, ok := o.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateCancelled, job.State)
	assert.Nil(t, job.Error, "a user cancel is not an error")

	// No live handle remains to cancel
	assert.False(t, o.CancelDownload(id))
}

func TestFailureIsTyped(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "broken",
		infoErr: clipfetch.NewError(clipfetch.KindVideoPrivate, "login required"),
	}
	o := testOrchestrator(t, Config{}, adapter)

	id, err := o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)
	job := awaitState(t, o, id, StateFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, clipfetch.KindVideoPrivate, job.Error.Kind)
	assert.False(t, job.Error.Retryable)
}

func TestAdapterFallback(t *testing.T) {
	primary := &fakeAdapter{
		name:    "primary",
		infoErr: clipfetch.NewError(clipfetch.KindNetworkError, "connection reset"),
	}
	secondary := &fakeAdapter{name: "secondary"}
	registry := &clipfetch.AdapterRegistry{}
	registry.MustAddPriority(primary, clipfetch.PriorityHighest)
	registry.MustAdd(secondary)
	o := testOrchestrator(t, Config{Registry: registry})

	sub, err := o.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	id, err := o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)

	events := collectUntilTerminal(t, sub)
	final, ok := events[len(events)-1].(JobCompleted)
	require.True(t, ok, "fallback must succeed, got %T", events[len(events)-1])
	assert.Equal(t, id, final.Job.ID)
	assert.Equal(t, "secondary", final.Job.ChosenAdapter)

	// The hand-off passes through retrying
	sawRetrying := false
	for _, e := range events {
		if p, ok := e.(JobProgress); ok && p.Job.State == StateRetrying {
			sawRetrying = true
		}
	}
	assert.True(t, sawRetrying)
}

func TestPinnedAdapterDisablesFallback(t *testing.T) {
	primary := &fakeAdapter{
		name:    "primary",
		infoErr: clipfetch.NewError(clipfetch.KindNetworkError, "connection reset"),
	}
	secondary := &fakeAdapter{name: "secondary"}
	registry := &clipfetch.AdapterRegistry{}
	registry.MustAddPriority(primary, clipfetch.PriorityHighest)
	registry.MustAdd(secondary)
	o := testOrchestrator(t, Config{Registry: registry})

	id, err := o.StartDownload(testLocator, StartOptions{Adapter: "primary"})
	require.NoError(t, err)
	job := awaitState(t, o, id, StateFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, clipfetch.KindNetworkError, job.Error.Kind)
	assert.Zero(t, atomic.LoadInt32(&secondary.infoCalls), "pinned failure must not fall back")
}

func TestRetryDownload(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "flaky",
		infoErr: clipfetch.NewError(clipfetch.KindNetworkError, "connection reset"),
	}
	o := testOrchestrator(t, Config{}, adapter)

	id, err := o.StartDownload(testLocator, StartOptions{Quality: "720"})
	require.NoError(t, err)
	awaitState(t, o, id, StateFailed)

	// Subsequent attempts succeed
	adapter.infoErr = nil

	retryID, err := o.RetryDownload(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, retryID)
	job := awaitState(t, o, retryID, StateCompleted)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "720", job.Quality, "retry reuses the original options")

	// Only failed jobs are retryable
	_, err = o.RetryDownload(retryID)
	assert.Error(t, err)
}

func TestDeleteDownload(t *testing.T) {
	store := newMemStore()
	o := testOrchestrator(t, Config{Store: store}, &fakeAdapter{name: "fake"})

	id, err := o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)
	awaitState(t, o, id, StateCompleted)

	sub, err := o.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	require.True(t, o.DeleteDownload(id))
	_, ok := o.Get(id)
	assert.False(t, ok)
	_, ok = store.get(id)
	assert.False(t, ok)

	select {
	case e := <-sub.Receive():
		del, ok := e.(JobDeleted)
		require.True(t, ok)
		assert.Equal(t, id, del.ID)
	case <-time.After(time.Second):
		t.Fatal("no deletion event")
	}

	assert.False(t, o.DeleteDownload(id))
}

func TestRestartReconciliation(t *testing.T) {
	store := newMemStore()
	old := time.Now().Add(-60 * 24 * time.Hour)
	require.NoError(t, store.PutJob(&Job{
		ID: "interrupted", Locator: testLocator, State: StateDownloading,
		Progress: 0.4, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	require.NoError(t, store.PutJob(&Job{
		ID: "expired", Locator: testLocator, State: StateCompleted,
		CreatedAt: old, UpdatedAt: old,
	}))
	require.NoError(t, store.PutJob(&Job{
		ID: "recent", Locator: testLocator, State: StateCompleted,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	o := testOrchestrator(t, Config{Store: store}, &fakeAdapter{name: "fake"})

	job, ok := o.Get("interrupted")
	require.True(t, ok)
	assert.Equal(t, StateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, "interrupted by restart", job.Error.Message)
	assert.True(t, job.Error.Retryable)

	// The reconciliation is durable, not just in memory
	stored, ok := store.get("interrupted")
	require.True(t, ok)
	assert.Equal(t, StateFailed, stored.State)

	_, ok = o.Get("expired")
	assert.False(t, ok, "expired terminal records are evicted")
	_, ok = store.get("expired")
	assert.False(t, ok)

	_, ok = o.Get("recent")
	assert.True(t, ok)
}

func TestGetVideoInfoCaching(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	o := testOrchestrator(t, Config{InfoCacheTTL: time.Hour}, adapter)

	info, err := o.GetVideoInfo(context.Background(), testLocator)
	require.NoError(t, err)
	assert.Equal(t, "Test Video", info.Title)

	_, err = o.GetVideoInfo(context.Background(), testLocator)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&adapter.infoCalls),
		"second lookup must come from the cache")

	_, err = o.GetVideoInfo(context.Background(), "not a url")
	require.Error(t, err)
	assert.Equal(t, clipfetch.KindInvalidURL, clipfetch.KindOf(err))
}

func TestGetVideoInfoFallsBack(t *testing.T) {
	primary := &fakeAdapter{
		name:    "primary",
		infoErr: clipfetch.NewError(clipfetch.KindRateLimited, "429"),
	}
	secondary := &fakeAdapter{name: "secondary", info: clipfetch.VideoInfo{Title: "From Secondary"}}
	registry := &clipfetch.AdapterRegistry{}
	registry.MustAddPriority(primary, clipfetch.PriorityHighest)
	registry.MustAdd(secondary)
	o := testOrchestrator(t, Config{Registry: registry})

	info, err := o.GetVideoInfo(context.Background(), testLocator)
	require.NoError(t, err)
	assert.Equal(t, "From Secondary", info.Title)
}

func TestStallWatchdogFailsJob(t *testing.T) {
	adapter := &fakeAdapter{name: "stalled"}
	adapter.acquire = func(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error) {
		// Never reports progress; the watchdog must cancel the attempt.
		<-ctx.Done()
		return nil, ctx.Err()
	}
	o := testOrchestrator(t, Config{StallTimeout: 50 * time.Millisecond, JobTimeout: time.Hour}, adapter)

	id, err := o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)
	job := awaitState(t, o, id, StateFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, clipfetch.KindTimeout, job.Error.Kind)
	assert.Contains(t, job.Error.Message, "stalled")
}

func TestJobTimeout(t *testing.T) {
	adapter := &fakeAdapter{name: "slow"}
	adapter.acquire = func(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error) {
		// Keeps reporting progress so the stall watchdog stays quiet.
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
				req.Progress(clipfetch.Progress{Fraction: 0.1})
			}
		}
	}
	o := testOrchestrator(t, Config{JobTimeout: 100 * time.Millisecond, StallTimeout: time.Hour}, adapter)

	id, err := o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)
	job := awaitState(t, o, id, StateFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, clipfetch.KindTimeout, job.Error.Kind)
}

func TestListFilters(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	o := testOrchestrator(t, Config{}, adapter)

	okID, err := o.StartDownload("https://youtu.be/bbbbbbbbbb1", StartOptions{})
	require.NoError(t, err)
	awaitState(t, o, okID, StateCompleted)

	adapter.infoErr = clipfetch.NewError(clipfetch.KindVideoUnavailable, "gone")
	badID, err := o.StartDownload("https://youtu.be/bbbbbbbbbb2", StartOptions{})
	require.NoError(t, err)
	awaitState(t, o, badID, StateFailed)

	all := o.List(FilterAll)
	assert.Len(t, all, 2)
	// Newest first
	assert.Equal(t, badID, all[0].ID)

	completed := o.List(FilterCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, okID, completed[0].ID)

	failed := o.List(FilterFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, badID, failed[0].ID)

	assert.Empty(t, o.List(FilterActive))
}

func TestSubscribeJobFiltersEvents(t *testing.T) {
	o := testOrchestrator(t, Config{}, &fakeAdapter{name: "fake"})

	id1, err := o.StartDownload("https://youtu.be/cccccccccc1", StartOptions{})
	require.NoError(t, err)
	awaitState(t, o, id1, StateCompleted)

	sub, err := o.SubscribeJob(id1)
	require.NoError(t, err)
	defer sub.Close()

	// Events for an unrelated job never reach the filtered subscriber
	id2, err := o.StartDownload("https://youtu.be/cccccccccc2", StartOptions{})
	require.NoError(t, err)
	awaitState(t, o, id2, StateCompleted)

	require.True(t, o.DeleteDownload(id1))
	for {
		select {
		case e := <-sub.Receive():
			assert.Equal(t, id1, e.JobID())
			if _, ok := e.(JobDeleted); ok {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("filtered subscriber never saw the deletion")
		}
	}
}

type fakeRecorder struct {
	mu   sync.Mutex
	jobs []Job
}

func (r *fakeRecorder) RecordCompleted(job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func TestRecorderReceivesCompletions(t *testing.T) {
	rec := &fakeRecorder{}
	o := testOrchestrator(t, Config{Recorder: rec}, &fakeAdapter{name: "fake"})

	id, err := o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)
	awaitState(t, o, id, StateCompleted)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.jobs) == 1
	}, time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, id, rec.jobs[0].ID)
	assert.Equal(t, StateCompleted, rec.jobs[0].State)
}

func TestCloseSettlesStartedJobsAsCancelled(t *testing.T) {
	store := newMemStore()
	adapter := &fakeAdapter{name: "slow"}
	adapter.acquire = func(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	o := testOrchestrator(t, Config{Store: store, MaxConcurrent: 1000}, adapter)

	var ids []string
	for i := 0; i < 100; i++ {
		id, err := o.StartDownload(fmt.Sprintf("https://youtu.be/dddddddd%03d", i), StartOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// Shut down while most job goroutines have not yet begun their first
	// adapter attempt; every job must still settle cleanly.
	o.Close()

	for _, id := range ids {
		job, ok := o.Get(id)
		require.True(t, ok)
		assert.Equal(t, StateCancelled, job.State)
		assert.Nil(t, job.Error, "a shutdown interruption is not a failure")
		stored, ok := store.get(id)
		require.True(t, ok)
		assert.Equal(t, StateCancelled, stored.State)
	}
}

func TestFailWithoutCauseStaysTyped(t *testing.T) {
	j := newJob(testLocator, clipfetch.SourceRef{}, 0)
	j.fail(nil)
	require.NotNil(t, j.Error)
	assert.Equal(t, clipfetch.KindUnknown, j.Error.Kind)
}

func TestStallDoesNotMaskFallbackFailure(t *testing.T) {
	stalling := &fakeAdapter{name: "stalling"}
	stalling.acquire = func(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error) {
		// Never reports progress; when the watchdog cancels the attempt,
		// surface a transfer error rather than the cancellation itself.
		<-ctx.Done()
		return nil, clipfetch.NewError(clipfetch.KindNetworkError, "connection reset")
	}
	strict := &fakeAdapter{name: "strict"}
	strict.acquire = func(ctx context.Context, req clipfetch.AcquireRequest) (*clipfetch.Acquisition, error) {
		return nil, clipfetch.NewError(clipfetch.KindVideoPrivate, "login required")
	}
	registry := &clipfetch.AdapterRegistry{}
	registry.MustAddPriority(stalling, clipfetch.PriorityHighest)
	registry.MustAdd(strict)
	o := testOrchestrator(t, Config{Registry: registry, StallTimeout: 50 * time.Millisecond, JobTimeout: time.Hour})

	id, err := o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)
	job := awaitState(t, o, id, StateFailed)
	require.NotNil(t, job.Error)
	// An earlier adapter's stall must not override the outcome of the
	// attempts that followed it.
	assert.Equal(t, clipfetch.KindNetworkError, job.Error.Kind)
	assert.NotContains(t, job.Error.Message, "stalled")
}

func TestUnavailableAdapterSkipped(t *testing.T) {
	broken := &fakeAdapter{
		name:     "broken",
		probeErr: clipfetch.NewError(clipfetch.KindUnknown, "binary not found"),
	}
	working := &fakeAdapter{name: "working"}
	registry := &clipfetch.AdapterRegistry{}
	registry.MustAddPriority(broken, clipfetch.PriorityHighest)
	registry.MustAdd(working)
	o := testOrchestrator(t, Config{Registry: registry})

	id, err := o.StartDownload(testLocator, StartOptions{})
	require.NoError(t, err)
	job := awaitState(t, o, id, StateCompleted)
	assert.Equal(t, "working", job.ChosenAdapter)
	assert.Zero(t, atomic.LoadInt32(&broken.infoCalls))
}

// Package orchestrator owns the download job lifecycle: admission control,
// adapter fallback sequencing, retry and stall detection, crash-safe
// persistence and the event bus that fans out progress.
package orchestrator

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clipfetch/clipfetch"
	"github.com/clipfetch/clipfetch/internal/pubsub"
	"github.com/clipfetch/clipfetch/internal/syncx"
)

// CompletionRecorder receives successfully completed jobs, e.g. to index
// them into a local library. May be nil.
type CompletionRecorder interface {
	RecordCompleted(Job) error
}

type Config struct {
	// OutputDir is where finished downloads land; created during Initialize.
	OutputDir string
	// Registry supplies the adapters in fallback preference order.
	Registry *clipfetch.AdapterRegistry
	// Store persists job records across restarts.
	Store Store
	// Recorder is notified of completed jobs; may be nil.
	Recorder CompletionRecorder
	// MaxConcurrent bounds simultaneously active jobs.
	MaxConcurrent int
	// JobTimeout is the wall-clock ceiling on one job's total duration.
	JobTimeout time.Duration
	// StallTimeout bounds the gap between progress observations.
	StallTimeout time.Duration
	// InfoCacheTTL is the lifetime of cached metadata extraction results.
	InfoCacheTTL time.Duration
	// RetainFor is how long terminal job records survive before the
	// startup sweep evicts them.
	RetainFor time.Duration
}

var DefaultConfig = Config{
	OutputDir:     ".",
	Store:         NilStore{},
	MaxConcurrent: 3,
	JobTimeout:    time.Hour,
	StallTimeout:  2 * time.Minute,
	InfoCacheTTL:  5 * time.Minute,
	RetainFor:     30 * 24 * time.Hour,
}

// jobRecord pairs a job with its live cancellation handle. The handle is
// nil unless an attempt is active; the concurrency ceiling is enforced by
// counting live handles.
type jobRecord struct {
	job       *Job
	cancel    context.CancelFunc
	cancelled syncx.Flag
	stallMu   sync.Mutex
	stallErr  error
	done      chan struct{}
}

func (r *jobRecord) setStallErr(err error) {
	r.stallMu.Lock()
	defer r.stallMu.Unlock()
	if r.stallErr == nil {
		r.stallErr = err
	}
}

func (r *jobRecord) getStallErr() error {
	r.stallMu.Lock()
	defer r.stallMu.Unlock()
	return r.stallErr
}

func (r *jobRecord) clearStallErr() {
	r.stallMu.Lock()
	r.stallErr = nil
	r.stallMu.Unlock()
}

type jobsByID = map[string]*jobRecord

// Orchestrator is the single writer of the job registry. Construct with
// New, call Initialize before use, and Close for an orderly shutdown.
type Orchestrator struct {
	cfg    Config
	log    *zap.SugaredLogger
	ctx    context.Context
	cancel context.CancelFunc

	jobs      *syncx.RWMutexed[jobsByID]
	events    pubsub.Publisher[Event]
	cache     *infoCache
	available *syncx.RWMutexed[map[string]bool]

	initOnce sync.Once
	initErr  error
	running  sync.WaitGroup
}

func New(cfg Config, ctx context.Context) *Orchestrator {
	if cfg.Store == nil {
		cfg.Store = NilStore{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig.MaxConcurrent
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig.JobTimeout
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultConfig.StallTimeout
	}
	if cfg.InfoCacheTTL <= 0 {
		cfg.InfoCacheTTL = DefaultConfig.InfoCacheTTL
	}
	if cfg.RetainFor <= 0 {
		cfg.RetainFor = DefaultConfig.RetainFor
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Orchestrator{
		cfg:       cfg,
		log:       zap.S().Named("orchestrator"),
		ctx:       ctx,
		cancel:    cancel,
		jobs:      syncx.NewRWMutexed(make(jobsByID)),
		events:    pubsub.NewPublisher[Event](),
		cache:     newInfoCache(cfg.InfoCacheTTL),
		available: syncx.NewRWMutexed(map[string]bool{}),
	}
}

// Initialize is idempotent. It creates the output directory, loads the
// persisted registry, reconciles jobs that were in flight when the
// previous process died, evicts expired terminal records and probes
// adapter availability. Only an unusable output directory is fatal.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.initOnce.Do(func() {
		o.initErr = o.initialize(ctx)
	})
	return o.initErr
}

func (o *Orchestrator) initialize(ctx context.Context) error {
	if err := os.MkdirAll(o.cfg.OutputDir, 0o775); err != nil {
		return clipfetch.WrapError(clipfetch.KindPermissionDenied, err,
			"cannot create output directory %s", o.cfg.OutputDir)
	}

	persisted, err := o.cfg.Store.ListJobs()
	if err != nil {
		o.log.Warnw("failed to load persisted jobs", "error", err)
	}
	cutoff := time.Now().Add(-o.cfg.RetainFor)
	for i := range persisted {
		job := persisted[i]
		if job.State.InFlight() {
			// An in-flight record cannot have survived process death.
			job.Error = &JobError{
				Kind:      clipfetch.KindUnknown,
				Retryable: true,
				Message:   "interrupted by restart",
			}
			job.State = StateFailed
			job.UpdatedAt = time.Now()
			if err := o.cfg.Store.PutJob(&job); err != nil {
				o.log.Warnw("failed to persist restart reconciliation", "job", job.ID, "error", err)
			}
			o.log.Infow("reconciled interrupted job", "job", job.ID)
		} else if job.State.Terminal() && job.UpdatedAt.Before(cutoff) {
			if err := o.cfg.Store.DeleteJob(job.ID); err != nil {
				o.log.Warnw("failed to evict expired job", "job", job.ID, "error", err)
			}
			continue
		}
		j := job
		_ = o.jobs.Locked(func(jobs jobsByID) error {
			jobs[j.ID] = &jobRecord{job: &j, done: closedChan()}
			return nil
		})
	}

	if o.cfg.Registry != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		names, probeErr := o.cfg.Registry.Probe(probeCtx)
		if probeErr != nil {
			o.log.Infow("some adapters unavailable", "error", probeErr)
		}
		avail := make(map[string]bool, len(names))
		for _, name := range names {
			avail[name] = true
		}
		o.available.Set(avail)
		o.log.Infow("adapters probed", "available", names)
	}
	return nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Subscribe attaches a new event subscriber. Subscribe before starting
// jobs to observe their full lifecycle.
func (o *Orchestrator) Subscribe() (pubsub.ReceiverCloser[Event], error) {
	return o.events.Subscribe()
}

// SubscribeJob is like Subscribe but only delivers events for one job.
func (o *Orchestrator) SubscribeJob(id string) (pubsub.ReceiverCloser[Event], error) {
	ch := pubsub.NewChannel[Event](pubsub.DefaultSubscriberBufSize)
	filtered := pubsub.NewFilteredSender[Event](ch, func(e Event) bool {
		return e.JobID() == id
	})
	if err := o.events.AddSubscriber(filtered, true); err != nil {
		return nil, err
	}
	return ch, nil
}

// GetVideoInfo resolves a locator to metadata, consulting the TTL cache
// before delegating to the preferred available adapter; on adapter failure
// the next adapter in preference order is tried automatically.
func (o *Orchestrator) GetVideoInfo(ctx context.Context, locator string) (*clipfetch.VideoInfo, error) {
	ref, err := clipfetch.ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	if info, ok := o.cache.get(ref); ok {
		return info, nil
	}
	var firstErr error
	for _, adapter := range o.eligibleAdapters("") {
		info, err := adapter.FetchInfo(ctx, ref)
		if err != nil {
			o.log.Debugw("metadata extraction failed", "adapter", adapter.Name(), "ref", ref.String(), "error", err)
			if firstErr == nil {
				firstErr = clipfetch.Coerce(err)
			}
			continue
		}
		o.cache.put(ref, *info)
		return info, nil
	}
	if firstErr == nil {
		firstErr = clipfetch.NewError(clipfetch.KindUnknown, "no adapter available for %s", ref.String())
	}
	return nil, firstErr
}

// StartOptions customizes one download request.
type StartOptions struct {
	// Quality is a coarse label resolved via clipfetch.ResolveQuality.
	Quality string
	// Adapter pins a specific adapter by name; no fallback occurs and its
	// failure is terminal.
	Adapter string
}

// StartDownload admits a new job and runs it asynchronously, returning the
// job ID immediately. Starting a locator that is already actively in
// flight returns the existing job's ID instead of a duplicate.
func (o *Orchestrator) StartDownload(locator string, opts StartOptions) (string, error) {
	ref, err := clipfetch.ParseLocator(locator)
	if err != nil {
		return "", err
	}
	return o.startJob(locator, ref, opts, 0)
}

func (o *Orchestrator) startJob(locator string, ref clipfetch.SourceRef, opts StartOptions, retryCount int) (string, error) {
	var jobID string
	err := o.jobs.Locked(func(jobs jobsByID) error {
		active := 0
		for _, rec := range jobs {
			if rec.cancel == nil {
				continue
			}
			if rec.job.Locator == locator {
				jobID = rec.job.ID
				return nil
			}
			active++
		}
		if active >= o.cfg.MaxConcurrent {
			return clipfetch.NewError(clipfetch.KindQuotaExceeded,
				"active download limit reached (%d)", o.cfg.MaxConcurrent)
		}

		job := newJob(locator, ref, retryCount)
		job.Quality = opts.Quality
		job.PinnedAdapter = opts.Adapter
		ctx, cancel := context.WithTimeout(o.ctx, o.cfg.JobTimeout)
		rec := &jobRecord{job: job, cancel: cancel, done: make(chan struct{})}
		jobs[job.ID] = rec
		if err := o.cfg.Store.PutJob(job); err != nil {
			o.log.Warnw("failed to persist new job", "job", job.ID, "error", err)
		}
		jobID = job.ID

		o.running.Add(1)
		go func() {
			defer o.running.Done()
			defer close(rec.done)
			defer cancel()
			o.runJob(ctx, rec)
		}()
		return nil
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// CancelDownload signals the job's live cancellation handle. Returns true
// iff a live handle existed.
func (o *Orchestrator) CancelDownload(id string) bool {
	var cancelled bool
	_ = o.jobs.Locked(func(jobs jobsByID) error {
		rec, ok := jobs[id]
		if !ok || rec.cancel == nil {
			return nil
		}
		rec.cancelled.Set()
		rec.cancel()
		cancelled = true
		return nil
	})
	return cancelled
}

// RetryDownload resubmits a failed job, producing a new job with the retry
// count incremented. Only legal on jobs in the failed state.
func (o *Orchestrator) RetryDownload(id string) (string, error) {
	var locator string
	var opts StartOptions
	var retryCount int
	err := o.jobs.RLocked(func(jobs jobsByID) error {
		rec, ok := jobs[id]
		if !ok {
			return clipfetch.NewError(clipfetch.KindUnknown, "no such job %s", id)
		}
		if rec.job.State != StateFailed {
			return clipfetch.NewError(clipfetch.KindUnknown,
				"cannot retry job in state %s", rec.job.State)
		}
		locator = rec.job.Locator
		opts = StartOptions{Quality: rec.job.Quality, Adapter: rec.job.PinnedAdapter}
		retryCount = rec.job.RetryCount + 1
		return nil
	})
	if err != nil {
		return "", err
	}
	ref, err := clipfetch.ParseLocator(locator)
	if err != nil {
		return "", err
	}
	return o.startJob(locator, ref, opts, retryCount)
}

// DeleteDownload cancels the job if active, removes its persisted record
// and emits a deletion event. Returns true iff a record existed.
func (o *Orchestrator) DeleteDownload(id string) bool {
	var rec *jobRecord
	_ = o.jobs.Locked(func(jobs jobsByID) error {
		var ok bool
		if rec, ok = jobs[id]; ok {
			if rec.cancel != nil {
				rec.cancelled.Set()
				rec.cancel()
			}
			delete(jobs, id)
		}
		return nil
	})
	if rec == nil {
		return false
	}
	<-rec.done
	if err := o.cfg.Store.DeleteJob(id); err != nil {
		o.log.Warnw("failed to delete persisted job", "job", id, "error", err)
	}
	o.events.Send(JobDeleted{ID: id})
	return true
}

// Filter selects which jobs List returns.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterActive    Filter = "active"
	FilterCompleted Filter = "completed"
	FilterFailed    Filter = "failed"
)

// List returns job snapshots matching the filter, newest first.
func (o *Orchestrator) List(filter Filter) []Job {
	var out []Job
	_ = o.jobs.RLocked(func(jobs jobsByID) error {
		for _, rec := range jobs {
			j := rec.job
			switch filter {
			case FilterActive:
				if !j.Active() {
					continue
				}
			case FilterCompleted:
				if j.State != StateCompleted {
					continue
				}
			case FilterFailed:
				if j.State != StateFailed {
					continue
				}
			}
			out = append(out, j.snapshot())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Get returns a snapshot of one job.
func (o *Orchestrator) Get(id string) (Job, bool) {
	var job Job
	var ok bool
	_ = o.jobs.RLocked(func(jobs jobsByID) error {
		if rec, found := jobs[id]; found {
			job = rec.job.snapshot()
			ok = true
		}
		return nil
	})
	return job, ok
}

// Close cancels all active jobs, waits for them to settle and shuts down
// the event bus.
func (o *Orchestrator) Close() {
	o.cancel()
	o.running.Wait()
	o.events.Close()
}

// eligibleAdapters returns the fallback sequence for a job: the pinned
// adapter alone, or every available adapter in registry preference order.
func (o *Orchestrator) eligibleAdapters(pinned string) []clipfetch.Adapter {
	if o.cfg.Registry == nil {
		return nil
	}
	if pinned != "" {
		if a, err := o.cfg.Registry.Get(pinned); err == nil {
			return []clipfetch.Adapter{a}
		}
		return nil
	}
	avail := o.available.Get()
	var out []clipfetch.Adapter
	for _, a := range o.cfg.Registry.List() {
		// An empty probe map means Initialize hasn't probed; assume usable.
		if len(avail) == 0 || avail[a.Name()] {
			out = append(out, a)
		}
	}
	return out
}

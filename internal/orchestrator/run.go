package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/clipfetch/clipfetch"
)

// runJob drives one job from pending-info to a terminal state, trying each
// eligible adapter in preference order. It is the only goroutine that
// mutates the job; adapters feed it through the progress callback.
func (o *Orchestrator) runJob(ctx context.Context, rec *jobRecord) {
	job := rec.job
	log := o.log.With("job", job.ID)

	o.mutate(rec, func(j *Job) { j.setState(StateFetchingInfo) })

	adapters := o.eligibleAdapters(job.PinnedAdapter)
	if len(adapters) == 0 {
		o.settleFailure(rec, clipfetch.NewError(clipfetch.KindUnknown, "no adapter available"))
		return
	}
	rule := clipfetch.ResolveQuality(job.Quality)

	var attemptErrs, lastErr error
	for i, adapter := range adapters {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			// Fallback: the previous adapter's failure is swallowed and
			// logged, and the job passes through retrying.
			o.mutate(rec, func(j *Job) { j.setState(StateRetrying) })
		}
		err := o.attempt(ctx, rec, adapter, rule)
		if err == nil {
			o.settleSuccess(rec, adapter.Name())
			return
		}
		lastErr = err
		attemptErrs = multierror.Append(attemptErrs,
			multierror.Prefix(err, "["+adapter.Name()+"]"))
		log.Infow("adapter attempt failed", "adapter", adapter.Name(), "error", err)
		if ctx.Err() != nil {
			break
		}
		if kind := clipfetch.KindOf(err); kind == clipfetch.KindCancelled {
			break
		}
	}

	// Out of adapters, cancelled, stalled or timed out.
	if rec.cancelled.IsSet() {
		o.settleCancelled(rec)
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		o.settleFailure(rec, clipfetch.WrapError(clipfetch.KindTimeout, ctx.Err(),
			"exceeded job time limit %s", o.cfg.JobTimeout))
		return
	}
	if ctx.Err() != nil {
		// Parent context cancelled without a cancel request: shutdown.
		// Settle as cancelled so a restart doesn't present it as an error.
		o.settleCancelled(rec)
		return
	}
	if stallErr := rec.getStallErr(); stallErr != nil && clipfetch.KindOf(lastErr) == clipfetch.KindCancelled {
		// Only report the stall when the watchdog's own cancellation is
		// what ended the last attempt; a later adapter's genuine failure
		// wins otherwise.
		o.settleFailure(rec, stallErr)
		return
	}
	var final error = attemptErrs
	if merr, ok := attemptErrs.(*multierror.Error); ok && len(merr.Errors) > 0 {
		// Surface the first adapter's failure; the rest are context.
		final = merr.Errors[0]
	}
	o.settleFailure(rec, final)
}

// attempt runs one adapter execution end to end: metadata, then transfer.
// At most one attempt is active per job at a time.
func (o *Orchestrator) attempt(ctx context.Context, rec *jobRecord, adapter clipfetch.Adapter, rule *clipfetch.SelectionRule) error {
	job := rec.job
	ref := job.SourceRef

	info, ok := o.cache.get(ref)
	if !ok {
		fetched, err := adapter.FetchInfo(ctx, ref)
		if err != nil {
			return clipfetch.Coerce(err)
		}
		o.cache.put(ref, *fetched)
		info = fetched
	}
	o.mutate(rec, func(j *Job) {
		j.Title = info.Title
		j.setState(StateInitializing)
	})

	// The stall watchdog cancels only this attempt's context, so a stalled
	// adapter doesn't consume the whole job timeout. A previous adapter's
	// stall doesn't carry over into this attempt.
	rec.clearStallErr()
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()
	activity := make(chan struct{}, 1)
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		timer := time.NewTimer(o.cfg.StallTimeout)
		defer timer.Stop()
		for {
			select {
			case <-attemptCtx.Done():
				return
			case <-activity:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(o.cfg.StallTimeout)
			case <-timer.C:
				rec.setStallErr(clipfetch.NewError(clipfetch.KindTimeout,
					"stalled: no activity for %s", o.cfg.StallTimeout))
				cancelAttempt()
				return
			}
		}
	}()

	o.mutate(rec, func(j *Job) {
		j.ChosenAdapter = adapter.Name()
		j.setState(StateDownloading)
	})

	result, err := adapter.Acquire(attemptCtx, clipfetch.AcquireRequest{
		Ref:       ref,
		Rule:      rule,
		OutputDir: o.cfg.OutputDir,
		Progress: func(p clipfetch.Progress) {
			select {
			case activity <- struct{}{}:
			default:
			}
			o.mutate(rec, func(j *Job) {
				if j.State == StateDownloading {
					j.applyProgress(p)
				}
			})
		},
	})
	cancelAttempt()
	<-watchdogDone
	if err != nil {
		return clipfetch.Coerce(err)
	}
	o.mutate(rec, func(j *Job) { j.FilePath = result.FilePath })
	return nil
}

// mutate applies a change to the job under the registry lock, persists the
// record, and only then broadcasts the snapshot. Persistence is never
// skipped for an emitted event: a subscriber that observes progress X will
// recover state >= X after a restart.
func (o *Orchestrator) mutate(rec *jobRecord, f func(*Job)) {
	var snap Job
	_ = o.jobs.Locked(func(jobsByID) error {
		f(rec.job)
		snap = rec.job.snapshot()
		return nil
	})
	if err := o.cfg.Store.PutJob(&snap); err != nil {
		o.log.Warnw("failed to persist job update", "job", snap.ID, "error", err)
	}
	o.events.Send(JobProgress{jobEvent{snap}})
}

func (o *Orchestrator) settleSuccess(rec *jobRecord, adapterName string) {
	var snap Job
	_ = o.jobs.Locked(func(jobsByID) error {
		j := rec.job
		j.ChosenAdapter = adapterName
		j.Progress = 1
		j.setState(StateCompleted)
		rec.cancel = nil
		snap = j.snapshot()
		return nil
	})
	if err := o.cfg.Store.PutJob(&snap); err != nil {
		o.log.Warnw("failed to persist completion", "job", snap.ID, "error", err)
	}
	o.events.Send(JobCompleted{jobEvent{snap}})
	o.log.Infow("download complete", "job", snap.ID, "file", snap.FilePath)
	if o.cfg.Recorder != nil {
		if err := o.cfg.Recorder.RecordCompleted(snap); err != nil {
			o.log.Warnw("failed to record completed download", "job", snap.ID, "error", err)
		}
	}
}

func (o *Orchestrator) settleFailure(rec *jobRecord, err error) {
	var snap Job
	_ = o.jobs.Locked(func(jobsByID) error {
		rec.job.fail(err)
		rec.cancel = nil
		snap = rec.job.snapshot()
		return nil
	})
	if perr := o.cfg.Store.PutJob(&snap); perr != nil {
		o.log.Warnw("failed to persist failure", "job", snap.ID, "error", perr)
	}
	o.events.Send(JobFailed{jobEvent{snap}})
	o.log.Infow("download failed", "job", snap.ID, "kind", snap.Error.Kind, "error", snap.Error.Message)
}

func (o *Orchestrator) settleCancelled(rec *jobRecord) {
	var snap Job
	_ = o.jobs.Locked(func(jobsByID) error {
		j := rec.job
		j.State = StateCancelled
		j.UpdatedAt = time.Now()
		rec.cancel = nil
		snap = j.snapshot()
		return nil
	})
	if err := o.cfg.Store.PutJob(&snap); err != nil {
		o.log.Warnw("failed to persist cancellation", "job", snap.ID, "error", err)
	}
	o.events.Send(JobCancelled{jobEvent{snap}})
	o.log.Infow("download cancelled", "job", snap.ID)
}

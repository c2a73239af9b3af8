package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds per-segment retries of transient failures. Backoff state
// is created per call task, never shared, so concurrent jobs cannot skew each
// other's delays.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Report is the outcome of one orchestrated job.
type Report struct {
	Status Status
	// Results holds one entry per segment, nil where synthesis never
	// completed. Successful entries survive a failed job for diagnostics
	// and later retry.
	Results []*Result
	// FailedSegment is the first segment to exhaust its budget, -1 when
	// none did.
	FailedSegment int
	Attempts      int
}

// Orchestrator fans job segments out to a backend under a bounded worker
// pool and reassembles completion order into segment order.
type Orchestrator struct {
	backends map[string]Backend
	workers  int
	retry    RetryPolicy
	log      *slog.Logger
	// onStatus observes job status transitions, including the transient
	// partially-failed state while stragglers drain. May be nil.
	onStatus func(jobID string, s Status)
	metrics  *orchMetrics
}

func NewOrchestrator(backends map[string]Backend, workers int, retry RetryPolicy, log *slog.Logger) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	scoped := log.With(slog.String("component", "orchestrator"))
	return &Orchestrator{
		backends: backends,
		workers:  workers,
		retry:    retry,
		log:      scoped,
		metrics:  newOrchMetrics(scoped),
	}
}

// OnStatus installs a status observer. Must be called before Run.
func (o *Orchestrator) OnStatus(fn func(jobID string, s Status)) {
	o.onStatus = fn
}

// Backend returns the named backend so callers can consult capabilities
// before building a job.
func (o *Orchestrator) Backend(name string) (Backend, bool) {
	b, ok := o.backends[name]
	return b, ok
}

type outcome struct {
	index    int
	res      *Result
	attempts int
	err      error
}

// Run synthesizes every segment of job. Completed results are sent on out in
// strict segment order as soon as each one's predecessors are all delivered,
// so a consumer can start playback from an ordered prefix. out is closed
// before Run returns; a nil out disables delivery.
//
// A blocked out channel pauses collection and therefore dispatch. Backend
// calls that already hold the local generation lock are never blocked on it:
// workers release the backend before handing their outcome over.
func (o *Orchestrator) Run(ctx context.Context, job *Job, out chan<- *Result) (*Report, error) {
	emit := out
	if out != nil {
		defer close(out)
	}
	backend, ok := o.backends[job.Backend]
	if !ok {
		return nil, &JobError{JobID: job.ID, Status: StatusFailed, Segment: -1,
			Err: fmt.Errorf("unknown backend %q", job.Backend)}
	}
	if len(job.Segments) == 0 {
		return nil, &JobError{JobID: job.ID, Status: StatusFailed, Segment: -1,
			Err: fmt.Errorf("%w: job has no segments", ErrUnsupportedInput)}
	}

	workers := o.workers
	if c := backend.Capabilities().MaxConcurrency; c > 0 && workers > c {
		workers = c
	}

	o.notify(job.ID, StatusRunning)
	o.log.Info("job started",
		slog.String("job_id", job.ID),
		slog.String("backend", job.Backend),
		slog.Int("segments", len(job.Segments)),
		slog.Int("workers", workers))

	tasks := make(chan int)
	done := make(chan outcome)
	stopFeed := make(chan struct{})
	var stopOnce sync.Once

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tasks {
				res, attempts, err := o.synthesizeSegment(ctx, backend, job, idx)
				select {
				case done <- outcome{index: idx, res: res, attempts: attempts, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for i := range job.Segments {
			select {
			case tasks <- i:
			case <-stopFeed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	report := &Report{
		Results:       make([]*Result, len(job.Segments)),
		FailedSegment: -1,
	}
	var firstFailure *SegmentError
	next := 0

	for oc := range done {
		report.Attempts += oc.attempts
		if oc.err != nil {
			if ctx.Err() != nil {
				continue
			}
			if firstFailure == nil {
				firstFailure = &SegmentError{Index: oc.index, Attempts: oc.attempts, Err: oc.err}
				report.FailedSegment = oc.index
				o.notify(job.ID, StatusPartiallyFailed)
				o.log.Warn("segment failed, draining in-flight work",
					slog.String("job_id", job.ID),
					slog.Int("segment", oc.index),
					slog.Int("attempts", oc.attempts),
					slogError(oc.err))
				// Stop feeding new segments, but in-flight calls run
				// to completion so their results are retained.
				stopOnce.Do(func() { close(stopFeed) })
			}
			continue
		}
		report.Results[oc.index] = oc.res
		o.metrics.segmentDone(oc.attempts)
		for next < len(report.Results) && report.Results[next] != nil {
			if emit != nil && firstFailure == nil {
				select {
				case emit <- report.Results[next]:
				case <-ctx.Done():
					emit = nil
				}
			}
			next++
		}
	}

	switch {
	case firstFailure == nil && ctx.Err() != nil:
		report.Status = StatusCancelled
		o.metrics.jobFinished(StatusCancelled)
		o.notify(job.ID, StatusCancelled)
		o.log.Info("job cancelled", slog.String("job_id", job.ID), slog.Int("delivered", next))
		return report, &JobError{JobID: job.ID, Status: StatusCancelled, Segment: -1, Err: ctx.Err()}
	case firstFailure != nil:
		report.Status = StatusFailed
		o.metrics.jobFinished(StatusFailed)
		o.notify(job.ID, StatusFailed)
		return report, &JobError{JobID: job.ID, Status: StatusFailed, Segment: firstFailure.Index, Err: firstFailure}
	default:
		report.Status = StatusCompleted
		o.metrics.jobFinished(StatusCompleted)
		o.notify(job.ID, StatusCompleted)
		o.log.Info("job completed",
			slog.String("job_id", job.ID),
			slog.Int("segments", len(job.Segments)),
			slog.Int("attempts", report.Attempts))
		return report, nil
	}
}

// synthesizeSegment runs one segment with retries, then a single failover
// pass when the job opts in.
func (o *Orchestrator) synthesizeSegment(ctx context.Context, backend Backend, job *Job, idx int) (*Result, int, error) {
	res, attempts, err := o.callWithRetry(ctx, backend, job, idx)
	if err == nil || job.Failover == "" || ctx.Err() != nil {
		return res, attempts, err
	}

	fallback, ok := o.backends[job.Failover]
	if !ok {
		return nil, attempts, fmt.Errorf("failover backend %q not configured: %w", job.Failover, err)
	}
	o.log.Warn("failing over segment",
		slog.String("job_id", job.ID),
		slog.Int("segment", idx),
		slog.String("to", job.Failover),
		slogError(err))
	res, extra, ferr := o.callWithRetry(ctx, fallback, job, idx)
	attempts += extra
	if ferr != nil {
		return nil, attempts, errors.Join(err, ferr)
	}
	return res, attempts, nil
}

func (o *Orchestrator) callWithRetry(ctx context.Context, backend Backend, job *Job, idx int) (*Result, int, error) {
	req := Request{Segment: job.Segments[idx], Voice: job.Voice}
	if backend.Capabilities().RequiresPhonemes && idx < len(job.Phonemes) {
		req.Phonemes = job.Phonemes[idx]
	}

	attempts := 0
	operation := func() (*Result, error) {
		attempts++
		res, err := backend.Synthesize(ctx, req)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrTransient) {
			return nil, err
		}
		// Unavailable, unsupported input, model load: retrying cannot
		// help.
		return nil, backoff.Permanent(err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = o.retry.InitialDelay
	expo.MaxInterval = o.retry.MaxDelay

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(o.retry.MaxAttempts)))
	if err != nil {
		return nil, attempts, err
	}
	return res, attempts, nil
}

func (o *Orchestrator) notify(jobID string, s Status) {
	if o.onStatus != nil {
		o.onStatus(jobID, s)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

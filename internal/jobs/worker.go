package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/lyricmatch/internal/pipeline"
)

func (o *Orchestrator) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-o.queue:
			o.execute(ctx, j)
		}
	}
}

// execute runs every stage of j in order. The cancellation flag set by the
// supervisor is checked between stages, so at most the stage in flight
// finishes after a timeout.
func (o *Orchestrator) execute(ctx context.Context, j *job) {
	snap := j.snapshot()
	if snap.State.Terminal() {
		return
	}
	clip, ok := j.clip()
	if !ok {
		o.fail(ctx, j, pipeline.JobContext{}, &pipeline.StageError{
			Category: pipeline.CategoryInternal,
			Message:  "the uploaded audio is no longer available",
		})
		return
	}

	jc := pipeline.JobContext{
		JobID:    snap.ID,
		Config:   snap.Config,
		Filename: clip.Filename,
		Audio:    clip.Data,
		TopK:     o.opts.TopK,
	}
	start := o.opts.Now()

	for _, st := range o.runner.Stages() {
		if j.canceled.Load() {
			return
		}
		stage := st
		entered := j.update(o.opts.Now(), func(s *Snapshot) bool {
			s.State = stageStates[stage.Name]
			s.Progress = stage.Progress
			s.record(o.opts.Now(), EventStageStarted, stage.Name)
			return true
		})
		if !entered {
			return
		}

		next, err := runStage(ctx, stage, jc)
		if err != nil && o.opts.RetryOnce && retryable(err) && !j.canceled.Load() && ctx.Err() == nil {
			o.logger.Warn("retrying stage", "job_id", jc.JobID, "stage", stage.Name, "error", err)
			j.update(o.opts.Now(), func(s *Snapshot) bool {
				s.record(o.opts.Now(), EventAutomaticRetry, stage.Name)
				return true
			})
			next, err = runStage(ctx, stage, jc)
		}
		if err != nil {
			o.fail(ctx, j, jc, err)
			return
		}
		jc = next
		o.publishPartial(j, jc)
	}

	o.complete(ctx, j, jc, time.Since(start))
}

// runStage turns a panic into an Internal stage error
func runStage(ctx context.Context, st pipeline.Stage, jc pipeline.JobContext) (out pipeline.JobContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = jc
			err = &pipeline.StageError{
				Stage:    st.Name,
				Category: pipeline.CategoryInternal,
				Message:  "an internal error occurred",
				Err:      fmt.Errorf("panic: %v", r),
			}
		}
	}()
	return st.Run(ctx, jc)
}

func retryable(err error) bool {
	se, ok := pipeline.AsStageError(err)
	return ok && se.Category != pipeline.CategoryTimeout && se.Retryable()
}

// publishPartial makes what earlier stages produced visible to pollers so a
// later failure still returns it
func (o *Orchestrator) publishPartial(j *job, jc pipeline.JobContext) {
	j.update(o.opts.Now(), func(s *Snapshot) bool {
		s.AudioDuration = jc.Decoded.Duration
		s.Transcript = jc.Transcript
		s.Language = jc.Language
		return true
	})
}

func (o *Orchestrator) complete(ctx context.Context, j *job, jc pipeline.JobContext, took time.Duration) {
	now := o.opts.Now()
	ok := j.update(now, func(s *Snapshot) bool {
		s.State = StateComplete
		s.Progress = ProgressComplete
		s.AudioDuration = jc.Decoded.Duration
		s.Transcript = jc.Transcript
		s.Language = jc.Language
		s.SnapshotID = jc.SnapshotID
		s.Results = jc.Matches
		s.record(now, EventCompleted, fmt.Sprintf("%d matches", len(jc.Matches)))
		return true
	})
	if !ok {
		return
	}
	snap := j.snapshot()
	o.persist(ctx, snap)
	o.logger.Info("job complete",
		"job_id", snap.ID,
		"matches", len(snap.Results),
		"snapshot_id", snap.SnapshotID,
		"duration", took)
}

// fail publishes a terminal failure. Only the first terminal write wins; a
// worker failing a job the supervisor already timed out is a no-op.
func (o *Orchestrator) fail(ctx context.Context, j *job, jc pipeline.JobContext, err error) bool {
	jobErr := toJobError(err)
	now := o.opts.Now()
	ok := j.update(now, func(s *Snapshot) bool {
		s.State = StateFailed
		s.Error = jobErr
		if jc.Transcript != "" {
			s.Transcript = jc.Transcript
			s.Language = jc.Language
		}
		if jc.Decoded.Duration > 0 {
			s.AudioDuration = jc.Decoded.Duration
		}
		if len(jc.Matches) > 0 {
			s.Results = jc.Matches
		}
		s.record(now, EventFailed, string(jobErr.Category))
		return true
	})
	if !ok {
		return false
	}
	snap := j.snapshot()
	o.persist(ctx, snap)
	o.logger.Warn("job failed",
		"job_id", snap.ID,
		"stage", jobErr.Stage,
		"category", jobErr.Category,
		"error", err)
	return true
}

func toJobError(err error) *JobError {
	if se, ok := pipeline.AsStageError(err); ok {
		return &JobError{
			Category:  se.Category,
			Stage:     se.Stage,
			Message:   se.Message,
			Retryable: se.Retryable(),
		}
	}
	msg := "an internal error occurred"
	if errors.Is(err, context.Canceled) {
		msg = "the job was canceled"
	}
	return &JobError{Category: pipeline.CategoryInternal, Message: msg}
}

func (o *Orchestrator) supervise(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

// sweep times out stalled jobs and drops finished jobs past retention.
// Queued jobs are waiting for a worker, not stalled, and are left alone.
func (o *Orchestrator) sweep(ctx context.Context) (timedOut, evicted int) {
	now := o.opts.Now()
	o.jobs.Range(func(key, v any) bool {
		j := v.(*job)
		snap := j.snapshot()
		switch {
		case snap.State.Terminal():
			if now.Sub(snap.UpdatedAt) > o.opts.Retention {
				j.releaseAudio()
				o.jobs.Delete(key)
				evicted++
			}
		case snap.State != StateQueued && now.Sub(j.idleSince()) > o.opts.StallTimeout:
			j.canceled.Store(true)
			if o.fail(ctx, j, pipeline.JobContext{}, &pipeline.StageError{
				Stage:    string(snap.State),
				Category: pipeline.CategoryTimeout,
				Message:  fmt.Sprintf("no progress for %s", o.opts.StallTimeout),
			}) {
				timedOut++
			}
		}
		return true
	})

	if o.opts.Store != nil && o.opts.StoreRetention > 0 {
		n, err := o.opts.Store.DeleteJobsBefore(ctx, now.Add(-o.opts.StoreRetention))
		if err != nil {
			o.logger.Warn("failed to prune stored jobs", "error", err)
		} else if n > 0 {
			o.logger.Info("pruned stored jobs", "removed", n)
		}
	}
	if timedOut > 0 || evicted > 0 {
		o.logger.Info("job sweep", "timed_out", timedOut, "evicted", evicted)
	}
	return timedOut, evicted
}

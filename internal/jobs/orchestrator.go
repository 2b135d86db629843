// Package jobs runs submitted clips through the pipeline on a bounded worker
// pool and publishes each job's progress as immutable snapshots that can be
// polled without blocking.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/lyricmatch/internal/audio"
	"github.com/dshills/lyricmatch/internal/pipeline"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/storage"
)

var (
	// ErrJobNotFound is returned for an unknown job id
	ErrJobNotFound = errors.New("job not found")
	// ErrQueueFull is returned when no job can be accepted right now
	ErrQueueFull = errors.New("job queue is full")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("orchestrator closed")
	// ErrJobActive is returned when resubmitting a job that has not finished
	ErrJobActive = errors.New("job has not finished")
	// ErrAudioReleased is returned when resubmitting a job whose clip was
	// already dropped by the retention sweeper
	ErrAudioReleased = errors.New("original audio is no longer available")
)

// Defaults for Options
const (
	DefaultWorkers      = 4
	DefaultQueueSize    = 64
	DefaultStallTimeout = 5 * time.Minute
	DefaultRetention    = time.Hour
	DefaultTopK         = 5
)

// Validator checks a configuration against the capability policy
type Validator interface {
	Validate(cfg policy.ProcessingConfig, facts policy.AudioFacts) error
}

// Runner provides the ordered pipeline stages
type Runner interface {
	Stages() []pipeline.Stage
}

// Store is the durable job table
type Store interface {
	SaveJob(ctx context.Context, job *storage.JobRecord) error
	GetJob(ctx context.Context, jobID string) (*storage.JobRecord, error)
	DeleteJob(ctx context.Context, jobID string) error
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Options configures an Orchestrator. Zero values select defaults.
type Options struct {
	Workers      int
	QueueSize    int
	StallTimeout time.Duration // A running job idle this long fails with Timeout
	Retention    time.Duration // Finished jobs are dropped from memory after this
	// StoreRetention deletes durable job rows older than this; zero keeps them
	StoreRetention time.Duration
	// SweepInterval defaults to a quarter of the smaller of StallTimeout and
	// Retention
	SweepInterval time.Duration
	// RetryOnce reruns a stage once after a retryable failure
	RetryOnce bool
	TopK      int
	Store     Store
	Logger    *slog.Logger
	Now       func() time.Time
}

// Stats counts jobs held in memory
type Stats struct {
	ByState map[State]int `json:"by_state"`
	Queued  int           `json:"queue_length"`
	Workers int           `json:"workers"`
}

// Orchestrator owns the job table and the worker pool
type Orchestrator struct {
	validator Validator
	runner    Runner
	opts      Options
	logger    *slog.Logger

	jobs  sync.Map // id -> *job
	queue chan *job

	closed  atomic.Bool
	started atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates an orchestrator. Call Start to begin processing.
func New(validator Validator, runner Runner, opts *Options) *Orchestrator {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = DefaultStallTimeout
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = min(o.StallTimeout, o.Retention) / 4
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		validator: validator,
		runner:    runner,
		opts:      o,
		logger:    logger,
		queue:     make(chan *job, o.QueueSize),
	}
}

// Start launches the workers and the supervisor. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.opts.Workers; i++ {
		g.Go(func() error { return o.work(gctx) })
	}
	g.Go(func() error { return o.supervise(gctx) })
	o.group = g
	o.logger.Info("job orchestrator started",
		"workers", o.opts.Workers,
		"queue_size", o.opts.QueueSize,
		"stall_timeout", o.opts.StallTimeout)
}

// Close stops accepting jobs, stops the workers and fails jobs that never
// left the queue
func (o *Orchestrator) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if o.cancel != nil {
		o.cancel()
		err = o.group.Wait()
	}
	for {
		select {
		case j := <-o.queue:
			o.fail(context.Background(), j, pipeline.JobContext{}, &pipeline.StageError{
				Category: pipeline.CategoryInternal,
				Message:  "the server shut down before the job started",
			})
		default:
			return err
		}
	}
}

// Submit validates cfg for the clip and enqueues a job. An invalid
// configuration returns a *policy.Rejection and creates nothing.
func (o *Orchestrator) Submit(ctx context.Context, clip Audio, cfg policy.ProcessingConfig) (string, error) {
	if o.closed.Load() {
		return "", ErrClosed
	}
	facts := audio.Inspect(clip.Data)
	if err := o.validator.Validate(cfg, policy.AudioFacts{SizeBytes: facts.SizeBytes, Duration: facts.Duration}); err != nil {
		return "", err
	}
	return o.enqueue(ctx, clip, cfg, "")
}

// Resubmit starts a new job with the clip and configuration of a finished
// one. This is the user-initiated retry; the new job records its origin.
func (o *Orchestrator) Resubmit(ctx context.Context, id string) (string, error) {
	if o.closed.Load() {
		return "", ErrClosed
	}
	v, ok := o.jobs.Load(id)
	if !ok {
		if _, err := o.Poll(id); err == nil {
			return "", ErrAudioReleased
		}
		return "", ErrJobNotFound
	}
	j := v.(*job)
	snap := j.snapshot()
	if !snap.State.Terminal() {
		return "", ErrJobActive
	}
	clip, ok := j.clip()
	if !ok {
		return "", ErrAudioReleased
	}
	facts := audio.Inspect(clip.Data)
	if err := o.validator.Validate(snap.Config, policy.AudioFacts{SizeBytes: facts.SizeBytes, Duration: facts.Duration}); err != nil {
		return "", err
	}
	return o.enqueue(ctx, clip, snap.Config, id)
}

func (o *Orchestrator) enqueue(ctx context.Context, clip Audio, cfg policy.ProcessingConfig, origin string) (string, error) {
	now := o.opts.Now()
	snap := &Snapshot{
		ID:              uuid.NewString(),
		State:           StateQueued,
		Config:          cfg,
		Filename:        clip.Filename,
		CreatedAt:       now,
		UpdatedAt:       now,
		ResubmittedFrom: origin,
	}
	snap.record(now, EventSubmitted, "")
	if origin != "" {
		snap.record(now, EventResubmittedFrom, origin)
	}

	// the queued row must land before a worker can write a later state
	j := newJob(snap, clip)
	o.jobs.Store(snap.ID, j)
	o.persist(ctx, snap)
	select {
	case o.queue <- j:
	default:
		o.jobs.Delete(snap.ID)
		o.forget(ctx, snap.ID)
		return "", ErrQueueFull
	}

	o.logger.Info("job submitted",
		"job_id", snap.ID,
		"tier", cfg.Tier,
		"engine", cfg.Engine,
		"speech_model", cfg.SpeechModel,
		"resubmitted_from", origin)
	return snap.ID, nil
}

// Poll returns the current snapshot of a job without blocking. Jobs no
// longer held in memory are read from the durable store.
func (o *Orchestrator) Poll(id string) (*Snapshot, error) {
	if v, ok := o.jobs.Load(id); ok {
		return v.(*job).snapshot(), nil
	}
	if o.opts.Store == nil {
		return nil, ErrJobNotFound
	}
	rec, err := o.opts.Store.GetJob(context.Background(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Payload, &snap); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &snap, nil
}

// Await polls until the job is terminal or ctx is done
func (o *Orchestrator) Await(ctx context.Context, id string, interval time.Duration) (*Snapshot, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, err := o.Poll(id)
		if err != nil {
			return nil, err
		}
		if snap.State.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats counts in-memory jobs by state
func (o *Orchestrator) Stats() Stats {
	stats := Stats{ByState: make(map[State]int), Queued: len(o.queue), Workers: o.opts.Workers}
	o.jobs.Range(func(_, v any) bool {
		stats.ByState[v.(*job).snapshot().State]++
		return true
	})
	return stats
}

// forget drops the durable row of a job that was never enqueued
func (o *Orchestrator) forget(ctx context.Context, id string) {
	if o.opts.Store == nil {
		return
	}
	if err := o.opts.Store.DeleteJob(context.WithoutCancel(ctx), id); err != nil {
		o.logger.Warn("failed to delete job", "job_id", id, "error", err)
	}
}

func (o *Orchestrator) persist(ctx context.Context, snap *Snapshot) {
	if o.opts.Store == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		o.logger.Error("failed to encode job", "job_id", snap.ID, "error", err)
		return
	}
	err = o.opts.Store.SaveJob(context.WithoutCancel(ctx), &storage.JobRecord{
		ID:        snap.ID,
		State:     string(snap.State),
		Progress:  snap.Progress,
		Tier:      string(snap.Config.Tier),
		Payload:   payload,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
	})
	if err != nil {
		o.logger.Warn("failed to persist job", "job_id", snap.ID, "error", err)
	}
}

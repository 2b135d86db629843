package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lyricmatch/internal/audio"
	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/embedcache"
	"github.com/dshills/lyricmatch/internal/embedder"
	"github.com/dshills/lyricmatch/internal/normalize"
	"github.com/dshills/lyricmatch/internal/pipeline"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/ranker"
	"github.com/dshills/lyricmatch/internal/storage"
	"github.com/dshills/lyricmatch/internal/transcriber"
	"github.com/dshills/lyricmatch/pkg/types"
)

var (
	freeTFIDF = policy.ProcessingConfig{
		Tier: policy.TierFree, SpeechModel: policy.SpeechTiny, Engine: policy.EngineTFIDF,
	}
	premiumHybrid = policy.ProcessingConfig{
		Tier: policy.TierPremium, SpeechModel: policy.SpeechSmall,
		Engine: policy.EngineHybrid, EmbeddingModel: policy.ModelMiniLM,
	}
	clip = Audio{Filename: "clip.mp3", Data: []byte("ID3 pretend mp3 bytes")}
)

// fakeClock is safe for concurrent use
type fakeClock struct{ nanos atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, c.nanos.Load()).UTC() }
func (c *fakeClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

type stageRunner []pipeline.Stage

func (r stageRunner) Stages() []pipeline.Stage { return r }

func passStage(name string, progress int) pipeline.Stage {
	return pipeline.Stage{Name: name, Progress: progress, Run: func(_ context.Context, jc pipeline.JobContext) (pipeline.JobContext, error) {
		return jc, nil
	}}
}

type fakeDecoder struct{}

func (fakeDecoder) Decode(context.Context, []byte) (audio.Decoded, error) {
	return audio.Decoded{
		Samples:    make([]float32, 10*audio.TargetSampleRate),
		SampleRate: audio.TargetSampleRate,
		Duration:   10 * time.Second,
	}, nil
}

type fixedSource struct{ snap *corpus.Snapshot }

func (f fixedSource) Snapshot() (*corpus.Snapshot, error) { return f.snap, nil }

func testSnapshot() *corpus.Snapshot {
	mk := func(artist, title, lyrics string) types.SongRecord {
		s := types.NewSongRecord(artist, title, lyrics)
		s.LyricsNormalized, s.Tokens = normalize.Text(lyrics)
		return s
	}
	return corpus.NewSnapshot(7, []types.SongRecord{
		mk("Queen", "Bohemian Rhapsody", "Is this the real life? Is this just fantasy? Caught in a landslide, no escape from reality"),
		mk("Queen", "Under Pressure", "Pressure pushing down on me, pressing down on you, no man ask for"),
		mk("Journey", "Don't Stop Believin'", "Just a small town girl, living in a lonely world"),
	})
}

// realPipeline wires the production stages with an offline transcriber
func realPipeline(t *testing.T, transcript string) *pipeline.Pipeline {
	t.Helper()
	emb, err := embedder.NewLocalProvider(nil)
	require.NoError(t, err)
	rk := ranker.New(embedcache.New(nil, nil), emb, nil)
	return pipeline.New(fakeDecoder{}, transcriber.Static{Text: transcript, Language: "en"}, rk, fixedSource{testSnapshot()}, policy.New(nil))
}

func startOrchestrator(t *testing.T, runner Runner, opts *Options) *Orchestrator {
	t.Helper()
	o := New(policy.New(nil), runner, opts)
	o.Start(context.Background())
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func await(t *testing.T, o *Orchestrator, id string) *Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := o.Await(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	return snap
}

func TestSubmitRejectsBeforeCreatingJob(t *testing.T) {
	o := New(policy.New(nil), stageRunner{}, nil)

	tests := []struct {
		name   string
		cfg    policy.ProcessingConfig
		data   []byte
		reason policy.Reason
	}{
		{
			name:   "free tier neural engine",
			cfg:    policy.ProcessingConfig{Tier: policy.TierFree, SpeechModel: policy.SpeechTiny, Engine: policy.EngineNeural, EmbeddingModel: policy.ModelMiniLM},
			reason: policy.ReasonUnsupportedEngine,
		},
		{
			name:   "free tier large model",
			cfg:    policy.ProcessingConfig{Tier: policy.TierFree, SpeechModel: policy.SpeechLarge, Engine: policy.EngineTFIDF},
			reason: policy.ReasonUnsupportedSpeechModel,
		},
		{
			name:   "file too large",
			cfg:    freeTFIDF,
			data:   make([]byte, 21<<20),
			reason: policy.ReasonFileTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.data
			if data == nil {
				data = clip.Data
			}
			id, err := o.Submit(context.Background(), Audio{Data: data}, tt.cfg)
			assert.Empty(t, id)
			rej, ok := policy.AsRejection(err)
			require.True(t, ok, "expected rejection, got %v", err)
			assert.Equal(t, tt.reason, rej.Reason)
		})
	}

	assert.Empty(t, o.Stats().ByState)
	assert.Zero(t, o.Stats().Queued)
}

func TestJobCompletes(t *testing.T) {
	o := startOrchestrator(t, realPipeline(t, "is this the real life, is this just fantasy"), nil)

	id, err := o.Submit(context.Background(), clip, freeTFIDF)
	require.NoError(t, err)

	snap := await(t, o, id)
	assert.Equal(t, StateComplete, snap.State)
	assert.Equal(t, ProgressComplete, snap.Progress)
	assert.Nil(t, snap.Error)
	assert.Equal(t, "is this the real life, is this just fantasy", snap.Transcript)
	assert.Equal(t, "en", snap.Language)
	assert.Equal(t, int64(7), snap.SnapshotID)
	assert.Equal(t, 10*time.Second, snap.AudioDuration)
	require.NotEmpty(t, snap.Results)
	assert.Equal(t, "Bohemian Rhapsody", snap.Results[0].Title)

	var stages []string
	for _, e := range snap.History {
		if e.Kind == EventStageStarted {
			stages = append(stages, e.Detail)
		}
	}
	assert.Equal(t, []string{pipeline.StagePreprocess, pipeline.StageTranscribe, pipeline.StageNormalize, pipeline.StageRank}, stages)
	assert.Equal(t, EventCompleted, snap.History[len(snap.History)-1].Kind)
}

func TestHybridJobCompletes(t *testing.T) {
	o := startOrchestrator(t, realPipeline(t, "pressure pushing down on me"), nil)

	id, err := o.Submit(context.Background(), clip, premiumHybrid)
	require.NoError(t, err)

	snap := await(t, o, id)
	require.Equal(t, StateComplete, snap.State)
	require.NotEmpty(t, snap.Results)
	assert.Equal(t, "Under Pressure", snap.Results[0].Title)
	assert.Equal(t, types.MatchHybrid, snap.Results[0].MatchType)
}

func TestEmptyTranscriptFailsWithNoTranscriptText(t *testing.T) {
	o := startOrchestrator(t, realPipeline(t, "  ...  "), nil)

	id, err := o.Submit(context.Background(), clip, freeTFIDF)
	require.NoError(t, err)

	snap := await(t, o, id)
	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.Error)
	assert.Equal(t, pipeline.CategoryNoTranscriptText, snap.Error.Category)
	assert.Equal(t, pipeline.StageNormalize, snap.Error.Stage)
	assert.False(t, snap.Error.Retryable)
	assert.Empty(t, snap.Results)
	assert.Equal(t, "...", snap.Transcript, "partial results are kept")
}

func TestProgressNeverDecreases(t *testing.T) {
	release := make(chan struct{})
	slow := func(name string, progress int) pipeline.Stage {
		return pipeline.Stage{Name: name, Progress: progress, Run: func(_ context.Context, jc pipeline.JobContext) (pipeline.JobContext, error) {
			<-release
			return jc, nil
		}}
	}
	runner := stageRunner{
		slow(pipeline.StagePreprocess, 10),
		slow(pipeline.StageTranscribe, 30),
		slow(pipeline.StageNormalize, 70),
		slow(pipeline.StageRank, 85),
	}
	o := startOrchestrator(t, runner, nil)

	id, err := o.Submit(context.Background(), clip, freeTFIDF)
	require.NoError(t, err)

	var readings []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			snap, err := o.Poll(id)
			if err != nil {
				return
			}
			readings = append(readings, snap.Progress)
			if snap.State.Terminal() {
				return
			}
		}
	}()
	for i := 0; i < 4; i++ {
		time.Sleep(2 * time.Millisecond)
		release <- struct{}{}
	}
	<-done

	require.NotEmpty(t, readings)
	for i := 1; i < len(readings); i++ {
		assert.GreaterOrEqual(t, readings[i], readings[i-1])
	}
	assert.Equal(t, ProgressComplete, readings[len(readings)-1])
}

func TestStalledJobTimesOut(t *testing.T) {
	clock := newFakeClock()
	entered := make(chan struct{})
	release := make(chan struct{})
	var laterStages atomic.Int32

	runner := stageRunner{
		{Name: pipeline.StagePreprocess, Progress: 10, Run: func(_ context.Context, jc pipeline.JobContext) (pipeline.JobContext, error) {
			close(entered)
			<-release
			return jc, nil
		}},
		{Name: pipeline.StageTranscribe, Progress: 30, Run: func(_ context.Context, jc pipeline.JobContext) (pipeline.JobContext, error) {
			laterStages.Add(1)
			return jc, nil
		}},
	}
	o := startOrchestrator(t, runner, &Options{
		StallTimeout:  time.Minute,
		SweepInterval: time.Hour, // swept by hand below
		Now:           clock.Now,
	})

	id, err := o.Submit(context.Background(), clip, freeTFIDF)
	require.NoError(t, err)
	<-entered

	timedOut, _ := o.sweep(context.Background())
	assert.Zero(t, timedOut, "not stalled yet")

	clock.Advance(2 * time.Minute)
	timedOut, _ = o.sweep(context.Background())
	assert.Equal(t, 1, timedOut)

	snap, err := o.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.Error)
	assert.Equal(t, pipeline.CategoryTimeout, snap.Error.Category)
	assert.True(t, snap.Error.Retryable)

	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, laterStages.Load(), "no stage starts after a timeout")

	final, err := o.Poll(id)
	require.NoError(t, err)
	assert.Same(t, snap, final, "the timeout is the only terminal write")
}

func TestQueuedJobsAreNotTimedOut(t *testing.T) {
	clock := newFakeClock()
	o := New(policy.New(nil), stageRunner{}, &Options{StallTimeout: time.Second, Now: clock.Now})

	id, err := o.Submit(context.Background(), clip, freeTFIDF)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	timedOut, _ := o.sweep(context.Background())
	assert.Zero(t, timedOut)

	snap, err := o.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, snap.State)
}

func TestFirstTerminalWriteWins(t *testing.T) {
	now := time.Now()
	j := newJob(&Snapshot{ID: "j", State: StateMatching, Progress: 70, UpdatedAt: now}, clip)

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok := j.update(now, func(s *Snapshot) bool {
				if i%2 == 0 {
					s.State = StateComplete
				} else {
					s.State = StateFailed
				}
				return true
			})
			if ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
	assert.True(t, j.snapshot().State.Terminal())
}

func TestTransitionsOnlyMoveForward(t *testing.T) {
	now := time.Now()
	j := newJob(&Snapshot{ID: "j", State: StateTranscribing, Progress: 30}, clip)

	assert.False(t, j.update(now, func(s *Snapshot) bool {
		s.State = StatePreprocessing
		return true
	}))

	assert.True(t, j.update(now, func(s *Snapshot) bool {
		s.Progress = 5
		return true
	}))
	assert.Equal(t, 30, j.snapshot().Progress, "progress is clamped to its previous value")

	assert.True(t, canAdvance(StateQueued, StateFailed))
	assert.True(t, canAdvance(StateMatching, StateMatching))
	assert.False(t, canAdvance(StateComplete, StateFailed))
	assert.False(t, canAdvance(StateFailed, StateComplete))
}

func TestRetryOnce(t *testing.T) {
	flaky := func() pipeline.Stage {
		var calls atomic.Int32
		return pipeline.Stage{Name: pipeline.StageTranscribe, Progress: 30, Run: func(_ context.Context, jc pipeline.JobContext) (pipeline.JobContext, error) {
			if calls.Add(1) == 1 {
				return jc, &pipeline.StageError{Stage: pipeline.StageTranscribe, Category: pipeline.CategoryTranscriptionFailed, Message: "speech recognition failed"}
			}
			jc.Transcript = "second time lucky"
			return jc, nil
		}}
	}

	t.Run("enabled", func(t *testing.T) {
		o := startOrchestrator(t, stageRunner{flaky()}, &Options{RetryOnce: true})
		id, err := o.Submit(context.Background(), clip, freeTFIDF)
		require.NoError(t, err)

		snap := await(t, o, id)
		assert.Equal(t, StateComplete, snap.State)
		assert.Equal(t, "second time lucky", snap.Transcript)

		var retries int
		for _, e := range snap.History {
			if e.Kind == EventAutomaticRetry {
				retries++
				assert.Equal(t, pipeline.StageTranscribe, e.Detail)
			}
		}
		assert.Equal(t, 1, retries)
		assert.Empty(t, snap.ResubmittedFrom)
	})

	t.Run("disabled", func(t *testing.T) {
		o := startOrchestrator(t, stageRunner{flaky()}, nil)
		id, err := o.Submit(context.Background(), clip, freeTFIDF)
		require.NoError(t, err)

		snap := await(t, o, id)
		assert.Equal(t, StateFailed, snap.State)
		assert.Equal(t, pipeline.CategoryTranscriptionFailed, snap.Error.Category)
		assert.True(t, snap.Error.Retryable)
	})
}

func TestPanickingStageFailsJob(t *testing.T) {
	runner := stageRunner{{Name: pipeline.StageRank, Progress: 85, Run: func(context.Context, pipeline.JobContext) (pipeline.JobContext, error) {
		panic("boom")
	}}}
	o := startOrchestrator(t, runner, nil)

	id, err := o.Submit(context.Background(), clip, freeTFIDF)
	require.NoError(t, err)

	snap := await(t, o, id)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, pipeline.CategoryInternal, snap.Error.Category)
	assert.NotContains(t, snap.Error.Message, "boom")
}

func TestQueueFull(t *testing.T) {
	o := New(policy.New(nil), stageRunner{}, &Options{QueueSize: 1})

	_, err := o.Submit(context.Background(), clip, freeTFIDF)
	require.NoError(t, err)

	_, err = o.Submit(context.Background(), clip, freeTFIDF)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, o.Stats().ByState[StateQueued])
}

func TestPollUnknownJob(t *testing.T) {
	o := New(policy.New(nil), stageRunner{}, nil)
	_, err := o.Poll("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestResubmit(t *testing.T) {
	o := startOrchestrator(t, realPipeline(t, ""), nil)

	id, err := o.Submit(context.Background(), clip, freeTFIDF)
	require.NoError(t, err)
	first := await(t, o, id)
	require.Equal(t, StateFailed, first.State)

	again, err := o.Resubmit(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, id, again)

	second := await(t, o, again)
	assert.Equal(t, id, second.ResubmittedFrom)
	assert.Equal(t, EventResubmittedFrom, second.History[1].Kind)
	assert.Equal(t, first.Config, second.Config)

	_, err = o.Resubmit(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestResubmitActiveJob(t *testing.T) {
	o := New(policy.New(nil), stageRunner{}, nil)
	id, err := o.Submit(context.Background(), clip, freeTFIDF)
	require.NoError(t, err)

	_, err = o.Resubmit(context.Background(), id)
	assert.ErrorIs(t, err, ErrJobActive)
}

func TestRetentionFallsBackToStore(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := newFakeClock()
	o := startOrchestrator(t, stageRunner{passStage(pipeline.StagePreprocess, 10)}, &Options{
		Store:         db,
		Retention:     time.Minute,
		SweepInterval: time.Hour,
		Now:           clock.Now,
	})

	id, err := o.Submit(context.Background(), clip, freeTFIDF)
	require.NoError(t, err)
	done := await(t, o, id)
	require.Equal(t, StateComplete, done.State)

	clock.Advance(2 * time.Minute)
	_, evicted := o.sweep(context.Background())
	assert.Equal(t, 1, evicted)
	assert.Empty(t, o.Stats().ByState)

	stored, err := o.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, stored.State)
	assert.Equal(t, ProgressComplete, stored.Progress)
	assert.Equal(t, freeTFIDF, stored.Config)

	_, err = o.Resubmit(context.Background(), id)
	assert.ErrorIs(t, err, ErrAudioReleased)
}

// slowQueuedStore delays writes of queued snapshots
type slowQueuedStore struct {
	*storage.SQLiteStorage
	delay time.Duration
}

func (s slowQueuedStore) SaveJob(ctx context.Context, job *storage.JobRecord) error {
	if job.State == string(StateQueued) {
		time.Sleep(s.delay)
	}
	return s.SQLiteStorage.SaveJob(ctx, job)
}

func TestDurableStateSurvivesSlowQueuedWrite(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := newFakeClock()
	o := startOrchestrator(t, stageRunner{passStage(pipeline.StagePreprocess, 10)}, &Options{
		Store:         slowQueuedStore{SQLiteStorage: db, delay: 50 * time.Millisecond},
		Retention:     time.Minute,
		SweepInterval: time.Hour,
		Now:           clock.Now,
	})

	id, err := o.Submit(context.Background(), clip, freeTFIDF)
	require.NoError(t, err)
	require.Equal(t, StateComplete, await(t, o, id).State)

	clock.Advance(2 * time.Minute)
	_, evicted := o.sweep(context.Background())
	require.Equal(t, 1, evicted)

	stored, err := o.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, stored.State)
	assert.Equal(t, ProgressComplete, stored.Progress)
}

func TestQueueFullLeavesNoDurableJob(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	o := New(policy.New(nil), stageRunner{}, &Options{QueueSize: 1, Store: db})
	_, err = o.Submit(context.Background(), clip, freeTFIDF)
	require.NoError(t, err)
	_, err = o.Submit(context.Background(), clip, freeTFIDF)
	require.ErrorIs(t, err, ErrQueueFull)

	status, err := db.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, status.JobsCount)
	assert.Equal(t, 1, o.Stats().ByState[StateQueued])
}

func TestCloseFailsQueuedJobs(t *testing.T) {
	o := New(policy.New(nil), stageRunner{}, nil)
	id, err := o.Submit(context.Background(), clip, freeTFIDF)
	require.NoError(t, err)

	require.NoError(t, o.Close())

	snap, err := o.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, pipeline.CategoryInternal, snap.Error.Category)

	_, err = o.Submit(context.Background(), clip, freeTFIDF)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestToJobErrorHidesRawErrors(t *testing.T) {
	je := toJobError(errors.New("dial tcp 10.0.0.1:443: connection refused"))
	assert.Equal(t, pipeline.CategoryInternal, je.Category)
	assert.NotContains(t, je.Message, "10.0.0.1")

	je = toJobError(context.Canceled)
	assert.Equal(t, "the job was canceled", je.Message)
}

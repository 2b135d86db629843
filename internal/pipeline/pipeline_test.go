package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lyricmatch/internal/audio"
	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/embedcache"
	"github.com/dshills/lyricmatch/internal/embedder"
	"github.com/dshills/lyricmatch/internal/normalize"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/ranker"
	"github.com/dshills/lyricmatch/internal/transcriber"
	"github.com/dshills/lyricmatch/pkg/types"
)

type fakeDecoder struct {
	decoded audio.Decoded
	err     error
}

func (f fakeDecoder) Decode(context.Context, []byte) (audio.Decoded, error) {
	return f.decoded, f.err
}

type failingTranscriber struct{}

func (failingTranscriber) Transcribe(context.Context, transcriber.Request) (transcriber.Result, error) {
	return transcriber.Result{}, errors.New("connection refused")
}

type fixedSource struct{ snap *corpus.Snapshot }

func (f fixedSource) Snapshot() (*corpus.Snapshot, error) {
	if f.snap == nil {
		return nil, corpus.ErrNoSnapshot
	}
	return f.snap, nil
}

func song(artist, title, lyrics string) types.SongRecord {
	s := types.NewSongRecord(artist, title, lyrics)
	s.LyricsNormalized, s.Tokens = normalize.Text(lyrics)
	return s
}

func testSnapshot() *corpus.Snapshot {
	return corpus.NewSnapshot(1, []types.SongRecord{
		song("Queen", "Bohemian Rhapsody", "Is this the real life? Is this just fantasy? Caught in a landslide"),
		song("Queen", "Under Pressure", "Pressure pushing down on me, pressing down on you"),
		song("Journey", "Don't Stop Believin'", "Just a small town girl living in a lonely world"),
	})
}

func tenSeconds() audio.Decoded {
	return audio.Decoded{
		Samples:    make([]float32, 10*audio.TargetSampleRate),
		SampleRate: audio.TargetSampleRate,
		Duration:   10 * time.Second,
	}
}

func newPipeline(t *testing.T, tr transcriber.Transcriber, source SnapshotSource) *Pipeline {
	t.Helper()
	emb, err := embedder.NewLocalProvider(nil)
	require.NoError(t, err)
	rk := ranker.New(embedcache.New(nil, nil), emb, nil)
	return New(fakeDecoder{decoded: tenSeconds()}, tr, rk, source, policy.New(nil))
}

func run(ctx context.Context, p *Pipeline, jc JobContext) (JobContext, error) {
	var err error
	for _, st := range p.Stages() {
		jc, err = st.Run(ctx, jc)
		if err != nil {
			return jc, err
		}
	}
	return jc, nil
}

func TestStagesOrderAndProgress(t *testing.T) {
	p := newPipeline(t, transcriber.Static{}, fixedSource{})
	stages := p.Stages()
	names := make([]string, len(stages))
	last := 0
	for i, st := range stages {
		names[i] = st.Name
		assert.Greater(t, st.Progress, last)
		last = st.Progress
	}
	assert.Equal(t, []string{StagePreprocess, StageTranscribe, StageNormalize, StageRank}, names)
	assert.Less(t, last, 100)
}

func TestFullRunTFIDF(t *testing.T) {
	p := newPipeline(t, transcriber.Static{Text: "is this the real life, is this just fantasy", Language: "en"}, fixedSource{testSnapshot()})

	jc, err := run(context.Background(), p, JobContext{
		Audio:  []byte("RIFF"),
		TopK:   3,
		Config: policy.ProcessingConfig{Tier: policy.TierFree, SpeechModel: policy.SpeechTiny, Engine: policy.EngineTFIDF},
	})
	require.NoError(t, err)
	assert.Equal(t, "en", jc.Language)
	assert.Equal(t, "is this the real life is this just fantasy", jc.Query)
	assert.Equal(t, int64(1), jc.SnapshotID)
	require.NotEmpty(t, jc.Matches)
	assert.Equal(t, "Bohemian Rhapsody", jc.Matches[0].Title)
	assert.Equal(t, 1, jc.Matches[0].Rank)
}

func TestFullRunNeural(t *testing.T) {
	p := newPipeline(t, transcriber.Static{Text: "pressure pushing down on me"}, fixedSource{testSnapshot()})

	jc, err := run(context.Background(), p, JobContext{
		Audio: []byte("RIFF"),
		Config: policy.ProcessingConfig{
			Tier: policy.TierPremium, SpeechModel: policy.SpeechSmall,
			Engine: policy.EngineNeural, EmbeddingModel: policy.ModelMiniLM,
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, jc.Matches)
	assert.Equal(t, "Under Pressure", jc.Matches[0].Title)
	assert.NotNil(t, jc.Matches[0].SemanticScore)
}

func TestPreprocessTruncatesToTierLimit(t *testing.T) {
	long := audio.Decoded{
		Samples:    make([]float32, 90*audio.TargetSampleRate),
		SampleRate: audio.TargetSampleRate,
		Duration:   90 * time.Second,
	}
	p := New(fakeDecoder{decoded: long}, transcriber.Static{}, nil, fixedSource{}, policy.New(nil))

	jc, err := p.Preprocess(context.Background(), JobContext{
		Audio:  []byte("x"),
		Config: policy.ProcessingConfig{Tier: policy.TierFree},
	})
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, jc.Decoded.Duration)
	assert.Len(t, jc.Decoded.Samples, 60*audio.TargetSampleRate)
}

func TestStageErrorCategories(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		run      func() error
		category Category
	}{
		{
			name: "empty upload",
			run: func() error {
				p := New(fakeDecoder{}, nil, nil, nil, nil)
				_, err := p.Preprocess(ctx, JobContext{})
				return err
			},
			category: CategoryAudioUnreadable,
		},
		{
			name: "undecodable audio",
			run: func() error {
				p := New(fakeDecoder{err: audio.ErrUnreadable}, nil, nil, nil, nil)
				_, err := p.Preprocess(ctx, JobContext{Audio: []byte("junk")})
				return err
			},
			category: CategoryAudioUnreadable,
		},
		{
			name: "transcriber down",
			run: func() error {
				p := New(nil, failingTranscriber{}, nil, nil, nil)
				_, err := p.Transcribe(ctx, JobContext{Decoded: tenSeconds()})
				return err
			},
			category: CategoryTranscriptionFailed,
		},
		{
			name: "punctuation only transcript",
			run: func() error {
				p := New(nil, nil, nil, nil, nil)
				_, err := p.Normalize(ctx, JobContext{Transcript: " ... !! ?"})
				return err
			},
			category: CategoryNoTranscriptText,
		},
		{
			name: "corpus not loaded",
			run: func() error {
				p := newPipeline(t, nil, fixedSource{})
				_, err := p.Rank(ctx, JobContext{Tokens: []string{"hello"}, Config: policy.ProcessingConfig{Engine: policy.EngineTFIDF}})
				return err
			},
			category: CategoryRankingEngineMisconfigured,
		},
		{
			name: "unknown engine",
			run: func() error {
				p := newPipeline(t, nil, fixedSource{testSnapshot()})
				_, err := p.Rank(ctx, JobContext{Tokens: []string{"hello"}, Config: policy.ProcessingConfig{Engine: "bm25"}})
				return err
			},
			category: CategoryRankingEngineMisconfigured,
		},
		{
			name: "neural without model",
			run: func() error {
				p := newPipeline(t, nil, fixedSource{testSnapshot()})
				_, err := p.Rank(ctx, JobContext{Tokens: []string{"hello"}, Config: policy.ProcessingConfig{Engine: policy.EngineNeural}})
				return err
			},
			category: CategoryRankingEngineMisconfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			se, ok := AsStageError(err)
			require.True(t, ok, "expected a stage error, got %v", err)
			assert.Equal(t, tt.category, se.Category)
			assert.NotEmpty(t, se.Message)
		})
	}
}

func TestRetryableCategories(t *testing.T) {
	assert.True(t, CategoryTranscriptionFailed.Retryable())
	assert.True(t, CategoryEmbeddingProviderUnavailable.Retryable())
	assert.True(t, CategoryTimeout.Retryable())
	assert.False(t, CategoryAudioUnreadable.Retryable())
	assert.False(t, CategoryNoTranscriptText.Retryable())
}

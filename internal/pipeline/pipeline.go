// Package pipeline defines the stages a clip passes through between upload
// and ranked results. Each stage is a transformation of JobContext that can
// be called on its own; the job orchestrator runs them in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/lyricmatch/internal/audio"
	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/normalize"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/ranker"
	"github.com/dshills/lyricmatch/internal/transcriber"
	"github.com/dshills/lyricmatch/pkg/types"
)

// Stage names
const (
	StagePreprocess = "preprocess"
	StageTranscribe = "transcribe"
	StageNormalize  = "normalize"
	StageRank       = "rank"
)

// JobContext carries a job's data from stage to stage. Stages return a
// modified copy and never mutate their input's slices.
type JobContext struct {
	JobID    string
	Config   policy.ProcessingConfig
	Filename string
	Audio    []byte
	TopK     int

	Decoded    audio.Decoded
	Transcript string
	Language   string
	Query      string
	Tokens     []string

	SnapshotID int64
	Matches    []types.RankedMatch
}

// StageFunc is one pipeline step
type StageFunc func(ctx context.Context, jc JobContext) (JobContext, error)

// Stage is a named step and the progress reached on entering it
type Stage struct {
	Name     string
	Progress int
	Run      StageFunc
}

// Ranker scores a query against a snapshot
type Ranker interface {
	Rank(ctx context.Context, snap *corpus.Snapshot, engine policy.Engine, req ranker.Request) (*ranker.Response, error)
}

// SnapshotSource provides the current corpus snapshot
type SnapshotSource interface {
	Snapshot() (*corpus.Snapshot, error)
}

// ClipLimits gives the clip duration cap for a tier
type ClipLimits interface {
	MaxClipDuration(tier policy.Tier) time.Duration
}

// Pipeline holds the collaborators the stages call
type Pipeline struct {
	decoder     audio.Decoder
	transcriber transcriber.Transcriber
	ranker      Ranker
	corpus      SnapshotSource
	limits      ClipLimits
}

// New creates a pipeline. limits may be nil to skip truncation.
func New(decoder audio.Decoder, tr transcriber.Transcriber, rk Ranker, source SnapshotSource, limits ClipLimits) *Pipeline {
	return &Pipeline{
		decoder:     decoder,
		transcriber: tr,
		ranker:      rk,
		corpus:      source,
		limits:      limits,
	}
}

// Stages returns the stages in execution order
func (p *Pipeline) Stages() []Stage {
	return []Stage{
		{Name: StagePreprocess, Progress: 10, Run: p.Preprocess},
		{Name: StageTranscribe, Progress: 30, Run: p.Transcribe},
		{Name: StageNormalize, Progress: 70, Run: p.Normalize},
		{Name: StageRank, Progress: 85, Run: p.Rank},
	}
}

// Preprocess decodes the uploaded bytes and truncates the clip to the
// tier's duration limit
func (p *Pipeline) Preprocess(ctx context.Context, jc JobContext) (JobContext, error) {
	if len(jc.Audio) == 0 {
		return jc, stageError(StagePreprocess, CategoryAudioUnreadable, "the uploaded file is empty", audio.ErrEmpty)
	}
	decoded, err := p.decoder.Decode(ctx, jc.Audio)
	if err != nil {
		if ctx.Err() != nil {
			return jc, ctx.Err()
		}
		return jc, stageError(StagePreprocess, CategoryAudioUnreadable, "the audio file could not be decoded", err)
	}
	if len(decoded.Samples) == 0 {
		return jc, stageError(StagePreprocess, CategoryAudioUnreadable, "the audio file contains no sound", audio.ErrEmpty)
	}
	if p.limits != nil {
		decoded = decoded.Truncate(p.limits.MaxClipDuration(jc.Config.Tier))
	}
	jc.Decoded = decoded
	return jc, nil
}

// Transcribe sends the decoded clip to the speech-to-text service
func (p *Pipeline) Transcribe(ctx context.Context, jc JobContext) (JobContext, error) {
	res, err := p.transcriber.Transcribe(ctx, transcriber.Request{
		Samples:      jc.Decoded.Samples,
		SampleRate:   jc.Decoded.SampleRate,
		SpeechModel:  jc.Config.SpeechModel,
		LanguageHint: jc.Config.LanguageHint,
	})
	if err != nil {
		if ctx.Err() != nil {
			return jc, ctx.Err()
		}
		return jc, stageError(StageTranscribe, CategoryTranscriptionFailed, "speech recognition failed", err)
	}
	jc.Transcript = res.Text
	jc.Language = res.Language
	return jc, nil
}

// Normalize cleans the transcript into query tokens. A transcript with no
// words left is a failure, not an empty result.
func (p *Pipeline) Normalize(_ context.Context, jc JobContext) (JobContext, error) {
	query, tokens := normalize.Text(jc.Transcript)
	if len(tokens) == 0 {
		return jc, stageError(StageNormalize, CategoryNoTranscriptText, "no lyrics could be heard in the clip", nil)
	}
	jc.Query = query
	jc.Tokens = tokens
	return jc, nil
}

// Rank scores the normalized query with the configured engine against the
// current corpus snapshot
func (p *Pipeline) Rank(ctx context.Context, jc JobContext) (JobContext, error) {
	snap, err := p.corpus.Snapshot()
	if err != nil {
		return jc, stageError(StageRank, CategoryRankingEngineMisconfigured, "the lyrics corpus is not loaded", err)
	}

	resp, err := p.ranker.Rank(ctx, snap, jc.Config.Engine, ranker.Request{
		Tokens:         jc.Tokens,
		TopK:           jc.TopK,
		EmbeddingModel: jc.Config.EmbeddingModel,
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return jc, ctx.Err()
	case errors.Is(err, ranker.ErrEngineMisconfigured):
		return jc, stageError(StageRank, CategoryRankingEngineMisconfigured, fmt.Sprintf("ranking engine %q cannot run", jc.Config.Engine), err)
	case errors.Is(err, ranker.ErrEmbeddingUnavailable):
		return jc, stageError(StageRank, CategoryEmbeddingProviderUnavailable, "the embedding service is unavailable", err)
	default:
		return jc, stageError(StageRank, CategoryInternal, "ranking failed", err)
	}

	jc.SnapshotID = snap.ID
	jc.Matches = resp.Matches
	return jc, nil
}

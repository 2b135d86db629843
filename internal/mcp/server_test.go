package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/embedcache"
	"github.com/dshills/lyricmatch/internal/embedder"
	"github.com/dshills/lyricmatch/internal/jobs"
	"github.com/dshills/lyricmatch/internal/normalize"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/ranker"
	"github.com/dshills/lyricmatch/pkg/types"
)

// fakeJobs completes every job immediately with a fixed result
type fakeJobs struct {
	policy    *policy.Policy
	snapshots map[string]*jobs.Snapshot
	submitted []jobs.Audio
	hang      bool
}

func (f *fakeJobs) Submit(_ context.Context, clip jobs.Audio, cfg policy.ProcessingConfig) (string, error) {
	if err := f.policy.Validate(cfg, policy.AudioFacts{SizeBytes: int64(len(clip.Data))}); err != nil {
		return "", err
	}
	f.submitted = append(f.submitted, clip)
	snap := &jobs.Snapshot{ID: "job-1", State: jobs.StateTranscribing, Progress: 30, Config: cfg}
	if !f.hang {
		snap = &jobs.Snapshot{
			ID: "job-1", State: jobs.StateComplete, Progress: 100, Config: cfg,
			Transcript: "is this the real life",
			Results: []types.RankedMatch{{
				SongID: "abc", Rank: 1, Title: "Bohemian Rhapsody", Artist: "Queen",
				FusedScore: 0.9, MatchType: types.MatchTFIDF,
			}},
		}
	}
	f.snapshots[snap.ID] = snap
	return snap.ID, nil
}

func (f *fakeJobs) Poll(id string) (*jobs.Snapshot, error) {
	snap, ok := f.snapshots[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return snap, nil
}

func (f *fakeJobs) Await(ctx context.Context, id string, interval time.Duration) (*jobs.Snapshot, error) {
	for {
		snap, err := f.Poll(id)
		if err != nil {
			return nil, err
		}
		if snap.State.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

type fixedCorpus struct{ snap *corpus.Snapshot }

func (f fixedCorpus) Snapshot() (*corpus.Snapshot, error) {
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

func newTestServer(t *testing.T, snap *corpus.Snapshot) (*Server, *fakeJobs) {
	t.Helper()
	pol := policy.New(nil)
	emb, err := embedder.NewLocalProvider(nil)
	require.NoError(t, err)

	fj := &fakeJobs{policy: pol, snapshots: map[string]*jobs.Snapshot{}}
	s := NewServer(Deps{
		Jobs:         fj,
		Policy:       pol,
		Searcher:     ranker.New(embedcache.New(nil, nil), emb, nil),
		Corpus:       fixedCorpus{snap},
		PollInterval: time.Millisecond,
	})
	return s, fj
}

func testSnapshot() *corpus.Snapshot {
	return corpus.NewSnapshot(1, []types.SongRecord{
		song("Queen", "Bohemian Rhapsody", "Is this the real life? Is this just fantasy? Caught in a landslide"),
		song("Queen", "Under Pressure", "Pressure pushing down on me, pressing down on you"),
	})
}

func call(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}}
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func requireMCPError(t *testing.T, err error, code int) *MCPError {
	t.Helper()
	var mcpErr *MCPError
	require.True(t, errors.As(err, &mcpErr), "expected MCPError, got %v", err)
	assert.Equal(t, code, mcpErr.Code)
	return mcpErr
}

func writeClip(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF pretend wav"), 0o600))
	return path
}

func TestIdentifyClip(t *testing.T) {
	s, fj := newTestServer(t, testSnapshot())

	result, err := s.handleIdentifyClip(context.Background(), call("identify_clip", map[string]interface{}{
		"path": writeClip(t),
	}))
	require.NoError(t, err)

	out := resultJSON(t, result)
	assert.Equal(t, "job-1", out["job_id"])
	assert.Equal(t, "complete", out["state"])
	assert.Equal(t, "free", out["tier"])
	assert.Equal(t, "tfidf", out["engine"])
	results, ok := out["results"].([]interface{})
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, "Very High", results[0].(map[string]interface{})["confidence"])

	require.Len(t, fj.submitted, 1)
	assert.Equal(t, "clip.wav", fj.submitted[0].Filename)
}

func TestIdentifyClipNoWait(t *testing.T) {
	s, fj := newTestServer(t, testSnapshot())
	fj.hang = true

	result, err := s.handleIdentifyClip(context.Background(), call("identify_clip", map[string]interface{}{
		"path": writeClip(t),
		"wait": false,
	}))
	require.NoError(t, err)
	out := resultJSON(t, result)
	assert.Equal(t, "job-1", out["job_id"])
	assert.Equal(t, "queued", out["state"])
}

func TestIdentifyClipTimeoutReportsProgress(t *testing.T) {
	s, fj := newTestServer(t, testSnapshot())
	fj.hang = true

	result, err := s.handleIdentifyClip(context.Background(), call("identify_clip", map[string]interface{}{
		"path":            writeClip(t),
		"timeout_seconds": float64(1),
	}))
	require.NoError(t, err)
	out := resultJSON(t, result)
	assert.Equal(t, "transcribing", out["state"])
	assert.Equal(t, float64(30), out["progress"])
}

func TestIdentifyClipErrors(t *testing.T) {
	s, _ := newTestServer(t, testSnapshot())
	ctx := context.Background()

	_, err := s.handleIdentifyClip(ctx, call("identify_clip", map[string]interface{}{}))
	requireMCPError(t, err, ErrorCodeInvalidParams)

	_, err = s.handleIdentifyClip(ctx, call("identify_clip", map[string]interface{}{"path": "relative/clip.wav"}))
	requireMCPError(t, err, ErrorCodeInvalidParams)

	_, err = s.handleIdentifyClip(ctx, call("identify_clip", map[string]interface{}{"path": t.TempDir()}))
	requireMCPError(t, err, ErrorCodeInvalidParams)

	_, err = s.handleIdentifyClip(ctx, call("identify_clip", map[string]interface{}{
		"path":   writeClip(t),
		"tier":   "free",
		"engine": "hybrid",
	}))
	mcpErr := requireMCPError(t, err, ErrorCodeRejected)
	data := mcpErr.Data.(map[string]interface{})
	assert.Equal(t, policy.ReasonUnsupportedEngine, data["reason"])
}

func TestJobStatus(t *testing.T) {
	s, fj := newTestServer(t, testSnapshot())
	fj.snapshots["failed"] = &jobs.Snapshot{
		ID: "failed", State: jobs.StateFailed, Progress: 70,
		Error: &jobs.JobError{Category: "NoTranscriptText", Message: "no words were recognized"},
	}

	result, err := s.handleJobStatus(context.Background(), call("job_status", map[string]interface{}{"job_id": "failed"}))
	require.NoError(t, err)
	out := resultJSON(t, result)
	assert.Equal(t, "failed", out["state"])
	assert.NotContains(t, out, "results")
	errInfo := out["error"].(map[string]interface{})
	assert.Equal(t, "NoTranscriptText", errInfo["category"])
	assert.Equal(t, false, errInfo["retryable"])

	_, err = s.handleJobStatus(context.Background(), call("job_status", map[string]interface{}{"job_id": "missing"}))
	requireMCPError(t, err, ErrorCodeJobNotFound)

	_, err = s.handleJobStatus(context.Background(), call("job_status", map[string]interface{}{}))
	requireMCPError(t, err, ErrorCodeInvalidParams)
}

func TestSearchLyrics(t *testing.T) {
	s, _ := newTestServer(t, testSnapshot())
	ctx := context.Background()

	result, err := s.handleSearchLyrics(ctx, call("search_lyrics", map[string]interface{}{
		"query": "caught in a landslide",
		"limit": float64(1),
	}))
	require.NoError(t, err)
	out := resultJSON(t, result)
	assert.Equal(t, float64(1), out["count"])
	results := out["results"].([]interface{})
	assert.Equal(t, "Bohemian Rhapsody", results[0].(map[string]interface{})["title"])

	_, err = s.handleSearchLyrics(ctx, call("search_lyrics", map[string]interface{}{"query": "  "}))
	requireMCPError(t, err, ErrorCodeEmptyQuery)

	_, err = s.handleSearchLyrics(ctx, call("search_lyrics", map[string]interface{}{"query": "landslide", "limit": float64(0)}))
	requireMCPError(t, err, ErrorCodeInvalidParams)

	_, err = s.handleSearchLyrics(ctx, call("search_lyrics", map[string]interface{}{"query": "landslide", "engine": "neural"}))
	requireMCPError(t, err, ErrorCodeRejected)

	unloaded, _ := newTestServer(t, nil)
	_, err = unloaded.handleSearchLyrics(ctx, call("search_lyrics", map[string]interface{}{"query": "landslide"}))
	requireMCPError(t, err, ErrorCodeCorpusNotLoaded)
}

func TestListTiers(t *testing.T) {
	s, _ := newTestServer(t, testSnapshot())

	result, err := s.handleListTiers(context.Background(), call("list_tiers", nil))
	require.NoError(t, err)
	out := resultJSON(t, result)
	tiers := out["tiers"].([]interface{})
	require.Len(t, tiers, 2)
	free := tiers[0].(map[string]interface{})
	assert.Equal(t, "free", free["name"])
	assert.Equal(t, []interface{}{"tfidf"}, free["engines"])
}

func TestToolSchemas(t *testing.T) {
	for _, tool := range []mcp.Tool{identifyClipTool(), jobStatusTool(), searchLyricsTool(), listTiersTool()} {
		assert.NotEmpty(t, tool.Name)
		assert.NotEmpty(t, tool.Description)
		assert.Equal(t, "object", tool.InputSchema.Type)
		for _, req := range tool.InputSchema.Required {
			assert.Contains(t, tool.InputSchema.Properties, req, "%s requires undeclared %s", tool.Name, req)
		}
	}
}

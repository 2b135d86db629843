package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/embedcache"
	"github.com/dshills/lyricmatch/internal/embedder"
	"github.com/dshills/lyricmatch/internal/jobs"
	"github.com/dshills/lyricmatch/internal/normalize"
	"github.com/dshills/lyricmatch/internal/pipeline"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/ranker"
	"github.com/dshills/lyricmatch/internal/storage"
	"github.com/dshills/lyricmatch/pkg/types"
)

// fakeJobs records submissions and serves canned snapshots
type fakeJobs struct {
	mu        sync.Mutex
	submitted []policy.ProcessingConfig
	clips     []jobs.Audio
	snapshots map[string]*jobs.Snapshot
	policy    *policy.Policy
	submitErr error
}

func (f *fakeJobs) Submit(_ context.Context, clip jobs.Audio, cfg policy.ProcessingConfig) (string, error) {
	if err := f.policy.Validate(cfg, policy.AudioFacts{SizeBytes: int64(len(clip.Data))}); err != nil {
		return "", err
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, cfg)
	f.clips = append(f.clips, clip)
	return "job-1", nil
}

func (f *fakeJobs) Resubmit(_ context.Context, id string) (string, error) {
	snap, ok := f.snapshots[id]
	if !ok {
		return "", jobs.ErrJobNotFound
	}
	if !snap.State.Terminal() {
		return "", jobs.ErrJobActive
	}
	return "job-2", nil
}

func (f *fakeJobs) Poll(id string) (*jobs.Snapshot, error) {
	snap, ok := f.snapshots[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return snap, nil
}

func (f *fakeJobs) Stats() jobs.Stats {
	return jobs.Stats{ByState: map[jobs.State]int{jobs.StateComplete: 1}, Workers: 2}
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

func testSnapshot() *corpus.Snapshot {
	return corpus.NewSnapshot(1, []types.SongRecord{
		song("Queen", "Bohemian Rhapsody", "Is this the real life? Is this just fantasy? Caught in a landslide"),
		song("Queen", "Under Pressure", "Pressure pushing down on me, pressing down on you"),
		song("Journey", "Don't Stop Believin'", "Just a small town girl, living in a lonely world"),
	})
}

type testEnv struct {
	server *httptest.Server
	jobs   *fakeJobs
}

func newTestEnv(t *testing.T, snap *corpus.Snapshot, catalog Catalog) *testEnv {
	t.Helper()
	pol := policy.New(nil)
	emb, err := embedder.NewLocalProvider(nil)
	require.NoError(t, err)
	cache := embedcache.New(nil, nil)

	fj := &fakeJobs{
		policy: pol,
		snapshots: map[string]*jobs.Snapshot{
			"done": {
				ID: "done", State: jobs.StateComplete, Progress: 100,
				Config:        policy.ProcessingConfig{Tier: policy.TierFree, SpeechModel: policy.SpeechTiny, Engine: policy.EngineTFIDF},
				AudioDuration: 12 * time.Second,
				Transcript:    "is this the real life",
				Language:      "en",
				Results: []types.RankedMatch{{
					SongID: "abc", Rank: 1, Title: "Bohemian Rhapsody", Artist: "Queen",
					FusedScore: 0.82, LexicalScore: types.Float(0.82), MatchType: types.MatchTFIDF,
				}},
			},
			"failed": {
				ID: "failed", State: jobs.StateFailed, Progress: 30,
				Error: &jobs.JobError{Category: pipeline.CategoryTranscriptionFailed, Stage: pipeline.StageTranscribe, Message: "speech service unavailable", Retryable: true},
			},
			"running": {ID: "running", State: jobs.StateTranscribing, Progress: 30},
		},
	}

	srv := NewServer(Deps{
		Jobs:     fj,
		Policy:   pol,
		Searcher: ranker.New(cache, emb, nil),
		Corpus:   fixedCorpus{snap},
		Catalog:  catalog,
		Cache:    cache,
	}, Config{AllowedOrigins: []string{"http://app.test"}})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, jobs: fj}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func uploadRequest(t *testing.T, url string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if data != nil {
		fw, err := mw.CreateFormFile("audio", "clip.wav")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url+"/api/upload", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t, testSnapshot(), nil)

	resp, err := http.DefaultClient.Do(uploadRequest(t, env.server.URL, []byte("RIFF clip"), nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[UploadResponse](t, resp)
	assert.Equal(t, "job-1", body.JobID)
	assert.Equal(t, policy.TierFree, body.Tier)

	require.Len(t, env.jobs.submitted, 1)
	cfg := env.jobs.submitted[0]
	assert.Equal(t, policy.SpeechTiny, cfg.SpeechModel, "defaults to the tier's first speech model")
	assert.Equal(t, policy.EngineTFIDF, cfg.Engine)
	assert.Equal(t, "clip.wav", env.jobs.clips[0].Filename)
}

func TestUploadPremiumHybridDefaultsEmbeddingModel(t *testing.T) {
	env := newTestEnv(t, testSnapshot(), nil)

	resp, err := http.DefaultClient.Do(uploadRequest(t, env.server.URL, []byte("RIFF clip"), map[string]string{
		"tier": "premium", "speech_model": "small", "engine": "hybrid", "language": "en",
	}))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	cfg := env.jobs.submitted[0]
	assert.Equal(t, policy.ModelMiniLM, cfg.EmbeddingModel)
	assert.Equal(t, "en", cfg.LanguageHint)
}

func TestUploadRejected(t *testing.T) {
	env := newTestEnv(t, testSnapshot(), nil)

	tests := []struct {
		name   string
		fields map[string]string
		reason policy.Reason
	}{
		{"neural on free", map[string]string{"tier": "free", "engine": "neural", "embedding_model": policy.ModelMiniLM}, policy.ReasonUnsupportedEngine},
		{"large model on free", map[string]string{"tier": "free", "speech_model": "large"}, policy.ReasonUnsupportedSpeechModel},
		{"unknown embedding model", map[string]string{"tier": "premium", "engine": "neural", "embedding_model": "bert-huge"}, policy.ReasonUnsupportedEmbeddingModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.DefaultClient.Do(uploadRequest(t, env.server.URL, []byte("RIFF clip"), tt.fields))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.Equal(t, string(tt.reason), body.Reason)
			assert.NotEmpty(t, body.Message)
		})
	}
	assert.Empty(t, env.jobs.submitted)
}

func TestUploadErrors(t *testing.T) {
	env := newTestEnv(t, testSnapshot(), nil)

	resp, err := http.DefaultClient.Do(uploadRequest(t, env.server.URL, nil, nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing audio")

	env.jobs.submitErr = jobs.ErrQueueFull
	resp, err = http.DefaultClient.Do(uploadRequest(t, env.server.URL, []byte("RIFF clip"), nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, testSnapshot(), nil)

	resp, err := http.Get(env.server.URL + "/api/status/done")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[StatusResponse](t, resp)
	assert.Equal(t, jobs.StateComplete, done.State)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, 12.0, done.AudioSeconds)
	require.Len(t, done.Results, 1)
	assert.Equal(t, "Very High", done.Results[0].Confidence)
	assert.Equal(t, "tfidf", done.Results[0].MatchType)
	assert.Nil(t, done.Error)

	resp, err = http.Get(env.server.URL + "/api/status/failed")
	require.NoError(t, err)
	failed := decode[StatusResponse](t, resp)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "TranscriptionFailed", failed.Error.Category)
	assert.True(t, failed.Error.Retryable)

	resp, err = http.Get(env.server.URL + "/api/status/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResubmit(t *testing.T) {
	env := newTestEnv(t, testSnapshot(), nil)

	resp, err := http.Post(env.server.URL+"/api/jobs/failed/resubmit", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[ResubmitResponse](t, resp)
	assert.Equal(t, "job-2", body.JobID)
	assert.Equal(t, "failed", body.ResubmittedFrom)

	resp, err = http.Post(env.server.URL+"/api/jobs/running/resubmit", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(env.server.URL+"/api/jobs/nope/resubmit", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func postSearch(t *testing.T, url string, req SearchRequest) *http.Response {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(url+"/api/search", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t, testSnapshot(), nil)

	resp := postSearch(t, env.server.URL, SearchRequest{Query: "is this the real life", TopK: 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[SearchResponse](t, resp)
	assert.Equal(t, "tfidf", body.Engine)
	require.NotEmpty(t, body.Matches)
	assert.LessOrEqual(t, body.Count, 2)
	assert.Equal(t, "Bohemian Rhapsody", body.Matches[0].Title)
	assert.Equal(t, 1, body.Matches[0].Rank)
	assert.False(t, body.CacheHit)

	resp = postSearch(t, env.server.URL, SearchRequest{Query: "is this the real life", TopK: 2})
	again := decode[SearchResponse](t, resp)
	assert.True(t, again.CacheHit)

	resp = postSearch(t, env.server.URL, SearchRequest{Query: "pressure pushing down", Tier: policy.TierPremium, Engine: policy.EngineHybrid})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hybrid := decode[SearchResponse](t, resp)
	require.NotEmpty(t, hybrid.Matches)
	assert.Equal(t, "Under Pressure", hybrid.Matches[0].Title)
	assert.Equal(t, "hybrid", hybrid.Matches[0].MatchType)
}

func TestSearchErrors(t *testing.T) {
	env := newTestEnv(t, testSnapshot(), nil)

	resp := postSearch(t, env.server.URL, SearchRequest{Query: "  "})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postSearch(t, env.server.URL, SearchRequest{Query: "real life", Engine: policy.EngineNeural})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, string(policy.ReasonUnsupportedEngine), body.Reason)

	resp = postSearch(t, env.server.URL, SearchRequest{Query: "real life", TopK: 1000})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(env.server.URL+"/api/search", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	unloaded := newTestEnv(t, nil, nil)
	resp = postSearch(t, unloaded.server.URL, SearchRequest{Query: "real life"})
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPhraseSearch(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.UpsertSong(context.Background(), &storage.Song{
		SongID: types.SongID("Queen", "Under Pressure"), Artist: "Queen", Title: "Under Pressure",
		Lyrics: "Pressure pushing down on me", CleanedLyrics: "pressure pushing down on me", WordCount: 5,
	}))

	env := newTestEnv(t, testSnapshot(), db)

	resp, err := http.Get(env.server.URL + "/api/search/phrase?q=pushing+down")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[PhraseResponse](t, resp)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "Under Pressure", body.Matches[0].Title)

	resp, err = http.Get(env.server.URL + "/api/search/phrase")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/api/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[map[string]any](t, resp)
	assert.Contains(t, stats, "storage")
	assert.Contains(t, stats, "embedding_cache")
	assert.Contains(t, stats, "jobs")
}

func TestTiersAndHealth(t *testing.T) {
	env := newTestEnv(t, testSnapshot(), nil)

	resp, err := http.Get(env.server.URL + "/api/tiers")
	require.NoError(t, err)
	tiers := decode[map[string][]TierDTO](t, resp)["tiers"]
	require.Len(t, tiers, 2)
	assert.Equal(t, policy.TierFree, tiers[0].Name)
	assert.Equal(t, []policy.Engine{policy.EngineTFIDF}, tiers[0].Engines)
	assert.Equal(t, 60.0, tiers[0].MaxClipDurationSec)

	resp, err = http.Get(env.server.URL + "/api/health")
	require.NoError(t, err)
	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.CorpusLoaded)
	assert.Equal(t, 3, health.Songs)

	unloaded := newTestEnv(t, nil, nil)
	resp, err = http.Get(unloaded.server.URL + "/api/health")
	require.NoError(t, err)
	assert.Equal(t, "degraded", decode[HealthResponse](t, resp).Status)
}

func TestHealthReportsStaleCorpus(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	published := testSnapshot()
	first, _, err := db.ResolveSnapshot(ctx, published.Checksum, published.Len())
	require.NoError(t, err)
	published.ID = first.ID

	env := newTestEnv(t, published, db)
	resp, err := http.Get(env.server.URL + "/api/health")
	require.NoError(t, err)
	health := decode[HealthResponse](t, resp)
	assert.False(t, health.Stale)
	assert.Equal(t, first.ID, health.LatestSnapshotID)

	// another process imported different content
	newer, _, err := db.ResolveSnapshot(ctx, "different-content", 4)
	require.NoError(t, err)

	resp, err = http.Get(env.server.URL + "/api/health")
	require.NoError(t, err)
	health = decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Stale)
	assert.Equal(t, newer.ID, health.LatestSnapshotID)
	assert.Equal(t, first.ID, health.SnapshotID)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, testSnapshot(), nil)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/upload", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://app.test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://app.test", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, env.server.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.test")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

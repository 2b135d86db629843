package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/jobs"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/ranker"
	"github.com/dshills/lyricmatch/internal/storage"
)

const (
	// multipartSlack covers form fields and boundaries on top of the clip
	multipartSlack  = 1 << 20
	maxSearchBody   = 64 << 10
	maxQueryLength  = 10000
	defaultPhraseK  = 20
	maxPhraseLimit  = 100
	searchTimeout   = 30 * time.Second
	uploadFieldName = "audio"
)

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	snap, err := s.deps.Corpus.Snapshot()
	if err == nil {
		resp.CorpusLoaded = true
		resp.SnapshotID = snap.ID
		resp.Songs = snap.Len()
	} else {
		resp.Status = "degraded"
	}
	if s.deps.Catalog != nil {
		latest, err := s.deps.Catalog.LatestSnapshot(r.Context())
		switch {
		case err == nil:
			resp.LatestSnapshotID = latest.ID
			if snap != nil && latest.ID > snap.ID && latest.Checksum != snap.Checksum {
				resp.Stale = true
			}
		case !errors.Is(err, storage.ErrNotFound):
			s.log.Warn("failed to read latest snapshot", "error", err)
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleStats handles GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime_seconds": int64(time.Since(s.start).Seconds()),
		"jobs":           s.deps.Jobs.Stats(),
	}
	if s.deps.Cache != nil {
		stats["embedding_cache"] = s.deps.Cache.Stats()
	}
	if s.deps.Catalog != nil {
		status, err := s.deps.Catalog.GetStatus(r.Context())
		if err != nil {
			s.log.Error("failed to read storage status", "error", err)
			s.respondError(w, http.StatusInternalServerError, "failed to read storage status")
			return
		}
		stats["storage"] = map[string]any{
			"songs":              status.SongsCount,
			"snapshots":          status.SnapshotsCount,
			"latest_snapshot_id": status.LatestSnapshotID,
			"cache_entries":      status.CacheEntriesCount,
			"jobs":               status.JobsCount,
			"database_size_mb":   status.DatabaseSizeMB,
		}
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// handleTiers handles GET /api/tiers
func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	tiers := s.deps.Policy.Tiers()
	out := make([]TierDTO, 0, len(tiers))
	for _, t := range tiers {
		caps, _ := s.deps.Policy.Capabilities(t)
		out = append(out, TierDTO{
			Name:               t,
			SpeechModels:       caps.SpeechModels,
			Engines:            caps.Engines,
			EmbeddingModels:    caps.EmbeddingModels,
			MaxUploadBytes:     caps.MaxUploadBytes,
			MaxClipDurationSec: caps.MaxClipDuration.Seconds(),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"tiers": out})
}

// handleUpload handles POST /api/upload
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.deps.Policy.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondRejection(w, &policy.Rejection{
				Reason:  policy.ReasonFileTooLarge,
				Message: fmt.Sprintf("upload exceeds the largest tier limit of %d bytes", limit),
			})
			return
		}
		s.respondError(w, http.StatusBadRequest, "failed to parse form data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile(uploadFieldName)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.log.Error("failed to read upload", "error", err)
		s.respondError(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}
	if len(data) == 0 {
		s.respondError(w, http.StatusBadRequest, "audio file is empty")
		return
	}

	cfg := s.processingConfig(
		r.FormValue("tier"),
		r.FormValue("speech_model"),
		r.FormValue("engine"),
		r.FormValue("embedding_model"),
	)
	cfg.LanguageHint = strings.TrimSpace(r.FormValue("language"))

	id, err := s.deps.Jobs.Submit(r.Context(), jobs.Audio{Filename: header.Filename, Data: data}, cfg)
	if err != nil {
		s.respondSubmitError(w, err)
		return
	}

	s.log.Info("job accepted", "job_id", id, "tier", cfg.Tier, "engine", cfg.Engine, "bytes", len(data))
	s.respondJSON(w, http.StatusAccepted, UploadResponse{JobID: id, Tier: cfg.Tier})
}

// processingConfig parses request options and fills the tier's defaults
func (s *Server) processingConfig(tier, speech, engine, model string) policy.ProcessingConfig {
	return s.deps.Policy.WithDefaults(policy.ProcessingConfig{
		Tier:           policy.Tier(strings.ToLower(strings.TrimSpace(tier))),
		SpeechModel:    policy.SpeechModel(strings.ToLower(strings.TrimSpace(speech))),
		Engine:         policy.Engine(strings.ToLower(strings.TrimSpace(engine))),
		EmbeddingModel: strings.TrimSpace(model),
	})
}

func (s *Server) respondSubmitError(w http.ResponseWriter, err error) {
	if rej, ok := policy.AsRejection(err); ok {
		s.respondRejection(w, rej)
		return
	}
	switch {
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrClosed):
		w.Header().Set("Retry-After", "5")
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, jobs.ErrJobNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrJobActive), errors.Is(err, jobs.ErrAudioReleased):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("job submission failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to submit job")
	}
}

// handleStatus handles GET /api/status/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.deps.Jobs.Poll(id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			s.respondError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
			return
		}
		s.log.Error("failed to poll job", "job_id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to read job")
		return
	}
	s.respondJSON(w, http.StatusOK, toStatusResponse(snap))
}

// handleResubmit handles POST /api/jobs/{id}/resubmit
func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	from := r.PathValue("id")
	id, err := s.deps.Jobs.Resubmit(r.Context(), from)
	if err != nil {
		s.respondSubmitError(w, err)
		return
	}
	s.log.Info("job resubmitted", "job_id", id, "resubmitted_from", from)
	s.respondJSON(w, http.StatusAccepted, ResubmitResponse{JobID: id, ResubmittedFrom: from})
}

// handleSearch handles POST /api/search
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSearchBody)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	if len(req.Query) > maxQueryLength {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("query exceeds %d characters", maxQueryLength))
		return
	}
	if req.TopK < 0 || req.TopK > ranker.MaxTopK {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("top_k must be between 1 and %d", ranker.MaxTopK))
		return
	}

	cfg := s.processingConfig(string(req.Tier), "", string(req.Engine), req.EmbeddingModel)
	if err := s.deps.Policy.Validate(cfg, policy.AudioFacts{}); err != nil {
		if rej, ok := policy.AsRejection(err); ok {
			s.respondRejection(w, rej)
			return
		}
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := s.deps.Corpus.Snapshot()
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "corpus not loaded")
		return
	}

	topK := req.TopK
	if topK == 0 {
		topK = s.config.TopK
	}
	ctx, cancel := context.WithTimeout(r.Context(), searchTimeout)
	defer cancel()
	resp, err := s.deps.Searcher.Rank(ctx, snap, cfg.Engine, ranker.Request{
		Query:          req.Query,
		TopK:           topK,
		EmbeddingModel: cfg.EmbeddingModel,
		UseCache:       true,
	})
	if err != nil {
		s.respondSearchError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, SearchResponse{
		Query:      req.Query,
		Engine:     string(resp.Engine),
		Matches:    toMatchDTOs(resp.Matches),
		Count:      len(resp.Matches),
		DurationMs: resp.Duration.Milliseconds(),
		CacheHit:   resp.CacheHit,
	})
}

func (s *Server) respondSearchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, corpus.ErrNoSnapshot):
		s.respondError(w, http.StatusServiceUnavailable, "corpus not loaded")
	case errors.Is(err, ranker.ErrEngineMisconfigured):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ranker.ErrEmbeddingUnavailable):
		s.log.Warn("embedding provider unavailable", "error", err)
		s.respondError(w, http.StatusBadGateway, "embedding provider unavailable")
	default:
		s.log.Error("search failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "search failed")
	}
}

// handlePhrase handles GET /api/search/phrase?q=...&limit=...
func (s *Server) handlePhrase(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		s.respondError(w, http.StatusNotImplemented, "phrase search is not available")
		return
	}
	phrase := strings.TrimSpace(r.URL.Query().Get("q"))
	if phrase == "" {
		s.respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := defaultPhraseK
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPhraseLimit {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxPhraseLimit))
			return
		}
		limit = n
	}

	songs, err := s.deps.Catalog.SearchPhrase(r.Context(), phrase, limit)
	if err != nil {
		s.log.Error("phrase search failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "phrase search failed")
		return
	}
	out := make([]PhraseMatchDTO, len(songs))
	for i, song := range songs {
		out[i] = PhraseMatchDTO{
			SongID: song.SongID,
			Title:  song.Title,
			Artist: song.Artist,
			Album:  song.Album,
			Year:   song.Year,
		}
	}
	s.respondJSON(w, http.StatusOK, PhraseResponse{Phrase: phrase, Matches: out, Count: len(out)})
}

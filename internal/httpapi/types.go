package httpapi

import (
	"time"

	"github.com/dshills/lyricmatch/internal/jobs"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/pkg/types"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// UploadResponse is returned by POST /api/upload
type UploadResponse struct {
	JobID string      `json:"job_id"`
	Tier  policy.Tier `json:"tier"`
}

// ResubmitResponse is returned by POST /api/jobs/{id}/resubmit
type ResubmitResponse struct {
	JobID           string `json:"job_id"`
	ResubmittedFrom string `json:"resubmitted_from"`
}

// MatchDTO is one ranked song
type MatchDTO struct {
	Rank               int      `json:"rank"`
	SongID             string   `json:"song_id"`
	Title              string   `json:"title"`
	Artist             string   `json:"artist"`
	Album              string   `json:"album,omitempty"`
	Year               int      `json:"year,omitempty"`
	Score              float64  `json:"score"`
	LexicalScore       *float64 `json:"lexical_score,omitempty"`
	SemanticScore      *float64 `json:"semantic_score,omitempty"`
	MatchType          string   `json:"match_type"`
	Confidence         string   `json:"confidence"`
	MatchedPhraseCount int      `json:"matched_phrases"`
	MatchPercentage    float64  `json:"match_percentage"`
}

// JobErrorDTO is the client view of a failure
type JobErrorDTO struct {
	Category  string `json:"category"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// StatusResponse is returned by GET /api/status/{id}
type StatusResponse struct {
	JobID           string                  `json:"job_id"`
	State           jobs.State              `json:"state"`
	Progress        int                     `json:"progress"`
	Config          policy.ProcessingConfig `json:"config"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
	AudioSeconds    float64                 `json:"audio_seconds,omitempty"`
	Transcript      string                  `json:"transcript,omitempty"`
	Language        string                  `json:"language,omitempty"`
	Results         []MatchDTO              `json:"results,omitempty"`
	Error           *JobErrorDTO            `json:"error,omitempty"`
	History         []jobs.Event            `json:"history"`
	ResubmittedFrom string                  `json:"resubmitted_from,omitempty"`
}

// SearchRequest is the body of POST /api/search
type SearchRequest struct {
	Query          string        `json:"query"`
	Tier           policy.Tier   `json:"tier"`
	Engine         policy.Engine `json:"engine"`
	EmbeddingModel string        `json:"embedding_model,omitempty"`
	TopK           int           `json:"top_k,omitempty"`
}

// SearchResponse is returned by POST /api/search
type SearchResponse struct {
	Query      string     `json:"query"`
	Engine     string     `json:"engine"`
	Matches    []MatchDTO `json:"matches"`
	Count      int        `json:"count"`
	DurationMs int64      `json:"duration_ms"`
	CacheHit   bool       `json:"cache_hit"`
}

// PhraseMatchDTO is one exact phrase hit
type PhraseMatchDTO struct {
	SongID string `json:"song_id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Album  string `json:"album,omitempty"`
	Year   int    `json:"year,omitempty"`
}

// PhraseResponse is returned by GET /api/search/phrase
type PhraseResponse struct {
	Phrase  string           `json:"phrase"`
	Matches []PhraseMatchDTO `json:"matches"`
	Count   int              `json:"count"`
}

// TierDTO describes one tier
type TierDTO struct {
	Name               policy.Tier          `json:"name"`
	SpeechModels       []policy.SpeechModel `json:"speech_models"`
	Engines            []policy.Engine      `json:"engines"`
	EmbeddingModels    []string             `json:"embedding_models"`
	MaxUploadBytes     int64                `json:"max_upload_bytes"`
	MaxClipDurationSec float64              `json:"max_clip_duration_seconds"`
}

// HealthResponse is returned by GET /api/health
type HealthResponse struct {
	Status       string `json:"status"`
	CorpusLoaded bool   `json:"corpus_loaded"`
	SnapshotID   int64  `json:"snapshot_id,omitempty"`
	Songs        int    `json:"songs"`

	// Stale is set when the database holds corpus content newer than the
	// published snapshot, for example after an import by another process
	Stale            bool  `json:"stale,omitempty"`
	LatestSnapshotID int64 `json:"latest_snapshot_id,omitempty"`
}

func toMatchDTOs(matches []types.RankedMatch) []MatchDTO {
	out := make([]MatchDTO, len(matches))
	for i, m := range matches {
		out[i] = MatchDTO{
			Rank:               m.Rank,
			SongID:             m.SongID,
			Title:              m.Title,
			Artist:             m.Artist,
			Album:              m.Album,
			Year:               m.Year,
			Score:              m.FusedScore,
			LexicalScore:       m.LexicalScore,
			SemanticScore:      m.SemanticScore,
			MatchType:          string(m.MatchType),
			Confidence:         m.Confidence(),
			MatchedPhraseCount: m.MatchedPhraseCount,
			MatchPercentage:    m.MatchPercentage,
		}
	}
	return out
}

func toStatusResponse(s *jobs.Snapshot) StatusResponse {
	resp := StatusResponse{
		JobID:           s.ID,
		State:           s.State,
		Progress:        s.Progress,
		Config:          s.Config,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		AudioSeconds:    s.AudioDuration.Seconds(),
		Transcript:      s.Transcript,
		Language:        s.Language,
		History:         s.History,
		ResubmittedFrom: s.ResubmittedFrom,
	}
	if len(s.Results) > 0 {
		resp.Results = toMatchDTOs(s.Results)
	}
	if s.Error != nil {
		resp.Error = &JobErrorDTO{
			Category:  string(s.Error.Category),
			Stage:     s.Error.Stage,
			Message:   s.Error.Message,
			Retryable: s.Error.Retryable,
		}
	}
	return resp
}

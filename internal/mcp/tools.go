package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/jobs"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/ranker"
	"github.com/dshills/lyricmatch/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams     = -32602 // Invalid method parameters
	ErrorCodeInternalError     = -32603 // Internal JSON-RPC error
	ErrorCodeRejected          = -32001 // Options not allowed for the tier
	ErrorCodeJobNotFound       = -32002 // Unknown job id
	ErrorCodeCorpusNotLoaded   = -32003 // No corpus snapshot available
	ErrorCodeEmptyQuery        = -32004 // Query parameter is empty
	ErrorCodeQueueFull         = -32005 // Job queue cannot accept work
	ErrorCodeEmbeddingsOffline = -32006 // Embedding provider unavailable
)

// handleIdentifyClip handles the identify_clip tool invocation
func (s *Server) handleIdentifyClip(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "path parameter is required", map[string]interface{}{
			"param":  "path",
			"reason": "missing or empty",
		})
	}
	if err := validateAudioPath(path); err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid path", map[string]interface{}{
			"param":  "path",
			"reason": err.Error(),
		})
	}

	timeout := getIntDefault(args, "timeout_seconds", int(DefaultWaitTimeout/time.Second))
	if timeout < 1 || timeout > 600 {
		return nil, newMCPError(ErrorCodeInvalidParams, "timeout_seconds must be between 1 and 600", map[string]interface{}{
			"param": "timeout_seconds",
			"value": timeout,
		})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "failed to read audio file", map[string]interface{}{
			"param":  "path",
			"reason": err.Error(),
		})
	}

	cfg := s.deps.Policy.WithDefaults(policy.ProcessingConfig{
		Tier:           policy.Tier(getStringDefault(args, "tier", "")),
		SpeechModel:    policy.SpeechModel(getStringDefault(args, "speech_model", "")),
		Engine:         policy.Engine(getStringDefault(args, "engine", "")),
		EmbeddingModel: getStringDefault(args, "embedding_model", ""),
		LanguageHint:   getStringDefault(args, "language", ""),
	})

	id, err := s.deps.Jobs.Submit(ctx, jobs.Audio{Filename: filepath.Base(path), Data: data}, cfg)
	if err != nil {
		return nil, submitError(err)
	}
	s.log.Info("job submitted", "job_id", id, "tier", cfg.Tier, "engine", cfg.Engine)

	if !getBoolDefault(args, "wait", true) {
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{
			"job_id": id,
			"state":  jobs.StateQueued,
		})), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()
	snap, err := s.deps.Jobs.Await(waitCtx, id, s.deps.PollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// still running; report where it got to
			if snap, perr := s.deps.Jobs.Poll(id); perr == nil {
				return mcp.NewToolResultText(formatJSON(snapshotResponse(snap))), nil
			}
		}
		return nil, newMCPError(ErrorCodeInternalError, "waiting for job failed", map[string]interface{}{
			"job_id": id,
			"error":  err.Error(),
		})
	}
	return mcp.NewToolResultText(formatJSON(snapshotResponse(snap))), nil
}

// handleJobStatus handles the job_status tool invocation
func (s *Server) handleJobStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	id, ok := args["job_id"].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "job_id parameter is required", map[string]interface{}{
			"param":  "job_id",
			"reason": "missing or empty",
		})
	}

	snap, err := s.deps.Jobs.Poll(id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil, newMCPError(ErrorCodeJobNotFound, "job not found", map[string]interface{}{
				"job_id": id,
			})
		}
		return nil, newMCPError(ErrorCodeInternalError, "failed to read job", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return mcp.NewToolResultText(formatJSON(snapshotResponse(snap))), nil
}

// handleSearchLyrics handles the search_lyrics tool invocation
func (s *Server) handleSearchLyrics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	limit := getIntDefault(args, "limit", ranker.DefaultTopK)
	if limit < 1 || limit > ranker.MaxTopK {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	cfg := s.deps.Policy.WithDefaults(policy.ProcessingConfig{
		Tier:           policy.Tier(getStringDefault(args, "tier", "")),
		Engine:         policy.Engine(getStringDefault(args, "engine", "")),
		EmbeddingModel: getStringDefault(args, "embedding_model", ""),
	})
	if err := s.deps.Policy.Validate(cfg, policy.AudioFacts{}); err != nil {
		return nil, submitError(err)
	}

	snap, err := s.deps.Corpus.Snapshot()
	if err != nil {
		return nil, newMCPError(ErrorCodeCorpusNotLoaded, "corpus not loaded", map[string]interface{}{
			"hint": "import a lyrics CSV first",
		})
	}

	resp, err := s.deps.Searcher.Rank(ctx, snap, cfg.Engine, ranker.Request{
		Query:          query,
		TopK:           limit,
		EmbeddingModel: cfg.EmbeddingModel,
		UseCache:       true,
	})
	if err != nil {
		switch {
		case errors.Is(err, corpus.ErrNoSnapshot):
			return nil, newMCPError(ErrorCodeCorpusNotLoaded, "corpus not loaded", nil)
		case errors.Is(err, ranker.ErrEmbeddingUnavailable):
			return nil, newMCPError(ErrorCodeEmbeddingsOffline, "embedding provider unavailable", map[string]interface{}{
				"error": err.Error(),
			})
		default:
			return nil, newMCPError(ErrorCodeInternalError, "search failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"query":       query,
		"engine":      resp.Engine,
		"snapshot_id": snap.ID,
		"results":     formatMatches(resp.Matches),
		"count":       len(resp.Matches),
		"duration_ms": resp.Duration.Milliseconds(),
		"cache_hit":   resp.CacheHit,
	})), nil
}

// handleListTiers handles the list_tiers tool invocation
func (s *Server) handleListTiers(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tiers := make([]map[string]interface{}, 0)
	for _, t := range s.deps.Policy.Tiers() {
		caps, _ := s.deps.Policy.Capabilities(t)
		tiers = append(tiers, map[string]interface{}{
			"name":                      t,
			"speech_models":             caps.SpeechModels,
			"engines":                   caps.Engines,
			"embedding_models":          caps.EmbeddingModels,
			"max_upload_bytes":          caps.MaxUploadBytes,
			"max_clip_duration_seconds": caps.MaxClipDuration.Seconds(),
		})
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{"tiers": tiers})), nil
}

// submitError maps orchestrator and policy errors to MCP errors
func submitError(err error) error {
	if rej, ok := policy.AsRejection(err); ok {
		return newMCPError(ErrorCodeRejected, rej.Message, map[string]interface{}{
			"reason": rej.Reason,
		})
	}
	if errors.Is(err, jobs.ErrQueueFull) || errors.Is(err, jobs.ErrClosed) {
		return newMCPError(ErrorCodeQueueFull, err.Error(), nil)
	}
	return newMCPError(ErrorCodeInternalError, "failed to submit job", map[string]interface{}{
		"error": err.Error(),
	})
}

func snapshotResponse(snap *jobs.Snapshot) map[string]interface{} {
	response := map[string]interface{}{
		"job_id":   snap.ID,
		"state":    snap.State,
		"progress": snap.Progress,
		"tier":     snap.Config.Tier,
		"engine":   snap.Config.Engine,
	}
	if snap.Transcript != "" {
		response["transcript"] = snap.Transcript
	}
	if snap.Language != "" {
		response["language"] = snap.Language
	}
	if snap.State == jobs.StateComplete {
		response["results"] = formatMatches(snap.Results)
	}
	if snap.Error != nil {
		response["error"] = map[string]interface{}{
			"category":  snap.Error.Category,
			"message":   snap.Error.Message,
			"retryable": snap.Error.Retryable,
		}
	}
	if snap.ResubmittedFrom != "" {
		response["resubmitted_from"] = snap.ResubmittedFrom
	}
	return response
}

func formatMatches(matches []types.RankedMatch) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(matches))
	for _, m := range matches {
		entry := map[string]interface{}{
			"rank":             m.Rank,
			"song_id":          m.SongID,
			"title":            m.Title,
			"artist":           m.Artist,
			"score":            m.FusedScore,
			"confidence":       m.Confidence(),
			"match_type":       m.MatchType,
			"matched_phrases":  m.MatchedPhraseCount,
			"match_percentage": m.MatchPercentage,
		}
		if m.Album != "" {
			entry["album"] = m.Album
		}
		if m.Year > 0 {
			entry["year"] = m.Year
		}
		out = append(out, entry)
	}
	return out
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// validateAudioPath checks that path is an absolute, readable regular file
func validateAudioPath(path string) error {
	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ErrPathNotFound
	}
	if err != nil {
		return ErrPathNotReadable
	}
	if info.IsDir() {
		return ErrIsDirectory
	}
	if info.Size() == 0 {
		return ErrEmptyFile
	}
	return nil
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a trimmed string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val)
	}
	return defaultValue
}

// Validation helpers

var (
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathNotFound    = errors.New("path does not exist")
	ErrPathNotReadable = errors.New("path is not readable")
	ErrIsDirectory     = errors.New("path is a directory")
	ErrEmptyFile       = errors.New("file is empty")
)

package pipeline

import (
	"errors"
	"fmt"
)

// Category is the machine-readable reason a job failed
type Category string

const (
	CategoryAudioUnreadable              Category = "AudioUnreadable"
	CategoryTranscriptionFailed          Category = "TranscriptionFailed"
	CategoryNoTranscriptText             Category = "NoTranscriptText"
	CategoryEmbeddingProviderUnavailable Category = "EmbeddingProviderUnavailable"
	CategoryRankingEngineMisconfigured   Category = "RankingEngineMisconfigured"
	CategoryTimeout                      Category = "Timeout"
	CategoryInternal                     Category = "Internal"
)

// Retryable reports whether resubmitting the same clip may succeed. The
// other categories call for a different file or configuration.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTranscriptionFailed, CategoryEmbeddingProviderUnavailable, CategoryTimeout:
		return true
	default:
		return false
	}
}

// StageError is a categorized failure of one stage. Err keeps the provider
// error for logs; Message is safe to show users.
type StageError struct {
	Stage    string
	Category Category
	Message  string
	Err      error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Stage, e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Category, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the category allows a retry
func (e *StageError) Retryable() bool {
	return e.Category.Retryable()
}

func stageError(stage string, category Category, message string, err error) *StageError {
	return &StageError{Stage: stage, Category: category, Message: message, Err: err}
}

// AsStageError extracts a *StageError from err
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

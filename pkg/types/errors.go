package types

import "errors"

// Domain errors for type validation
var (
	// Song record errors
	ErrInvalidSongID = errors.New("invalid song ID")
	ErrMissingTitle  = errors.New("song title is required")
	ErrEmptyLyrics   = errors.New("lyrics cannot be empty")

	// Ranked match errors
	ErrInvalidRank  = errors.New("rank must be >= 1")
	ErrInvalidScore = errors.New("fused score must be between 0 and 1")
)

package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SongRecord is a single song in the lyrics corpus
type SongRecord struct {
	ID     string // Stable identifier derived from artist and title
	Title  string
	Artist string
	Album  string // Empty when unknown
	Year   int    // Zero when unknown

	LyricsRaw        string
	LyricsNormalized string   // Lowercased, punctuation stripped
	Tokens           []string // Whitespace tokens of LyricsNormalized
}

// NewSongRecord creates a record with a stable ID. Normalized fields are
// filled in by the caller.
func NewSongRecord(artist, title, lyrics string) SongRecord {
	return SongRecord{
		ID:        SongID(artist, title),
		Title:     strings.TrimSpace(title),
		Artist:    strings.TrimSpace(artist),
		LyricsRaw: lyrics,
	}
}

// SongID derives the stable identifier for an (artist, title) pair.
// The same pair always maps to the same ID regardless of letter case or
// surrounding whitespace.
func SongID(artist, title string) string {
	key := strings.ToLower(strings.TrimSpace(artist)) + "\x00" + strings.ToLower(strings.TrimSpace(title))
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// Validate checks if the song record is valid
func (s *SongRecord) Validate() error {
	if s.ID == "" {
		return ErrInvalidSongID
	}
	if s.Title == "" {
		return ErrMissingTitle
	}
	if strings.TrimSpace(s.LyricsRaw) == "" {
		return ErrEmptyLyrics
	}
	return nil
}

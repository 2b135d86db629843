// Package types provides shared type definitions for LyricMatch.
//
// This package defines the domain values passed between the corpus store,
// the rankers, the job orchestrator and the outer surfaces (HTTP API, MCP
// server, CLI).
//
// # Core Types
//
// SongRecord is one entry of the lyrics corpus. Records are immutable once
// they belong to a corpus snapshot:
//
//	song := types.NewSongRecord("Queen", "Bohemian Rhapsody", lyrics)
//	song.LyricsNormalized = normalize.Clean(lyrics)
//
// RankedMatch is one scored candidate returned by a ranker:
//
//	match := types.RankedMatch{
//	    SongID:     song.ID,
//	    FusedScore: 0.82,
//	    MatchType:  types.MatchHybrid,
//	}
//
// # Ordering
//
// Results are always sorted by FusedScore descending with ties broken by
// SongID ascending. SortMatches applies that order and assigns 1-based ranks:
//
//	types.SortMatches(matches)
//
// Scores are normalized to the [0, 1] range, with higher values indicating
// better matches.
package types

package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dshills/lyricmatch/internal/normalize"
	"github.com/dshills/lyricmatch/internal/storage"
	"github.com/dshills/lyricmatch/pkg/types"
)

// ErrNoSnapshot is returned before the first successful reload
var ErrNoSnapshot = errors.New("corpus not loaded")

// SongSource is the slice of storage the store reads from
type SongSource interface {
	ListSongs(ctx context.Context) ([]*storage.Song, error)
	ResolveSnapshot(ctx context.Context, checksum string, songCount int) (*storage.Snapshot, bool, error)
}

// ReloadFunc is notified after a new snapshot is published
type ReloadFunc func(ctx context.Context, snap *Snapshot)

// Store publishes the current snapshot. Readers call Current and never block.
type Store struct {
	source SongSource
	logger *slog.Logger

	current atomic.Pointer[Snapshot]

	mu        sync.Mutex // serializes reloads and subscriber registration
	listeners []ReloadFunc
}

// NewStore creates a store backed by source
func NewStore(source SongSource, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{source: source, logger: logger}
}

// Current returns the published snapshot or nil before the first reload
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Snapshot returns the published snapshot or ErrNoSnapshot
func (s *Store) Snapshot() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	return snap, nil
}

// OnReload registers fn to run after each reload that publishes a snapshot
func (s *Store) OnReload(fn ReloadFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload reads every song from storage and publishes a new snapshot. Content
// identical to a previously seen corpus keeps that corpus's snapshot id.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.source.ListSongs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list songs: %w", err)
	}

	songs := make([]types.SongRecord, 0, len(rows))
	for _, row := range rows {
		songs = append(songs, songFromRow(row))
	}

	snap := NewSnapshot(0, songs)
	resolved, created, err := s.source.ResolveSnapshot(ctx, snap.Checksum, snap.Len())
	if err != nil {
		return nil, fmt.Errorf("resolve snapshot: %w", err)
	}
	snap.ID = resolved.ID

	prev := s.current.Swap(snap)
	s.logger.Info("corpus snapshot published",
		"snapshot_id", snap.ID,
		"songs", snap.Len(),
		"new_content", created)

	if prev != nil && prev.ID == snap.ID {
		return snap, nil
	}
	for _, fn := range s.listeners {
		fn(ctx, snap)
	}
	return snap, nil
}

func songFromRow(row *storage.Song) types.SongRecord {
	return types.SongRecord{
		ID:               row.SongID,
		Title:            row.Title,
		Artist:           row.Artist,
		Album:            row.Album,
		Year:             row.Year,
		LyricsRaw:        row.Lyrics,
		LyricsNormalized: row.CleanedLyrics,
		Tokens:           normalize.Tokenize(row.CleanedLyrics),
	}
}

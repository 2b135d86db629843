// Package corpus owns the lyrics corpus: CSV import into storage and the
// immutable, versioned snapshots the rankers read.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/dshills/lyricmatch/pkg/types"
)

// Snapshot is an ordered, immutable view of the corpus. Songs are sorted by
// ID and must not be modified after construction.
type Snapshot struct {
	ID       int64
	Checksum string
	Songs    []types.SongRecord

	index map[string]int
}

// NewSnapshot builds a snapshot with the given id. Songs are copied and
// sorted by ID; the checksum is computed from their content.
func NewSnapshot(id int64, songs []types.SongRecord) *Snapshot {
	sorted := make([]types.SongRecord, len(songs))
	copy(sorted, songs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	index := make(map[string]int, len(sorted))
	for i, s := range sorted {
		index[s.ID] = i
	}

	return &Snapshot{
		ID:       id,
		Checksum: Checksum(sorted),
		Songs:    sorted,
		index:    index,
	}
}

// Checksum hashes song IDs and normalized lyrics in order. Two corpora with
// identical content produce identical checksums.
func Checksum(songs []types.SongRecord) string {
	h := sha256.New()
	for _, s := range songs {
		h.Write([]byte(s.ID))
		h.Write([]byte{0})
		h.Write([]byte(s.LyricsNormalized))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Len returns the number of songs
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Songs)
}

// Lookup returns the song with id and its position in snapshot order
func (s *Snapshot) Lookup(id string) (types.SongRecord, int, bool) {
	if s == nil {
		return types.SongRecord{}, -1, false
	}
	i, ok := s.index[id]
	if !ok {
		return types.SongRecord{}, -1, false
	}
	return s.Songs[i], i, true
}

// Texts returns the normalized lyrics in snapshot order, the input for
// corpus embeddings
func (s *Snapshot) Texts() []string {
	texts := make([]string, len(s.Songs))
	for i, song := range s.Songs {
		texts[i] = song.LyricsNormalized
	}
	return texts
}

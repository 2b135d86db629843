// Package embedcache stores corpus embeddings keyed by (snapshot id,
// embedding model). Entries are written once and read-only afterwards; an
// entry that fails verification is treated as a miss and rebuilt.
package embedcache

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dshills/lyricmatch/internal/corpus"
)

var (
	// ErrNotFound is returned by a backend with no entry for a key
	ErrNotFound = errors.New("embedding cache entry not found")
	// ErrExists is returned by a backend when the key was already written
	ErrExists = errors.New("embedding cache entry already exists")
	// ErrCorrupt is returned when a stored entry cannot be decoded
	ErrCorrupt = errors.New("embedding cache entry corrupt")
	// ErrMismatch is returned when an entry does not belong to a snapshot
	ErrMismatch = errors.New("embedding cache entry does not match snapshot")
)

// Key identifies one cache entry
type Key struct {
	SnapshotID int64
	ModelID    string
}

func (k Key) String() string {
	return strconv.FormatInt(k.SnapshotID, 10) + "/" + k.ModelID
}

// Entry holds one vector per song in snapshot order. Vectors must not be
// modified once the entry is stored.
type Entry struct {
	Key       Key
	Checksum  string
	Dimension int
	Vectors   [][]float32
	CreatedAt time.Time
}

// Verify checks that the entry was built from snap
func (e *Entry) Verify(snap *corpus.Snapshot) error {
	if e.Key.SnapshotID != snap.ID {
		return fmt.Errorf("%w: snapshot %d, want %d", ErrMismatch, e.Key.SnapshotID, snap.ID)
	}
	if e.Checksum != snap.Checksum {
		return fmt.Errorf("%w: checksum differs", ErrMismatch)
	}
	if len(e.Vectors) != snap.Len() {
		return fmt.Errorf("%w: %d vectors for %d songs", ErrMismatch, len(e.Vectors), snap.Len())
	}
	for i, v := range e.Vectors {
		if len(v) != e.Dimension {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrCorrupt, i, len(v), e.Dimension)
		}
	}
	return nil
}

// Vector returns the vector for the song at position i
func (e *Entry) Vector(i int) []float32 {
	return e.Vectors[i]
}

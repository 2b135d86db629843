package embedcache

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/lyricmatch/internal/storage"
)

// Backend is durable storage for cache entries
type Backend interface {
	Load(ctx context.Context, key Key) (*Entry, error)
	Store(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key Key) error
	Prune(ctx context.Context, keepSnapshotID int64) (int, error)
}

// CacheStore is the slice of storage.Storage the SQL backend needs
type CacheStore interface {
	LoadEmbeddingCache(ctx context.Context, snapshotID int64, modelID string) (*storage.CacheRecord, error)
	StoreEmbeddingCache(ctx context.Context, record *storage.CacheRecord) error
	DeleteEmbeddingCache(ctx context.Context, snapshotID int64, modelID string) error
	PruneEmbeddingCache(ctx context.Context, keepSnapshotID int64) (int, error)
}

// SQLBackend keeps entries in the embedding_cache table
type SQLBackend struct {
	store CacheStore
}

// NewSQLBackend creates a backend over store
func NewSQLBackend(store CacheStore) *SQLBackend {
	return &SQLBackend{store: store}
}

func (b *SQLBackend) Load(ctx context.Context, key Key) (*Entry, error) {
	rec, err := b.store.LoadEmbeddingCache(ctx, key.SnapshotID, key.ModelID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, storage.ErrCorruptVectors):
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	case err != nil:
		return nil, err
	}
	return &Entry{
		Key:       key,
		Checksum:  rec.Checksum,
		Dimension: rec.Dimension,
		Vectors:   rec.Vectors,
		CreatedAt: rec.CreatedAt,
	}, nil
}

func (b *SQLBackend) Store(ctx context.Context, entry *Entry) error {
	err := b.store.StoreEmbeddingCache(ctx, &storage.CacheRecord{
		SnapshotID: entry.Key.SnapshotID,
		ModelID:    entry.Key.ModelID,
		Checksum:   entry.Checksum,
		Dimension:  entry.Dimension,
		Vectors:    entry.Vectors,
		CreatedAt:  entry.CreatedAt,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return ErrExists
	}
	return err
}

func (b *SQLBackend) Delete(ctx context.Context, key Key) error {
	return b.store.DeleteEmbeddingCache(ctx, key.SnapshotID, key.ModelID)
}

func (b *SQLBackend) Prune(ctx context.Context, keepSnapshotID int64) (int, error) {
	return b.store.PruneEmbeddingCache(ctx, keepSnapshotID)
}

// CurrentFileVersion is the on-disk format version of FileBackend entries.
// Increment this when making breaking changes to the format.
const CurrentFileVersion = 1

// FileBackend keeps one gob file per entry in a directory
type FileBackend struct {
	dir string
}

type fileEntry struct {
	Version    int
	SnapshotID int64
	ModelID    string
	Checksum   string
	Dimension  int
	Vectors    [][]float32
	CreatedAt  time.Time
}

// NewFileBackend creates the directory if needed
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(key Key) string {
	model := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, key.ModelID)
	return filepath.Join(b.dir, fmt.Sprintf("snapshot-%d__%s.gob", key.SnapshotID, model))
}

func (b *FileBackend) Load(_ context.Context, key Key) (*Entry, error) {
	f, err := os.Open(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening cache file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var fe fileEntry
	if err := gob.NewDecoder(f).Decode(&fe); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrCorrupt, key, err)
	}
	if fe.Version != CurrentFileVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrCorrupt, fe.Version, CurrentFileVersion)
	}
	if fe.SnapshotID != key.SnapshotID || fe.ModelID != key.ModelID {
		return nil, fmt.Errorf("%w: file holds %d/%s", ErrCorrupt, fe.SnapshotID, fe.ModelID)
	}

	return &Entry{
		Key:       key,
		Checksum:  fe.Checksum,
		Dimension: fe.Dimension,
		Vectors:   fe.Vectors,
		CreatedAt: fe.CreatedAt,
	}, nil
}

// Store writes to a temp file and hard-links it into place, so readers never
// see a partial file and an existing entry is never overwritten
func (b *FileBackend) Store(_ context.Context, entry *Entry) error {
	final := b.path(entry.Key)
	tmp, err := os.CreateTemp(b.dir, ".entry-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	fe := fileEntry{
		Version:    CurrentFileVersion,
		SnapshotID: entry.Key.SnapshotID,
		ModelID:    entry.Key.ModelID,
		Checksum:   entry.Checksum,
		Dimension:  entry.Dimension,
		Vectors:    entry.Vectors,
		CreatedAt:  entry.CreatedAt,
	}
	if err := gob.NewEncoder(tmp).Encode(&fe); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encoding entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing file: %w", err)
	}

	if err := os.Link(tmpPath, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("linking cache file: %w", err)
	}
	return nil
}

func (b *FileBackend) Delete(_ context.Context, key Key) error {
	err := os.Remove(b.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *FileBackend) Prune(_ context.Context, keepSnapshotID int64) (int, error) {
	matches, err := filepath.Glob(filepath.Join(b.dir, "snapshot-*__*.gob"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		name := strings.TrimPrefix(filepath.Base(m), "snapshot-")
		idStr, _, ok := strings.Cut(name, "__")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || id == keepSnapshotID {
			continue
		}
		if err := os.Remove(m); err == nil {
			removed++
		}
	}
	return removed, nil
}

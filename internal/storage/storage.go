package storage

import (
	"context"
	"time"
)

// Storage defines the interface for persisting the lyrics corpus, corpus
// snapshots, embedding cache entries and job records
type Storage interface {
	// Song operations
	UpsertSong(ctx context.Context, song *Song) error
	GetSong(ctx context.Context, songID string) (*Song, error)
	ListSongs(ctx context.Context) ([]*Song, error)
	CountSongs(ctx context.Context) (int, error)
	DeleteSong(ctx context.Context, songID string) error
	SearchPhrase(ctx context.Context, phrase string, limit int) ([]*Song, error)

	// Snapshot operations
	ResolveSnapshot(ctx context.Context, checksum string, songCount int) (*Snapshot, bool, error)
	LatestSnapshot(ctx context.Context) (*Snapshot, error)

	// Embedding cache operations
	LoadEmbeddingCache(ctx context.Context, snapshotID int64, modelID string) (*CacheRecord, error)
	StoreEmbeddingCache(ctx context.Context, record *CacheRecord) error
	DeleteEmbeddingCache(ctx context.Context, snapshotID int64, modelID string) error
	PruneEmbeddingCache(ctx context.Context, keepSnapshotID int64) (int, error)

	// Job operations
	SaveJob(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)
	DeleteJob(ctx context.Context, jobID string) error
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Status operations
	GetStatus(ctx context.Context) (*Status, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage // Embed Storage interface for transaction operations
}

// Song is a persisted corpus entry
type Song struct {
	ID            int64
	SongID        string // Stable identifier from types.SongID
	Artist        string
	Title         string
	Album         string
	Year          int
	Lyrics        string
	CleanedLyrics string
	WordCount     int
	ContentHash   [32]byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Snapshot identifies one distinct corpus content
type Snapshot struct {
	ID        int64
	Checksum  string
	SongCount int
	CreatedAt time.Time
}

// CacheRecord is a persisted embedding cache entry
type CacheRecord struct {
	SnapshotID int64
	ModelID    string
	Checksum   string
	Dimension  int
	Vectors    [][]float32 // One per song in snapshot order
	CreatedAt  time.Time
}

// JobRecord is a durable copy of a job snapshot. Payload is opaque JSON
// owned by the job orchestrator.
type JobRecord struct {
	ID        string
	State     string
	Progress  int
	Tier      string
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Status contains database-wide statistics
type Status struct {
	SongsCount        int
	SnapshotsCount    int
	LatestSnapshotID  int64
	CacheEntriesCount int
	JobsCount         int
	DatabaseSizeMB    float64
	Health            HealthStatus
}

// HealthStatus represents the health of the store
type HealthStatus struct {
	DatabaseAccessible bool
	FTSIndexesBuilt    bool
	CorpusLoaded       bool
}

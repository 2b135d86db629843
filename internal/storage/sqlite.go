package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite benefits from a single writer; it also keeps ":memory:" databases
	// on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Song operations

const songColumns = `id, song_id, artist, title, album, year, lyrics, cleaned_lyrics,
		       word_count, content_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSong(row rowScanner) (*Song, error) {
	var song Song
	var album sql.NullString
	var year sql.NullInt64
	var hash []byte
	err := row.Scan(
		&song.ID, &song.SongID, &song.Artist, &song.Title, &album, &year,
		&song.Lyrics, &song.CleanedLyrics, &song.WordCount, &hash,
		&song.CreatedAt, &song.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	song.Album = album.String
	song.Year = int(year.Int64)
	copy(song.ContentHash[:], hash)
	return &song, nil
}

func (s *SQLiteStorage) upsertSongWithQuerier(ctx context.Context, q querier, song *Song) error {
	query := `
		INSERT INTO songs (song_id, artist, title, album, year, lyrics, cleaned_lyrics,
		                   word_count, content_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(song_id) DO UPDATE SET
			artist = excluded.artist,
			title = excluded.title,
			album = excluded.album,
			year = excluded.year,
			lyrics = excluded.lyrics,
			cleaned_lyrics = excluded.cleaned_lyrics,
			word_count = excluded.word_count,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at
		RETURNING id, created_at
	`
	now := time.Now()
	var album interface{}
	if song.Album != "" {
		album = song.Album
	}
	var year interface{}
	if song.Year > 0 {
		year = song.Year
	}
	err := q.QueryRowContext(ctx, query,
		song.SongID, song.Artist, song.Title, album, year, song.Lyrics,
		song.CleanedLyrics, song.WordCount, song.ContentHash[:], now, now,
	).Scan(&song.ID, &song.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert song: %w", err)
	}
	song.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpsertSong(ctx context.Context, song *Song) error {
	return s.upsertSongWithQuerier(ctx, s.db, song)
}

func (s *SQLiteStorage) getSongWithQuerier(ctx context.Context, q querier, songID string) (*Song, error) {
	query := `SELECT ` + songColumns + ` FROM songs WHERE song_id = ?`
	song, err := scanSong(q.QueryRowContext(ctx, query, songID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return song, nil
}

func (s *SQLiteStorage) GetSong(ctx context.Context, songID string) (*Song, error) {
	return s.getSongWithQuerier(ctx, s.db, songID)
}

func (s *SQLiteStorage) listSongsWithQuerier(ctx context.Context, q querier) ([]*Song, error) {
	query := `SELECT ` + songColumns + ` FROM songs ORDER BY song_id`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	songs := make([]*Song, 0)
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		songs = append(songs, song)
	}
	return songs, rows.Err()
}

func (s *SQLiteStorage) ListSongs(ctx context.Context) ([]*Song, error) {
	return s.listSongsWithQuerier(ctx, s.db)
}

func (s *SQLiteStorage) countSongsWithQuerier(ctx context.Context, q querier) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM songs").Scan(&count)
	return count, err
}

func (s *SQLiteStorage) CountSongs(ctx context.Context) (int, error) {
	return s.countSongsWithQuerier(ctx, s.db)
}

func (s *SQLiteStorage) deleteSongWithQuerier(ctx context.Context, q querier, songID string) error {
	result, err := q.ExecContext(ctx, "DELETE FROM songs WHERE song_id = ?", songID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) DeleteSong(ctx context.Context, songID string) error {
	return s.deleteSongWithQuerier(ctx, s.db, songID)
}

// searchPhraseWithQuerier finds songs whose cleaned lyrics contain phrase
// verbatim, ordered by FTS5 rank
func (s *SQLiteStorage) searchPhraseWithQuerier(ctx context.Context, q querier, phrase string, limit int) ([]*Song, error) {
	match := phraseQuery(phrase)
	if match == "" {
		return []*Song{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT s.id, s.song_id, s.artist, s.title, s.album, s.year, s.lyrics, s.cleaned_lyrics,
		       s.word_count, s.content_hash, s.created_at, s.updated_at
		FROM songs_fts
		JOIN songs s ON s.id = songs_fts.rowid
		WHERE songs_fts MATCH ?
		ORDER BY rank, s.song_id
		LIMIT ?
	`
	rows, err := q.QueryContext(ctx, query, "cleaned_lyrics : "+match, limit)
	if err != nil {
		return nil, fmt.Errorf("phrase search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	songs := make([]*Song, 0)
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		songs = append(songs, song)
	}
	return songs, rows.Err()
}

func (s *SQLiteStorage) SearchPhrase(ctx context.Context, phrase string, limit int) ([]*Song, error) {
	return s.searchPhraseWithQuerier(ctx, s.db, phrase, limit)
}

// Snapshot operations

// resolveSnapshotWithQuerier returns the snapshot for checksum, creating it
// with the next id when the checksum is new. The bool reports creation.
func (s *SQLiteStorage) resolveSnapshotWithQuerier(ctx context.Context, q querier, checksum string, songCount int) (*Snapshot, bool, error) {
	result, err := q.ExecContext(ctx, `
		INSERT INTO corpus_snapshots (checksum, song_count, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(checksum) DO NOTHING
	`, checksum, songCount, time.Now())
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve snapshot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	var snap Snapshot
	err = q.QueryRowContext(ctx,
		"SELECT id, checksum, song_count, created_at FROM corpus_snapshots WHERE checksum = ?",
		checksum,
	).Scan(&snap.ID, &snap.Checksum, &snap.SongCount, &snap.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	return &snap, n == 1, nil
}

func (s *SQLiteStorage) ResolveSnapshot(ctx context.Context, checksum string, songCount int) (*Snapshot, bool, error) {
	return s.resolveSnapshotWithQuerier(ctx, s.db, checksum, songCount)
}

func (s *SQLiteStorage) latestSnapshotWithQuerier(ctx context.Context, q querier) (*Snapshot, error) {
	var snap Snapshot
	err := q.QueryRowContext(ctx,
		"SELECT id, checksum, song_count, created_at FROM corpus_snapshots ORDER BY id DESC LIMIT 1",
	).Scan(&snap.ID, &snap.Checksum, &snap.SongCount, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLiteStorage) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	return s.latestSnapshotWithQuerier(ctx, s.db)
}

// Embedding cache operations

func (s *SQLiteStorage) loadEmbeddingCacheWithQuerier(ctx context.Context, q querier, snapshotID int64, modelID string) (*CacheRecord, error) {
	query := `
		SELECT checksum, dimension, vector_count, vectors, created_at
		FROM embedding_cache
		WHERE snapshot_id = ? AND model_id = ?
	`
	record := CacheRecord{SnapshotID: snapshotID, ModelID: modelID}
	var count int
	var blob []byte
	err := q.QueryRowContext(ctx, query, snapshotID, modelID).Scan(
		&record.Checksum, &record.Dimension, &count, &blob, &record.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	record.Vectors, err = deserializeVectors(blob, count, record.Dimension)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *SQLiteStorage) LoadEmbeddingCache(ctx context.Context, snapshotID int64, modelID string) (*CacheRecord, error) {
	return s.loadEmbeddingCacheWithQuerier(ctx, s.db, snapshotID, modelID)
}

// storeEmbeddingCacheWithQuerier writes a new entry. Entries are write-once:
// an existing key yields ErrAlreadyExists.
func (s *SQLiteStorage) storeEmbeddingCacheWithQuerier(ctx context.Context, q querier, record *CacheRecord) error {
	blob, err := serializeVectors(record.Vectors, record.Dimension)
	if err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO embedding_cache (snapshot_id, model_id, checksum, dimension, vector_count, vectors, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_id, model_id) DO NOTHING
	`, record.SnapshotID, record.ModelID, record.Checksum, record.Dimension,
		len(record.Vectors), blob, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store embedding cache: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *SQLiteStorage) StoreEmbeddingCache(ctx context.Context, record *CacheRecord) error {
	return s.storeEmbeddingCacheWithQuerier(ctx, s.db, record)
}

func (s *SQLiteStorage) deleteEmbeddingCacheWithQuerier(ctx context.Context, q querier, snapshotID int64, modelID string) error {
	_, err := q.ExecContext(ctx, "DELETE FROM embedding_cache WHERE snapshot_id = ? AND model_id = ?", snapshotID, modelID)
	return err
}

func (s *SQLiteStorage) DeleteEmbeddingCache(ctx context.Context, snapshotID int64, modelID string) error {
	return s.deleteEmbeddingCacheWithQuerier(ctx, s.db, snapshotID, modelID)
}

func (s *SQLiteStorage) pruneEmbeddingCacheWithQuerier(ctx context.Context, q querier, keepSnapshotID int64) (int, error) {
	result, err := q.ExecContext(ctx, "DELETE FROM embedding_cache WHERE snapshot_id <> ?", keepSnapshotID)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) PruneEmbeddingCache(ctx context.Context, keepSnapshotID int64) (int, error) {
	return s.pruneEmbeddingCacheWithQuerier(ctx, s.db, keepSnapshotID)
}

// Job operations

func (s *SQLiteStorage) saveJobWithQuerier(ctx context.Context, q querier, job *JobRecord) error {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO jobs (id, state, progress, tier, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			progress = excluded.progress,
			payload = excluded.payload,
			updated_at = excluded.updated_at
		WHERE jobs.state NOT IN ('complete', 'failed')
	`, job.ID, job.State, job.Progress, job.Tier, string(job.Payload), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// SaveJob inserts or updates a job row. A row already in a terminal state
// is never overwritten.
func (s *SQLiteStorage) SaveJob(ctx context.Context, job *JobRecord) error {
	return s.saveJobWithQuerier(ctx, s.db, job)
}

func (s *SQLiteStorage) getJobWithQuerier(ctx context.Context, q querier, jobID string) (*JobRecord, error) {
	var job JobRecord
	var payload string
	err := q.QueryRowContext(ctx, `
		SELECT id, state, progress, tier, payload, created_at, updated_at
		FROM jobs WHERE id = ?
	`, jobID).Scan(&job.ID, &job.State, &job.Progress, &job.Tier, &payload, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Payload = []byte(payload)
	return &job, nil
}

func (s *SQLiteStorage) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	return s.getJobWithQuerier(ctx, s.db, jobID)
}

func (s *SQLiteStorage) deleteJobWithQuerier(ctx context.Context, q querier, jobID string) error {
	_, err := q.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", jobID)
	return err
}

// DeleteJob removes one job row; a missing row is not an error
func (s *SQLiteStorage) DeleteJob(ctx context.Context, jobID string) error {
	return s.deleteJobWithQuerier(ctx, s.db, jobID)
}

func (s *SQLiteStorage) deleteJobsBeforeWithQuerier(ctx context.Context, q querier, cutoff time.Time) (int, error) {
	result, err := q.ExecContext(ctx, "DELETE FROM jobs WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteJobsBeforeWithQuerier(ctx, s.db, cutoff)
}

// Status operations

func (s *SQLiteStorage) getStatusWithQuerier(ctx context.Context, q querier) (*Status, error) {
	status := &Status{}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM songs", &status.SongsCount},
		{"SELECT COUNT(*) FROM corpus_snapshots", &status.SnapshotsCount},
		{"SELECT COUNT(*) FROM embedding_cache", &status.CacheEntriesCount},
		{"SELECT COUNT(*) FROM jobs", &status.JobsCount},
	}
	for _, c := range counts {
		if err := q.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	var latest sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT MAX(id) FROM corpus_snapshots").Scan(&latest); err != nil {
		return nil, err
	}
	status.LatestSnapshotID = latest.Int64

	// Calculate database size
	var pageCount, pageSize int
	if err := q.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = q.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		status.DatabaseSizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	status.Health = HealthStatus{
		DatabaseAccessible: true,
		FTSIndexesBuilt:    true, // FTS indexes are created with migrations
		CorpusLoaded:       status.SongsCount > 0,
	}
	return status, nil
}

func (s *SQLiteStorage) GetStatus(ctx context.Context) (*Status, error) {
	return s.getStatusWithQuerier(ctx, s.db)
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTx) UpsertSong(ctx context.Context, song *Song) error {
	return t.storage.upsertSongWithQuerier(ctx, t.tx, song)
}

func (t *sqliteTx) GetSong(ctx context.Context, songID string) (*Song, error) {
	return t.storage.getSongWithQuerier(ctx, t.tx, songID)
}

func (t *sqliteTx) ListSongs(ctx context.Context) ([]*Song, error) {
	return t.storage.listSongsWithQuerier(ctx, t.tx)
}

func (t *sqliteTx) CountSongs(ctx context.Context) (int, error) {
	return t.storage.countSongsWithQuerier(ctx, t.tx)
}

func (t *sqliteTx) DeleteSong(ctx context.Context, songID string) error {
	return t.storage.deleteSongWithQuerier(ctx, t.tx, songID)
}

func (t *sqliteTx) SearchPhrase(ctx context.Context, phrase string, limit int) ([]*Song, error) {
	return t.storage.searchPhraseWithQuerier(ctx, t.tx, phrase, limit)
}

func (t *sqliteTx) ResolveSnapshot(ctx context.Context, checksum string, songCount int) (*Snapshot, bool, error) {
	return t.storage.resolveSnapshotWithQuerier(ctx, t.tx, checksum, songCount)
}

func (t *sqliteTx) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	return t.storage.latestSnapshotWithQuerier(ctx, t.tx)
}

func (t *sqliteTx) LoadEmbeddingCache(ctx context.Context, snapshotID int64, modelID string) (*CacheRecord, error) {
	return t.storage.loadEmbeddingCacheWithQuerier(ctx, t.tx, snapshotID, modelID)
}

func (t *sqliteTx) StoreEmbeddingCache(ctx context.Context, record *CacheRecord) error {
	return t.storage.storeEmbeddingCacheWithQuerier(ctx, t.tx, record)
}

func (t *sqliteTx) DeleteEmbeddingCache(ctx context.Context, snapshotID int64, modelID string) error {
	return t.storage.deleteEmbeddingCacheWithQuerier(ctx, t.tx, snapshotID, modelID)
}

func (t *sqliteTx) PruneEmbeddingCache(ctx context.Context, keepSnapshotID int64) (int, error) {
	return t.storage.pruneEmbeddingCacheWithQuerier(ctx, t.tx, keepSnapshotID)
}

func (t *sqliteTx) SaveJob(ctx context.Context, job *JobRecord) error {
	return t.storage.saveJobWithQuerier(ctx, t.tx, job)
}

func (t *sqliteTx) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	return t.storage.getJobWithQuerier(ctx, t.tx, jobID)
}

func (t *sqliteTx) DeleteJob(ctx context.Context, jobID string) error {
	return t.storage.deleteJobWithQuerier(ctx, t.tx, jobID)
}

func (t *sqliteTx) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return t.storage.deleteJobsBeforeWithQuerier(ctx, t.tx, cutoff)
}

func (t *sqliteTx) GetStatus(ctx context.Context) (*Status, error) {
	return t.storage.getStatusWithQuerier(ctx, t.tx)
}

func (t *sqliteTx) Close() error {
	// Transactions don't close the underlying connection
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, errors.New("nested transactions not supported")
}

package corpus

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/lyricmatch/internal/normalize"
	"github.com/dshills/lyricmatch/internal/storage"
	"github.com/dshills/lyricmatch/pkg/types"
)

// MinLyricLength is the shortest raw lyric text accepted into the corpus
const MinLyricLength = 10

var (
	// ErrImportInProgress is returned when another import holds the lock
	ErrImportInProgress = errors.New("corpus import already in progress")
	// ErrMissingColumn is returned when a CSV lacks a required column
	ErrMissingColumn = errors.New("missing required column")
	// ErrEmptyReplace is returned when a replacing import has no usable songs
	ErrEmptyReplace = errors.New("replace import has no usable songs")
)

// Importer loads lyrics CSV files into storage
type Importer struct {
	storage storage.Storage
	logger  *slog.Logger
	lock    ImportLock
}

// ImportConfig contains configuration for an import
type ImportConfig struct {
	Workers   int // Concurrent normalizers (default: runtime.NumCPU())
	BatchSize int // Songs committed per transaction (default: 200)
	// Replace deletes stored songs that are absent from the CSV
	Replace bool
}

// ImportStats contains statistics about an import
type ImportStats struct {
	Read          int
	Inserted      int
	Updated       int
	Unchanged     int
	TooShort      int
	Failed        int
	Removed       int
	Songs         int // Songs stored after the import
	Duration      time.Duration
	ErrorMessages []string
}

// NewImporter creates a new importer
func NewImporter(store storage.Storage, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{storage: store, logger: logger}
}

// ImportFile imports a CSV file from disk
func (im *Importer) ImportFile(ctx context.Context, path string, config *ImportConfig) (*ImportStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return im.Import(ctx, f, config)
}

// Import reads a CSV with Artist, Title and Lyric columns (Album, Year and
// Date optional, header names case-insensitive) and upserts each song.
// Songs whose stored content hash is unchanged are skipped.
func (im *Importer) Import(ctx context.Context, r io.Reader, config *ImportConfig) (*ImportStats, error) {
	if !im.lock.TryAcquire() {
		return nil, ErrImportInProgress
	}
	defer im.lock.Release()

	if config == nil {
		config = &ImportConfig{}
	}
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}

	start := time.Now()
	stats := &ImportStats{ErrorMessages: make([]string, 0)}

	rows, err := readRows(r, stats)
	if err != nil {
		return nil, err
	}
	stats.Read = len(rows)

	songs, err := im.prepare(ctx, rows, config.Workers, stats)
	if err != nil {
		return nil, err
	}
	if config.Replace && len(songs) == 0 {
		return nil, ErrEmptyReplace
	}

	for i := 0; i < len(songs); i += config.BatchSize {
		end := min(i+config.BatchSize, len(songs))
		if err := im.writeBatch(ctx, songs[i:end], stats); err != nil {
			return nil, err
		}
	}

	if config.Replace {
		if err := im.removeAbsent(ctx, songs, stats); err != nil {
			return nil, err
		}
	}
	if stats.Songs, err = im.storage.CountSongs(ctx); err != nil {
		return nil, fmt.Errorf("count songs: %w", err)
	}

	stats.Duration = time.Since(start)
	im.logger.Info("corpus import finished",
		"read", stats.Read,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"unchanged", stats.Unchanged,
		"too_short", stats.TooShort,
		"failed", stats.Failed,
		"removed", stats.Removed,
		"songs", stats.Songs,
		"duration", stats.Duration)
	return stats, nil
}

type csvRow struct {
	line                         int
	artist, title, album, lyrics string
	year                         int
}

func readRows(r io.Reader, stats *ImportStats) ([]csvRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		cols[name] = i
	}
	lyricCol, ok := cols["lyric"]
	if !ok {
		lyricCol, ok = cols["lyrics"]
	}
	if !ok {
		return nil, fmt.Errorf("%w: lyric", ErrMissingColumn)
	}
	for _, required := range []string{"artist", "title"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []csvRow
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stats.Failed++
			stats.ErrorMessages = append(stats.ErrorMessages, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		row := csvRow{
			line:   line,
			artist: field(rec, "artist"),
			title:  field(rec, "title"),
			album:  field(rec, "album"),
			year:   parseYear(field(rec, "year"), field(rec, "date")),
		}
		if lyricCol < len(rec) {
			row.lyrics = rec[lyricCol]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// parseYear accepts "1975", "1975.0" or a date starting with the year
func parseYear(year, date string) int {
	for _, s := range []string{year, date} {
		if len(s) < 4 {
			continue
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 1000 && f < 10000 {
			return int(f)
		}
		if y, err := strconv.Atoi(s[:4]); err == nil && y >= 1000 {
			return y
		}
	}
	return 0
}

// prepare validates and normalizes rows concurrently. Rejected rows are
// counted in stats and come back as nil entries that are dropped.
func (im *Importer) prepare(ctx context.Context, rows []csvRow, workers int, stats *ImportStats) ([]*storage.Song, error) {
	out := make([]*storage.Song, len(rows))
	var tooShort, failed int32
	errs := make([]string, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range rows {
		row := rows[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if len(strings.TrimSpace(row.lyrics)) < MinLyricLength {
				atomic.AddInt32(&tooShort, 1)
				return nil
			}
			record := types.NewSongRecord(row.artist, row.title, row.lyrics)
			if err := record.Validate(); err != nil {
				atomic.AddInt32(&failed, 1)
				errs[i] = fmt.Sprintf("line %d: %v", row.line, err)
				return nil
			}
			cleaned := normalize.Clean(row.lyrics)
			out[i] = &storage.Song{
				SongID:        record.ID,
				Artist:        record.Artist,
				Title:         record.Title,
				Album:         row.album,
				Year:          row.year,
				Lyrics:        row.lyrics,
				CleanedLyrics: cleaned,
				WordCount:     normalize.Stats(cleaned).WordCount,
				ContentHash:   contentHash(record, row.album, row.year, row.lyrics),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats.TooShort += int(tooShort)
	stats.Failed += int(failed)
	songs := make([]*storage.Song, 0, len(out))
	for i, s := range out {
		if errs[i] != "" {
			stats.ErrorMessages = append(stats.ErrorMessages, errs[i])
		}
		if s != nil {
			songs = append(songs, s)
		}
	}
	return songs, nil
}

func contentHash(record types.SongRecord, album string, year int, lyrics string) [32]byte {
	var buf bytes.Buffer
	for _, part := range []string{record.Artist, record.Title, album, strconv.Itoa(year), lyrics} {
		buf.WriteString(part)
		buf.WriteByte(0)
	}
	return sha256.Sum256(buf.Bytes())
}

// writeBatch stores one batch of songs within a transaction
func (im *Importer) writeBatch(ctx context.Context, songs []*storage.Song, stats *ImportStats) error {
	tx, err := im.storage.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var inserted, updated, unchanged int
	for _, song := range songs {
		existing, err := tx.GetSong(ctx, song.SongID)
		switch {
		case err == nil && existing.ContentHash == song.ContentHash:
			unchanged++
			continue
		case err == nil:
			updated++
		case errors.Is(err, storage.ErrNotFound):
			inserted++
		default:
			return fmt.Errorf("lookup song %s: %w", song.SongID, err)
		}

		if err := tx.UpsertSong(ctx, song); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	stats.Inserted += inserted
	stats.Updated += updated
	stats.Unchanged += unchanged
	return nil
}

// removeAbsent deletes every stored song the import did not carry
func (im *Importer) removeAbsent(ctx context.Context, keep []*storage.Song, stats *ImportStats) error {
	present := make(map[string]struct{}, len(keep))
	for _, song := range keep {
		present[song.SongID] = struct{}{}
	}

	tx, err := im.storage.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := tx.ListSongs(ctx)
	if err != nil {
		return fmt.Errorf("list songs: %w", err)
	}
	removed := 0
	for _, song := range stored {
		if _, ok := present[song.SongID]; ok {
			continue
		}
		if err := tx.DeleteSong(ctx, song.SongID); err != nil {
			return fmt.Errorf("delete song %s: %w", song.SongID, err)
		}
		removed++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	stats.Removed = removed
	return nil
}

// Package storage provides SQLite-based persistence for the lyrics corpus.
//
// The storage layer manages:
//   - Song records and their content hashes
//   - Corpus snapshot identifiers
//   - Embedding cache entries
//   - Durable job records
//   - Full-text search indexes over cleaned lyrics
//
// # Database Schema
//
// Tables:
//   - songs: Song metadata, raw and cleaned lyrics, SHA-256 content hash
//   - songs_fts: FTS5 index over title, artist and cleaned lyrics
//   - corpus_snapshots: One row per distinct corpus checksum
//   - embedding_cache: Write-once vectors keyed by (snapshot_id, model_id)
//   - jobs: Terminal job snapshots as JSON
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("lyrics.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	song := &storage.Song{SongID: id, Artist: "Queen", Title: "Bohemian Rhapsody"}
//	err = db.UpsertSong(ctx, song)
//
// # Transactions
//
// Use transactions for batched imports:
//
//	tx, err := db.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	for _, song := range batch {
//	    if err := tx.UpsertSong(ctx, song); err != nil {
//	        return err
//	    }
//	}
//	return tx.Commit()
//
// The pool holds a single connection, so calls on the parent storage block
// while a transaction is open. Use the Tx for every operation inside it.
//
// # Snapshots
//
// ResolveSnapshot maps a corpus checksum to an id. Reloading identical
// content returns the existing id; new content gets the next id:
//
//	snap, created, err := db.ResolveSnapshot(ctx, checksum, len(songs))
//
// # Embedding Cache
//
// Entries are write-once. StoreEmbeddingCache returns ErrAlreadyExists when
// another writer stored the key first, and LoadEmbeddingCache returns
// ErrCorruptVectors when the stored blob does not match its declared shape.
//
// # Build Modes
//
// The SQL driver is chosen at build time:
//
//	CGO_ENABLED=1 go build -tags "sqlite_cgo,sqlite_fts5" ./...  # mattn/go-sqlite3
//	CGO_ENABLED=0 go build -tags "purego" ./...                  # modernc.org/sqlite
package storage

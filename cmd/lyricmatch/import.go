package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/lyricmatch/internal/corpus"
)

func init() {
	importCmd.Flags().Int("workers", 0, "Concurrent normalizers (default: number of CPUs)")
	importCmd.Flags().Int("batch-size", 0, "Songs committed per transaction (default: 200)")
	importCmd.Flags().Bool("replace", false, "Delete stored songs that are not in the file")
	rootCmd.AddCommand(importCmd)
}

var importCmd = &cobra.Command{
	Use:   "import <lyrics.csv>",
	Short: "Import a lyrics CSV into the corpus",
	Long: `Import songs from a CSV with artist, title and lyrics columns.

Rows whose content is unchanged are skipped. With --replace, songs not
present in the file are removed so the corpus mirrors it. After the import
the corpus snapshot is republished and embedding caches for older
snapshots are pruned.

Example:
  lyricmatch import songs.csv
  lyricmatch import --replace songs.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

// importResult is the JSON output of import
type importResult struct {
	Read       int      `json:"read"`
	Inserted   int      `json:"inserted"`
	Updated    int      `json:"updated"`
	Unchanged  int      `json:"unchanged"`
	TooShort   int      `json:"too_short"`
	Failed     int      `json:"failed"`
	Removed    int      `json:"removed"`
	SnapshotID int64    `json:"snapshot_id"`
	Songs      int      `json:"songs"`
	DurationMS int64    `json:"duration_ms"`
	Errors     []string `json:"errors,omitempty"`
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	workers, _ := cmd.Flags().GetInt("workers")
	batch, _ := cmd.Flags().GetInt("batch-size")
	replace, _ := cmd.Flags().GetBool("replace")

	stats, err := corpus.NewImporter(a.db, a.logger).ImportFile(ctx, args[0], &corpus.ImportConfig{
		Workers:   workers,
		BatchSize: batch,
		Replace:   replace,
	})
	if err != nil {
		return fmt.Errorf("import %s: %w", args[0], err)
	}

	snap, err := a.corpus.Reload(ctx)
	if err != nil {
		return fmt.Errorf("reloading corpus: %w", err)
	}

	res := importResult{
		Read:       stats.Read,
		Inserted:   stats.Inserted,
		Updated:    stats.Updated,
		Unchanged:  stats.Unchanged,
		TooShort:   stats.TooShort,
		Failed:     stats.Failed,
		Removed:    stats.Removed,
		SnapshotID: snap.ID,
		Songs:      snap.Len(),
		DurationMS: stats.Duration.Milliseconds(),
		Errors:     stats.ErrorMessages,
	}
	if jsonOutput {
		return outputJSON(res)
	}

	fmt.Printf("Imported %s in %s\n", args[0], stats.Duration.Round(time.Millisecond))
	fmt.Printf("  read %d, inserted %d, updated %d, unchanged %d\n", res.Read, res.Inserted, res.Updated, res.Unchanged)
	if res.TooShort > 0 || res.Failed > 0 {
		fmt.Printf("  skipped %d too short, %d failed\n", res.TooShort, res.Failed)
	}
	if res.Removed > 0 {
		fmt.Printf("  removed %d songs absent from the file\n", res.Removed)
	}
	for _, msg := range res.Errors {
		fmt.Printf("  ! %s\n", msg)
	}
	fmt.Printf("Corpus snapshot %d holds %d songs\n", res.SnapshotID, res.Songs)
	return nil
}

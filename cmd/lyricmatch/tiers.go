package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/lyricmatch/internal/config"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/storage"
)

func init() {
	rootCmd.AddCommand(tiersCmd)
	rootCmd.AddCommand(versionCmd)
}

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Show what each access tier allows",
	Args:  cobra.NoArgs,
	RunE:  runTiers,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show build information",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

// tierJSON is one tier in the tiers output
type tierJSON struct {
	Name               policy.Tier          `json:"name"`
	SpeechModels       []policy.SpeechModel `json:"speech_models"`
	Engines            []policy.Engine      `json:"engines"`
	EmbeddingModels    []string             `json:"embedding_models"`
	MaxUploadBytes     int64                `json:"max_upload_bytes"`
	MaxClipDurationSec float64              `json:"max_clip_duration_seconds"`
}

func runTiers(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	pol := policy.New(cfg.TierTable())

	var out []tierJSON
	for _, t := range pol.Tiers() {
		caps, _ := pol.Capabilities(t)
		out = append(out, tierJSON{
			Name:               t,
			SpeechModels:       caps.SpeechModels,
			Engines:            caps.Engines,
			EmbeddingModels:    caps.EmbeddingModels,
			MaxUploadBytes:     caps.MaxUploadBytes,
			MaxClipDurationSec: caps.MaxClipDuration.Seconds(),
		})
	}
	if jsonOutput {
		return outputJSON(out)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tSPEECH MODELS\tENGINES\tMAX UPLOAD\tMAX CLIP")
	for _, t := range out {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d MiB\t%s\n",
			t.Name, join(t.SpeechModels), join(t.Engines),
			t.MaxUploadBytes>>20, time.Duration(t.MaxClipDurationSec)*time.Second)
	}
	return tw.Flush()
}

func join[T ~string](vals []T) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = string(v)
	}
	return strings.Join(parts, ",")
}

func runVersion(_ *cobra.Command, _ []string) error {
	info := map[string]any{
		"version":        version,
		"build_time":     buildTime,
		"build_mode":     storage.BuildMode,
		"sqlite_driver":  storage.DriverName,
		"schema_version": storage.CurrentSchemaVersion,
	}
	if jsonOutput {
		return outputJSON(info)
	}
	fmt.Printf("lyricmatch %s\n", version)
	fmt.Printf("Build Time: %s\n", buildTime)
	fmt.Printf("Build Mode: %s, SQLite Driver: %s\n", storage.BuildMode, storage.DriverName)
	fmt.Printf("Schema Version: %s\n", storage.CurrentSchemaVersion)
	return nil
}

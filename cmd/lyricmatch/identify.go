package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/lyricmatch/internal/jobs"
	"github.com/dshills/lyricmatch/internal/transcriber"
)

func init() {
	addProcessingFlags(identifyCmd)
	identifyCmd.Flags().String("speech-model", "", "Speech-to-text model size")
	identifyCmd.Flags().String("language", "", "Language hint for transcription")
	identifyCmd.Flags().String("transcript", "", "Skip speech-to-text and rank this transcript")
	identifyCmd.Flags().Duration("timeout", 5*time.Minute, "Maximum time to wait for the result")
	rootCmd.AddCommand(identifyCmd)
}

var identifyCmd = &cobra.Command{
	Use:   "identify <clip>",
	Short: "Identify the song in an audio clip",
	Long: `Run one clip through the identification pipeline and print the ranked
songs. The clip is decoded, transcribed, normalized and ranked exactly as
an uploaded clip would be.

Example:
  lyricmatch identify --tier premium --engine hybrid humming.m4a`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentify,
}

// identifyResult is the JSON output of identify
type identifyResult struct {
	JobID      string         `json:"job_id"`
	State      jobs.State     `json:"state"`
	Transcript string         `json:"transcript,omitempty"`
	Language   string         `json:"language,omitempty"`
	Results    []matchJSON    `json:"results,omitempty"`
	Error      *jobs.JobError `json:"error,omitempty"`
}

func runIdentify(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading clip: %w", err)
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var tr transcriber.Transcriber
	if text, _ := cmd.Flags().GetString("transcript"); text != "" {
		tr = transcriber.Static{Text: text}
	}
	orch := a.newOrchestrator(ctx, tr)
	defer orch.Close()

	cfg := processingConfig(cmd, a.policy)
	id, err := orch.Submit(ctx, jobs.Audio{Filename: filepath.Base(args[0]), Data: data}, cfg)
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	snap, err := orch.Await(waitCtx, id, a.cfg.HTTP.PollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("job %s did not finish within %s", id, timeout)
		}
		return err
	}

	if jsonOutput {
		return outputJSON(identifyResult{
			JobID:      snap.ID,
			State:      snap.State,
			Transcript: snap.Transcript,
			Language:   snap.Language,
			Results:    toMatchJSON(snap.Results),
			Error:      snap.Error,
		})
	}

	if snap.Transcript != "" {
		fmt.Printf("Transcript: %q\n\n", snap.Transcript)
	}
	if snap.State == jobs.StateFailed {
		return fmt.Errorf("job %s failed: %s: %s", snap.ID, snap.Error.Category, snap.Error.Message)
	}
	printMatches(snap.Results)
	return nil
}

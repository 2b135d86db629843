package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dshills/lyricmatch/pkg/types"
)

// ErrorResponse is the JSON shape of a command failure
type ErrorResponse struct {
	Error string `json:"error"`
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printError(err error) {
	if jsonOutput {
		_ = outputJSON(ErrorResponse{Error: err.Error()})
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

// matchJSON is one ranked song in command output
type matchJSON struct {
	Rank       int     `json:"rank"`
	SongID     string  `json:"song_id"`
	Title      string  `json:"title"`
	Artist     string  `json:"artist"`
	Score      float64 `json:"score"`
	Confidence string  `json:"confidence"`
	MatchType  string  `json:"match_type"`
}

func toMatchJSON(matches []types.RankedMatch) []matchJSON {
	out := make([]matchJSON, 0, len(matches))
	for _, m := range matches {
		out = append(out, matchJSON{
			Rank:       m.Rank,
			SongID:     m.SongID,
			Title:      m.Title,
			Artist:     m.Artist,
			Score:      m.FusedScore,
			Confidence: m.Confidence(),
			MatchType:  string(m.MatchType),
		})
	}
	return out
}

func printMatches(matches []types.RankedMatch) {
	if len(matches) == 0 {
		fmt.Println("No matches.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tTITLE\tARTIST\tSCORE\tCONFIDENCE")
	for _, m := range matches {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.3f\t%s\n", m.Rank, m.Title, m.Artist, m.FusedScore, m.Confidence())
	}
	_ = tw.Flush()
}

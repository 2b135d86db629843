package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/ranker"
)

func init() {
	addProcessingFlags(searchCmd)
	searchCmd.Flags().Int("limit", 0, "Maximum results (default: ranking.top_k)")
	searchCmd.Flags().Float64("weight", -1, "Hybrid weight on the semantic score, 0-1")
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search <lyrics...>",
	Short: "Rank songs against typed lyrics",
	Long: `Rank songs by how well their lyrics match a text query.

Example:
  lyricmatch search caught in a landslide
  lyricmatch search --tier premium --engine hybrid "no escape from reality"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

// addProcessingFlags registers the options a tier constrains
func addProcessingFlags(cmd *cobra.Command) {
	cmd.Flags().String("tier", "", "Access tier (free or premium)")
	cmd.Flags().String("engine", "", "Ranking engine (tfidf, neural or hybrid)")
	cmd.Flags().String("embedding-model", "", "Embedding model for neural and hybrid ranking")
}

// processingConfig reads the tier flags and fills unset options
func processingConfig(cmd *cobra.Command, pol *policy.Policy) policy.ProcessingConfig {
	tier, _ := cmd.Flags().GetString("tier")
	engine, _ := cmd.Flags().GetString("engine")
	model, _ := cmd.Flags().GetString("embedding-model")
	cfg := policy.ProcessingConfig{
		Tier:           policy.Tier(tier),
		Engine:         policy.Engine(engine),
		EmbeddingModel: model,
	}
	if cmd.Flags().Lookup("speech-model") != nil {
		speech, _ := cmd.Flags().GetString("speech-model")
		cfg.SpeechModel = policy.SpeechModel(speech)
	}
	if cmd.Flags().Lookup("language") != nil {
		cfg.LanguageHint, _ = cmd.Flags().GetString("language")
	}
	return pol.WithDefaults(cfg)
}

// searchResult is the JSON output of search
type searchResult struct {
	Query      string      `json:"query"`
	Engine     string      `json:"engine"`
	SnapshotID int64       `json:"snapshot_id"`
	Candidates int         `json:"candidates"`
	DurationMS int64       `json:"duration_ms"`
	Results    []matchJSON `json:"results"`
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	query := strings.Join(args, " ")
	cfg := processingConfig(cmd, a.policy)
	if err := a.policy.Validate(cfg, policy.AudioFacts{}); err != nil {
		return err
	}

	snap, err := a.corpus.Snapshot()
	if err != nil {
		return fmt.Errorf("%w: run 'lyricmatch import' first", err)
	}

	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		limit = a.cfg.Ranking.TopK
	}
	req := ranker.Request{Query: query, TopK: limit, EmbeddingModel: cfg.EmbeddingModel}
	if w, _ := cmd.Flags().GetFloat64("weight"); w >= 0 {
		if w > 1 {
			return fmt.Errorf("weight must be between 0 and 1, got %g", w)
		}
		req.HybridWeight = &w
	}

	resp, err := a.ranker.Rank(ctx, snap, cfg.Engine, req)
	if err != nil {
		return err
	}

	if jsonOutput {
		return outputJSON(searchResult{
			Query:      query,
			Engine:     string(resp.Engine),
			SnapshotID: snap.ID,
			Candidates: resp.Candidates,
			DurationMS: resp.Duration.Milliseconds(),
			Results:    toMatchJSON(resp.Matches),
		})
	}
	fmt.Printf("%s search over %d songs (%s)\n\n", resp.Engine, snap.Len(), resp.Duration)
	printMatches(resp.Matches)
	return nil
}

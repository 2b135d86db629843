package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/lyricmatch/internal/httpapi"
	"github.com/dshills/lyricmatch/internal/mcp"
)

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides http.addr)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API with the job worker pool.

Example:
  lyricmatch serve --addr :9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server on stdio",
	Args:  cobra.NoArgs,
	RunE:  runMCP,
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	orch := a.newOrchestrator(ctx, nil)
	defer orch.Close()

	addr := a.cfg.HTTP.Addr
	if flag, _ := cmd.Flags().GetString("addr"); flag != "" {
		addr = flag
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Jobs:     orch,
		Policy:   a.policy,
		Searcher: a.ranker,
		Corpus:   a.corpus,
		Catalog:  a.db,
		Cache:    a.cache,
	}, httpapi.Config{
		Addr:           addr,
		AllowedOrigins: a.cfg.HTTP.AllowedOrigins,
		ReadTimeout:    a.cfg.HTTP.ReadTimeout,
		WriteTimeout:   a.cfg.HTTP.WriteTimeout,
		TopK:           a.cfg.Ranking.TopK,
		Logger:         a.logger,
	})

	a.logger.Info("lyricmatch starting", "version", version, "addr", addr)
	return srv.ListenAndServe(ctx)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	orch := a.newOrchestrator(ctx, nil)
	defer orch.Close()

	srv := mcp.NewServer(mcp.Deps{
		Jobs:         orch,
		Policy:       a.policy,
		Searcher:     a.ranker,
		Corpus:       a.corpus,
		Logger:       a.logger,
		PollInterval: a.cfg.HTTP.PollInterval,
	})

	a.logger.Info("MCP server ready, listening on stdio", "version", version)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
		return nil
	case err := <-errc:
		return err
	}
}

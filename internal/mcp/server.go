package mcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/jobs"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/ranker"
)

const (
	// ServerName is the MCP server name
	ServerName = "lyricmatch"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
	// DefaultWaitTimeout bounds how long identify_clip waits for a result
	DefaultWaitTimeout = 2 * time.Minute
)

// JobService is the part of the orchestrator the tools drive
type JobService interface {
	Submit(ctx context.Context, clip jobs.Audio, cfg policy.ProcessingConfig) (string, error)
	Poll(id string) (*jobs.Snapshot, error)
	Await(ctx context.Context, id string, interval time.Duration) (*jobs.Snapshot, error)
}

// Searcher ranks a text query against a snapshot
type Searcher interface {
	Rank(ctx context.Context, snap *corpus.Snapshot, engine policy.Engine, req ranker.Request) (*ranker.Response, error)
}

// SnapshotSource returns the current corpus snapshot
type SnapshotSource interface {
	Snapshot() (*corpus.Snapshot, error)
}

// Deps are the services behind the tools
type Deps struct {
	Jobs     JobService
	Policy   *policy.Policy
	Searcher Searcher
	Corpus   SnapshotSource
	Logger   *slog.Logger
	// PollInterval is how often identify_clip checks a waiting job
	PollInterval time.Duration
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp  *server.MCPServer
	deps Deps
	log  *slog.Logger
}

// NewServer creates a new MCP server instance
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = 250 * time.Millisecond
	}

	s := &Server{
		mcp:  server.NewMCPServer(ServerName, ServerVersion),
		deps: deps,
		log:  deps.Logger,
	}
	s.registerTools()
	return s
}

// Serve starts the MCP server on stdio and blocks until shutdown
func (s *Server) Serve(_ context.Context) error {
	return server.ServeStdio(s.mcp)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(identifyClipTool(), s.handleIdentifyClip)
	s.mcp.AddTool(jobStatusTool(), s.handleJobStatus)
	s.mcp.AddTool(searchLyricsTool(), s.handleSearchLyrics)
	s.mcp.AddTool(listTiersTool(), s.handleListTiers)
}

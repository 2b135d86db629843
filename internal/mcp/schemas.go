package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

var (
	tierProperty = map[string]interface{}{
		"type":        "string",
		"description": "Access tier that bounds the allowed options",
		"enum":        []string{"free", "premium"},
		"default":     "free",
	}
	engineProperty = map[string]interface{}{
		"type":        "string",
		"description": "Ranking engine; defaults to the first engine the tier allows",
		"enum":        []string{"tfidf", "neural", "hybrid"},
	}
	embeddingModelProperty = map[string]interface{}{
		"type":        "string",
		"description": "Embedding model for the neural and hybrid engines (e.g., 'all-MiniLM-L6-v2')",
	}
)

// identifyClipTool returns the tool definition for identify_clip
func identifyClipTool() mcp.Tool {
	return mcp.Tool{
		Name:        "identify_clip",
		Description: "Transcribe an audio clip and rank the songs whose lyrics it most likely contains",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to an audio file (wav, mp3, m4a, flac, ogg)",
				},
				"tier": tierProperty,
				"speech_model": map[string]interface{}{
					"type":        "string",
					"description": "Speech-to-text model size; defaults to the smallest the tier allows",
					"enum":        []string{"tiny", "base", "small", "medium", "large"},
				},
				"engine":          engineProperty,
				"embedding_model": embeddingModelProperty,
				"language": map[string]interface{}{
					"type":        "string",
					"description": "Optional ISO language hint for transcription",
				},
				"wait": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, block until the job finishes; otherwise return the job id immediately",
					"default":     true,
				},
				"timeout_seconds": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum seconds to wait when wait is true",
					"default":     120,
					"minimum":     1,
					"maximum":     600,
				},
			},
			Required: []string{"path"},
		},
	}
}

// jobStatusTool returns the tool definition for job_status
func jobStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "job_status",
		Description: "Get the state, progress, transcript and results of an identification job",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"job_id": map[string]interface{}{
					"type":        "string",
					"description": "Job id returned by identify_clip",
				},
			},
			Required: []string{"job_id"},
		},
	}
}

// searchLyricsTool returns the tool definition for search_lyrics
func searchLyricsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_lyrics",
		Description: "Rank songs by how well their lyrics match a text query",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Remembered lyrics, exact or approximate",
				},
				"tier":            tierProperty,
				"engine":          engineProperty,
				"embedding_model": embeddingModelProperty,
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     5,
					"minimum":     1,
					"maximum":     100,
				},
			},
			Required: []string{"query"},
		},
	}
}

// listTiersTool returns the tool definition for list_tiers
func listTiersTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_tiers",
		Description: "List access tiers with their allowed models, engines and limits",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

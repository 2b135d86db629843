// Package mcp implements the Model Context Protocol (MCP) server for
// lyricmatch.
//
// The server exposes four tools to MCP clients:
//   - identify_clip: Transcribe an audio file and rank matching songs
//   - job_status: Read the state and results of an identification job
//   - search_lyrics: Rank songs against remembered lyrics
//   - list_tiers: Describe what each access tier allows
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// The server is started with:
//
//	lyricmatch mcp
//
// # Tool: identify_clip
//
//	Request:
//	{
//	  "name": "identify_clip",
//	  "arguments": {
//	    "path": "/recordings/clip.m4a",
//	    "tier": "premium",
//	    "engine": "hybrid",
//	    "embedding_model": "all-MiniLM-L6-v2",
//	    "wait": true
//	  }
//	}
//
//	Response:
//	{
//	  "job_id": "4f8c...",
//	  "state": "complete",
//	  "progress": 100,
//	  "transcript": "is this the real life",
//	  "results": [
//	    {
//	      "rank": 1,
//	      "title": "Bohemian Rhapsody",
//	      "artist": "Queen",
//	      "score": 0.91,
//	      "confidence": "Very High",
//	      "match_type": "hybrid"
//	    }
//	  ]
//	}
//
// With "wait": false the tool returns the job id at once; poll it with
// job_status.
//
// # Tool: search_lyrics
//
//	Request:
//	{
//	  "name": "search_lyrics",
//	  "arguments": {"query": "caught in a landslide", "limit": 5}
//	}
//
// # Error Handling
//
// Errors are returned as JSON-RPC errors with a code and structured data:
//
//	{
//	  "error": {
//	    "code": -32001,
//	    "message": "ranking engine \"neural\" is not available on the free tier",
//	    "data": {"reason": "UnsupportedEngine"}
//	  }
//	}
//
// Error codes:
//   - -32602: Invalid params (missing/invalid arguments)
//   - -32603: Internal error
//   - -32001: Options rejected by the tier policy
//   - -32002: Job not found
//   - -32003: Corpus not loaded
//   - -32004: Empty query
//   - -32005: Job queue full
//   - -32006: Embedding provider unavailable
//
// # Logging
//
// The server logs to stderr; stdout is reserved for the protocol.
package mcp

// Package embedder generates sentence embeddings for lyrics and transcripts.
//
// Providers:
//   - openai: OpenAI /v1/embeddings
//   - jina: Jina AI embeddings API (same wire format)
//   - ollama: a local Ollama server hosting sentence-transformer models
//   - local: offline feature-hashing embedder, deterministic, no network
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{
//	    Provider:  embedder.ProviderOpenAI,
//	    APIKey:    os.Getenv(embedder.EnvOpenAIAPIKey),
//	    CacheSize: 10000,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer emb.Close()
//
//	result, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{
//	    Text:  "is this the real life",
//	    Model: "all-MiniLM-L6-v2",
//	})
//
// # Models
//
// Requests name models by their public identifier (all-MiniLM-L6-v2,
// all-mpnet-base-v2, ...). Every HTTP provider ships default aliases
// (DefaultOpenAIAliases, DefaultJinaAliases, DefaultOllamaAliases) and
// WithModelAliases overrides individual entries.
//
// # Batching
//
// GenerateBatch accepts at most MaxBatchSize texts and returns embeddings in
// request order. Callers embedding a whole corpus split it into chunks of
// DefaultBatchSize.
//
// # Caching
//
// Providers share an optional LRU Cache keyed by CacheKey(model, text), so a
// repeated query text costs no provider call.
//
// # Rate Limiting and Retries
//
// Remote providers wait on a golang.org/x/time/rate limiter before each call
// and retry failures with exponential backoff (MaxRetries attempts). A
// StatusError that is not Temporary, such as a rejected API key, fails at once.
package embedder

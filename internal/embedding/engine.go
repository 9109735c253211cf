// Package embedding provides vector embedding generation for semantic memory
// scans. Supports two backends: Ollama (local) and Google GenAI (cloud).
package embedding

import (
	"context"
	"fmt"

	"vigil/internal/logging"
)

// Engine generates vector embeddings for text. The memory store uses one,
// when configured, to rank scan results semantically.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name for logs.
	Name() string
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "ollama" or "genai"
	Provider string

	// Ollama settings
	OllamaEndpoint string // default "http://localhost:11434"
	OllamaModel    string // default "embeddinggemma"

	// GenAI settings
	GenAIAPIKey string
	GenAIModel  string // default "gemini-embedding-001"
}

// NewEngine creates an embedding engine from cfg. An empty provider returns
// nil with no error: semantic ranking is optional and the store falls back
// to substring matching without it.
func NewEngine(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "ollama":
		logging.Store("embedding engine: ollama endpoint=%s model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		logging.Store("embedding engine: genai model=%s", cfg.GenAIModel)
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// Package llm talks to the local language model. Hearth uses Ollama's
// single-shot /api/generate endpoint and caches raw responses in Redis
// keyed by prompt.
package llm

import (
	"context"
	"time"
)

// FormatJSON asks the model to emit a JSON document.
const FormatJSON = "json"

// GenerateRequest is one prompt for the model.
type GenerateRequest struct {
	// Model overrides the client's default model when set.
	Model  string
	Prompt string
	// Format is empty for free text or FormatJSON.
	Format string
}

// GenerateResponse is the model's reply.
type GenerateResponse struct {
	Model    string        `json:"model"`
	Text     string        `json:"response"`
	Duration time.Duration `json:"duration"`
	// Cached is true when the text came from the response cache.
	Cached bool `json:"cached"`
}

// Generator produces a completion for a prompt. Implemented by
// *OllamaClient and *CachedGenerator.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

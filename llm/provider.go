// Package llm provides generation and embedding clients for
// OpenAI-compatible endpoints.
package llm

import (
	"context"
	"fmt"

	harvest "github.com/fieldlabs/harvest"
)

// Request is a single generation request.
type Request struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	// JSONMode asks the provider for a JSON object response.
	JSONMode bool `json:"json_mode,omitempty"`
}

// Response is the completed generation result.
type Response struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Provider is the interface for text generation.
type Provider interface {
	// Invoke blocks until the completion is finished.
	Invoke(ctx context.Context, req Request) (*Response, error)

	// Stream sends text fragments to out as they arrive and closes out
	// when the stream ends. Cancelling ctx terminates the upstream call.
	Stream(ctx context.Context, req Request, out chan<- string) error
}

// EmbeddingProvider maps texts to fixed-dimension vectors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config configures an LLM endpoint.
type Config struct {
	Provider  string `json:"provider"` // openai, ollama, custom
	Model     string `json:"model"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension,omitempty"` // embedding endpoints only
}

// NewProvider creates a generation provider from configuration. All
// supported providers speak the OpenAI chat-completions wire format; the
// provider name selects defaults only.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com"
		}
		return newClient(cfg), nil
	case "ollama":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434"
		}
		return newClient(cfg), nil
	case "custom":
		return newClient(cfg), nil
	case "":
		return nil, fmt.Errorf("%w: llm provider not specified", harvest.ErrInvalidInput)
	default:
		return nil, fmt.Errorf("%w: unknown llm provider: %s", harvest.ErrInvalidInput, cfg.Provider)
	}
}

// NewEmbeddingProvider creates an embedding provider from configuration.
func NewEmbeddingProvider(cfg Config) (EmbeddingProvider, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com"
		}
	case "ollama":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434"
		}
	case "custom":
	case "":
		return nil, fmt.Errorf("%w: embedding provider not specified", harvest.ErrInvalidInput)
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider: %s", harvest.ErrInvalidInput, cfg.Provider)
	}
	return newClient(cfg), nil
}

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/webpilot/internal/config"
	"github.com/nugget/webpilot/internal/httpkit"
)

// Client is the interface every backend implements.
type Client interface {
	// Chat sends the conversation and returns the assistant's reply.
	Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error
}

// New returns the client selected by cfg.Provider.
func New(cfg config.LLMConfig, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", cfg.Provider)

	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(cfg.Timeout()),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)
	opts := Options{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}

	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(cfg.BaseURL, cfg.APIKey, opts, httpClient, logger), nil
	case "ollama":
		return NewOllamaClient(cfg.BaseURL, opts, httpClient, logger), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

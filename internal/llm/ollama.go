package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/webpilot/internal/httpkit"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient talks to Ollama's native /api/chat endpoint.
type OllamaClient struct {
	baseURL    string
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client. A nil httpClient gets
// the httpkit defaults.
func NewOllamaClient(baseURL string, opts Options, httpClient *http.Client, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		opts:       opts,
		httpClient: httpClient,
		logger:     logger,
	}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string  `json:"model"`
	CreatedAt       string  `json:"created_at"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
	TotalDuration   int64   `json:"total_duration,omitempty"`
}

// Chat sends a non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	req := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Options: &ollamaOptions{
			Temperature: c.opts.Temperature,
			NumPredict:  c.opts.MaxTokens,
		},
	}

	c.logger.Log(ctx, LevelTrace, "ollama request", "model", model, "messages", len(messages))

	start := time.Now()
	var resp ollamaChatResponse
	if err := httpkit.DoJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/api/chat", req, &resp); err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}

	out := &ChatResponse{
		Model:         resp.Model,
		Message:       resp.Message,
		FinishReason:  resp.DoneReason,
		InputTokens:   resp.PromptEvalCount,
		OutputTokens:  resp.EvalCount,
		TotalDuration: time.Since(start),
	}
	if out.Message.Role == "" {
		out.Message.Role = RoleAssistant
	}
	if resp.TotalDuration > 0 {
		out.TotalDuration = time.Duration(resp.TotalDuration)
	}
	if t, err := time.Parse(time.RFC3339Nano, resp.CreatedAt); err == nil {
		out.CreatedAt = t
	}

	c.logger.Log(ctx, LevelTrace, "ollama response", "model", out.Model, "content", out.Message.Content)
	return out, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	if err := httpkit.DoJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/api/tags", nil, nil); err != nil {
		return fmt.Errorf("ollama ping: %w", err)
	}
	return nil
}

// ListModels returns the names of locally available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := httpkit.DoJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/api/tags", nil, &result); err != nil {
		return nil, fmt.Errorf("ollama list models: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

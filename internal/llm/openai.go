package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient talks to any OpenAI-compatible /v1/chat/completions
// endpoint (OpenAI, LM Studio, vLLM, llama.cpp server, ...).
type OpenAIClient struct {
	client openai.Client
	opts   Options
	logger *slog.Logger
}

// NewOpenAIClient creates a client for baseURL. An empty apiKey falls
// back to OPENAI_API_KEY; local servers usually ignore it. Retries are
// left to the executor and the httpClient transport.
func NewOpenAIClient(baseURL, apiKey string, opts Options, httpClient *http.Client, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	if httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(httpClient))
	}

	return &OpenAIClient{
		client: openai.NewClient(reqOpts...),
		opts:   opts,
		logger: logger,
	}
}

// Chat sends a chat completion request and returns the first choice.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(c.opts.Temperature),
	}
	if c.opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.opts.MaxTokens))
	}

	c.logger.Log(ctx, LevelTrace, "chat completion request", "model", model, "messages", len(messages))

	start := time.Now()
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("chat completion: status %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: response has no choices")
	}

	choice := completion.Choices[0]
	out := &ChatResponse{
		Model:         completion.Model,
		Message:       Message{Role: RoleAssistant, Content: choice.Message.Content},
		FinishReason:  choice.FinishReason,
		InputTokens:   int(completion.Usage.PromptTokens),
		OutputTokens:  int(completion.Usage.CompletionTokens),
		TotalDuration: time.Since(start),
	}
	if completion.Created > 0 {
		out.CreatedAt = time.Unix(completion.Created, 0)
	}

	c.logger.Log(ctx, LevelTrace, "chat completion response",
		"model", out.Model,
		"finish_reason", out.FinishReason,
		"content", out.Message.Content,
	)
	return out, nil
}

// Ping lists models, which every compatible server implements.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

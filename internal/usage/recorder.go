package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/webpilot/internal/automation"
	"github.com/nugget/webpilot/internal/config"
	"github.com/nugget/webpilot/internal/llm"
)

// Recorder wraps an [llm.Client] and logs every Chat to a [Store].
// Write failures are logged and never affect the generation.
type Recorder struct {
	llm.Client

	store    *Store
	provider string
	pricing  map[string]config.PricingEntry
	logger   *slog.Logger
	now      func() time.Time
}

// NewRecorder wraps client. The request ID is taken from the context
// (see [automation.WithRequestID]).
func NewRecorder(client llm.Client, store *Store, cfg config.LLMConfig, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		Client:   client,
		store:    store,
		provider: cfg.Provider,
		pricing:  cfg.Pricing,
		logger:   logger,
		now:      time.Now,
	}
}

// Chat forwards to the wrapped client and records the outcome.
func (r *Recorder) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.ChatResponse, error) {
	start := r.now()
	resp, err := r.Client.Chat(ctx, model, messages)

	rec := Record{
		Timestamp: start,
		RequestID: automation.RequestIDFromContext(ctx),
		Model:     model,
		Provider:  r.provider,
		Duration:  r.now().Sub(start),
	}
	if err != nil {
		rec.Error = err.Error()
	} else {
		if resp.Model != "" {
			rec.Model = resp.Model
		}
		rec.InputTokens = resp.InputTokens
		rec.OutputTokens = resp.OutputTokens
		rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, r.pricing)
	}

	// The request may already be canceled; the record should still land.
	if werr := r.store.Record(context.WithoutCancel(ctx), rec); werr != nil {
		r.logger.Warn("failed to record model usage", "request_id", rec.RequestID, "error", werr)
	}
	return resp, err
}

package audit

import (
	"context"
	"log/slog"

	"github.com/nugget/webpilot/internal/automation"
	"github.com/nugget/webpilot/internal/executor"
)

// Observer records every attempt in s. Write failures are logged and
// never affect the call.
func Observer(s *Store, logger *slog.Logger) executor.AttemptObserver {
	if s == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, a executor.Attempt) {
		rec := Record{
			RequestID:  automation.RequestIDFromContext(ctx),
			Tool:       a.Call.Name,
			Arguments:  a.Call.Arguments,
			Attempt:    a.Number,
			OK:         a.Err == nil,
			ErrorClass: string(a.Class),
			Duration:   a.Duration,
		}
		if a.Err != nil {
			rec.Error = a.Err.Error()
		}
		// The call's context may already be canceled; the record should
		// still land.
		if err := s.Record(context.WithoutCancel(ctx), rec); err != nil {
			logger.Warn("failed to record tool attempt", "tool", a.Call.Name, "error", err)
		}
	}
}

package automation

import (
	"context"

	"github.com/nugget/webpilot/internal/events"
	"github.com/nugget/webpilot/internal/executor"
)

// EventObserver publishes every call attempt to bus. A nil bus yields a
// nil observer.
func EventObserver(bus *events.Bus) executor.AttemptObserver {
	if bus == nil {
		return nil
	}
	return func(ctx context.Context, a executor.Attempt) {
		data := map[string]any{
			"request_id":  RequestIDFromContext(ctx),
			"tool":        a.Call.Name,
			"attempt":     a.Number,
			"ok":          a.Err == nil,
			"duration_ms": a.Duration.Milliseconds(),
			"retrying":    a.Retryable,
		}
		if a.Err != nil {
			data["class"] = string(a.Class)
			data["error"] = a.Err.Error()
		}
		bus.Emit(events.SourceExecutor, events.KindToolAttempt, data)

		if a.Err == nil || !a.Retryable {
			outcome := map[string]any{
				"request_id": RequestIDFromContext(ctx),
				"tool":       a.Call.Name,
				"ok":         a.Err == nil,
				"attempts":   a.Number,
			}
			if a.Result != nil {
				outcome["text"] = a.Result.Text()
			}
			bus.Emit(events.SourceExecutor, events.KindToolOutcome, outcome)
		}
	}
}

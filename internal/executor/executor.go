// Package executor runs extracted tool calls against the worker with a
// bounded, fixed-delay retry policy and turns every outcome into a line
// of text. Errors never escape Execute.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/webpilot/internal/directive"
	"github.com/nugget/webpilot/internal/mcp"
)

// Defaults for the retry policy.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
)

// NoBackoff disables the delay between attempts when set as
// [Config.Backoff].
const NoBackoff time.Duration = -1

// Invoker is the subset of [mcp.Session] the executor needs.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error)
}

// schemaSource is implemented by invokers that know the worker's tool
// schemas, such as [mcp.Session].
type schemaSource interface {
	Registry() *mcp.Registry
}

// Attempt describes one try of one call. It is reported to the
// observer whether or not the call eventually succeeds.
type Attempt struct {
	Call      directive.ToolCall
	Number    int // 1-based
	Duration  time.Duration
	Result    *mcp.CallResult
	Err       error
	Class     ErrorClass
	Retryable bool // a further attempt will follow
}

// AttemptObserver receives every attempt as it completes.
type AttemptObserver func(ctx context.Context, a Attempt)

// Observers fans an attempt out to every non-nil observer in order.
func Observers(obs ...AttemptObserver) AttemptObserver {
	return func(ctx context.Context, a Attempt) {
		for _, o := range obs {
			if o != nil {
				o(ctx, a)
			}
		}
	}
}

// ErrorClass buckets errors for logging, audit and retry decisions.
type ErrorClass string

const (
	ClassNone        ErrorClass = ""
	ClassTransport   ErrorClass = "transport"
	ClassTimeout     ErrorClass = "timeout"
	ClassApplication ErrorClass = "application"
	ClassUnknownTool ErrorClass = "unknown_tool"
	ClassSession     ErrorClass = "session"
	ClassCanceled    ErrorClass = "canceled"
	ClassOther       ErrorClass = "other"
)

// Classify maps an Invoke error to its class.
func Classify(err error) ErrorClass {
	var appErr *mcp.ApplicationError
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	case errors.As(err, &appErr):
		return ClassApplication
	case errors.Is(err, mcp.ErrTimeout):
		return ClassTimeout
	case errors.Is(err, mcp.ErrTransportClosed), errors.Is(err, mcp.ErrMalformedMessage):
		return ClassTransport
	case errors.Is(err, mcp.ErrUnknownTool):
		return ClassUnknownTool
	case errors.Is(err, mcp.ErrNotReady), errors.Is(err, mcp.ErrSessionClosed):
		return ClassSession
	default:
		return ClassOther
	}
}

// Config configures an [Executor].
type Config struct {
	MaxAttempts int           // default 3
	Backoff     time.Duration // fixed delay between attempts, default 1s; NoBackoff for none

	// RetryApplicationErrors also retries failures the worker reported
	// after executing the call.
	RetryApplicationErrors bool

	// Observer, if set, sees every attempt.
	Observer AttemptObserver

	// Sleep waits between attempts. Defaults to a context-aware timer;
	// tests substitute a recorder.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// Outcome is the final result of one call.
type Outcome struct {
	Call     directive.ToolCall
	OK       bool
	Text     string // one line, "<tool>: <result>" or a failure line
	Attempts int
	Err      error // last error, nil when OK
}

// Executor runs tool calls with retries.
type Executor struct {
	invoker Invoker
	cfg     Config
	logger  *slog.Logger
}

// New creates an executor that calls through invoker.
func New(invoker Invoker, cfg Config) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	} else if cfg.Backoff == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{invoker: invoker, cfg: cfg, logger: logger}
}

// Execute runs one call. It never panics and never returns an error:
// failures are folded into the Outcome.
func (e *Executor) Execute(ctx context.Context, call directive.ToolCall) (out Outcome) {
	out.Call = call

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool call panicked", "tool", call.Name, "panic", r)
			out.OK = false
			out.Err = fmt.Errorf("panic: %v", r)
			out.Text = failureLine(call, out.Attempts, out.Err)
		}
	}()

	args := e.arguments(call)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		out.Attempts = attempt

		start := time.Now()
		result, err := e.invoker.Invoke(ctx, call.Name, args)
		elapsed := time.Since(start)

		class := Classify(err)
		retry := err != nil && attempt < e.cfg.MaxAttempts && e.retryable(class)

		e.observe(ctx, Attempt{
			Call:      call,
			Number:    attempt,
			Duration:  elapsed,
			Result:    result,
			Err:       err,
			Class:     class,
			Retryable: retry,
		})

		if err == nil {
			out.OK = true
			out.Text = call.Name + ": " + result.Text()
			e.logger.Debug("tool call succeeded", "tool", call.Name, "attempt", attempt, "elapsed", elapsed)
			return out
		}

		lastErr = err
		if !retry {
			break
		}

		e.logger.Warn("tool call failed, retrying",
			"tool", call.Name,
			"attempt", attempt,
			"max_attempts", e.cfg.MaxAttempts,
			"backoff", e.cfg.Backoff,
			"error", err,
		)
		if err := e.cfg.Sleep(ctx, e.cfg.Backoff); err != nil {
			lastErr = err
			break
		}
	}

	out.Err = lastErr
	out.Text = failureLine(call, out.Attempts, lastErr)
	e.logger.Warn("tool call failed",
		"tool", call.Name,
		"attempts", out.Attempts,
		"class", Classify(lastErr),
		"error", lastErr,
	)
	return out
}

// ExecuteAll runs calls one after another in order. A failed call does
// not stop the ones after it; a canceled context does.
func (e *Executor) ExecuteAll(ctx context.Context, calls []directive.ToolCall) []Outcome {
	outcomes := make([]Outcome, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, Outcome{
				Call: call,
				Err:  err,
				Text: failureLine(call, 0, err),
			})
			continue
		}
		outcomes = append(outcomes, e.Execute(ctx, call))
	}
	return outcomes
}

// arguments undoes coercion for parameters the tool declares as strings,
// so text="12345" reaches the worker as "12345".
func (e *Executor) arguments(call directive.ToolCall) map[string]any {
	src, ok := e.invoker.(schemaSource)
	if !ok || len(call.Raw) == 0 {
		return call.Arguments
	}
	desc, ok := src.Registry().Lookup(call.Name)
	if !ok {
		return call.Arguments
	}
	return call.WithStringArgs(desc.StringParameters())
}

func (e *Executor) retryable(class ErrorClass) bool {
	switch class {
	case ClassTransport, ClassTimeout:
		return true
	case ClassApplication:
		return e.cfg.RetryApplicationErrors
	default:
		return false
	}
}

func (e *Executor) observe(ctx context.Context, a Attempt) {
	if e.cfg.Observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("attempt observer panicked", "tool", a.Call.Name, "panic", r)
		}
	}()
	e.cfg.Observer(ctx, a)
}

func failureLine(call directive.ToolCall, attempts int, err error) string {
	return fmt.Sprintf("%s: failed after %d attempt(s) with args (%s): %v",
		call.Name, attempts, call.FormatArgs(), err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

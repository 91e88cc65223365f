// Package automation ties the pieces together: it owns the worker
// session, asks the language model what to do, extracts the directives
// from its reply, runs them, and reports the results as text.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/webpilot/internal/directive"
	"github.com/nugget/webpilot/internal/events"
	"github.com/nugget/webpilot/internal/executor"
	"github.com/nugget/webpilot/internal/llm"
	"github.com/nugget/webpilot/internal/mcp"
	"github.com/nugget/webpilot/internal/prompts"
)

// ResultsHeader separates the model's commentary from the call outcomes.
const ResultsHeader = "\n\nExecution Results:\n"

// DefaultMaxHistory bounds the stored conversation turns.
const DefaultMaxHistory = 20

var (
	// ErrNoTools is returned by Initialize when the worker advertises
	// nothing to call.
	ErrNoTools = errors.New("worker advertised no tools")

	// ErrCleanedUp is returned by Initialize after Cleanup.
	ErrCleanedUp = errors.New("automation manager already cleaned up")
)

// WorkerSession is the part of [mcp.Session] the manager drives.
type WorkerSession interface {
	Start(ctx context.Context) error
	Stop() error
	State() mcp.State
	Tools() []mcp.ToolDescriptor
	Invoke(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error)
}

// Config configures a [Manager].
type Config struct {
	// Model is passed to the LLM client on every generation.
	Model string

	// MaxHistory bounds the stored user/assistant turns. Default 20.
	MaxHistory int

	// Executor configures retries. Its Observer is wrapped so the bus
	// also sees every attempt.
	Executor executor.Config

	// Bus receives request and call events. May be nil.
	Bus *events.Bus

	Logger *slog.Logger
}

// Manager is the session lifecycle wrapper. Create with NewManager,
// then Initialize, any number of ProcessRequest calls, and Cleanup.
type Manager struct {
	session WorkerSession
	llm     llm.Client
	exec    *executor.Executor
	cfg     Config
	bus     *events.Bus
	logger  *slog.Logger

	// reqMu serializes requests so turns land in history in order.
	reqMu sync.Mutex

	mu           sync.Mutex
	initialized  bool
	cleaned      bool
	systemPrompt string
	history      []llm.Message
}

// NewManager creates a manager around session and client. It counts
// toward [Outstanding] until Cleanup.
func NewManager(session WorkerSession, client llm.Client, cfg Config) *Manager {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	execCfg := cfg.Executor
	execCfg.Observer = executor.Observers(EventObserver(cfg.Bus), execCfg.Observer)
	if execCfg.Logger == nil {
		execCfg.Logger = logger
	}

	outstanding.Add(1)
	return &Manager{
		session: session,
		llm:     client,
		exec:    executor.New(session, execCfg),
		cfg:     cfg,
		bus:     cfg.Bus,
		logger:  logger,
	}
}

// Initialize starts the worker session and checks that it advertises at
// least one tool. A second call is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cleaned {
		return ErrCleanedUp
	}
	if m.initialized {
		m.logger.Warn("automation manager already initialized")
		return nil
	}

	if err := m.session.Start(ctx); err != nil {
		return fmt.Errorf("start worker session: %w", err)
	}

	tools := m.session.Tools()
	if len(tools) == 0 {
		return ErrNoTools
	}

	m.systemPrompt = prompts.SystemPrompt(tools)
	m.initialized = true
	m.logger.Info("automation manager initialized", "tools", len(tools))
	return nil
}

// Initialized reports whether Initialize has succeeded and Cleanup has
// not run.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized && !m.cleaned
}

// Tools returns the worker's tools.
func (m *Manager) Tools() []mcp.ToolDescriptor {
	return m.session.Tools()
}

// SessionState returns the worker session state.
func (m *Manager) SessionState() mcp.State {
	return m.session.State()
}

// ProcessRequest runs one user request end to end and returns the
// model's commentary followed by one line per executed call. It never
// returns an error; failures are described in the text.
func (m *Manager) ProcessRequest(ctx context.Context, userText string) string {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()

	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = NewRequestID()
		ctx = WithRequestID(ctx, requestID)
	}
	logger := m.logger.With("request_id", requestID)
	start := time.Now()

	messages, err := m.beginTurn(userText)
	if err != nil {
		logger.Warn("request rejected", "error", err)
		return "Error: " + err.Error()
	}

	m.bus.Emit(events.SourceAutomation, events.KindRequestStart, map[string]any{
		"request_id": requestID,
		"task_len":   len(userText),
	})
	logger.Info("processing request", "task_len", len(userText), "history", len(messages)-2)

	var response string
	var calls int
	var failed int

	resp, err := m.llm.Chat(ctx, m.cfg.Model, messages)
	if err != nil {
		logger.Error("generation failed", "error", err)
		response = fmt.Sprintf("Error querying LLM: %v", err)
	} else {
		commentary := resp.Message.Content
		logger.Debug("generation complete",
			"model", resp.Model,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"elapsed", resp.TotalDuration,
		)

		directives, extractErrs := directive.Extract(commentary)
		for _, e := range extractErrs {
			logger.Warn("skipping malformed tool call", "line", e.Line, "reason", e.Reason, "snippet", e.Snippet)
			m.bus.Emit(events.SourceAutomation, events.KindExtractionError, map[string]any{
				"request_id": requestID,
				"line":       e.Line,
				"reason":     e.Reason,
				"snippet":    e.Snippet,
			})
		}

		outcomes := m.exec.ExecuteAll(ctx, directives)
		response = Summarize(commentary, outcomes)
		calls = len(outcomes)
		for _, o := range outcomes {
			if !o.OK {
				failed++
			}
		}
	}

	m.endTurn(response)

	elapsed := time.Since(start)
	m.bus.Emit(events.SourceAutomation, events.KindRequestComplete, map[string]any{
		"request_id": requestID,
		"calls":      calls,
		"failed":     failed,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	logger.Info("request complete", "calls", calls, "failed", failed, "elapsed", elapsed)
	return response
}

// Summarize joins commentary and outcome lines. With no outcomes the
// commentary is returned unchanged.
func Summarize(commentary string, outcomes []executor.Outcome) string {
	if len(outcomes) == 0 {
		return commentary
	}
	lines := make([]string, len(outcomes))
	for i, o := range outcomes {
		lines[i] = o.Text
	}
	return commentary + ResultsHeader + strings.Join(lines, "\n")
}

// beginTurn records the user turn and returns the messages to send.
func (m *Manager) beginTurn(userText string) ([]llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cleaned {
		return nil, ErrCleanedUp
	}
	if !m.initialized {
		return nil, errors.New("automation manager is not initialized")
	}

	m.history = append(m.history, llm.Message{Role: llm.RoleUser, Content: userText})
	m.trimLocked()

	messages := make([]llm.Message, 0, len(m.history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: m.systemPrompt})
	messages = append(messages, m.history...)
	return messages, nil
}

func (m *Manager) endTurn(response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleaned {
		return
	}
	m.history = append(m.history, llm.Message{Role: llm.RoleAssistant, Content: response})
	m.trimLocked()
}

// trimLocked drops the oldest turns beyond MaxHistory, never leaving an
// assistant turn at the front.
func (m *Manager) trimLocked() {
	if over := len(m.history) - m.cfg.MaxHistory; over > 0 {
		m.history = append([]llm.Message(nil), m.history[over:]...)
	}
	for len(m.history) > 0 && m.history[0].Role == llm.RoleAssistant {
		m.history = m.history[1:]
	}
}

// History returns a copy of the stored turns.
func (m *Manager) History() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Message(nil), m.history...)
}

// ResetHistory forgets the conversation but keeps the session.
func (m *Manager) ResetHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
}

// Cleanup stops the worker session and clears the conversation. It is
// safe after a failed or partial Initialize and after a previous
// Cleanup, which makes it a no-op.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	if m.cleaned {
		m.mu.Unlock()
		return nil
	}
	m.cleaned = true
	m.initialized = false
	m.history = nil
	m.systemPrompt = ""
	m.mu.Unlock()

	// Stop outside mu: in-flight calls fail fast once the session closes.
	err := m.session.Stop()
	outstanding.Add(-1)

	if err != nil {
		m.logger.Warn("worker session stop reported an error", "error", err)
		return fmt.Errorf("stop worker session: %w", err)
	}
	m.logger.Info("automation manager cleaned up")
	return nil
}

// Run initializes m, calls fn, and cleans up on every path.
func Run(ctx context.Context, m *Manager, fn func(ctx context.Context, m *Manager) error) (err error) {
	defer func() {
		err = errors.Join(err, m.Cleanup())
	}()
	if err := m.Initialize(ctx); err != nil {
		return err
	}
	return fn(ctx, m)
}

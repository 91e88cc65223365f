package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProtocolVersion is the protocol revision both sides advertise during
// initialize.
const ProtocolVersion = "2024-11-05"

// Default response windows.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCallTimeout      = 10 * time.Second
)

// State is the lifecycle position of a [Session].
type State int32

const (
	StateUninitialized State = iota
	StateStarting
	StateReady
	StateShuttingDown
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SessionConfig configures a [Session].
type SessionConfig struct {
	// Name labels the worker in logs.
	Name string

	// ClientName and ClientVersion are sent as clientInfo.
	ClientName    string
	ClientVersion string

	// HandshakeTimeout bounds initialize and tools/list.
	HandshakeTimeout time.Duration

	// CallTimeout bounds each tools/call and ping.
	CallTimeout time.Duration

	// OnStateChange, if set, is called after every transition. It runs
	// outside the session lock and must not block.
	OnStateChange func(from, to State)

	Logger *slog.Logger
}

// ServerInfo is what the worker reported during initialize.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type toolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// callResult resolves one pending request.
type callResult struct {
	msg *Message
	err error
}

// Session speaks the tool protocol to a single worker. Invoke may be
// called from any number of goroutines; each waits only for its own
// response.
type Session struct {
	cfg       SessionConfig
	transport Transport
	logger    *slog.Logger

	nextID   atomic.Int64
	registry atomic.Pointer[Registry]

	mu          sync.Mutex
	state       State
	pending     map[int64]chan callResult
	server      ServerInfo
	readStarted bool
	readDone    chan struct{}
}

// NewSession creates a session that owns transport. Nothing is started
// until Start.
func NewSession(transport Transport, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "webpilot"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Session{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With("worker", cfg.Name),
		pending:   make(map[int64]chan callResult),
		readDone:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerInfo returns the worker's self-description from initialize.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// Registry returns the discovered tools, or nil before discovery and
// after Stop.
func (s *Session) Registry() *Registry {
	return s.registry.Load()
}

// Tools returns the discovered tools in the order the worker listed them.
func (s *Session) Tools() []ToolDescriptor {
	return s.registry.Load().Tools()
}

// transition moves to `to` if the current state is one of from. It
// reports whether the move happened.
func (s *Session) transition(to State, from ...State) bool {
	s.mu.Lock()
	prev := s.state
	ok := false
	for _, f := range from {
		if prev == f {
			ok = true
			break
		}
	}
	if ok {
		s.state = to
	}
	s.mu.Unlock()

	if ok {
		s.stateChanged(prev, to)
	}
	return ok
}

func (s *Session) stateChanged(from, to State) {
	s.logger.Debug("session state change", "from", from, "to", to)
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}

// Start spawns the worker, performs the handshake and loads the tool
// registry. On any failure the session is left in StateFailed with the
// worker terminated, and the error is returned.
func (s *Session) Start(ctx context.Context) error {
	if !s.transition(StateStarting, StateUninitialized) {
		return fmt.Errorf("start: session is %s", s.State())
	}

	if err := s.transport.Start(ctx); err != nil {
		return s.fail(fmt.Errorf("spawn worker: %w", err))
	}

	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		_ = s.transport.Close()
		return fmt.Errorf("start: %w", ErrSessionClosed)
	}
	s.readStarted = true
	s.mu.Unlock()
	go s.readLoop()

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    s.cfg.ClientName,
			"version": s.cfg.ClientVersion,
		},
	}
	var init initializeResult
	if err := s.request(ctx, "initialize", params, s.cfg.HandshakeTimeout, false, &init); err != nil {
		return s.fail(fmt.Errorf("initialize: %w", err))
	}

	s.mu.Lock()
	s.server = ServerInfo{
		Name:            init.ServerInfo.Name,
		Version:         init.ServerInfo.Version,
		ProtocolVersion: init.ProtocolVersion,
	}
	s.mu.Unlock()

	s.logger.Info("worker initialized",
		"server_name", init.ServerInfo.Name,
		"server_version", init.ServerInfo.Version,
		"protocol_version", init.ProtocolVersion,
	)

	if err := s.transport.Send(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return s.fail(fmt.Errorf("send initialized notification: %w", err))
	}

	if !s.transition(StateReady, StateStarting) {
		return s.fail(fmt.Errorf("start: %w", ErrSessionClosed))
	}

	var list toolsListResult
	if err := s.request(ctx, "tools/list", nil, s.cfg.HandshakeTimeout, false, &list); err != nil {
		return s.fail(fmt.Errorf("tools/list: %w", err))
	}

	reg := NewRegistry(list.Tools)
	s.registry.Store(reg)
	s.logger.Info("discovered worker tools", "count", reg.Len(), "tools", reg.Names())
	return nil
}

// Invoke calls a worker tool. A worker-reported failure is returned as
// *ApplicationError; for isError results the decoded result is returned
// alongside it.
func (s *Session) Invoke(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if err := s.checkReady(); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	if _, ok := s.registry.Load().Lookup(name); !ok {
		return nil, fmt.Errorf("tools/call %s: %w", name, ErrUnknownTool)
	}
	if args == nil {
		args = map[string]any{}
	}

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	msg, err := s.call(ctx, "tools/call", params, s.cfg.CallTimeout, true)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	if msg.Error != nil {
		return nil, &ApplicationError{Tool: name, Code: msg.Error.Code, Message: msg.Error.Message}
	}

	var result CallResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, &MalformedMessageError{Raw: msg.Result, Err: err})
	}
	result.Raw = msg.Result

	if result.IsError {
		return &result, &ApplicationError{Tool: name, Message: result.Text()}
	}
	return &result, nil
}

// Ping checks that the worker is responsive.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.checkReady(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if err := s.request(ctx, "ping", nil, s.cfg.CallTimeout, true, nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Stop rejects new calls, discards the registry, terminates the worker
// and fails every outstanding call with ErrSessionClosed. It may be
// called from any state; calls after the first are no-ops.
func (s *Session) Stop() error {
	s.mu.Lock()
	from := s.state
	if from == StateShuttingDown || from == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateShuttingDown
	readStarted := s.readStarted
	s.mu.Unlock()
	s.stateChanged(from, StateShuttingDown)

	s.logger.Info("stopping session", "from", from)

	s.registry.Store(nil)
	err := s.transport.Close()
	if readStarted {
		<-s.readDone
	}
	s.failPending(ErrSessionClosed)

	s.transition(StateClosed, StateShuttingDown)
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// fail moves a live session to StateFailed, tears down the worker and
// returns err. A concurrent Stop keeps its own states.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	from := s.state
	if from == StateStarting || from == StateReady || from == StateUninitialized {
		s.state = StateFailed
	}
	readStarted := s.readStarted
	s.mu.Unlock()

	if from != StateFailed && from != StateShuttingDown && from != StateClosed {
		s.stateChanged(from, StateFailed)
		s.logger.Error("session failed", "error", err)
	}

	s.registry.Store(nil)
	_ = s.transport.Close()
	if readStarted {
		<-s.readDone
	}
	s.failPending(err)
	return err
}

func (s *Session) checkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

func (s *Session) readyLocked() error {
	switch s.state {
	case StateReady:
		return nil
	case StateShuttingDown, StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("%w (state %s)", ErrNotReady, s.state)
	}
}

// request performs a call and decodes a successful result into out.
// A JSON-RPC error object is returned as *RPCError.
func (s *Session) request(ctx context.Context, method string, params any, timeout time.Duration, requireReady bool, out any) error {
	msg, err := s.call(ctx, method, params, timeout, requireReady)
	if err != nil {
		return err
	}
	if msg.Error != nil {
		return msg.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Result, out); err != nil {
		return &MalformedMessageError{Raw: msg.Result, Err: err}
	}
	return nil
}

// call sends one request and waits for its response, the timeout, or
// ctx. A request that gives up is removed from the pending set; if the
// read loop resolved it first, the buffered result wins.
func (s *Session) call(ctx context.Context, method string, params any, timeout time.Duration, requireReady bool) (*Message, error) {
	id := s.nextID.Add(1)
	ch := make(chan callResult, 1)

	s.mu.Lock()
	var gate error
	switch {
	case requireReady:
		gate = s.readyLocked()
	case s.state == StateShuttingDown || s.state == StateClosed:
		gate = ErrSessionClosed
	case s.state == StateFailed:
		gate = fmt.Errorf("%w (state %s)", ErrNotReady, s.state)
	}
	if gate != nil {
		s.mu.Unlock()
		return nil, gate
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.transport.Send(ctx, NewRequest(id, method, params)); err != nil {
		s.abandon(id)
		return nil, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-expired:
		if s.abandon(id) {
			s.logger.Warn("request timed out", "method", method, "id", id, "timeout", timeout)
			return nil, fmt.Errorf("%s (id %d) after %v: %w", method, id, timeout, ErrTimeout)
		}
		res := <-ch
		return res.msg, res.err
	case <-ctx.Done():
		if s.abandon(id) {
			return nil, ctx.Err()
		}
		res := <-ch
		return res.msg, res.err
	}
}

// abandon removes id from the pending set. It reports false if the
// entry was already resolved.
func (s *Session) abandon(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

// resolve delivers a response to its waiting caller, if any.
func (s *Session) resolve(msg *Message) {
	if msg.ID == nil {
		s.logger.Warn("worker error without request id", "error", msg.Error)
		return
	}

	id := *msg.ID
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("discarding response for unknown or abandoned request", "id", id)
		return
	}
	ch <- callResult{msg: msg}
}

// failPending resolves every outstanding call with err.
func (s *Session) failPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		ch <- callResult{err: err}
		delete(s.pending, id)
	}
}

// readLoop is the only consumer of transport.Receive. It runs until the
// transport closes.
func (s *Session) readLoop() {
	defer close(s.readDone)

	for {
		msg, err := s.transport.Receive(0)
		if err != nil {
			if errors.Is(err, ErrMalformedMessage) {
				s.logger.Warn("skipping malformed line from worker", "error", err)
				continue
			}
			s.lost(err)
			return
		}

		switch msg.Kind() {
		case KindResponse, KindErrorResponse:
			s.resolve(msg)
		case KindRequest:
			s.answer(msg)
		case KindNotification:
			s.logger.Debug("worker notification", "method", msg.Method)
		}
	}
}

// lost handles the transport ending underneath a live session.
func (s *Session) lost(err error) {
	s.mu.Lock()
	from := s.state
	live := from == StateStarting || from == StateReady
	if live {
		s.state = StateFailed
	}
	s.mu.Unlock()

	if !live {
		return
	}

	if !errors.Is(err, ErrTransportClosed) {
		err = fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	s.stateChanged(from, StateFailed)
	s.logger.Error("worker connection lost", "error", err)

	s.registry.Store(nil)
	_ = s.transport.Close()
	s.failPending(err)
}

// answer replies to worker-initiated requests.
func (s *Session) answer(msg *Message) {
	var resp *Response
	switch msg.Method {
	case "ping":
		resp = NewResponse(*msg.ID, map[string]any{})
	default:
		resp = NewErrorResponse(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)
	}
	if err := s.transport.Send(context.Background(), resp); err != nil {
		s.logger.Debug("failed to answer worker request", "method", msg.Method, "error", err)
	}
}

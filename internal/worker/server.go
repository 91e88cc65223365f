// Package worker implements the tool-server side of the line protocol:
// it reads newline-delimited JSON-RPC 2.0 requests from one stream,
// answers on another, and dispatches tools/call to registered tools.
// cmd/webpilot-worker serves the browser tools with it over stdio.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nugget/webpilot/internal/config"
	"github.com/nugget/webpilot/internal/mcp"
)

// maxLine bounds a single request line.
const maxLine = 4 << 20

// ServerConfig configures a [Server].
type ServerConfig struct {
	Name    string // serverInfo.name, default "webpilot-worker"
	Version string
	Logger  *slog.Logger
}

// Server answers protocol requests for a fixed set of tools.
type Server struct {
	cfg    ServerConfig
	tools  []Tool
	byName map[string]Tool
	logger *slog.Logger

	wmu sync.Mutex
	w   *bufio.Writer

	// calls tracks in-flight tools/call goroutines.
	calls sync.WaitGroup
}

// NewServer creates a server for tools, listed in the given order. A
// later tool with a duplicate name replaces the earlier one.
func NewServer(cfg ServerConfig, tools ...Tool) *Server {
	if cfg.Name == "" {
		cfg.Name = "webpilot-worker"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		byName: make(map[string]Tool, len(tools)),
		logger: logger,
	}
	for _, t := range tools {
		if _, dup := s.byName[t.Descriptor.Name]; dup {
			for i := range s.tools {
				if s.tools[i].Descriptor.Name == t.Descriptor.Name {
					s.tools[i] = t
				}
			}
		} else {
			s.tools = append(s.tools, t)
		}
		s.byName[t.Descriptor.Name] = t
	}
	return s
}

// Serve reads requests from r and writes responses to w until r reaches
// EOF or ctx is canceled. It waits for in-flight tool calls before
// returning. EOF is a clean shutdown and returns nil. Serve must not
// be called concurrently on the same Server.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.w = bufio.NewWriter(w)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	s.logger.Info("worker serving", "tools", len(s.tools))

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case line := <-lines:
			s.handleLine(ctx, line)
		case rerr := <-readErr:
			if rerr != nil {
				err = fmt.Errorf("read requests: %w", rerr)
			}
			break loop
		}
	}

	s.calls.Wait()
	s.logger.Info("worker stopped")
	return err
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	if len(line) == 0 {
		return
	}
	s.logger.Log(ctx, config.LevelTrace, "request", "line", string(line))

	var msg mcp.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Warn("unparseable request line", "error", err, "len", len(line))
		s.write(mcp.NewErrorResponse(nil, mcp.CodeParseError, "parse error"))
		return
	}
	if msg.Method == "" {
		s.logger.Warn("request without method", "len", len(line))
		s.write(mcp.NewErrorResponse(msg.ID, mcp.CodeInvalidRequest, "invalid request: missing method"))
		return
	}

	if msg.ID == nil {
		s.handleNotification(&msg)
		return
	}
	id := *msg.ID

	switch msg.Method {
	case "initialize":
		s.write(mcp.NewResponse(id, s.initializeResult()))
	case "ping":
		s.write(mcp.NewResponse(id, map[string]any{}))
	case "tools/list":
		descs := make([]mcp.ToolDescriptor, len(s.tools))
		for i, t := range s.tools {
			descs[i] = t.Descriptor
		}
		s.write(mcp.NewResponse(id, map[string]any{"tools": descs}))
	case "tools/call":
		s.calls.Add(1)
		go func() {
			defer s.calls.Done()
			s.write(s.call(ctx, id, msg.Params))
		}()
	default:
		s.write(mcp.NewErrorResponse(&id, mcp.CodeMethodNotFound, "method not found: "+msg.Method))
	}
}

func (s *Server) handleNotification(msg *mcp.Message) {
	switch msg.Method {
	case "notifications/initialized":
		s.logger.Debug("host initialized")
	case "notifications/cancelled":
		s.logger.Debug("host cancelled a request", "params", string(msg.Params))
	default:
		s.logger.Debug("ignoring notification", "method", msg.Method)
	}
}

func (s *Server) initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo": map[string]any{
			"name":    s.cfg.Name,
			"version": s.cfg.Version,
		},
	}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// call runs one tool. Tool failures become isError results; only bad
// params and unknown tools are RPC errors.
func (s *Server) call(ctx context.Context, id int64, raw json.RawMessage) *mcp.Response {
	var p callParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
		return mcp.NewErrorResponse(&id, mcp.CodeInvalidParams, "invalid tools/call params")
	}

	t, ok := s.byName[p.Name]
	if !ok {
		return mcp.NewErrorResponse(&id, mcp.CodeInvalidParams, "unknown tool: "+p.Name)
	}

	logger := s.logger.With("tool", p.Name, "id", id)
	logger.Debug("tool call", "args", string(p.Arguments))

	text, err := t.Handler(ctx, p.Arguments)
	if err != nil {
		var argErr *InvalidArgumentsError
		if errors.As(err, &argErr) {
			logger.Warn("invalid tool arguments", "error", err)
			return mcp.NewErrorResponse(&id, mcp.CodeInvalidParams, err.Error())
		}
		logger.Warn("tool failed", "error", err)
		return mcp.NewResponse(id, mcp.CallResult{
			Content: []mcp.ContentBlock{{Type: "text", Text: "Error: " + err.Error()}},
			IsError: true,
		})
	}

	logger.Debug("tool complete", "result_len", len(text))
	return mcp.NewResponse(id, mcp.CallResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: text}},
	})
}

func (s *Server) write(resp *mcp.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		s.logger.Warn("write response", "error", err)
		return
	}
	if err := s.w.Flush(); err != nil {
		s.logger.Warn("flush response", "error", err)
	}
}

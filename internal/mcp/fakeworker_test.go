package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// callReply is what a fake worker does with one tools/call.
type callReply struct {
	Delay   time.Duration
	Result  any       // sent as the result object
	RPCErr  *RPCError // sent instead of Result when set
	Raw     string    // extra raw line written before the response
	NoReply bool
	Crash   bool // close stdout instead of answering
}

// fakeWorker is an in-process worker speaking the line protocol over
// io.Pipe. Handlers run on the worker's read goroutine; delayed replies
// run on their own goroutines.
type fakeWorker struct {
	tools       []ToolDescriptor
	onCall      func(name string, args map[string]any) callReply
	silent      bool // never answer initialize
	afterInit   []string
	initialized atomic.Bool

	mu      sync.Mutex
	methods []string
	calls   []string
	inbox   chan *Message // responses the host sent to worker requests

	wmu sync.Mutex
	out io.WriteCloser
}

func newFakeWorker(tools ...ToolDescriptor) *fakeWorker {
	return &fakeWorker{
		tools: tools,
		inbox: make(chan *Message, 8),
		onCall: func(name string, args map[string]any) callReply {
			return callReply{Result: textResult(name + " ok")}
		},
	}
}

func textResult(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}

func tool(name string) ToolDescriptor {
	return ToolDescriptor{
		Name:        name,
		Description: name + " tool",
		InputSchema: map[string]any{"type": "object"},
	}
}

// procStats records what the host did to the fake process.
type procStats struct {
	stdinClosed  atomic.Bool
	stdoutClosed atomic.Bool
	reaped       atomic.Bool
	killed       atomic.Bool
}

type trackedWriter struct {
	io.WriteCloser
	closed *atomic.Bool
}

func (w trackedWriter) Close() error {
	w.closed.Store(true)
	return w.WriteCloser.Close()
}

type trackedReader struct {
	io.ReadCloser
	closed *atomic.Bool
}

func (r trackedReader) Close() error {
	r.closed.Store(true)
	return r.ReadCloser.Close()
}

func (w *fakeWorker) spawner(stats *procStats) Spawner {
	if stats == nil {
		stats = &procStats{}
	}
	return func(_ context.Context, _ string, _, _ []string) (*Process, error) {
		inR, inW := io.Pipe()
		outR, outW := io.Pipe()
		w.out = outW

		done := make(chan struct{})
		go func() {
			defer close(done)
			defer inR.Close()
			defer w.closeOut()
			w.serve(inR)
		}()

		return &Process{
			Stdin:  trackedWriter{inW, &stats.stdinClosed},
			Stdout: trackedReader{outR, &stats.stdoutClosed},
			Pid:    4242,
			Wait: func() error {
				<-done
				stats.reaped.Store(true)
				return nil
			},
			Kill: func() error {
				stats.killed.Store(true)
				inR.CloseWithError(errors.New("killed"))
				return nil
			},
		}, nil
	}
}

func (w *fakeWorker) closeOut() {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	w.out.Close()
}

func (w *fakeWorker) writeLine(line string) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_, _ = io.WriteString(w.out, line+"\n")
}

func (w *fakeWorker) write(v any) {
	data, _ := json.Marshal(v)
	w.writeLine(string(data))
}

func (w *fakeWorker) serve(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		msg, err := DecodeMessage(scanner.Bytes())
		if err != nil {
			continue
		}

		if msg.Kind() == KindResponse || msg.Kind() == KindErrorResponse {
			w.inbox <- msg
			continue
		}

		w.mu.Lock()
		w.methods = append(w.methods, msg.Method)
		w.mu.Unlock()

		switch msg.Method {
		case "initialize":
			if w.silent {
				continue
			}
			w.write(NewResponse(*msg.ID, map[string]any{
				"protocolVersion": ProtocolVersion,
				"serverInfo":      map[string]any{"name": "fake-worker", "version": "1.0"},
				"capabilities":    map[string]any{"tools": map[string]any{}},
			}))
		case "notifications/initialized":
			w.initialized.Store(true)
			for _, line := range w.afterInit {
				w.writeLine(line)
			}
		case "tools/list":
			w.write(NewResponse(*msg.ID, map[string]any{"tools": w.tools}))
		case "ping":
			w.write(NewResponse(*msg.ID, map[string]any{}))
		case "tools/call":
			var p struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			w.mu.Lock()
			w.calls = append(w.calls, p.Name)
			w.mu.Unlock()

			reply := w.onCall(p.Name, p.Arguments)
			if reply.Crash {
				return
			}
			id := *msg.ID
			send := func() {
				if reply.Raw != "" {
					w.writeLine(reply.Raw)
				}
				switch {
				case reply.NoReply:
				case reply.RPCErr != nil:
					w.write(NewErrorResponse(&id, reply.RPCErr.Code, reply.RPCErr.Message))
				default:
					w.write(NewResponse(id, reply.Result))
				}
			}
			if reply.Delay > 0 {
				go func() {
					time.Sleep(reply.Delay)
					send()
				}()
			} else {
				send()
			}
		default:
			if msg.ID != nil {
				w.write(NewErrorResponse(msg.ID, CodeMethodNotFound, "method not found"))
			}
		}
	}
}

func (w *fakeWorker) seenMethods() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.methods...)
}

func (w *fakeWorker) seenCalls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startSession starts a session against w and registers Stop as cleanup.
func startSession(t *testing.T, w *fakeWorker, cfg SessionConfig) (*Session, *procStats) {
	t.Helper()
	stats := &procStats{}
	tr := NewStdioTransport(StdioConfig{
		Command:    "fake-worker",
		Spawn:      w.spawner(stats),
		CloseGrace: time.Second,
		Logger:     testLogger(),
	})
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	s := NewSession(tr, cfg)
	t.Cleanup(func() { _ = s.Stop() })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	return s, stats
}

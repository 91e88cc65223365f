package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSession_NavigateEndToEnd(t *testing.T) {
	w := newFakeWorker(tool("start_browser"), tool("navigate_to"))
	w.onCall = func(name string, args map[string]any) callReply {
		return callReply{Result: map[string]any{
			"content": []map[string]any{{"text": fmt.Sprintf("Navigated to %v", args["url"])}},
		}}
	}

	s, _ := startSession(t, w, SessionConfig{})

	if s.State() != StateReady {
		t.Fatalf("state = %s, want ready", s.State())
	}
	if got := strings.Join(s.Registry().Names(), ","); got != "start_browser,navigate_to" {
		t.Errorf("registry names = %q", got)
	}
	if info := s.ServerInfo(); info.Name != "fake-worker" || info.ProtocolVersion != ProtocolVersion {
		t.Errorf("ServerInfo() = %+v", info)
	}

	res, err := s.Invoke(context.Background(), "navigate_to", map[string]any{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if got := res.Text(); got != "Navigated to https://example.com" {
		t.Errorf("Text() = %q", got)
	}

	methods := strings.Join(w.seenMethods(), ",")
	if methods != "initialize,notifications/initialized,tools/list,tools/call" {
		t.Errorf("worker saw %q", methods)
	}
}

func TestSession_InvokeUnknownTool(t *testing.T) {
	w := newFakeWorker(tool("navigate_to"))
	s, _ := startSession(t, w, SessionConfig{})

	_, err := s.Invoke(context.Background(), "fly_to_moon", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
	if calls := w.seenCalls(); len(calls) != 0 {
		t.Errorf("worker received calls %v for unknown tool", calls)
	}
}

func TestSession_InvokeBeforeStart(t *testing.T) {
	w := newFakeWorker(tool("navigate_to"))
	s := NewSession(NewStdioTransport(StdioConfig{Spawn: w.spawner(nil), Logger: testLogger()}),
		SessionConfig{Logger: testLogger()})

	_, err := s.Invoke(context.Background(), "navigate_to", nil)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() on unstarted session: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

func TestSession_ApplicationErrors(t *testing.T) {
	w := newFakeWorker(tool("click_element"), tool("get_text"))
	w.onCall = func(name string, _ map[string]any) callReply {
		if name == "click_element" {
			return callReply{Result: map[string]any{
				"content": []map[string]any{{"type": "text", "text": "Error: Browser not started"}},
				"isError": true,
			}}
		}
		return callReply{RPCErr: &RPCError{Code: CodeInvalidParams, Message: "locator is required"}}
	}
	s, _ := startSession(t, w, SessionConfig{})

	res, err := s.Invoke(context.Background(), "click_element", map[string]any{"locator": "#go"})
	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("err = %v, want *ApplicationError", err)
	}
	if appErr.Message != "Error: Browser not started" || appErr.Code != 0 {
		t.Errorf("appErr = %+v", appErr)
	}
	if res == nil || !res.IsError {
		t.Errorf("isError result not returned alongside error: %+v", res)
	}

	_, err = s.Invoke(context.Background(), "get_text", nil)
	if !errors.As(err, &appErr) || appErr.Code != CodeInvalidParams {
		t.Fatalf("err = %v, want *ApplicationError with code %d", err, CodeInvalidParams)
	}
	if s.State() != StateReady {
		t.Errorf("application error changed state to %s", s.State())
	}
}

func TestSession_LateResponseNotMisdelivered(t *testing.T) {
	w := newFakeWorker(tool("slow"), tool("echo"))
	w.onCall = func(name string, args map[string]any) callReply {
		switch name {
		case "slow":
			return callReply{Delay: 400 * time.Millisecond, Result: textResult("slow result")}
		default:
			return callReply{Delay: 200 * time.Millisecond, Result: textResult(fmt.Sprintf("echo %v", args["v"]))}
		}
	}
	s, _ := startSession(t, w, SessionConfig{CallTimeout: 300 * time.Millisecond})

	_, err := s.Invoke(context.Background(), "slow", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("slow call err = %v, want ErrTimeout", err)
	}

	// The slow response lands while this call is waiting.
	res, err := s.Invoke(context.Background(), "echo", map[string]any{"v": "second"})
	if err != nil {
		t.Fatalf("echo call error: %v", err)
	}
	if got := res.Text(); got != "echo second" {
		t.Errorf("echo call got %q, want its own result", got)
	}
	if s.State() != StateReady {
		t.Errorf("state = %s after late response", s.State())
	}

	s.mu.Lock()
	leftover := len(s.pending)
	s.mu.Unlock()
	if leftover != 0 {
		t.Errorf("%d pending calls left after timeout", leftover)
	}
}

func TestSession_ConcurrentInvokesOutOfOrder(t *testing.T) {
	w := newFakeWorker(tool("echo"))
	w.onCall = func(_ string, args map[string]any) callReply {
		n, _ := args["n"].(float64)
		// Later requests answer first.
		return callReply{
			Delay:  time.Duration(20-int(n)) * 5 * time.Millisecond,
			Result: textResult(fmt.Sprintf("n=%d", int(n))),
		}
	}
	s, _ := startSession(t, w, SessionConfig{})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := s.Invoke(context.Background(), "echo", map[string]any{"n": n})
			if err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf("n=%d", n); res.Text() != want {
				errs <- fmt.Errorf("call %d got %q", n, res.Text())
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	w := newFakeWorker(tool("navigate_to"))
	var mu sync.Mutex
	var transitions []string
	s, stats := startSession(t, w, SessionConfig{
		OnStateChange: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+">"+to.String())
			mu.Unlock()
		},
	})

	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop() error: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if s.Registry() != nil {
		t.Error("registry not discarded")
	}
	if !stats.reaped.Load() || !stats.stdinClosed.Load() {
		t.Errorf("worker not cleaned up: reaped=%v stdinClosed=%v", stats.reaped.Load(), stats.stdinClosed.Load())
	}

	_, err := s.Invoke(context.Background(), "navigate_to", nil)
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Invoke after Stop err = %v, want ErrSessionClosed", err)
	}

	mu.Lock()
	got := strings.Join(transitions, " ")
	mu.Unlock()
	want := "uninitialized>starting starting>ready ready>shutting_down shutting_down>closed"
	if got != want {
		t.Errorf("transitions = %q, want %q", got, want)
	}
}

func TestSession_StopFailsPendingCalls(t *testing.T) {
	w := newFakeWorker(tool("wait"))
	w.onCall = func(string, map[string]any) callReply {
		return callReply{NoReply: true}
	}
	s, _ := startSession(t, w, SessionConfig{CallTimeout: 5 * time.Second})

	errc := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background(), "wait", nil)
		errc <- err
	}()

	// Let the call reach the worker before stopping.
	deadline := time.Now().Add(2 * time.Second)
	for len(w.seenCalls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("pending call err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released by Stop")
	}
}

func TestSession_FailedHandshakeWorkerExits(t *testing.T) {
	stats := &procStats{}
	spawn := func(_ context.Context, _ string, _, _ []string) (*Process, error) {
		// A process that has already exited: both pipes are dead.
		inR, inW := io.Pipe()
		inR.Close()
		outR, outW := io.Pipe()
		outW.Close()
		return &Process{
			Stdin:  trackedWriter{inW, &stats.stdinClosed},
			Stdout: trackedReader{outR, &stats.stdoutClosed},
			Pid:    4243,
			Wait: func() error {
				stats.reaped.Store(true)
				return errors.New("exit status 1")
			},
			Kill: func() error {
				stats.killed.Store(true)
				return nil
			},
		}, nil
	}

	tr := NewStdioTransport(StdioConfig{Spawn: spawn, CloseGrace: time.Second, Logger: testLogger()})
	s := NewSession(tr, SessionConfig{HandshakeTimeout: 2 * time.Second, Logger: testLogger()})

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("Start() succeeded against an exiting worker")
	}
	if !errors.Is(err, ErrTransportClosed) {
		t.Errorf("err = %v, want ErrTransportClosed", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
	if !stats.reaped.Load() {
		t.Error("worker process not reaped")
	}
	if !stats.stdinClosed.Load() || !stats.stdoutClosed.Load() {
		t.Errorf("pipes left open: stdin closed=%v stdout closed=%v", stats.stdinClosed.Load(), stats.stdoutClosed.Load())
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() from failed: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state after Stop = %s, want closed", s.State())
	}
}

func TestSession_HandshakeTimeout(t *testing.T) {
	w := newFakeWorker(tool("navigate_to"))
	w.silent = true
	stats := &procStats{}

	tr := NewStdioTransport(StdioConfig{Spawn: w.spawner(stats), CloseGrace: time.Second, Logger: testLogger()})
	s := NewSession(tr, SessionConfig{HandshakeTimeout: 100 * time.Millisecond, Logger: testLogger()})
	defer s.Stop()

	err := s.Start(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Start() err = %v, want ErrTimeout", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
	if !stats.reaped.Load() {
		t.Error("worker not reaped after handshake timeout")
	}
}

func TestSession_MalformedLineSkipped(t *testing.T) {
	w := newFakeWorker(tool("get_text"))
	w.onCall = func(string, map[string]any) callReply {
		return callReply{Raw: "this is not json {", Result: textResult("Element text: hi")}
	}
	s, _ := startSession(t, w, SessionConfig{})

	res, err := s.Invoke(context.Background(), "get_text", nil)
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if res.Text() != "Element text: hi" {
		t.Errorf("Text() = %q", res.Text())
	}
	if s.State() != StateReady {
		t.Errorf("state = %s after malformed line", s.State())
	}
}

func TestSession_WorkerCrashFailsSession(t *testing.T) {
	w := newFakeWorker(tool("crash"))
	w.onCall = func(string, map[string]any) callReply {
		return callReply{Crash: true}
	}
	s, stats := startSession(t, w, SessionConfig{})

	_, err := s.Invoke(context.Background(), "crash", nil)
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("err = %v, want ErrTransportClosed", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateFailed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
	if !stats.reaped.Load() {
		t.Error("crashed worker not reaped")
	}

	_, err = s.Invoke(context.Background(), "crash", nil)
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("Invoke on failed session err = %v, want ErrNotReady", err)
	}
}

func TestSession_Ping(t *testing.T) {
	w := newFakeWorker(tool("navigate_to"))
	s, _ := startSession(t, w, SessionConfig{})

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

func TestSession_AnswersWorkerRequests(t *testing.T) {
	w := newFakeWorker(tool("navigate_to"))
	w.afterInit = []string{
		`{"jsonrpc":"2.0","id":7,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":8,"method":"sampling/createMessage"}`,
	}
	startSession(t, w, SessionConfig{})

	got := map[int64]*Message{}
	for len(got) < 2 {
		select {
		case msg := <-w.inbox:
			got[*msg.ID] = msg
		case <-time.After(2 * time.Second):
			t.Fatalf("host answered %d of 2 worker requests", len(got))
		}
	}
	if got[7].Kind() != KindResponse {
		t.Errorf("ping answer = %+v, want result", got[7])
	}
	if got[8].Error == nil || got[8].Error.Code != CodeMethodNotFound {
		t.Errorf("unknown method answer = %+v, want -32601", got[8])
	}
}

func TestSession_InvokeHonorsContext(t *testing.T) {
	w := newFakeWorker(tool("wait"))
	w.onCall = func(string, map[string]any) callReply {
		return callReply{NoReply: true}
	}
	s, _ := startSession(t, w, SessionConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Invoke(ctx, "wait", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestSession_StartTwice(t *testing.T) {
	w := newFakeWorker(tool("navigate_to"))
	s, _ := startSession(t, w, SessionConfig{})

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second Start() should error")
	}
	if s.State() != StateReady {
		t.Errorf("state = %s after second Start", s.State())
	}
}

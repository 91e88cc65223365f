package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// levelTrace matches config.LevelTrace; every wire line is logged here.
const levelTrace = slog.Level(-8)

// defaultCloseGrace is how long Close waits for the worker to exit on
// its own after stdin is closed.
const defaultCloseGrace = 5 * time.Second

// StdioConfig configures a transport that talks to a worker subprocess
// over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE").
	Env []string

	// Spawn starts the process. Defaults to ExecSpawner.
	Spawn Spawner

	// CloseGrace bounds the wait for a voluntary exit in Close before
	// the process is killed. Defaults to 5s.
	CloseGrace time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport owns one worker process and its pipes. A single
// reader goroutine frames stdout into lines; Receive decodes them, so
// one bad line never stops the stream.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// life serializes Start against Close so a close that races a
	// spawn still sees the process.
	life    sync.Mutex
	started atomic.Bool
	closed  atomic.Bool

	proc *Process

	wmu    sync.Mutex
	writer *bufio.Writer

	lines     chan []byte
	eof       chan struct{} // closed when the reader stops
	closing   chan struct{} // closed by Close
	exited    chan struct{} // closed once the process is reaped
	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
	closeErr  error
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Spawn == nil {
		cfg.Spawn = ExecSpawner
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		lines:   make(chan []byte, 64),
		eof:     make(chan struct{}),
		closing: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Start spawns the worker and starts the reader and stderr drain.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.life.Lock()
	defer t.life.Unlock()

	if t.closed.Load() {
		return ErrTransportClosed
	}
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("transport already started")
	}

	t.logger.Info("starting worker subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	proc, err := t.config.Spawn(ctx, t.config.Command, t.config.Args, t.config.Env)
	if err != nil {
		t.closed.Store(true)
		close(t.eof)
		close(t.exited)
		return err
	}

	t.proc = proc
	t.writer = bufio.NewWriter(proc.Stdin)

	go t.readLoop(bufio.NewReaderSize(proc.Stdout, 1<<20)) // 1 MiB buffer for large results
	if proc.Stderr != nil {
		go t.drainStderr(proc.Stderr)
	}

	t.logger.Info("worker subprocess started", "pid", proc.Pid)
	return nil
}

// readLoop frames stdout into lines until EOF, then reaps the process.
func (t *StdioTransport) readLoop(r *bufio.Reader) {
	defer close(t.eof)

	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			select {
			case t.lines <- trimmed:
			case <-t.closing:
				return
			}
		}
		if err != nil {
			if err != io.EOF && !t.closed.Load() {
				t.logger.Warn("worker stdout read failed", "error", err)
			}
			break
		}
	}

	t.reap()
}

// reap waits for the process exactly once.
func (t *StdioTransport) reap() {
	t.waitOnce.Do(func() {
		if t.proc != nil && t.proc.Wait != nil {
			t.waitErr = t.proc.Wait()
		}
		close(t.exited)
		if !t.closed.Load() {
			t.logger.Warn("worker subprocess exited", "pid", t.pid(), "error", t.waitErr)
		}
	})
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("worker stderr", "line", scanner.Text())
	}
}

// Send writes msg as one JSON line. Concurrent sends never interleave.
func (t *StdioTransport) Send(ctx context.Context, msg any) error {
	if !t.started.Load() || t.closed.Load() {
		return ErrTransportClosed
	}
	select {
	case <-t.eof:
		return ErrTransportClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.logger.Log(ctx, levelTrace, "worker send", "line", string(data))

	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write to worker stdin: %v", ErrTransportClosed, err)
	}
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush worker stdin: %v", ErrTransportClosed, err)
	}
	return nil
}

// Receive returns the next message from the worker. Buffered lines are
// delivered before the closed state is reported.
func (t *StdioTransport) Receive(timeout time.Duration) (*Message, error) {
	if !t.started.Load() {
		return nil, ErrTransportClosed
	}

	select {
	case line := <-t.lines:
		return t.decode(line)
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case line := <-t.lines:
		return t.decode(line)
	case <-t.eof:
		select {
		case line := <-t.lines:
			return t.decode(line)
		default:
			return nil, ErrTransportClosed
		}
	case <-expired:
		return nil, ErrTimeout
	}
}

func (t *StdioTransport) decode(line []byte) (*Message, error) {
	t.logger.Log(context.Background(), levelTrace, "worker recv", "line", string(line))
	return DecodeMessage(line)
}

// Done is closed once the worker's output has ended.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.eof
}

// Close closes stdin, gives the worker CloseGrace to exit, then kills
// it. The process is always reaped before Close returns.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.life.Lock()
		t.closed.Store(true)
		close(t.closing)
		started := t.proc != nil
		t.life.Unlock()

		if !started {
			return
		}

		t.logger.Info("stopping worker subprocess", "pid", t.pid())

		// Not under wmu: a Send blocked on a full pipe must be released.
		if err := t.proc.Stdin.Close(); err != nil {
			t.logger.Debug("closing worker stdin", "error", err)
		}

		go t.reap()

		timer := time.NewTimer(t.config.CloseGrace)
		defer timer.Stop()

		select {
		case <-t.exited:
		case <-timer.C:
			t.logger.Warn("worker subprocess did not exit gracefully, killing",
				"pid", t.pid(),
			)
			if t.proc.Kill != nil {
				if err := t.proc.Kill(); err != nil {
					t.closeErr = fmt.Errorf("kill worker: %w", err)
				}
			}
			<-t.exited
		}

		// Release the read side in case the process left it open.
		_ = t.proc.Stdout.Close()
		<-t.eof
	})
	return t.closeErr
}

func (t *StdioTransport) pid() int {
	if t.proc == nil {
		return 0
	}
	return t.proc.Pid
}

package mcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Transport carries framed JSON-RPC messages to and from one worker.
// Send may be called concurrently. Receive is called only by the
// owning session's read loop.
type Transport interface {
	// Start launches the worker and begins reading its output.
	Start(ctx context.Context) error

	// Send writes msg as a single JSON line and flushes it.
	Send(ctx context.Context, msg any) error

	// Receive returns the next decoded message. A timeout <= 0 waits
	// until a message arrives or the transport closes.
	Receive(timeout time.Duration) (*Message, error)

	// Close terminates the worker and releases its pipes. Safe to call
	// more than once.
	Close() error
}

// Process is a running worker as seen by the transport.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser // optional
	Pid    int

	// Wait blocks until the process exits and releases its resources.
	// It is called exactly once.
	Wait func() error
	// Kill forcibly terminates the process.
	Kill func() error
}

// Spawner starts a worker process. env entries ("KEY=VALUE") are
// appended to the host environment.
type Spawner func(ctx context.Context, command string, args, env []string) (*Process, error)

// ExecSpawner starts the worker as an operating-system subprocess.
// The process lifetime is not tied to ctx; only Close ends it.
func ExecSpawner(_ context.Context, command string, args, env []string) (*Process, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	// Worker logs arrive on stderr; they are not part of the protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return nil, fmt.Errorf("start worker %s: %w", command, err)
	}

	return &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Pid:    cmd.Process.Pid,
		Wait:   cmd.Wait,
		Kill:   cmd.Process.Kill,
	}, nil
}

package worker

import (
	"context"
	"io"

	"github.com/nugget/webpilot/internal/mcp"
)

// Spawner returns an [mcp.Spawner] that runs s in-process over pipes
// instead of starting a subprocess. The command, args and env are
// ignored. Each spawned "process" must be waited on before the next.
func (s *Server) Spawner() mcp.Spawner {
	return func(_ context.Context, _ string, _, _ []string) (*mcp.Process, error) {
		stdinR, stdinW := io.Pipe()
		stdoutR, stdoutW := io.Pipe()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			err := s.Serve(ctx, stdinR, stdoutW)
			stdoutW.Close()
			done <- err
		}()

		return &mcp.Process{
			Stdin:  stdinW,
			Stdout: stdoutR,
			Pid:    -1,
			Wait: func() error {
				err := <-done
				cancel()
				if err == context.Canceled {
					return nil
				}
				return err
			},
			Kill: func() error {
				cancel()
				stdinR.CloseWithError(io.ErrClosedPipe)
				return nil
			},
		}, nil
	}
}

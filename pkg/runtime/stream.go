package runtime

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// streamingCommand wraps a long-lived CLI command whose stdout is consumed
// as a stream (docker logs). Closing the returned reader kills the command.
type streamingCommand struct {
	cmd *exec.Cmd
}

func newStreamingCommand(ctx context.Context, name string, args []string) *streamingCommand {
	return &streamingCommand{cmd: exec.CommandContext(ctx, name, args...)}
}

func (s *streamingCommand) start() (io.ReadCloser, error) {
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	s.cmd.Stderr = s.cmd.Stdout

	if err := s.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.cmd.Path, err)
	}

	return &streamReader{ReadCloser: stdout, cmd: s.cmd}, nil
}

type streamReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

// Close stops the underlying command and reaps it.
func (r *streamReader) Close() error {
	err := r.ReadCloser.Close()
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	_ = r.cmd.Wait()
	return err
}

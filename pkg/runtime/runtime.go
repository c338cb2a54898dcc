// Package runtime implements the container runtime boundary for stackd.
//
// The default implementation drives the docker CLI as a subprocess; every
// operation is a short-lived command, so the same implementation works
// against a remote engine by swapping the command executor (see
// pkg/transports/ssh). stackd deliberately supervises restarts itself
// rather than delegating to the engine's restart flags, so restart
// counting, events, and metrics stay in one place.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// CommandExecutor runs one command and captures its output. The local
// executor forks a subprocess; the SSH executor runs the command on a
// remote deploy host.
type CommandExecutor interface {
	// Run executes name with args, feeding stdin if non-nil.
	Run(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr []byte, err error)
}

// StreamExecutor is implemented by executors that can run a long-lived
// command and hand back its combined output as a stream. Closing the
// returned reader ends the command.
type StreamExecutor interface {
	Stream(ctx context.Context, name string, args []string) (io.ReadCloser, error)
}

// LocalExecutor runs commands on the local host.
type LocalExecutor struct{}

// NewLocalExecutor creates a local command executor.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

// Run executes the command locally.
func (e *LocalExecutor) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if stdin != nil {
		cmd.Stdin = stdin
	}

	err := cmd.Run()
	if err != nil {
		return outBuf.Bytes(), errBuf.Bytes(), fmt.Errorf("%s %s: %w: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(errBuf.String()))
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// Stream starts the command locally and returns its combined output.
func (e *LocalExecutor) Stream(ctx context.Context, name string, args []string) (io.ReadCloser, error) {
	return newStreamingCommand(ctx, name, args).start()
}

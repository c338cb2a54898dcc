package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Executor runs commands on the remote host over SSH. It satisfies the
// container runtime's command executor boundary, so a docker runtime built
// on it drives the docker CLI of the remote machine.
type Executor struct {
	client *Client
}

// NewExecutor creates an executor backed by an established SSH client.
func NewExecutor(client *Client) *Executor {
	return &Executor{client: client}
}

// Run executes name with args on the remote host, feeding stdin if non-nil.
func (e *Executor) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, []byte, error) {
	startTime := time.Now()
	cmd := buildCommandLine(name, args)

	log.Debug().
		Str("command", cmd).
		Str("host", e.client.config.Host).
		Msg("executing remote command")

	sshClient, err := e.client.getClient()
	if err != nil {
		return nil, nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if stdin != nil {
		session.Stdin = stdin
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		// Context cancelled, try to signal the session
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
		// Command completed
	}

	duration := time.Since(startTime)
	stdout := stdoutBuf.Bytes()
	stderr := stderrBuf.Bytes()

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", duration).
		Err(execErr).
		Msg("remote command completed")

	if execErr != nil {
		if exitErr, ok := execErr.(*ssh.ExitError); ok {
			return stdout, stderr, &TransportError{
				Op:  "execute",
				Err: fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), strings.TrimSpace(string(stderr))),
			}
		}
		return stdout, stderr, &TransportError{
			Op:          "execute",
			Err:         execErr,
			IsTemporary: true,
		}
	}

	return stdout, stderr, nil
}

// Stream runs name with args on the remote host and returns its combined
// output as a stream. The session ends when the command exits, the context
// is cancelled, or the returned reader is closed.
func (e *Executor) Stream(ctx context.Context, name string, args []string) (io.ReadCloser, error) {
	cmd := buildCommandLine(name, args)

	log.Debug().
		Str("command", cmd).
		Str("host", e.client.config.Host).
		Msg("streaming remote command")

	sshClient, err := e.client.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "stream",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	if err := session.Start(cmd); err != nil {
		_ = session.Close()
		return nil, &TransportError{
			Op:  "stream",
			Err: fmt.Errorf("failed to start %s: %w", name, err),
		}
	}

	done := make(chan struct{})
	go func() {
		_ = pw.CloseWithError(session.Wait())
		close(done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-done:
		}
	}()

	return &sessionStream{reader: pr, session: session}, nil
}

// sessionStream delivers a remote command's output and tears the session
// down on close.
type sessionStream struct {
	reader  *io.PipeReader
	session *ssh.Session
}

func (s *sessionStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *sessionStream) Close() error {
	_ = s.session.Close()
	return s.reader.Close()
}

// buildCommandLine joins a command and its arguments into a single shell
// command line with each argument single-quoted.
func buildCommandLine(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes a string for POSIX shells.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$`&|;<>()*?[]#~%{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

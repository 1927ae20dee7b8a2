package mcp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// killGrace is how long Close waits for a subprocess to exit after its
// stdin closes before killing it.
const killGrace = 3 * time.Second

// Process runs a stdio extension as a child process and exposes its
// pipes as a framed transport. The process outlives the context that
// started it; its lifetime is bound to Close.
type Process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	transport *StreamTransport
	logger    *zap.Logger
	waitOnce  sync.Once
	waitErr   error
}

// StartProcess launches the command with extra environment entries
// appended to the parent environment. Stderr lines are forwarded to
// the logger so extension diagnostics stay visible.
func StartProcess(command string, args, env []string, logger *zap.Logger) (*Process, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "mcp_process"), zap.String("command", command))

	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		logger: logger,
	}
	p.transport = NewStreamTransport(stdout, stdin, p.shutdown, logger)

	go p.forwardStderr(stderr)

	logger.Info("extension process started", zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

// Transport returns the framed transport over the process pipes.
func (p *Process) Transport() *StreamTransport { return p.transport }

// Close shuts the process down through the transport closer.
func (p *Process) Close() error { return p.shutdown() }

// shutdown closes stdin to signal exit, waits briefly, then kills.
func (p *Process) shutdown() error {
	p.waitOnce.Do(func() {
		_ = p.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- p.cmd.Wait() }()

		select {
		case err := <-done:
			p.waitErr = err
		case <-time.After(killGrace):
			p.logger.Warn("extension did not exit, killing")
			_ = p.cmd.Process.Kill()
			p.waitErr = <-done
		}
	})
	return p.waitErr
}

func (p *Process) forwardStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.logger.Debug("extension stderr", zap.String("line", scanner.Text()))
	}
}

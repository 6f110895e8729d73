package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/mantora/mantora/internal/config"
	mantoraErrors "github.com/mantora/mantora/internal/errors"
)

// Target is a spawned tool server. Its stderr passes through to ours.
type Target struct {
	cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	done   chan struct{}
	err    error
}

// StartTarget launches the configured target command.
func StartTarget(ctx context.Context, cfg config.TargetConfig) (*Target, error) {
	argv, err := cfg.Argv()
	if err != nil {
		return nil, mantoraErrors.InvalidInput(fmt.Sprintf("target command: %v", err))
	}
	if len(argv) == 0 {
		return nil, mantoraErrors.InvalidInput("target command is empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cfg.Cwd
	cmd.Env = cfg.EnvList()
	cmd.Stderr = os.Stderr
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// An os.Pipe rather than StdoutPipe: Wait must not close the read end
	// while the outbound loop is still draining it.
	stdout, childOut, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = childOut
	if err := cmd.Start(); err != nil {
		stdout.Close()
		childOut.Close()
		return nil, fmt.Errorf("start target %s: %w", argv[0], err)
	}
	childOut.Close()

	t := &Target{cmd: cmd, Stdin: stdin, Stdout: stdout, done: make(chan struct{})}
	go func() {
		t.err = cmd.Wait()
		close(t.done)
		slog.Debug("Target process exited", "pid", cmd.Process.Pid, "error", t.err)
	}()

	slog.Info("Target started", "command", argv[0], "pid", cmd.Process.Pid, "type", cfg.Type)
	return t, nil
}

// Done is closed once the process has exited.
func (t *Target) Done() <-chan struct{} {
	return t.done
}

// Err is the exit error; valid after Done is closed.
func (t *Target) Err() error {
	return t.err
}

// Stop closes stdin and waits up to grace before killing the process.
func (t *Target) Stop(grace time.Duration) error {
	_ = t.Stdin.Close()
	select {
	case <-t.done:
		return nil
	case <-time.After(grace):
	}
	if err := t.cmd.Process.Kill(); err != nil {
		return err
	}
	<-t.done
	return nil
}

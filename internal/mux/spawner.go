// ABOUTME: Process spawning capability and its os/exec implementation.
// ABOUTME: A Process exposes stdin/stdout/stderr, an exit code on Wait, and Kill.

package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Process is a started agent subprocess.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	PID() int
	// Wait blocks until the process exits and returns its exit code.
	// Callers finish reading Stdout and Stderr before calling Wait.
	Wait() (int, error)
	// Kill asks the process to terminate. It does not wait.
	Kill() error
}

// SpawnSpec is what a Spawner needs to start a process.
type SpawnSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// Spawner starts processes.
type Spawner interface {
	Start(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecSpawner starts real subprocesses with os/exec.
type ExecSpawner struct {
	// KillGrace is how long Kill waits after an interrupt before force-killing.
	KillGrace time.Duration
}

// Start launches spec.Command. The process outlives ctx; use Kill to stop it.
func (s ExecSpawner) Start(_ context.Context, spec SpawnSpec) (Process, error) {
	if spec.Command == "" {
		return nil, errors.New("command is required")
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	grace := s.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	cmd.WaitDelay = grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
	}

	return &execProcess{
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) PID() int              { return p.cmd.Process.Pid }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	p.cancel()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, err
	}
}

func (p *execProcess) Kill() error {
	p.cancel()
	return nil
}

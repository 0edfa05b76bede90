// ABOUTME: In-memory Spawner whose processes are driven by test code through pipes.
// ABOUTME: Lets multiplexer consumers script agent output without launching real binaries.

// Package muxtest provides a fake process spawner for tests.
package muxtest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/2389/coven-mux/internal/mux"
)

// KilledExitCode is the exit code a FakeProcess reports after Kill.
const KilledExitCode = 137

// Responder produces output lines for one stdin line. Returned lines are
// written to stdout with a trailing newline.
type Responder func(p *FakeProcess, line string) []string

// FakeSpawner starts FakeProcesses.
type FakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	procs   []*FakeProcess
	specs   []mux.SpawnSpec

	// Err, when set, is returned by the next Start call and then cleared.
	Err error
	// Respond, when set, is installed on every new process.
	Respond Responder
}

// NewFakeSpawner returns a spawner whose PIDs start at 1000.
func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{nextPID: 1000}
}

// Start implements mux.Spawner.
func (s *FakeSpawner) Start(_ context.Context, spec mux.SpawnSpec) (mux.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		err := s.Err
		s.Err = nil
		return nil, err
	}

	s.nextPID++
	p := newFakeProcess(s.nextPID, s.Respond)
	s.procs = append(s.procs, p)
	s.specs = append(s.specs, spec)
	return p, nil
}

// Processes returns every process started so far in start order.
func (s *FakeSpawner) Processes() []*FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeProcess(nil), s.procs...)
}

// Last returns the most recently started process, or nil.
func (s *FakeSpawner) Last() *FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// Specs returns the spawn specs seen so far in start order.
func (s *FakeSpawner) Specs() []mux.SpawnSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mux.SpawnSpec(nil), s.specs...)
}

// FakeProcess is a scripted agent process.
type FakeProcess struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	writeMu  sync.Mutex
	exit     chan int
	once     sync.Once
	killOnce sync.Once
	killed   chan struct{}

	// Lines receives every line the process reads from stdin.
	Lines chan string
}

func newFakeProcess(pid int, respond Responder) *FakeProcess {
	p := &FakeProcess{
		pid:    pid,
		exit:   make(chan int, 1),
		killed: make(chan struct{}),
		Lines:  make(chan string, 64),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()

	go p.readInput(respond)
	return p
}

func (p *FakeProcess) readInput(respond Responder) {
	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		line := scanner.Text()
		select {
		case p.Lines <- line:
		default:
		}
		if respond == nil {
			continue
		}
		for _, out := range respond(p, line) {
			if err := p.WriteStdout(out + "\n"); err != nil {
				return
			}
		}
	}
}

// WriteStdout writes raw bytes to the process's stdout.
func (p *FakeProcess) WriteStdout(s string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdoutW.Write([]byte(s))
	return err
}

// WriteStderr writes raw bytes to the process's stderr.
func (p *FakeProcess) WriteStderr(s string) error {
	_, err := p.stderrW.Write([]byte(s))
	return err
}

// CloseStdin makes further writes to the process fail.
func (p *FakeProcess) CloseStdin() {
	_ = p.stdinR.CloseWithError(errors.New("stdin closed"))
}

// Exit ends the process with code. Later calls are ignored.
func (p *FakeProcess) Exit(code int) {
	p.once.Do(func() {
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		_ = p.stdinR.Close()
		p.exit <- code
	})
}

// Killed is closed once Kill has been called.
func (p *FakeProcess) Killed() <-chan struct{} { return p.killed }

func (p *FakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *FakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *FakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *FakeProcess) PID() int              { return p.pid }

func (p *FakeProcess) Wait() (int, error) {
	return <-p.exit, nil
}

func (p *FakeProcess) Kill() error {
	p.killOnce.Do(func() { close(p.killed) })
	p.Exit(KilledExitCode)
	return nil
}

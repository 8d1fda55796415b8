package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ExitStatus is the terminal state of a process. Code is -1 when the process
// was terminated by a signal.
type ExitStatus struct {
	Code   int
	Signal string
}

// Process is a running child with its three standard streams. The owner
// drains Stdout and Stderr concurrently with Wait. Wait returns once the child
// has exited and both streams have reached EOF; output still held open by
// descendants of the child is cut off after a grace period.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Pid() int
	Kill() error
	Wait() ExitStatus
}

// Spawner starts processes.
type Spawner interface {
	Spawn(argv []string, cwd string) (Process, error)
}

// SpawnFunc adapts a function to the Spawner interface.
type SpawnFunc func(argv []string, cwd string) (Process, error)

func (f SpawnFunc) Spawn(argv []string, cwd string) (Process, error) { return f(argv, cwd) }

// outputGrace bounds how long Wait keeps reading output after the child has
// exited, for descendants that inherited stdout or stderr.
const outputGrace = 500 * time.Millisecond

// ExecSpawner starts real operating system processes. Each child leads its
// own process group so Kill also reaches the tools it started.
type ExecSpawner struct{}

var _ Spawner = ExecSpawner{} //nolint:gochecknoglobals // compile-time check

func (ExecSpawner) Spawn(argv []string, cwd string) (Process, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // argv is operator configuration
	cmd.Dir = cwd
	cmd.WaitDelay = outputGrace
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proc.ExecSpawner.Spawn: stdin: %w", err)
	}

	// exec copies output into these pipes; WaitDelay bounds that copy once
	// the child has exited.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("proc.ExecSpawner.Spawn: %w", err)
	}

	return &execProcess{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdoutR,
		stderr:  stderrR,
		stdoutW: stdoutW,
		stderrW: stderrW,
	}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

// Kill sends SIGKILL to the child's process group. An already exited process
// is not an error.
func (p *execProcess) Kill() error {
	err := killProcessGroup(p.cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Wait() ExitStatus {
	err := p.cmd.Wait() // state is read from ProcessState below
	if errors.Is(err, exec.ErrWaitDelay) {
		log.Debug().Int("pid", p.Pid()).Msg("proc: output held open after exit, pipes closed")
	}
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
	return exitStatus(p.cmd.ProcessState)
}

func exitStatus(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}

	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	return status
}

// commandName is the metrics and log label of an invocation.
func commandName(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return filepath.Base(argv[0])
}

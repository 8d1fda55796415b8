package proc_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/warelay/internal/agent/proc"
)

// fakeProcess is an in-memory child process backed by io.Pipe.
type fakeProcess struct {
	argv []string
	cwd  string
	pid  int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	prompts chan string
	exit    chan proc.ExitStatus
	once    sync.Once
	kills   atomic.Int32
}

var _ proc.Process = (*fakeProcess)(nil)

func newFakeProcess(pid int, argv []string, cwd string) *fakeProcess {
	p := &fakeProcess{
		argv:    argv,
		cwd:     cwd,
		pid:     pid,
		prompts: make(chan string, 16),
		exit:    make(chan proc.ExitStatus, 1),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()

	go func() {
		scanner := bufio.NewScanner(p.stdinR)
		for scanner.Scan() {
			p.prompts <- scanner.Text()
		}
	}()
	return p
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Pid() int              { return p.pid }

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	p.terminate(proc.ExitStatus{Code: -1, Signal: "killed"})
	return nil
}

func (p *fakeProcess) Wait() proc.ExitStatus { return <-p.exit }

// exitWith simulates the process ending on its own.
func (p *fakeProcess) exitWith(code int) {
	p.terminate(proc.ExitStatus{Code: code})
}

func (p *fakeProcess) terminate(status proc.ExitStatus) {
	p.once.Do(func() {
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		_ = p.stdinR.CloseWithError(io.ErrClosedPipe)
		p.exit <- status
	})
}

func (p *fakeProcess) emit(t *testing.T, lines ...string) {
	t.Helper()
	for _, line := range lines {
		_, err := p.stdoutW.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
}

func (p *fakeProcess) emitStderr(t *testing.T, text string) {
	t.Helper()
	_, err := p.stderrW.Write([]byte(text))
	require.NoError(t, err)
}

// awaitPrompt returns the next line written to stdin.
func (p *fakeProcess) awaitPrompt(t *testing.T) string {
	t.Helper()
	select {
	case line := <-p.prompts:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("no prompt written to stdin")
		return ""
	}
}

// assertNoPrompt fails if anything is written to stdin within d.
func (p *fakeProcess) assertNoPrompt(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case line := <-p.prompts:
		t.Fatalf("unexpected write to stdin: %s", line)
	case <-time.After(d):
	}
}

// fakeSpawner records every process it starts.
type fakeSpawner struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	err     error
	onSpawn func(argv []string)
}

func (s *fakeSpawner) Spawn(argv []string, cwd string) (proc.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.onSpawn != nil {
		s.onSpawn(argv)
	}
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess(1000+len(s.procs), argv, cwd)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) proc(t *testing.T, i int) *fakeProcess {
	t.Helper()
	require.Eventually(t, func() bool { return s.count() > i }, 2*time.Second, 5*time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

var errSpawn = errors.New("exec: \"pi\": executable file not found in $PATH")

type promptResult struct {
	res proc.Result
	err error
}

func promptAsync(c *proc.Client, prompt string, timeout time.Duration) <-chan promptResult {
	ch := make(chan promptResult, 1)
	go func() {
		res, err := c.Prompt(context.Background(), prompt, timeout)
		ch <- promptResult{res: res, err: err}
	}()
	return ch
}

func awaitResult(t *testing.T, ch <-chan promptResult) promptResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("prompt did not complete")
		return promptResult{}
	}
}

const (
	lineStart   = `{"type":"message_start","message":{"role":"assistant"}}`
	lineEndText = `{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}`
	lineEndTool = `{"type":"message_end","message":{"role":"assistant","content":[{"type":"toolCall","name":"bash"}]}}`
	lineTool    = `{"type":"tool_execution_start","toolName":"bash"}`
	lineEndUser = `{"type":"message_end","message":{"role":"user","content":[{"type":"text","text":"question"}]}}`
)

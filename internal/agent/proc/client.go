package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/warelay/internal/agent"
	"github.com/gosuda/warelay/internal/metrics"
)

const (
	// DefaultIdleWindow is the quiet period after an assistant message_end
	// before the buffered turn is parsed.
	DefaultIdleWindow = 120 * time.Millisecond

	maxLineSize = 4 * 1024 * 1024
)

// Result is the output of one turn or one-shot run.
type Result struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Killed bool   `json:"killed,omitempty"`
}

// ClientOption configures optional Client parameters.
type ClientOption func(*Client)

// WithIdleWindow overrides DefaultIdleWindow.
func WithIdleWindow(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.idle = d
		}
	}
}

// WithSpawner replaces the os/exec spawner.
func WithSpawner(s Spawner) ClientOption {
	return func(c *Client) {
		if s != nil {
			c.spawner = s
		}
	}
}

type outcome struct {
	res Result
	err error
}

// pendingRequest is the single in-flight prompt. done is buffered and receives
// exactly one outcome, always sent while holding Client.mu.
type pendingRequest struct {
	done chan outcome
}

// Client drives one long-lived agent process that reads prompt envelopes on
// stdin and writes JSON events on stdout. It allows one pending prompt at a
// time and infers the end of a turn from an assistant message_end followed by
// an idle window.
//
// The process is started lazily and owned exclusively by the client. Every
// spawned process gets a new generation; callbacks from an older generation
// are ignored.
type Client struct {
	argv    []string
	cwd     string
	parser  agent.OutputParser
	idle    time.Duration
	spawner Spawner
	command string

	mu        sync.Mutex
	closed    bool
	proc      Process
	gen       uint64
	pending   *pendingRequest
	buf       []string
	seenEnd   bool
	idleSeq   uint64
	idleTimer *time.Timer
	stderr    strings.Builder
}

// NewClient creates a client for argv run in cwd. parser decides whether the
// buffered output of a turn carries a reply yet.
func NewClient(argv []string, cwd string, parser agent.OutputParser, opts ...ClientOption) *Client {
	c := &Client{
		argv:    slices.Clone(argv),
		cwd:     cwd,
		parser:  parser,
		idle:    DefaultIdleWindow,
		spawner: ExecSpawner{},
		command: commandName(argv),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prompt sends prompt and waits for the turn to complete. timeout <= 0 means
// only ctx bounds the wait. On timeout or cancellation the process is killed
// and the next Prompt starts a fresh one.
func (c *Client) Prompt(ctx context.Context, prompt string, timeout time.Duration) (Result, error) {
	payload, err := encodePrompt(prompt)
	if err != nil {
		return Result{}, fmt.Errorf("proc.Client.Prompt: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		metrics.RecordTurn(c.command, metrics.OutcomeDisposed, 0)
		return Result{}, fmt.Errorf("proc.Client.Prompt: %w", ErrDisposed)
	}
	if c.pending != nil {
		c.mu.Unlock()
		metrics.RecordTurn(c.command, metrics.OutcomeBusy, 0)
		return Result{}, ErrBusy
	}
	if err := c.ensureProcessLocked(); err != nil {
		c.mu.Unlock()
		metrics.RecordTurn(c.command, metrics.OutcomeError, 0)
		return Result{}, fmt.Errorf("proc.Client.Prompt: %w", err)
	}
	req := &pendingRequest{done: make(chan outcome, 1)}
	c.pending = req
	stdin := c.proc.Stdin()
	c.mu.Unlock()

	start := time.Now()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	written := make(chan error, 1)
	go func() {
		_, werr := stdin.Write(payload)
		written <- werr
	}()

	for {
		select {
		case werr := <-written:
			written = nil
			if werr == nil {
				continue
			}
			if out, resolved := c.abort(req); resolved {
				return c.finish(out, start)
			}
			metrics.RecordTurn(c.command, metrics.OutcomeError, time.Since(start))
			return Result{}, fmt.Errorf("proc.Client.Prompt: write prompt: %w", werr)

		case out := <-req.done:
			return c.finish(out, start)

		case <-deadline:
			out, resolved := c.abort(req)
			if resolved {
				return c.finish(out, start)
			}
			elapsed := time.Since(start)
			log.Warn().Str("command", c.command).Dur("elapsed", elapsed).Msg("proc.Client.Prompt: timed out, process killed")
			metrics.RecordTurn(c.command, metrics.OutcomeTimeout, elapsed)
			return out.res, &TimeoutError{Elapsed: elapsed}

		case <-ctx.Done():
			out, resolved := c.abort(req)
			if resolved {
				return c.finish(out, start)
			}
			metrics.RecordTurn(c.command, metrics.OutcomeCancelled, time.Since(start))
			return out.res, fmt.Errorf("proc.Client.Prompt: %w", ctx.Err())
		}
	}
}

func (c *Client) finish(out outcome, start time.Time) (Result, error) {
	elapsed := time.Since(start)
	switch {
	case out.err == nil:
		metrics.RecordTurn(c.command, metrics.OutcomeOK, elapsed)
		return out.res, nil
	case errors.Is(out.err, ErrDisposed):
		metrics.RecordTurn(c.command, metrics.OutcomeDisposed, elapsed)
	default:
		metrics.RecordTurn(c.command, metrics.OutcomeExit, elapsed)
	}
	return out.res, fmt.Errorf("proc.Client.Prompt: %w", out.err)
}

// abort withdraws req and kills the process. When req was already resolved
// the stored outcome is returned with resolved set.
func (c *Client) abort(req *pendingRequest) (outcome, bool) {
	c.mu.Lock()
	if c.pending != req {
		c.mu.Unlock()
		return <-req.done, true
	}

	c.pending = nil
	partial := Result{
		Stdout: strings.Join(c.buf, "\n"),
		Stderr: c.stderr.String(),
		Code:   -1,
		Signal: "killed",
		Killed: true,
	}
	proc := c.detachLocked()
	c.mu.Unlock()

	killProcess(proc)
	return outcome{res: partial}, false
}

// Dispose kills the process and clears all turn state. A pending request
// fails with ErrDisposed. Dispose is idempotent and the client may be used
// again afterwards.
func (c *Client) Dispose() { c.dispose(false) }

// Close disposes the client for good: later prompts fail with ErrDisposed
// and never start a process.
func (c *Client) Close() { c.dispose(true) }

func (c *Client) dispose(closed bool) {
	c.mu.Lock()
	c.closed = c.closed || closed
	if req := c.pending; req != nil {
		c.pending = nil
		req.done <- outcome{err: ErrDisposed}
	}
	proc := c.detachLocked()
	c.mu.Unlock()

	killProcess(proc)
}

// Running reports whether a process is currently attached.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil
}

func (c *Client) ensureProcessLocked() error {
	if c.proc != nil {
		return nil
	}
	if len(c.argv) == 0 {
		return ErrEmptyCommand
	}

	proc, err := c.spawner.Spawn(c.argv, c.cwd)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", c.command, err)
	}

	c.proc = proc
	gen := c.gen

	var readers sync.WaitGroup
	readers.Go(func() { c.readStdout(gen, proc.Stdout()) })
	readers.Go(func() { c.readStderr(gen, proc.Stderr()) })
	go func() {
		status := proc.Wait()
		readers.Wait()
		c.onExit(gen, status)
	}()

	metrics.RecordSpawn(c.command)
	log.Debug().Str("command", c.command).Int("pid", proc.Pid()).Str("cwd", c.cwd).Msg("proc.Client: process started")
	return nil
}

// detachLocked drops the current process and resets turn state. The caller
// kills the returned process after releasing the lock.
func (c *Client) detachLocked() Process {
	proc := c.proc
	c.proc = nil
	c.gen++
	c.buf = nil
	c.seenEnd = false
	c.stderr.Reset()
	c.stopIdleLocked()
	return proc
}

func (c *Client) stopIdleLocked() {
	c.idleSeq++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func killProcess(proc Process) {
	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil {
		log.Debug().Err(err).Int("pid", proc.Pid()).Msg("proc: kill failed")
	}
	_ = proc.Stdin().Close() // the process is gone either way
}

func (c *Client) readStdout(gen uint64, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		c.handleLine(gen, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Str("command", c.command).Msg("proc.Client: stdout read failed")
		_, _ = io.Copy(io.Discard, r)
	}
}

func (c *Client) readStderr(gen uint64, r io.Reader) {
	_, _ = io.Copy(stderrSink{c: c, gen: gen}, r)
}

type stderrSink struct {
	c   *Client
	gen uint64
}

func (s stderrSink) Write(p []byte) (int, error) {
	s.c.mu.Lock()
	if s.gen == s.c.gen {
		s.c.stderr.Write(p)
	}
	s.c.mu.Unlock()
	return len(p), nil
}

func (c *Client) handleLine(gen uint64, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.pending == nil {
		return
	}

	c.buf = append(c.buf, line)
	if !c.seenEnd && isAssistantEnd(line) {
		c.seenEnd = true
	}
	if c.seenEnd {
		c.armIdleLocked()
	}
}

func (c *Client) armIdleLocked() {
	c.stopIdleLocked()
	gen, seq := c.gen, c.idleSeq
	c.idleTimer = time.AfterFunc(c.idle, func() { c.onIdle(gen, seq) })
}

func (c *Client) onIdle(gen, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || seq != c.idleSeq || c.pending == nil {
		return
	}

	out := strings.Join(c.buf, "\n")
	if !c.parser.ParseOutput(out).HasText() {
		return
	}

	req := c.pending
	c.pending = nil
	c.buf = nil
	c.seenEnd = false
	c.idleTimer = nil
	req.done <- outcome{res: Result{Stdout: out, Stderr: c.stderr.String()}}
}

func (c *Client) onExit(gen uint64, status ExitStatus) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	req := c.pending
	c.pending = nil
	stderr := c.stderr.String()
	c.detachLocked()
	if req != nil {
		req.done <- outcome{
			res: Result{Stderr: stderr, Code: status.Code, Signal: status.Signal},
			err: &ExitError{Code: status.Code, Signal: status.Signal},
		}
	}
	c.mu.Unlock()

	metrics.RecordExit(c.command, req != nil)
	if req != nil {
		log.Warn().Str("command", c.command).Int("code", status.Code).Str("signal", status.Signal).
			Msg("proc.Client: process exited with a pending request")
		return
	}
	log.Debug().Str("command", c.command).Int("code", status.Code).Msg("proc.Client: idle process exited")
}

type promptEnvelope struct {
	Type    string        `json:"type"`
	Message promptMessage `json:"message"`
}

type promptMessage struct {
	Role    string        `json:"role"`
	Content []promptBlock `json:"content"`
}

type promptBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func encodePrompt(prompt string) ([]byte, error) {
	data, err := json.Marshal(promptEnvelope{
		Type: "prompt",
		Message: promptMessage{
			Role:    "user",
			Content: []promptBlock{{Type: "text", Text: prompt}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	return append(data, '\n'), nil
}

type boundaryEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Role string `json:"role"`
	} `json:"message"`
}

// isAssistantEnd reports whether line is a message_end event of an
// assistant message.
func isAssistantEnd(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}

	var ev boundaryEvent
	if json.Unmarshal([]byte(trimmed), &ev) != nil {
		return false
	}
	return ev.Type == "message_end" && ev.Message != nil && ev.Message.Role == "assistant"
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/warelay/internal/agent"
	"github.com/gosuda/warelay/internal/agent/backends"
	"github.com/gosuda/warelay/internal/agent/proc"
	"github.com/gosuda/warelay/internal/metrics"
	"github.com/gosuda/warelay/internal/session"
	redisstore "github.com/gosuda/warelay/internal/store/redis"
)

// ErrEmptyReply is returned when the agent failed and produced no text.
var ErrEmptyReply = errors.New("relay: agent produced no reply") //nolint:gochecknoglobals // sentinel error

// ResetAck is the reply to a bare reset trigger.
const ResetAck = "Started a new session."

// DefaultResetTriggers start a new session when a message begins with them.
func DefaultResetTriggers() []string { return []string{"/new"} }

// PubSubPublisher abstracts the Redis pub/sub publish operation.
type PubSubPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// OneShotFunc runs a non-streaming invocation to completion.
type OneShotFunc func(ctx context.Context, argv []string, cwd string, timeout time.Duration) (proc.Result, error)

// Config describes how the runner invokes its agent.
type Config struct {
	Agent          agent.Kind
	Command        []string
	Cwd            string
	Timeout        time.Duration
	IdentityPrefix string
	SendSystemOnce bool
	ResetTriggers  []string
}

// Request is one inbound message to answer.
type Request struct {
	SessionKey string
	Body       string
	From       string
	To         string
	MessageID  string
}

// Reply is the agent's answer to a Request.
type Reply struct {
	Texts        []string    `json:"texts"`
	Meta         *agent.Meta `json:"meta,omitempty"`
	SessionID    string      `json:"session_id"`
	IsNewSession bool        `json:"is_new_session"`
	Reset        bool        `json:"reset,omitempty"`
}

// ReplyEvent is published for every completed reply.
type ReplyEvent struct {
	ID         uuid.UUID   `json:"id"`
	Type       string      `json:"type"`
	SessionKey string      `json:"session_key"`
	SessionID  string      `json:"session_id"`
	Agent      agent.Kind  `json:"agent"`
	Texts      []string    `json:"texts"`
	Meta       *agent.Meta `json:"meta,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// RunnerOption configures optional Runner parameters.
type RunnerOption func(*Runner)

// WithPublisher publishes a ReplyEvent after every reply.
func WithPublisher(p PubSubPublisher) RunnerOption {
	return func(r *Runner) {
		r.pubsub = p
	}
}

// WithCache replaces the process-wide connection cache.
func WithCache(c *proc.Cache) RunnerOption {
	return func(r *Runner) {
		if c != nil {
			r.cache = c
		}
	}
}

// WithOneShot replaces proc.Run for non-streaming agents.
func WithOneShot(fn OneShotFunc) RunnerOption {
	return func(r *Runner) {
		if fn != nil {
			r.oneShot = fn
		}
	}
}

// Runner turns inbound messages into agent invocations and keeps the
// per-conversation session bookkeeping.
type Runner struct {
	cfg      Config
	spec     agent.Spec
	sessions session.Store
	cache    *proc.Cache
	oneShot  OneShotFunc
	pubsub   PubSubPublisher
	now      func() time.Time
}

// NewRunner resolves cfg.Agent in reg and creates a runner.
func NewRunner(reg *agent.Registry, sessions session.Store, cfg Config, opts ...RunnerOption) (*Runner, error) {
	spec, err := reg.Resolve(string(cfg.Agent))
	if err != nil {
		return nil, fmt.Errorf("relay.NewRunner: %w", err)
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("relay.NewRunner: %w", proc.ErrEmptyCommand)
	}
	if !spec.IsInvocation(cfg.Command) {
		log.Warn().Str("agent", string(cfg.Agent)).Str("binary", cfg.Command[0]).
			Msg("relay.NewRunner: command does not look like the configured agent")
	}
	if cfg.ResetTriggers == nil {
		cfg.ResetTriggers = DefaultResetTriggers()
	}

	r := &Runner{
		cfg:      cfg,
		spec:     spec,
		sessions: sessions,
		oneShot:  runOnce,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil && r.Streaming() {
		r.cache = proc.Default()
	}
	return r, nil
}

// Agent returns the kind of agent the runner invokes.
func (r *Runner) Agent() agent.Kind { return r.spec.Kind() }

// Streaming reports whether the agent keeps a long-lived process.
func (r *Runner) Streaming() bool {
	return backends.IsStreaming(r.spec)
}

// Reply answers req.
func (r *Runner) Reply(ctx context.Context, req Request) (*Reply, error) {
	body := strings.TrimSpace(req.Body)

	rest, reset := r.matchReset(body)
	if reset {
		if err := r.ResetSession(ctx, req.SessionKey); err != nil {
			return nil, fmt.Errorf("relay.Runner.Reply: %w", err)
		}
		if rest == "" {
			metrics.RecordReply(string(r.Agent()), "reset")
			return &Reply{Texts: []string{ResetAck}, Reset: true}, nil
		}
		body = rest
	}

	entry, isNew, err := r.loadSession(ctx, req.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("relay.Runner.Reply: %w", err)
	}

	tctx := TemplateContext{
		Body:         body,
		BodyStripped: body,
		From:         req.From,
		To:           req.To,
		MessageSid:   req.MessageID,
		SessionID:    entry.ID,
		IsNewSession: isNew,
	}
	argv, bodyIndex := expandCommand(r.cfg.Command, tctx)

	bctx := agent.BuildArgsContext{
		Argv:           argv,
		BodyIndex:      bodyIndex,
		IsNewSession:   isNew,
		SessionID:      entry.ID,
		SendSystemOnce: r.cfg.SendSystemOnce,
		SystemSent:     entry.SystemSent,
		IdentityPrefix: r.cfg.IdentityPrefix,
	}

	start := r.now()
	res, err := r.invoke(ctx, bctx)
	if err != nil {
		metrics.RecordReply(string(r.Agent()), "error")
		return nil, fmt.Errorf("relay.Runner.Reply: %w", err)
	}

	parsed := r.spec.ParseOutput(res.Stdout)
	if !parsed.HasText() && res.Code != 0 {
		metrics.RecordReply(string(r.Agent()), "error")
		log.Warn().Str("agent", string(r.Agent())).Int("code", res.Code).Str("stderr", tail(res.Stderr, 512)).
			Msg("relay.Runner.Reply: agent failed without output")
		return nil, fmt.Errorf("relay.Runner.Reply: exit code %d: %w", res.Code, ErrEmptyReply)
	}

	entry.SystemSent = entry.SystemSent || body != ""
	if parsed.Meta != nil && parsed.Meta.SessionID != "" {
		entry.AgentSessionID = parsed.Meta.SessionID
	}
	entry.UpdatedAt = r.now()
	if err := r.sessions.Put(ctx, req.SessionKey, entry); err != nil {
		return nil, fmt.Errorf("relay.Runner.Reply: %w", err)
	}

	reply := &Reply{
		Texts:        parsed.Texts,
		Meta:         parsed.Meta,
		SessionID:    entry.ID,
		IsNewSession: isNew,
	}

	metrics.RecordReply(string(r.Agent()), "ok")
	log.Info().Str("agent", string(r.Agent())).Str("session_key", req.SessionKey).
		Int("texts", len(reply.Texts)).Dur("elapsed", r.now().Sub(start)).Msg("relay.Runner.Reply: replied")

	r.publish(ctx, req.SessionKey, reply)
	return reply, nil
}

// ResetSession forgets the session for key and stops the persistent process.
func (r *Runner) ResetSession(ctx context.Context, key string) error {
	if err := r.sessions.Delete(ctx, key); err != nil {
		return fmt.Errorf("relay.Runner.ResetSession: %w", err)
	}
	if r.cache != nil {
		r.cache.Reset()
	}
	log.Info().Str("session_key", key).Msg("relay.Runner.ResetSession: session reset")
	return nil
}

func (r *Runner) invoke(ctx context.Context, bctx agent.BuildArgsContext) (proc.Result, error) {
	if streamer, ok := r.spec.(agent.Streamer); ok {
		argv, prompt := streamer.StreamArgs(bctx)
		return r.cache.Run(ctx, proc.Request{
			Argv:    argv,
			Cwd:     r.cfg.Cwd,
			Timeout: r.cfg.Timeout,
			Prompt:  prompt,
			Parser:  r.spec,
		})
	}
	return r.oneShot(ctx, r.spec.BuildArgs(bctx), r.cfg.Cwd, r.cfg.Timeout)
}

func (r *Runner) loadSession(ctx context.Context, key string) (session.Entry, bool, error) {
	entry, ok, err := r.sessions.Get(ctx, key)
	if err != nil {
		return session.Entry{}, false, err
	}
	if ok {
		return entry, false, nil
	}
	return session.Entry{ID: uuid.NewString()}, true, nil
}

// matchReset reports whether body starts with a reset trigger and returns the
// text after it.
func (r *Runner) matchReset(body string) (string, bool) {
	for _, trigger := range r.cfg.ResetTriggers {
		if trigger == "" {
			continue
		}
		if body == trigger {
			return "", true
		}
		if rest, ok := strings.CutPrefix(body, trigger); ok && rest != "" && strings.ContainsRune(" \t\n\r", rune(rest[0])) {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

func (r *Runner) publish(ctx context.Context, key string, reply *Reply) {
	if r.pubsub == nil {
		return
	}

	evt := ReplyEvent{
		ID:         uuid.New(),
		Type:       "reply",
		SessionKey: key,
		SessionID:  reply.SessionID,
		Agent:      r.Agent(),
		Texts:      slices.Clone(reply.Texts),
		Meta:       reply.Meta,
		CreatedAt:  r.now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}

	channel := redisstore.ReplyChannel(key)
	if pubErr := r.pubsub.Publish(ctx, channel, payload); pubErr != nil {
		log.Error().Err(pubErr).Str("channel", channel).Msg("relay.Runner.publish: failed to publish reply")
	}
}

func runOnce(ctx context.Context, argv []string, cwd string, timeout time.Duration) (proc.Result, error) {
	return proc.Run(ctx, argv, cwd, timeout)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

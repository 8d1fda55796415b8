package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"

	"github.com/gosuda/warelay/internal/messenger"
)

const maxEventBody = 1 << 20

// InboundHandler receives messages addressed to the bot.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in messenger.Inbound) error
}

// Handler processes Slack Events API webhooks.
type Handler struct {
	signingSecret   string
	inbound         InboundHandler
	botUserID       string
	dispatchTimeout time.Duration
	wg              sync.WaitGroup
}

// HandlerOption configures optional Handler parameters.
type HandlerOption func(*Handler)

// WithBotUserID ignores messages authored by the bot's own user.
func WithBotUserID(id string) HandlerOption {
	return func(h *Handler) {
		h.botUserID = id
	}
}

// WithDispatchTimeout bounds how long a dispatched message may run.
func WithDispatchTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.dispatchTimeout = d
	}
}

// NewHandler creates a new Slack webhook handler.
func NewHandler(signingSecret string, inbound InboundHandler, opts ...HandlerOption) *Handler {
	h := &Handler{
		signingSecret:   signingSecret,
		inbound:         inbound,
		dispatchTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// slackEvent represents the outer envelope of Slack Events API payloads.
type slackEvent struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// innerEvent represents the inner event within an event_callback.
type innerEvent struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type,omitempty"`
	Text        string `json:"text"`
	User        string `json:"user"`
	BotID       string `json:"bot_id,omitempty"`
	TS          string `json:"ts"`
}

// HandleEvents is an http.HandlerFunc for POST /slack/events.
// Accepted messages are answered asynchronously; Slack gets its 200 right away.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if verifyErr := h.verifySignature(r.Header, body); verifyErr != nil {
		log.Warn().Err(verifyErr).Msg("slack.Handler.HandleEvents: rejected request")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	// Slack retries deliveries it considers slow; the first delivery is
	// already being handled.
	if retry := r.Header.Get("X-Slack-Retry-Num"); retry != "" {
		log.Debug().Str("retry", retry).Str("reason", r.Header.Get("X-Slack-Retry-Reason")).
			Msg("slack.Handler.HandleEvents: retry ignored")
		w.WriteHeader(http.StatusOK)
		return
	}

	var envelope slackEvent
	if unmarshalErr := json.Unmarshal(body, &envelope); unmarshalErr != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	switch envelope.Type {
	case "url_verification":
		h.handleURLVerification(w, envelope.Challenge)
	case "event_callback":
		h.handleEventCallback(r.Context(), w, envelope.Event)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// Wait blocks until every dispatched message has been handled.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// handleURLVerification responds to Slack's URL verification challenge.
func (h *Handler) handleURLVerification(w http.ResponseWriter, challenge string) {
	w.Header().Set("Content-Type", "application/json")

	resp := map[string]string{"challenge": challenge}
	if encodeErr := json.NewEncoder(w).Encode(resp); encodeErr != nil {
		log.Error().Err(encodeErr).Msg("slack.Handler.handleURLVerification: encode response")
	}
}

// handleEventCallback processes an event_callback payload.
func (h *Handler) handleEventCallback(ctx context.Context, w http.ResponseWriter, rawEvent json.RawMessage) {
	var evt innerEvent
	if unmarshalErr := json.Unmarshal(rawEvent, &evt); unmarshalErr != nil {
		http.Error(w, "invalid event JSON", http.StatusBadRequest)
		return
	}

	in, ok := h.toInbound(evt)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	dispatchCtx := context.WithoutCancel(ctx)
	h.wg.Go(func() {
		runCtx, cancel := context.WithTimeout(dispatchCtx, h.dispatchTimeout)
		defer cancel()

		if err := h.inbound.HandleInbound(runCtx, in); err != nil {
			log.Error().Err(err).Str("channel", in.ChannelID).Str("user", in.UserID).
				Msg("slack.Handler.handleEventCallback: dispatch failed")
		}
	})

	w.WriteHeader(http.StatusOK)
}

// toInbound accepts direct messages and mentions from humans.
func (h *Handler) toInbound(evt innerEvent) (messenger.Inbound, bool) {
	if evt.BotID != "" || evt.Subtype != "" || evt.User == "" {
		return messenger.Inbound{}, false
	}
	if h.botUserID != "" && evt.User == h.botUserID {
		return messenger.Inbound{}, false
	}

	text := evt.Text
	switch {
	case evt.Type == "message" && evt.ChannelType == "im":
	case evt.Type == "app_mention":
		text = StripMention(text)
	default:
		return messenger.Inbound{}, false
	}

	return messenger.Inbound{
		Platform:  Platform,
		ChannelID: evt.Channel,
		UserID:    evt.User,
		MessageID: evt.Channel + ":" + evt.TS,
		Text:      text,
	}, true
}

// verifySignature validates the Slack request signature using the signing secret.
func (h *Handler) verifySignature(header http.Header, body []byte) error {
	sv, err := slacklib.NewSecretsVerifier(header, h.signingSecret)
	if err != nil {
		return fmt.Errorf("slack.Handler.verifySignature: create verifier: %w", err)
	}

	if _, writeErr := sv.Write(body); writeErr != nil {
		return fmt.Errorf("slack.Handler.verifySignature: write body: %w", writeErr)
	}

	if ensureErr := sv.Ensure(); ensureErr != nil {
		return fmt.Errorf("slack.Handler.verifySignature: ensure: %w", ensureErr)
	}

	return nil
}

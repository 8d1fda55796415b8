package messenger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/warelay/internal/metrics"
	"github.com/gosuda/warelay/internal/relay"
)

// DefaultChunkLimit bounds the size of each outbound message.
const DefaultChunkLimit = 1600

// Replier produces the agent reply for an inbound message.
type Replier interface {
	Reply(ctx context.Context, req relay.Request) (*relay.Reply, error)
}

// Router relays inbound chat messages to the agent and sends the reply back
// to the originating channel.
type Router struct {
	replier    Replier
	messenger  Messenger
	dedupe     *Dedupe
	chunkLimit int
}

// RouterOption configures optional Router parameters.
type RouterOption func(*Router)

// WithChunkLimit sets the maximum size of each outbound message.
func WithChunkLimit(n int) RouterOption {
	return func(r *Router) {
		r.chunkLimit = n
	}
}

// WithDedupe replaces the default duplicate-message cache.
func WithDedupe(d *Dedupe) RouterOption {
	return func(r *Router) {
		if d != nil {
			r.dedupe = d
		}
	}
}

// NewRouter creates a Router with the required dependencies.
func NewRouter(replier Replier, msg Messenger, opts ...RouterOption) *Router {
	r := &Router{
		replier:    replier,
		messenger:  msg,
		chunkLimit: DefaultChunkLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dedupe == nil {
		r.dedupe = NewDedupe(10*time.Minute, 1000)
	}
	return r
}

// HandleInbound answers one inbound message. Messages whose platform ID was
// already handled are dropped.
func (r *Router) HandleInbound(ctx context.Context, in Inbound) error {
	if strings.TrimSpace(in.Text) == "" {
		return nil
	}
	if in.MessageID != "" && r.dedupe.CheckAndMark(in.Platform+":"+in.MessageID) {
		metrics.RecordDuplicate(in.Platform)
		log.Debug().Str("platform", in.Platform).Str("message_id", in.MessageID).
			Msg("messenger.Router.HandleInbound: duplicate dropped")
		return nil
	}

	reply, err := r.replier.Reply(ctx, relay.Request{
		SessionKey: in.SessionKey(),
		Body:       in.Text,
		From:       in.UserID,
		To:         in.ChannelID,
		MessageID:  in.MessageID,
	})
	if err != nil {
		return fmt.Errorf("messenger.Router.HandleInbound: %w", err)
	}

	for _, text := range reply.Texts {
		for _, chunk := range relay.Chunk(text, r.chunkLimit) {
			if _, sendErr := r.messenger.SendMessage(ctx, in.ChannelID, chunk); sendErr != nil {
				return fmt.Errorf("messenger.Router.HandleInbound: send: %w", sendErr)
			}
		}
	}
	return nil
}

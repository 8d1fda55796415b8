package ws

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	redisstore "github.com/gosuda/warelay/internal/store/redis"
)

// Subscriber abstracts the Redis pub/sub subscribe operation.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Hub manages WebSocket connections backed by Redis pub/sub.
type Hub struct {
	pubsub         Subscriber
	originPatterns []string
}

// NewHub creates a new WebSocket hub. originPatterns lists the hosts allowed
// to open cross-origin connections.
func NewHub(pubsub Subscriber, originPatterns ...string) *Hub {
	return &Hub{pubsub: pubsub, originPatterns: originPatterns}
}

// ServeReplies handles WebSocket connections that follow one conversation.
// Subscribes to Redis channel "reply:<session_key>" and forwards every reply
// event as a text message.
func (h *Hub) ServeReplies(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("session_key")
	if key == "" {
		http.Error(w, "missing session_key", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		log.Error().Err(err).Msg("ws.Hub.ServeReplies: accept")
		return
	}
	defer conn.CloseNow()

	// Clients never send; reading keeps control frames flowing and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	channel := redisstore.ReplyChannel(key)

	messages, cleanup, err := h.pubsub.Subscribe(ctx, channel)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("ws.Hub.ServeReplies: subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("ws.Hub.ServeReplies: write")
				return
			}
		}
	}
}

package messenger

import "context"

// MessageID uniquely identifies a message within a messenger platform.
type MessageID string

// Messenger abstracts outbound delivery to a chat platform.
type Messenger interface {
	// SendMessage posts a text message to a channel and returns its platform message ID.
	SendMessage(ctx context.Context, channelID, text string) (MessageID, error)

	// Platform returns the messenger platform identifier (e.g. "slack").
	Platform() string
}

// Inbound is a message received from a chat platform.
type Inbound struct {
	Platform  string
	ChannelID string
	UserID    string
	MessageID string
	Text      string
}

// SessionKey identifies the conversation an inbound message belongs to.
func (in Inbound) SessionKey() string {
	return in.Platform + ":" + in.ChannelID + ":" + in.UserID
}

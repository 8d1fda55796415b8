package messenger_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/warelay/internal/messenger"
	"github.com/gosuda/warelay/internal/relay"
)

// --- mock Messenger ---

type sentMessage struct {
	ChannelID string
	Text      string
}

type mockMessenger struct {
	mu      sync.Mutex
	sent    []sentMessage
	sendErr error
}

func (m *mockMessenger) SendMessage(_ context.Context, channelID, text string) (messenger.MessageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.sent = append(m.sent, sentMessage{ChannelID: channelID, Text: text})
	return messenger.MessageID("m-" + text[:min(len(text), 4)]), nil
}

func (m *mockMessenger) Platform() string { return "mock" }

func (m *mockMessenger) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.Text)
	}
	return out
}

// --- mock Replier ---

type mockReplier struct {
	texts []string
	err   error
	calls []relay.Request
}

func (m *mockReplier) Reply(_ context.Context, req relay.Request) (*relay.Reply, error) {
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	return &relay.Reply{Texts: m.texts}, nil
}

func inbound(id, text string) messenger.Inbound {
	return messenger.Inbound{
		Platform:  "slack",
		ChannelID: "D123",
		UserID:    "U456",
		MessageID: id,
		Text:      text,
	}
}

func TestInbound_SessionKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "slack:D123:U456", inbound("1", "hi").SessionKey())
}

func TestRouter_HandleInbound(t *testing.T) {
	t.Parallel()

	replier := &mockReplier{texts: []string{"first", "second"}}
	msg := &mockMessenger{}
	router := messenger.NewRouter(replier, msg)

	err := router.HandleInbound(t.Context(), inbound("1700000000.0001", "  hello  "))

	require.NoError(t, err)
	require.Len(t, replier.calls, 1)
	call := replier.calls[0]
	assert.Equal(t, "slack:D123:U456", call.SessionKey)
	assert.Equal(t, "  hello  ", call.Body)
	assert.Equal(t, "U456", call.From)
	assert.Equal(t, "D123", call.To)
	assert.Equal(t, "1700000000.0001", call.MessageID)

	assert.Equal(t, []string{"first", "second"}, msg.texts())
	for _, s := range msg.sent {
		assert.Equal(t, "D123", s.ChannelID)
	}
}

func TestRouter_HandleInbound_ChunksInOrder(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 12) + "\n" + strings.Repeat("b", 12)
	replier := &mockReplier{texts: []string{long, "tail"}}
	msg := &mockMessenger{}
	router := messenger.NewRouter(replier, msg, messenger.WithChunkLimit(16))

	require.NoError(t, router.HandleInbound(t.Context(), inbound("1", "hi")))

	assert.Equal(t, []string{strings.Repeat("a", 12), strings.Repeat("b", 12), "tail"}, msg.texts())
}

func TestRouter_HandleInbound_DropsDuplicates(t *testing.T) {
	t.Parallel()

	replier := &mockReplier{texts: []string{"ok"}}
	msg := &mockMessenger{}
	router := messenger.NewRouter(replier, msg)

	require.NoError(t, router.HandleInbound(t.Context(), inbound("42", "hi")))
	require.NoError(t, router.HandleInbound(t.Context(), inbound("42", "hi")))
	require.NoError(t, router.HandleInbound(t.Context(), inbound("43", "hi")))

	assert.Len(t, replier.calls, 2)
	assert.Len(t, msg.sent, 2)
}

func TestRouter_HandleInbound_IgnoresBlankText(t *testing.T) {
	t.Parallel()

	replier := &mockReplier{texts: []string{"ok"}}
	msg := &mockMessenger{}
	router := messenger.NewRouter(replier, msg)

	require.NoError(t, router.HandleInbound(t.Context(), inbound("1", " \n\t")))

	assert.Empty(t, replier.calls)
	assert.Empty(t, msg.sent)
}

func TestRouter_HandleInbound_Errors(t *testing.T) {
	t.Parallel()

	errAgent := errors.New("agent exploded")
	errSend := errors.New("channel_not_found")

	tests := []struct {
		name     string
		replier  *mockReplier
		msg      *mockMessenger
		expected error
	}{
		{
			name:     "reply error",
			replier:  &mockReplier{err: errAgent},
			msg:      &mockMessenger{},
			expected: errAgent,
		},
		{
			name:     "send error",
			replier:  &mockReplier{texts: []string{"ok"}},
			msg:      &mockMessenger{sendErr: errSend},
			expected: errSend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router := messenger.NewRouter(tt.replier, tt.msg)
			err := router.HandleInbound(t.Context(), inbound("1", "hi"))

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestDedupe_CheckAndMark(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	d := messenger.NewDedupe(time.Minute, 10)
	d.SetClock(func() time.Time { return now })

	assert.False(t, d.CheckAndMark("a"))
	assert.True(t, d.CheckAndMark("a"))

	now = now.Add(time.Minute)
	assert.False(t, d.CheckAndMark("a"), "expired keys are new again")
	assert.Equal(t, 1, d.Len())
}

func TestDedupe_EvictsOldest(t *testing.T) {
	t.Parallel()

	d := messenger.NewDedupe(time.Hour, 2)

	assert.False(t, d.CheckAndMark("a"))
	assert.False(t, d.CheckAndMark("b"))
	assert.False(t, d.CheckAndMark("c"))
	assert.Equal(t, 2, d.Len())

	assert.True(t, d.CheckAndMark("c"))
	assert.True(t, d.CheckAndMark("b"))
	assert.False(t, d.CheckAndMark("a"), "oldest key was evicted")
}

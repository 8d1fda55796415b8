package slack_test

import (
	"errors"
	"testing"

	slacklib "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/warelay/internal/messenger"
	wslack "github.com/gosuda/warelay/internal/messenger/slack"
)

// --- mock SlackAPI ---

type mockSlackAPI struct {
	postMsgChannel string
	postMsgTS      string
	postMsgErr     error
	postMsgOpts    []slacklib.MsgOption
}

func (m *mockSlackAPI) PostMessage(channelID string, options ...slacklib.MsgOption) (ch, ts string, err error) {
	m.postMsgChannel = channelID
	m.postMsgOpts = options
	if m.postMsgErr != nil {
		return "", "", m.postMsgErr
	}
	return m.postMsgChannel, m.postMsgTS, nil
}

// --- SlackMessenger tests ---

func TestSlackMessenger_SendMessage(t *testing.T) {
	t.Parallel()

	t.Run("success returns message timestamp as MessageID", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()

		api := &mockSlackAPI{postMsgTS: "1234567890.123456"}
		m := wslack.NewSlackMessenger(api)

		msgID, err := m.SendMessage(ctx, "D123", "hello world")

		require.NoError(t, err)
		assert.Equal(t, messenger.MessageID("1234567890.123456"), msgID)
		assert.Equal(t, "D123", api.postMsgChannel)
		assert.Len(t, api.postMsgOpts, 2)
	})

	t.Run("error wraps Slack API error", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()

		api := &mockSlackAPI{postMsgErr: errors.New("channel_not_found")}
		m := wslack.NewSlackMessenger(api)

		msgID, err := m.SendMessage(ctx, "C999", "hello")

		require.Error(t, err)
		assert.Empty(t, msgID)
		assert.Contains(t, err.Error(), "slack.SlackMessenger.SendMessage")
		assert.Contains(t, err.Error(), "channel_not_found")
	})
}

func TestSlackMessenger_Platform(t *testing.T) {
	t.Parallel()

	m := wslack.NewSlackMessenger(&mockSlackAPI{})
	assert.Equal(t, "slack", m.Platform())
}

func TestStripMention(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "encoded mention", input: "<@U12345> what is up", expected: "what is up"},
		{name: "mention with label", input: "<@U12345|warelay>: hi", expected: "hi"},
		{name: "leading whitespace", input: "  <@UABC>   /new  ", expected: "/new"},
		{name: "no mention", input: "plain text", expected: "plain text"},
		{name: "mention only", input: "<@U1>", expected: ""},
		{name: "inner mention kept", input: "ask <@U2> later", expected: "ask <@U2> later"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, wslack.StripMention(tt.input))
		})
	}
}

package v1_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/warelay/internal/agent"
	"github.com/gosuda/warelay/internal/agent/proc"
	v1 "github.com/gosuda/warelay/internal/api/v1"
	"github.com/gosuda/warelay/internal/relay"
)

// ---------------------------------------------------------------------------
// Mock Replier
// ---------------------------------------------------------------------------

type mockReplier struct {
	replyFunc func(ctx context.Context, req relay.Request) (*relay.Reply, error)
	resetFunc func(ctx context.Context, key string) error
	kind      agent.Kind
	streaming bool
}

func (m *mockReplier) Reply(ctx context.Context, req relay.Request) (*relay.Reply, error) {
	return m.replyFunc(ctx, req)
}

func (m *mockReplier) ResetSession(ctx context.Context, key string) error {
	return m.resetFunc(ctx, key)
}

func (m *mockReplier) Agent() agent.Kind { return m.kind }

func (m *mockReplier) Streaming() bool { return m.streaming }

type staticCatalog []string

func (c staticCatalog) Available() []string { return c }

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func newTestAPI(t *testing.T, replier *mockReplier) humatest.TestAPI {
	t.Helper()

	_, api := humatest.New(t)
	v1.RegisterPromptRoutes(api, replier)
	v1.RegisterAgentRoutes(api, staticCatalog{"claude", "codex", "gemini", "opencode", "pi"}, replier)

	return api
}

// parseErrorBody decodes the RFC 9457 problem detail from the response body.
func parseErrorBody(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

// ---------------------------------------------------------------------------
// POST /prompt
// ---------------------------------------------------------------------------

func TestRunPrompt(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		replier := &mockReplier{
			replyFunc: func(_ context.Context, req relay.Request) (*relay.Reply, error) {
				assert.Equal(t, "api:alice", req.SessionKey)
				assert.Equal(t, "list the open PRs", req.Body)
				assert.Equal(t, "alice", req.From)
				return &relay.Reply{
					Texts:        []string{"There are 3 open PRs."},
					Meta:         &agent.Meta{Model: "claude-sonnet", Usage: &agent.Usage{Input: 10, Output: 5, Total: 15}},
					SessionID:    "sess-1",
					IsNewSession: true,
				}, nil
			},
		}
		api := newTestAPI(t, replier)

		resp := api.Post("/prompt", map[string]any{
			"session_key": "api:alice",
			"body":        "list the open PRs",
			"from":        "alice",
		})

		require.Equal(t, http.StatusOK, resp.Code)

		var body struct {
			Texts []string `json:"texts"`
			Meta  struct {
				Model string `json:"model"`
			} `json:"meta"`
			SessionID    string `json:"session_id"`
			IsNewSession bool   `json:"is_new_session"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, []string{"There are 3 open PRs."}, body.Texts)
		assert.Equal(t, "claude-sonnet", body.Meta.Model)
		assert.Equal(t, "sess-1", body.SessionID)
		assert.True(t, body.IsNewSession)
	})

	t.Run("validation_error", func(t *testing.T) {
		t.Parallel()

		replier := &mockReplier{
			replyFunc: func(context.Context, relay.Request) (*relay.Reply, error) {
				t.Fatal("Reply must not be called for invalid input")
				return nil, nil
			},
		}
		api := newTestAPI(t, replier)

		resp := api.Post("/prompt", map[string]any{
			"session_key": "",
			"body":        "hi",
		})

		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})

	errCases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "busy", err: proc.ErrBusy, status: http.StatusConflict},
		{name: "timeout", err: &proc.TimeoutError{}, status: http.StatusGatewayTimeout},
		{name: "deadline", err: context.DeadlineExceeded, status: http.StatusGatewayTimeout},
		{name: "exited", err: &proc.ExitError{Code: 1}, status: http.StatusBadGateway},
		{name: "empty_reply", err: relay.ErrEmptyReply, status: http.StatusBadGateway},
		{name: "disposed", err: proc.ErrDisposed, status: http.StatusServiceUnavailable},
		{name: "other", err: errors.New("disk full"), status: http.StatusInternalServerError},
	}

	for _, tc := range errCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			replier := &mockReplier{
				replyFunc: func(context.Context, relay.Request) (*relay.Reply, error) {
					return nil, fmt.Errorf("relay.Runner.Reply: %w", tc.err)
				},
			}
			api := newTestAPI(t, replier)

			resp := api.Post("/prompt", map[string]any{
				"session_key": "api:bob",
				"body":        "hi",
			})

			require.Equal(t, tc.status, resp.Code)
			body := parseErrorBody(t, resp.Body.Bytes())
			assert.InDelta(t, float64(tc.status), body["status"], 0)
		})
	}
}

// ---------------------------------------------------------------------------
// POST /sessions/reset
// ---------------------------------------------------------------------------

func TestResetSession(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		var got string
		replier := &mockReplier{
			resetFunc: func(_ context.Context, key string) error {
				got = key
				return nil
			},
		}
		api := newTestAPI(t, replier)

		resp := api.Post("/sessions/reset", map[string]any{"session_key": "slack:D1:U1"})

		assert.Equal(t, http.StatusNoContent, resp.Code)
		assert.Equal(t, "slack:D1:U1", got)
	})

	t.Run("store_error", func(t *testing.T) {
		t.Parallel()

		replier := &mockReplier{
			resetFunc: func(context.Context, string) error {
				return errors.New("redis down")
			},
		}
		api := newTestAPI(t, replier)

		resp := api.Post("/sessions/reset", map[string]any{"session_key": "k"})

		assert.Equal(t, http.StatusInternalServerError, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /agents
// ---------------------------------------------------------------------------

func TestListAgents(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, &mockReplier{kind: agent.KindPi, streaming: true})

	resp := api.Get("/agents")

	require.Equal(t, http.StatusOK, resp.Code)

	var body v1.AgentsBody
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, []string{"claude", "codex", "gemini", "opencode", "pi"}, body.Available)
	assert.Equal(t, "pi", body.Active)
	assert.True(t, body.Streaming)
}

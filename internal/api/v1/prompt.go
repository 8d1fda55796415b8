package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/warelay/internal/agent/proc"
	"github.com/gosuda/warelay/internal/relay"
)

type RunPromptInput struct {
	Body struct {
		SessionKey string `json:"session_key" minLength:"1" maxLength:"256" doc:"Conversation key (e.g. slack:D123:U456)"`
		Body       string `json:"body" minLength:"1" doc:"Message text sent to the agent"`
		From       string `json:"from,omitempty" maxLength:"256" doc:"Sender identifier exposed to the command template"`
		To         string `json:"to,omitempty" maxLength:"256" doc:"Recipient identifier exposed to the command template"`
	}
}

type RunPromptOutput struct {
	Body *relay.Reply
}

type ResetSessionInput struct {
	Body struct {
		SessionKey string `json:"session_key" minLength:"1" maxLength:"256" doc:"Conversation key to reset"`
	}
}

func RegisterPromptRoutes(api huma.API, replier Replier) {
	huma.Register(api, huma.Operation{
		OperationID: "run-prompt",
		Method:      http.MethodPost,
		Path:        "/prompt",
		Summary:     "Send a message to the configured agent and wait for its reply",
		Tags:        []string{"Prompts"},
	}, func(ctx context.Context, input *RunPromptInput) (*RunPromptOutput, error) {
		reply, err := replier.Reply(ctx, relay.Request{
			SessionKey: input.Body.SessionKey,
			Body:       input.Body.Body,
			From:       input.Body.From,
			To:         input.Body.To,
		})
		if err != nil {
			return nil, promptError(err)
		}

		return &RunPromptOutput{Body: reply}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reset-session",
		Method:        http.MethodPost,
		Path:          "/sessions/reset",
		Summary:       "Forget a conversation and stop the persistent agent process",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *ResetSessionInput) (*struct{}, error) {
		if err := replier.ResetSession(ctx, input.Body.SessionKey); err != nil {
			return nil, huma.Error500InternalServerError("failed to reset session", err)
		}

		return nil, nil
	})
}

// promptError maps invocation failures onto HTTP problems.
func promptError(err error) error {
	switch {
	case errors.Is(err, proc.ErrBusy):
		return huma.Error409Conflict("agent is busy with another request")
	case errors.Is(err, proc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout("agent did not reply in time")
	case errors.Is(err, proc.ErrExited), errors.Is(err, relay.ErrEmptyReply):
		return huma.Error502BadGateway("agent failed", err)
	case errors.Is(err, proc.ErrDisposed):
		return huma.Error503ServiceUnavailable("agent process was reset")
	default:
		return huma.Error500InternalServerError("failed to run prompt", err)
	}
}

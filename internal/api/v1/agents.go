package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

type AgentsBody struct {
	Available []string `json:"available" doc:"Agent kinds known to the server"`
	Active    string   `json:"active" doc:"Agent kind answering prompts"`
	Streaming bool     `json:"streaming" doc:"Whether the active agent keeps a persistent process"`
}

type ListAgentsOutput struct {
	Body AgentsBody
}

func RegisterAgentRoutes(api huma.API, catalog AgentCatalog, replier Replier) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List available agents and the active one",
		Tags:        []string{"Agents"},
	}, func(_ context.Context, _ *struct{}) (*ListAgentsOutput, error) {
		return &ListAgentsOutput{Body: AgentsBody{
			Available: catalog.Available(),
			Active:    string(replier.Agent()),
			Streaming: replier.Streaming(),
		}}, nil
	})
}

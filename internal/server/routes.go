package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/warelay/internal/api/v1"
	"github.com/gosuda/warelay/internal/api/ws"
	wslack "github.com/gosuda/warelay/internal/messenger/slack"
)

func registerPromptRoutes(api huma.API, replier v1.Replier) {
	v1.RegisterPromptRoutes(api, replier)
}

func registerReadRoutes(api huma.API, catalog v1.AgentCatalog, replier v1.Replier) {
	v1.RegisterAgentRoutes(api, catalog, replier)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/replies", hub.ServeReplies)
}

func registerSlackRoutes(r chi.Router, handler *wslack.Handler) {
	r.Post("/events", handler.HandleEvents)
}

package v1

import (
	"context"

	"github.com/gosuda/warelay/internal/agent"
	"github.com/gosuda/warelay/internal/relay"
)

// Replier abstracts the relay runner for handler testing.
// *relay.Runner satisfies this interface.
type Replier interface {
	Reply(ctx context.Context, req relay.Request) (*relay.Reply, error)
	ResetSession(ctx context.Context, key string) error
	Agent() agent.Kind
	Streaming() bool
}

// AgentCatalog lists the agent kinds the server knows about.
// *agent.Registry satisfies this interface.
type AgentCatalog interface {
	Available() []string
}

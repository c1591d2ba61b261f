package orchestrator

import (
	"context"

	"forgeloop/internal/gateway"
)

// gatewayAgent adapts a gateway role into the Agent capability the
// orchestrator consumes.
type gatewayAgent struct {
	gw         *gateway.Gateway
	sessionID  string
	role       string
	complexity gateway.Complexity
}

func (a *gatewayAgent) Invoke(ctx context.Context, prompt, plan string) (*AgentResult, error) {
	res, err := a.gw.Invoke(ctx, gateway.Request{
		SessionID:  a.sessionID,
		Role:       a.role,
		Prompt:     prompt,
		Plan:       plan,
		Complexity: a.complexity,
	})
	if err != nil {
		return nil, err
	}
	return &AgentResult{
		Content:    res.Content,
		TokenCount: res.TokenCount,
		Model:      res.Model,
	}, nil
}

// NewAgents builds the planner/builder/fixer trio for a session, all
// backed by the gateway's routing.
func NewAgents(gw *gateway.Gateway, sessionID string, complexity gateway.Complexity) Agents {
	return Agents{
		Planner: &gatewayAgent{gw: gw, sessionID: sessionID, role: gateway.RolePlanner, complexity: complexity},
		Builder: &gatewayAgent{gw: gw, sessionID: sessionID, role: gateway.RoleBuilder, complexity: complexity},
		Fixer:   &gatewayAgent{gw: gw, sessionID: sessionID, role: gateway.RoleFixer, complexity: complexity},
	}
}

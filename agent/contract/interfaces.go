package contract

import "context"

// Planner is the planning collaborator boundary. Its output is untrusted and
// must pass the plan validator before any step is dispatched.
type Planner interface {
	Plan(ctx context.Context, req PlannerRequest) (PlannerResponse, error)
}

// ToolGateway invokes a named remote tool with structured arguments. Every
// call carries the case id for correlation. Implementations are stateless and
// safe to share across concurrent cases.
type ToolGateway interface {
	Execute(ctx context.Context, caseID string, tool string, args map[string]any) (ToolResult, error)
}

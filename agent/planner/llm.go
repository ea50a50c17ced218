package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/hydronix/warranty-agent/agent/contract"
	"github.com/hydronix/warranty-agent/agent/state"
	"github.com/hydronix/warranty-agent/agent/workflow"
)

// LLMPlanner asks a chat model for a structured plan. Output is parsed as
// JSON and schema-checked; anything outside the closed step and tool sets is
// an ErrSchemaViolation before the validator ever sees it.
type LLMPlanner struct {
	runner compose.Runnable[map[string]any, plannerLLMOutput]
}

type plannerLLMOutput struct {
	Plan          []contract.PlanStep `json:"plan"`
	Reasoning     string              `json:"reasoning,omitempty"`
	Decision      string              `json:"decision,omitempty"`
	DeclineReason string              `json:"decline_reason,omitempty"`
}

func NewLLMPlanner(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string) (*LLMPlanner, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("%w: chat model is required", contract.ErrValidation)
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, contract.ErrPromptMissing
	}
	runner, err := compilePlannerGraph(ctx, chatModel, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contract.ErrModelInvoke, err)
	}
	return &LLMPlanner{runner: runner}, nil
}

func (p *LLMPlanner) Plan(ctx context.Context, req contract.PlannerRequest) (contract.PlannerResponse, error) {
	if req.Case == nil {
		return contract.PlannerResponse{}, fmt.Errorf("%w: planner request without case", contract.ErrValidation)
	}

	payload := map[string]any{
		"user_message":             req.UserMessage,
		"case":                     summarizeCase(req.Case),
		"prior_validation_failure": req.PriorFailure,
		"now":                      req.Now.UTC().Format("2006-01-02"),
	}
	inputBytes, err := json.Marshal(payload)
	if err != nil {
		return contract.PlannerResponse{}, fmt.Errorf("%w: marshal planner payload: %v", contract.ErrValidation, err)
	}

	out, err := p.runner.Invoke(ctx, map[string]any{
		"input": string(inputBytes),
	})
	if err != nil {
		return contract.PlannerResponse{}, fmt.Errorf("%w: planner invoke: %v", contract.ErrModelInvoke, err)
	}

	resp := contract.PlannerResponse{
		Plan: contract.Plan{
			Steps:     out.Plan,
			Reasoning: strings.TrimSpace(out.Reasoning),
		},
		DeclineReason: strings.TrimSpace(out.DeclineReason),
	}

	switch strings.ToUpper(strings.TrimSpace(out.Decision)) {
	case "":
	case string(state.DecisionProceed):
		resp.Decision = state.DecisionProceed
	case string(state.DecisionDecline):
		resp.Decision = state.DecisionDecline
	case string(state.DecisionPending):
	default:
		return contract.PlannerResponse{}, fmt.Errorf("%w: unsupported decision %q", contract.ErrSchemaViolation, out.Decision)
	}

	if err := validateLLMPlan(resp.Plan); err != nil {
		return contract.PlannerResponse{}, err
	}
	return resp, nil
}

func validateLLMPlan(plan contract.Plan) error {
	for i, step := range plan.Steps {
		if !contract.KnownStepType(step.Type) {
			return fmt.Errorf("%w: step %d has unsupported step_type=%q", contract.ErrSchemaViolation, i, step.Type)
		}
		switch step.Type {
		case contract.StepCallTool:
			if _, ok := workflow.LookupTool(step.ToolName); !ok {
				return fmt.Errorf("%w: step %d names unsupported tool=%q", contract.ErrSchemaViolation, i, step.ToolName)
			}
		case contract.StepReturnAction:
			if !contract.KnownActionType(step.ActionType) {
				return fmt.Errorf("%w: step %d has unsupported action_type=%q", contract.ErrSchemaViolation, i, step.ActionType)
			}
		case contract.StepAskUserForInfo:
			if strings.TrimSpace(step.Message) == "" {
				return fmt.Errorf("%w: step %d asks the user without a question", contract.ErrSchemaViolation, i)
			}
		}
	}
	return nil
}

// summarizeCase renders the case for the model: the fields the plan depends
// on, never the raw record.
func summarizeCase(c *state.CaseContext) map[string]any {
	executed := make([]map[string]any, 0, len(c.ExecutedSteps))
	for _, rec := range c.ExecutedSteps {
		entry := map[string]any{
			"tool": rec.Tool,
			"args": rec.Args,
			"ok":   rec.Succeeded(),
		}
		if rec.Failure != nil {
			entry["failure"] = rec.Failure.Message
		}
		executed = append(executed, entry)
	}

	out := map[string]any{
		"case_id":           c.CaseID,
		"gates":             c.Gates,
		"product_id":        c.ProductID,
		"serial_number":     c.SerialNumber,
		"product_family":    c.ProductFamily,
		"location":          c.Location,
		"warranty_status":   c.Warranty,
		"customer_decision": c.Decision,
		"pending_question":  c.PendingQuestion,
		"pending_fields":    c.PendingFields,
		"executed_steps":    executed,
		"stage":             c.Stage,
	}
	if c.PotentialCharges != nil {
		out["potential_charges"] = *c.PotentialCharges
	}
	if c.TerritoryChecked != nil {
		out["territory_checked"] = *c.TerritoryChecked
	}
	if c.TerritoryServiceable != nil {
		out["territory_serviceable"] = *c.TerritoryServiceable
	}
	return out
}

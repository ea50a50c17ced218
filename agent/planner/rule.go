// Package planner produces plans for the warranty workflow. Two planners are
// provided: a deterministic rule planner that encodes the workflow directly,
// and an LLM planner for conversational plan generation. Both are untrusted by
// the orchestrator and pass the validator before execution.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/hydronix/warranty-agent/agent/contract"
	"github.com/hydronix/warranty-agent/agent/state"
	"github.com/hydronix/warranty-agent/agent/workflow"
)

const proceedConfirmationField = "proceed_confirmation"

var proceedWords = []string{"yes", "proceed", "continue", "ok", "okay", "sure", "agree"}

var declineWords = []string{"no", "cancel", "stop", "decline", "don't", "dont"}

// RulePlanner derives plans directly from case state. It is deterministic and
// needs no model access, which also makes it the fallback when no LLM is
// configured.
type RulePlanner struct{}

func NewRulePlanner() *RulePlanner {
	return &RulePlanner{}
}

func (p *RulePlanner) Plan(_ context.Context, req contract.PlannerRequest) (contract.PlannerResponse, error) {
	c := req.Case
	if c == nil {
		return contract.PlannerResponse{}, fmt.Errorf("%w: planner request without case", contract.ErrValidation)
	}

	if !c.GateSatisfied(state.GateLogin) {
		return respond("user not logged in, prompting for login", contract.PlanStep{
			Type:        contract.StepReturnAction,
			Description: "User must be logged in to proceed with warranty service",
			ActionType:  contract.ActionPromptLogin,
			Message:     "Please log in to access warranty services. You can ask simple questions without logging in, but warranty claims require authentication.",
		}), nil
	}

	if !c.GateSatisfied(state.GateRegistration) {
		return respond("no registered products, prompting for registration", contract.PlanStep{
			Type:        contract.StepReturnAction,
			Description: "User must have registered products to proceed",
			ActionType:  contract.ActionPromptRegistration,
			Message:     "You don't have any registered products. Please register your product to access warranty services.",
		}), nil
	}

	if missing := c.MissingFields(); len(missing) > 0 {
		return respond("missing required fields: "+strings.Join(missing, ", "), contract.PlanStep{
			Type:           contract.StepAskUserForInfo,
			Description:    "Collect missing information required for warranty processing",
			RequiredFields: missing,
			Message:        "To help you with your warranty request, I need the following information: " + strings.Join(missing, ", "),
		}), nil
	}

	if c.ProductFamily == "" || !c.Warranty.Resolved() {
		return respond("need to determine warranty status and product family",
			contract.PlanStep{
				Type:        contract.StepCallTool,
				Description: "Look up warranty record to determine product family and warranty status",
				ToolName:    workflow.ToolGetWarrantyRecord,
				ToolArgs:    map[string]any{"product_id": productIdentifier(c)},
			},
			contract.PlanStep{
				Type:        contract.StepRespondToUser,
				Description: "Inform user of warranty lookup results",
				Message:     "I've retrieved your warranty information. Let me explain your coverage...",
			},
		), nil
	}

	switch c.ProductFamily {
	case state.FamilyConsumable:
		return p.consumablePlan(c), nil
	case state.FamilyAppliance:
		return p.appliancePlan(c, req.UserMessage), nil
	}

	return respond(fmt.Sprintf("unknown product family %q, escalating", c.ProductFamily),
		contract.PlanStep{
			Type:        contract.StepRespondToUser,
			Description: "Handle unknown product family",
			Message:     "I found an unexpected product type on your account. Let me connect you with support.",
		},
		contract.PlanStep{
			Type:        contract.StepReturnAction,
			Description: "Escalate unknown product family",
			ActionType:  contract.ActionEscalate,
		},
	), nil
}

func (p *RulePlanner) consumablePlan(c *state.CaseContext) contract.PlannerResponse {
	loc := c.Location.ToArgs()

	if c.Warranty.State != state.WarrantyActive {
		return respond("consumable out of warranty, returning service directory",
			contract.PlanStep{
				Type:        contract.StepCallTool,
				Description: "Get service directory for out-of-warranty product",
				ToolName:    workflow.ToolGetServiceDirectory,
				ToolArgs:    withFamily(loc, c.ProductFamily),
			},
			contract.PlanStep{
				Type:        contract.StepRespondToUser,
				Description: "Present service providers to customer",
				Message:     "Your product is no longer under warranty. Here are authorized service providers in your area:",
			},
			completeStep(),
		)
	}

	return respond("consumable under warranty, queueing case for service",
		contract.PlanStep{
			Type:        contract.StepCallTool,
			Description: "Route warranty case to the salt-system queue",
			ToolName:    workflow.ToolRouteToQueue,
			ToolArgs: map[string]any{
				"queue":    "WarrantySalt",
				"priority": "normal",
				"case_id":  c.CaseID,
			},
		},
		contract.PlanStep{
			Type:        contract.StepCallTool,
			Description: "Notify customer of next steps",
			ToolName:    workflow.ToolNotifyNextSteps,
			ToolArgs: map[string]any{
				"channel":                 c.Channel,
				"template_id":             "warranty_queued",
				"product_id":              c.ProductID,
				"estimated_response_time": "24-48 hours",
				"next_action":             "A warranty specialist will contact you",
			},
		},
		contract.PlanStep{
			Type:        contract.StepRespondToUser,
			Description: "Confirm case creation to customer",
			Message:     "Your warranty claim has been submitted! A specialist will contact you within 24-48 hours.",
		},
		completeStep(),
	)
}

// appliancePlan walks the strict appliance order: charges first, then the
// proceed question, then decline logging or territory check, then payment
// link or directory.
func (p *RulePlanner) appliancePlan(c *state.CaseContext, userMessage string) contract.PlannerResponse {
	loc := c.Location.ToArgs()

	if c.PotentialCharges == nil {
		return respond("appliance path, calculating charges",
			contract.PlanStep{
				Type:        contract.StepCallTool,
				Description: "Calculate potential service charges based on warranty coverage",
				ToolName:    workflow.ToolCalculateCharges,
				ToolArgs:    chargeArgs(c),
			},
			contract.PlanStep{
				Type:        contract.StepRespondToUser,
				Description: "Present charges to the customer",
				Message:     "Based on your warranty coverage, here are the potential charges.",
			},
		)
	}

	decision := c.Decision
	resp := contract.PlannerResponse{}

	if decision == state.DecisionPending {
		if !awaitingProceedConfirmation(c) {
			return respond("appliance path, awaiting customer decision", askProceedStep(*c.PotentialCharges))
		}
		interpreted, reason := interpretDecision(userMessage)
		if interpreted == state.DecisionPending {
			// ambiguous answer, re-ask the same question
			return respond("customer reply ambiguous, re-asking for confirmation", askProceedStep(*c.PotentialCharges))
		}
		decision = interpreted
		resp.Decision = interpreted
		resp.DeclineReason = reason
	}

	if decision == state.DecisionDecline {
		reason := resp.DeclineReason
		if reason == "" {
			reason = c.DeclineReason
		}
		if reason == "" {
			reason = "Customer declined without specific reason"
		}
		resp.Plan = plan("customer declined, logging reason",
			contract.PlanStep{
				Type:        contract.StepCallTool,
				Description: "Log the reason for declining service",
				ToolName:    workflow.ToolLogDeclineReason,
				ToolArgs: map[string]any{
					"reason":            reason,
					"case_id":           c.CaseID,
					"product_id":        c.ProductID,
					"potential_charges": *c.PotentialCharges,
				},
			},
			contract.PlanStep{
				Type:        contract.StepRespondToUser,
				Description: "Acknowledge decline and offer alternatives",
				Message:     "I understand. I've noted your decision. If you change your mind or have any questions, please don't hesitate to reach out. Is there anything else I can help you with?",
			},
			completeStep(),
		)
		return resp
	}

	if c.TerritoryChecked == nil || !*c.TerritoryChecked {
		resp.Plan = plan("customer proceeding, checking territory",
			contract.PlanStep{
				Type:        contract.StepCallTool,
				Description: "Check if the location is in serviceable territory",
				ToolName:    workflow.ToolCheckTerritory,
				ToolArgs:    loc,
			},
		)
		return resp
	}

	if c.TerritoryServiceable == nil || !*c.TerritoryServiceable {
		resp.Plan = plan("territory not serviceable, returning directory",
			contract.PlanStep{
				Type:        contract.StepCallTool,
				Description: "Get service directory for non-serviceable territory",
				ToolName:    workflow.ToolGetServiceDirectory,
				ToolArgs:    withFamily(loc, c.ProductFamily),
			},
			contract.PlanStep{
				Type:        contract.StepRespondToUser,
				Description: "Inform customer about service options",
				Message:     "Unfortunately, your location is outside our direct service territory. Here are authorized service providers in your area who can help:",
			},
			completeStep(),
		)
		return resp
	}

	resp.Plan = plan("serviceable territory, generating payment link",
		contract.PlanStep{
			Type:        contract.StepCallTool,
			Description: "Generate a payment link for the service charges",
			ToolName:    workflow.ToolGeneratePaypalLink,
			ToolArgs: map[string]any{
				"amount":      *c.PotentialCharges,
				"case_id":     c.CaseID,
				"product_id":  c.ProductID,
				"description": "Appliance service charge",
			},
		},
		contract.PlanStep{
			Type:        contract.StepRespondToUser,
			Description: "Provide payment link and next steps",
			Message:     fmt.Sprintf("Great! Please complete your payment of $%.2f using the link below. Once payment is confirmed, we'll schedule your service appointment.", *c.PotentialCharges),
		},
		completeStep(),
	)
	return resp
}

func askProceedStep(charges float64) contract.PlanStep {
	return contract.PlanStep{
		Type:           contract.StepAskUserForInfo,
		Description:    "Ask customer to confirm proceeding with service",
		RequiredFields: []string{proceedConfirmationField},
		Message:        fmt.Sprintf("The estimated charge for service is $%.2f. Would you like to proceed? (Please reply Yes or No. If No, please let me know the reason.)", charges),
	}
}

func completeStep() contract.PlanStep {
	return contract.PlanStep{
		Type:        contract.StepReturnAction,
		Description: "Close the case",
		ActionType:  contract.ActionCaseComplete,
	}
}

// awaitingProceedConfirmation reports whether the case's pending question is
// the proceed/decline confirmation. Only then is the user's message read as an
// answer to it.
func awaitingProceedConfirmation(c *state.CaseContext) bool {
	if c.PendingQuestion == "" {
		return false
	}
	for _, f := range c.PendingFields {
		if f == proceedConfirmationField {
			return true
		}
	}
	return false
}

// interpretDecision classifies a free-text answer to the proceed question.
// Matching is per word, not substring, so "now" never reads as "no". An
// answer matching neither list, or both, stays PENDING.
func interpretDecision(message string) (state.Decision, string) {
	words := map[string]bool{}
	for _, raw := range strings.Fields(strings.ToLower(message)) {
		words[strings.Trim(raw, ".,!?;:'\"()")] = true
	}

	proceed := containsAny(words, proceedWords)
	decline := containsAny(words, declineWords)

	switch {
	case proceed && !decline:
		return state.DecisionProceed, ""
	case decline && !proceed:
		reason := strings.TrimSpace(message)
		if len(reason) <= 10 {
			reason = ""
		}
		return state.DecisionDecline, reason
	}
	return state.DecisionPending, ""
}

func containsAny(words map[string]bool, list []string) bool {
	for _, w := range list {
		if words[w] {
			return true
		}
	}
	return false
}

func productIdentifier(c *state.CaseContext) string {
	if c.ProductID != "" {
		return c.ProductID
	}
	return c.SerialNumber
}

func chargeArgs(c *state.CaseContext) map[string]any {
	coverage := make([]any, 0, len(c.Warranty.CoverageTypes))
	for _, t := range c.Warranty.CoverageTypes {
		coverage = append(coverage, t)
	}
	args := map[string]any{
		"product_id":     productIdentifier(c),
		"product_family": string(c.ProductFamily),
		"coverage_types": coverage,
	}
	for k, v := range c.Location.ToArgs() {
		args[k] = v
	}
	return args
}

func withFamily(loc map[string]any, family state.ProductFamily) map[string]any {
	out := map[string]any{"product_family": string(family)}
	for k, v := range loc {
		out[k] = v
	}
	return out
}

func plan(reasoning string, steps ...contract.PlanStep) contract.Plan {
	return contract.Plan{Steps: steps, Reasoning: reasoning}
}

func respond(reasoning string, steps ...contract.PlanStep) contract.PlannerResponse {
	return contract.PlannerResponse{Plan: plan(reasoning, steps...)}
}

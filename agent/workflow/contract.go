// Package workflow encodes the warranty-service business rules as pure
// predicates over case state, and validates planner output against them before
// anything executes.
package workflow

import (
	"github.com/hydronix/warranty-agent/agent/contract"
	"github.com/hydronix/warranty-agent/agent/state"
)

// Tool names form a closed catalog. The validator rejects anything else.
const (
	ToolGetWarrantyRecord   = "get_warranty_record"
	ToolGetWarrantyTerms    = "get_warranty_terms"
	ToolCalculateCharges    = "calculate_charges"
	ToolCheckTerritory      = "check_territory"
	ToolGetServiceDirectory = "get_service_directory"
	ToolRouteToQueue        = "route_to_queue"
	ToolGeneratePaypalLink  = "generate_paypal_link"
	ToolLogDeclineReason    = "log_decline_reason"
	ToolNotifyNextSteps     = "notify_next_steps"
)

// ToolSpec classifies a tool for execution policy. Read-only tools are safe to
// re-run and to dispatch concurrently; mutating tools are neither.
type ToolSpec struct {
	Name     string
	Mutating bool
}

var toolRegistry = map[string]ToolSpec{
	ToolGetWarrantyRecord:   {Name: ToolGetWarrantyRecord},
	ToolGetWarrantyTerms:    {Name: ToolGetWarrantyTerms},
	ToolCalculateCharges:    {Name: ToolCalculateCharges},
	ToolCheckTerritory:      {Name: ToolCheckTerritory},
	ToolGetServiceDirectory: {Name: ToolGetServiceDirectory},
	ToolRouteToQueue:        {Name: ToolRouteToQueue, Mutating: true},
	ToolGeneratePaypalLink:  {Name: ToolGeneratePaypalLink, Mutating: true},
	ToolLogDeclineReason:    {Name: ToolLogDeclineReason, Mutating: true},
	ToolNotifyNextSteps:     {Name: ToolNotifyNextSteps, Mutating: true},
}

// LookupTool returns the registered ToolSpec for a catalog tool.
func LookupTool(name string) (ToolSpec, bool) {
	spec, ok := toolRegistry[name]
	return spec, ok
}

// IsMutatingTool reports whether a tool changes external state.
func IsMutatingTool(name string) bool {
	spec, ok := toolRegistry[name]
	return ok && spec.Mutating
}

// AllowedNext reports whether a step may run against the current case state.
// It is deterministic and total: any step it cannot positively authorize is
// not allowed, unknown tools included.
func AllowedNext(c *state.CaseContext, step contract.PlanStep) bool {
	if c == nil || c.Terminal || c.Stage == state.StageError {
		return false
	}

	switch step.Type {
	case contract.StepAskUserForInfo:
		return true
	case contract.StepRespondToUser:
		return true
	case contract.StepReturnAction:
		return allowedAction(c, step.ActionType)
	case contract.StepCallTool:
		return allowedToolCall(c, step)
	}
	return false
}

func allowedAction(c *state.CaseContext, a contract.ActionType) bool {
	switch a {
	case contract.ActionPromptLogin:
		return !c.GateSatisfied(state.GateLogin)
	case contract.ActionPromptRegistration:
		return c.GateSatisfied(state.GateLogin) && !c.GateSatisfied(state.GateRegistration)
	case contract.ActionAskUser:
		return true
	case contract.ActionCaseComplete:
		return caseResolved(c)
	case contract.ActionEscalate:
		return true
	}
	return false
}

// caseResolved reports whether an outcome-bearing step has already run, so
// closing the case cannot orphan a live branch. A declined case stays open
// until the decline reason is logged.
func caseResolved(c *state.CaseContext) bool {
	if c.Decision == state.DecisionDecline {
		return c.ExecutedOK(ToolLogDeclineReason)
	}
	return c.ExecutedOK(ToolGeneratePaypalLink) ||
		c.ExecutedOK(ToolRouteToQueue) ||
		c.ExecutedOK(ToolGetServiceDirectory) ||
		c.ExecutedOK(ToolLogDeclineReason)
}

func allowedToolCall(c *state.CaseContext, step contract.PlanStep) bool {
	spec, known := LookupTool(step.ToolName)
	if !known {
		return false
	}
	// no tool runs before the gates hold, in order
	if !c.GatesSatisfied() {
		return false
	}
	// a mutating step that already ran with identical args never runs again;
	// read-only repeats are wasteful but harmless, the validator drops them
	if spec.Mutating {
		if _, barred := c.HasExecuted(step.ToolName, step.ToolArgs); barred {
			return false
		}
	}

	switch step.ToolName {
	case ToolGetWarrantyRecord, ToolGetWarrantyTerms:
		return true

	case ToolCalculateCharges:
		// charges are an appliance-branch concept, computed once the
		// warranty lookup has resolved coverage
		return c.ProductFamily == state.FamilyAppliance && c.Warranty.Resolved()

	case ToolCheckTerritory:
		// territory only matters after the customer agreed to the charges
		return c.ProductFamily == state.FamilyAppliance &&
			c.Decision == state.DecisionProceed &&
			c.PotentialCharges != nil

	case ToolGeneratePaypalLink:
		return c.ProductFamily == state.FamilyAppliance &&
			c.Decision == state.DecisionProceed &&
			c.TerritoryChecked != nil && *c.TerritoryChecked &&
			c.TerritoryServiceable != nil && *c.TerritoryServiceable

	case ToolLogDeclineReason:
		// a decline is always a decline of a concrete estimate
		return c.ProductFamily == state.FamilyAppliance &&
			c.Decision == state.DecisionDecline &&
			c.PotentialCharges != nil

	case ToolRouteToQueue, ToolNotifyNextSteps:
		return c.ProductFamily == state.FamilyConsumable &&
			c.Warranty.State == state.WarrantyActive

	case ToolGetServiceDirectory:
		switch c.ProductFamily {
		case state.FamilyConsumable:
			// out-of-warranty fallback
			return c.Warranty.State == state.WarrantyExpired
		case state.FamilyAppliance:
			// fallback when we cannot service the customer's territory
			return c.TerritoryChecked != nil && *c.TerritoryChecked &&
				c.TerritoryServiceable != nil && !*c.TerritoryServiceable
		}
		return false
	}
	return false
}

package planner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hydronix/warranty-agent/agent/contract"
	"github.com/hydronix/warranty-agent/agent/state"
	"github.com/hydronix/warranty-agent/agent/workflow"
)

func testNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }

func request(c *state.CaseContext, message string) contract.PlannerRequest {
	return contract.PlannerRequest{Case: c, UserMessage: message, Now: testNow()}
}

func readyCase(t *testing.T, family state.ProductFamily, productID string) *state.CaseContext {
	t.Helper()
	c := state.NewCaseContext(testNow())
	facts := state.TurnFacts{
		LoggedIn:              boolPtr(true),
		HasRegisteredProducts: boolPtr(true),
		ProductID:             productID,
		Location:              &state.Location{Zip: "77001", City: "Houston", State: "TX"},
	}
	if err := c.ApplyTurnFacts(facts, "help with my unit", testNow()); err != nil {
		t.Fatalf("ApplyTurnFacts() error = %v", err)
	}
	c.ProductFamily = family
	return c
}

func mustPlan(t *testing.T, c *state.CaseContext, message string) contract.PlannerResponse {
	t.Helper()
	resp, err := NewRulePlanner().Plan(context.Background(), request(c, message))
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	return resp
}

func TestRulePlannerPromptsLoginFirst(t *testing.T) {
	t.Parallel()

	c := state.NewCaseContext(testNow())
	resp := mustPlan(t, c, "my water heater is leaking")
	steps := resp.Plan.Steps
	if len(steps) != 1 {
		t.Fatalf("len(steps) = %d, want 1", len(steps))
	}
	if steps[0].Type != contract.StepReturnAction || steps[0].ActionType != contract.ActionPromptLogin {
		t.Fatalf("step = %+v, want login prompt", steps[0])
	}
}

func TestRulePlannerPromptsRegistrationAfterLogin(t *testing.T) {
	t.Parallel()

	c := state.NewCaseContext(testNow())
	if err := c.SatisfyGate(state.GateLogin, testNow()); err != nil {
		t.Fatalf("SatisfyGate() error = %v", err)
	}
	resp := mustPlan(t, c, "hello")
	if resp.Plan.Steps[0].ActionType != contract.ActionPromptRegistration {
		t.Fatalf("step = %+v, want registration prompt", resp.Plan.Steps[0])
	}
}

func TestRulePlannerAsksForMissingInfo(t *testing.T) {
	t.Parallel()

	c := state.NewCaseContext(testNow())
	facts := state.TurnFacts{LoggedIn: boolPtr(true), HasRegisteredProducts: boolPtr(true)}
	if err := c.ApplyTurnFacts(facts, "my softener is broken", testNow()); err != nil {
		t.Fatalf("ApplyTurnFacts() error = %v", err)
	}

	resp := mustPlan(t, c, "my softener is broken")
	step := resp.Plan.Steps[0]
	if step.Type != contract.StepAskUserForInfo {
		t.Fatalf("step type = %s, want %s", step.Type, contract.StepAskUserForInfo)
	}
	if len(step.RequiredFields) != 2 {
		t.Fatalf("RequiredFields = %v, want product and location", step.RequiredFields)
	}
}

func TestRulePlannerLooksUpWarrantyFirst(t *testing.T) {
	t.Parallel()

	c := readyCase(t, "", "HEAT-001")
	resp := mustPlan(t, c, "my water heater is leaking")
	steps := resp.Plan.Steps
	if steps[0].ToolName != workflow.ToolGetWarrantyRecord {
		t.Fatalf("first step tool = %q, want %s", steps[0].ToolName, workflow.ToolGetWarrantyRecord)
	}
	if steps[0].ToolArgs["product_id"] != "HEAT-001" {
		t.Fatalf("lookup args = %v", steps[0].ToolArgs)
	}
}

func TestRulePlannerConsumableActiveQueues(t *testing.T) {
	t.Parallel()

	c := readyCase(t, state.FamilyConsumable, "SALT-001")
	c.Warranty = state.WarrantyStatus{State: state.WarrantyActive, CoverageTypes: []string{"parts"}}

	resp := mustPlan(t, c, "fix my softener")
	tools := toolNames(resp.Plan.Steps)
	if len(tools) != 2 || tools[0] != workflow.ToolRouteToQueue || tools[1] != workflow.ToolNotifyNextSteps {
		t.Fatalf("tools = %v, want queue then notify", tools)
	}
	if resp.Plan.Steps[0].ToolArgs["queue"] != "WarrantySalt" {
		t.Fatalf("queue args = %v", resp.Plan.Steps[0].ToolArgs)
	}
	last := resp.Plan.Steps[len(resp.Plan.Steps)-1]
	if last.ActionType != contract.ActionCaseComplete {
		t.Fatalf("last step = %+v, want case complete", last)
	}
}

func TestRulePlannerConsumableExpiredReturnsDirectory(t *testing.T) {
	t.Parallel()

	c := readyCase(t, state.FamilyConsumable, "SALT-002")
	c.Warranty = state.WarrantyStatus{State: state.WarrantyExpired}

	resp := mustPlan(t, c, "fix my softener")
	tools := toolNames(resp.Plan.Steps)
	if len(tools) != 1 || tools[0] != workflow.ToolGetServiceDirectory {
		t.Fatalf("tools = %v, want directory only", tools)
	}
}

func TestRulePlannerApplianceCalculatesChargesFirst(t *testing.T) {
	t.Parallel()

	c := readyCase(t, state.FamilyAppliance, "HEAT-001")
	c.Warranty = state.WarrantyStatus{State: state.WarrantyActive, CoverageTypes: []string{"parts", "labor"}}

	resp := mustPlan(t, c, "my heater is broken")
	tools := toolNames(resp.Plan.Steps)
	if len(tools) != 1 || tools[0] != workflow.ToolCalculateCharges {
		t.Fatalf("tools = %v, want charges only", tools)
	}
	args := resp.Plan.Steps[0].ToolArgs
	if args["product_family"] != string(state.FamilyAppliance) {
		t.Fatalf("charge args = %v", args)
	}
}

func TestRulePlannerAsksProceedWhenChargesKnown(t *testing.T) {
	t.Parallel()

	c := readyCase(t, state.FamilyAppliance, "HEAT-001")
	c.Warranty = state.WarrantyStatus{State: state.WarrantyActive, CoverageTypes: []string{"parts", "labor"}}
	c.PotentialCharges = floatPtr(125.00)

	resp := mustPlan(t, c, "my heater is broken")
	step := resp.Plan.Steps[0]
	if step.Type != contract.StepAskUserForInfo {
		t.Fatalf("step = %+v, want proceed question", step)
	}
	if !strings.Contains(step.Message, "$125.00") {
		t.Fatalf("message = %q, want charge amount", step.Message)
	}
}

func awaitingDecisionCase(t *testing.T) *state.CaseContext {
	t.Helper()
	c := readyCase(t, state.FamilyAppliance, "HEAT-001")
	c.Warranty = state.WarrantyStatus{State: state.WarrantyActive, CoverageTypes: []string{"parts", "labor"}}
	c.PotentialCharges = floatPtr(125.00)
	c.SetPendingQuestion("The estimated charge for service is $125.00. Would you like to proceed?", []string{"proceed_confirmation"}, testNow())
	return c
}

func TestRulePlannerInterpretsProceed(t *testing.T) {
	t.Parallel()

	resp := mustPlan(t, awaitingDecisionCase(t), "Yes, please proceed")
	if resp.Decision != state.DecisionProceed {
		t.Fatalf("Decision = %s, want PROCEED", resp.Decision)
	}
	tools := toolNames(resp.Plan.Steps)
	if len(tools) != 1 || tools[0] != workflow.ToolCheckTerritory {
		t.Fatalf("tools = %v, want territory check", tools)
	}
}

func TestRulePlannerInterpretsDeclineWithReason(t *testing.T) {
	t.Parallel()

	resp := mustPlan(t, awaitingDecisionCase(t), "No thanks, that is more than I wanted to spend")
	if resp.Decision != state.DecisionDecline {
		t.Fatalf("Decision = %s, want DECLINE", resp.Decision)
	}
	if resp.DeclineReason == "" {
		t.Fatal("DeclineReason empty for a descriptive refusal")
	}
	tools := toolNames(resp.Plan.Steps)
	if len(tools) != 1 || tools[0] != workflow.ToolLogDeclineReason {
		t.Fatalf("tools = %v, want decline log", tools)
	}
}

func TestRulePlannerReAsksOnAmbiguousReply(t *testing.T) {
	t.Parallel()

	resp := mustPlan(t, awaitingDecisionCase(t), "hmm what does that include exactly")
	if resp.Decision != "" && resp.Decision != state.DecisionPending {
		t.Fatalf("Decision = %s, want pending", resp.Decision)
	}
	step := resp.Plan.Steps[0]
	if step.Type != contract.StepAskUserForInfo {
		t.Fatalf("step = %+v, want the question re-asked", step)
	}
}

func TestInterpretDecisionMatchesWholeWords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		message string
		want    state.Decision
	}{
		{"yes", state.DecisionProceed},
		{"Sure, go ahead!", state.DecisionProceed},
		{"no", state.DecisionDecline},
		{"I don't want to pay that much", state.DecisionDecline},
		{"right now I am not certain", state.DecisionPending}, // "now" is not "no"
		{"I know the charges", state.DecisionPending},
		{"yes and no", state.DecisionPending},
		{"", state.DecisionPending},
	}
	for _, tt := range tests {
		got, _ := interpretDecision(tt.message)
		if got != tt.want {
			t.Errorf("interpretDecision(%q) = %s, want %s", tt.message, got, tt.want)
		}
	}
}

func TestRulePlannerProceedBranchEndsInPaymentLink(t *testing.T) {
	t.Parallel()

	c := awaitingDecisionCase(t)
	if err := c.RecordDecision(state.DecisionProceed, "", testNow()); err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}
	c.TerritoryChecked = boolPtr(true)
	c.TerritoryServiceable = boolPtr(true)

	resp := mustPlan(t, c, "great")
	tools := toolNames(resp.Plan.Steps)
	if len(tools) != 1 || tools[0] != workflow.ToolGeneratePaypalLink {
		t.Fatalf("tools = %v, want payment link", tools)
	}
	if amount, _ := resp.Plan.Steps[0].ToolArgs["amount"].(float64); amount != 125.00 {
		t.Fatalf("amount = %v, want 125.00", resp.Plan.Steps[0].ToolArgs["amount"])
	}
}

func TestRulePlannerUnserviceableReturnsDirectory(t *testing.T) {
	t.Parallel()

	c := awaitingDecisionCase(t)
	if err := c.RecordDecision(state.DecisionProceed, "", testNow()); err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}
	c.TerritoryChecked = boolPtr(true)
	c.TerritoryServiceable = boolPtr(false)

	resp := mustPlan(t, c, "great")
	tools := toolNames(resp.Plan.Steps)
	if len(tools) != 1 || tools[0] != workflow.ToolGetServiceDirectory {
		t.Fatalf("tools = %v, want directory", tools)
	}
}

func TestRulePlannerPlansAlwaysValidate(t *testing.T) {
	t.Parallel()

	cases := []*state.CaseContext{
		state.NewCaseContext(testNow()),
		readyCase(t, "", "HEAT-001"),
		awaitingDecisionCase(t),
	}
	active := readyCase(t, state.FamilyConsumable, "SALT-001")
	active.Warranty = state.WarrantyStatus{State: state.WarrantyActive, CoverageTypes: []string{"parts"}}
	cases = append(cases, active)

	for _, c := range cases {
		resp := mustPlan(t, c, "yes")
		if resp.Decision == state.DecisionProceed || resp.Decision == state.DecisionDecline {
			if err := c.RecordDecision(resp.Decision, resp.DeclineReason, testNow()); err != nil {
				t.Fatalf("RecordDecision() error = %v", err)
			}
		}
		if _, failure := workflow.Validate(resp.Plan, c); failure != nil {
			t.Fatalf("rule plan failed validation for stage %s: %v", c.Stage, failure)
		}
	}
}

func toolNames(steps []contract.PlanStep) []string {
	var out []string
	for _, s := range steps {
		if s.Type == contract.StepCallTool {
			out = append(out, s.ToolName)
		}
	}
	return out
}

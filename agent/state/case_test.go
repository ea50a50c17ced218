package state

import (
	"errors"
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func testNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestNewCaseContextDefaults(t *testing.T) {
	t.Parallel()

	c := NewCaseContext(testNow())
	if c.CaseID == "" {
		t.Fatal("NewCaseContext() produced empty case id")
	}
	if c.Stage != StageAwaitingGates {
		t.Fatalf("Stage = %s, want %s", c.Stage, StageAwaitingGates)
	}
	if c.Decision != DecisionPending {
		t.Fatalf("Decision = %s, want %s", c.Decision, DecisionPending)
	}
	if c.Warranty.State != WarrantyUnknown {
		t.Fatalf("Warranty.State = %s, want %s", c.Warranty.State, WarrantyUnknown)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestGatesSatisfyInStrictOrder(t *testing.T) {
	t.Parallel()

	c := NewCaseContext(testNow())
	if err := c.SatisfyGate(GateRegistration, testNow()); !errors.Is(err, ErrInvalidGate) {
		t.Fatalf("SatisfyGate(registration) error = %v, want ErrInvalidGate", err)
	}
	if err := c.SatisfyGate(GateLogin, testNow()); err != nil {
		t.Fatalf("SatisfyGate(login) error = %v", err)
	}
	if err := c.SatisfyGate(GateInfoCollection, testNow()); !errors.Is(err, ErrInvalidGate) {
		t.Fatalf("SatisfyGate(info) error = %v, want ErrInvalidGate", err)
	}
	if err := c.SatisfyGate(GateRegistration, testNow()); err != nil {
		t.Fatalf("SatisfyGate(registration) error = %v", err)
	}
	if c.GatesSatisfied() {
		t.Fatal("GatesSatisfied() = true before info collection")
	}
	if g, ok := c.NextUnsatisfiedGate(); !ok || g != GateInfoCollection {
		t.Fatalf("NextUnsatisfiedGate() = %v, %v", g, ok)
	}
}

func TestApplyTurnFactsAdvancesGatesAndStage(t *testing.T) {
	t.Parallel()

	c := NewCaseContext(testNow())
	facts := TurnFacts{
		LoggedIn:              boolPtr(true),
		HasRegisteredProducts: boolPtr(true),
		CustomerID:            "CUST-001",
		ProductID:             "HEAT-001",
		Location:              &Location{Zip: "77001", City: "Houston", State: "TX"},
	}
	if err := c.ApplyTurnFacts(facts, "my water heater is leaking", testNow()); err != nil {
		t.Fatalf("ApplyTurnFacts() error = %v", err)
	}
	if !c.GatesSatisfied() {
		t.Fatalf("GatesSatisfied() = false, gates = %v", c.Gates)
	}
	if c.Stage != StagePlanning {
		t.Fatalf("Stage = %s, want %s", c.Stage, StagePlanning)
	}
	if len(c.UserMessages) != 1 {
		t.Fatalf("len(UserMessages) = %d, want 1", len(c.UserMessages))
	}
}

func TestApplyTurnFactsRegistrationRequiresLogin(t *testing.T) {
	t.Parallel()

	c := NewCaseContext(testNow())
	facts := TurnFacts{HasRegisteredProducts: boolPtr(true)}
	if err := c.ApplyTurnFacts(facts, "", testNow()); err != nil {
		t.Fatalf("ApplyTurnFacts() error = %v", err)
	}
	if c.GateSatisfied(GateRegistration) {
		t.Fatal("registration gate satisfied without login")
	}
}

func TestApplyTurnFactsRejectsTerminalCase(t *testing.T) {
	t.Parallel()

	c := NewCaseContext(testNow())
	c.MarkTerminal(OutcomeQueued, testNow())
	err := c.ApplyTurnFacts(TurnFacts{}, "hello", testNow())
	if !errors.Is(err, ErrCaseTerminal) {
		t.Fatalf("ApplyTurnFacts() error = %v, want ErrCaseTerminal", err)
	}
}

func TestHasExecutedDistinguishesArgsAndRetryability(t *testing.T) {
	t.Parallel()

	c := NewCaseContext(testNow())
	c.RecordStep(StepRecord{
		Tool: "check_territory",
		Args: map[string]any{"zip": "77001"},
	}, testNow())
	c.RecordStep(StepRecord{
		Tool:    "route_to_queue",
		Args:    map[string]any{"queue": "WarrantySalt"},
		Failure: &StepFailure{Kind: "TRANSIENT", Message: "timeout", Retryable: true},
	}, testNow())
	c.RecordStep(StepRecord{
		Tool:    "generate_paypal_link",
		Args:    map[string]any{"amount": 125.0},
		Failure: &StepFailure{Kind: "REJECTED", Message: "bad amount", Retryable: false},
	}, testNow())

	if executed, barred := c.HasExecuted("check_territory", map[string]any{"zip": "77001"}); !executed || !barred {
		t.Fatalf("successful step: executed=%v barred=%v, want true/true", executed, barred)
	}
	if executed, _ := c.HasExecuted("check_territory", map[string]any{"zip": "99999"}); executed {
		t.Fatal("different args reported as executed")
	}
	if _, barred := c.HasExecuted("route_to_queue", map[string]any{"queue": "WarrantySalt"}); barred {
		t.Fatal("retryable failure must permit re-dispatch")
	}
	if _, barred := c.HasExecuted("generate_paypal_link", map[string]any{"amount": 125.0}); !barred {
		t.Fatal("non-retryable failure must bar re-dispatch")
	}
}

func TestRecordDecisionIsSetOnce(t *testing.T) {
	t.Parallel()

	c := NewCaseContext(testNow())
	if err := c.RecordDecision(DecisionDecline, "too expensive right now", testNow()); err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}
	if c.DeclineReason != "too expensive right now" {
		t.Fatalf("DeclineReason = %q", c.DeclineReason)
	}
	if err := c.RecordDecision(DecisionProceed, "", testNow()); !errors.Is(err, ErrDecisionSealed) {
		t.Fatalf("conflicting RecordDecision() error = %v, want ErrDecisionSealed", err)
	}
	// same decision twice is a no-op, not a conflict
	if err := c.RecordDecision(DecisionDecline, "", testNow()); err != nil {
		t.Fatalf("repeat RecordDecision() error = %v", err)
	}
}

func TestMarkTerminalClearsPendingQuestion(t *testing.T) {
	t.Parallel()

	c := NewCaseContext(testNow())
	c.SetPendingQuestion("Would you like to proceed?", nil, testNow())
	if c.Stage != StageAwaitingUser {
		t.Fatalf("Stage = %s, want %s", c.Stage, StageAwaitingUser)
	}
	c.MarkTerminal(OutcomeDeclineLogged, testNow())
	if c.PendingQuestion != "" {
		t.Fatalf("PendingQuestion = %q, want empty", c.PendingQuestion)
	}
	if !c.Terminal || c.Stage != StageTerminal {
		t.Fatalf("Terminal=%v Stage=%s", c.Terminal, c.Stage)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()

	c := NewCaseContext(testNow())
	c.RecordStep(StepRecord{Tool: "get_warranty_record", Args: map[string]any{"product_id": "HEAT-001"}}, testNow())
	snap := c.Snapshot()

	snap.Gates[GateLogin] = true
	snap.ExecutedSteps[0].Args["product_id"] = "mutated"

	if c.GateSatisfied(GateLogin) {
		t.Fatal("snapshot gate mutation leaked into original")
	}
	if c.ExecutedSteps[0].Args["product_id"] != "HEAT-001" {
		t.Fatal("snapshot step mutation leaked into original")
	}
}

func TestValidateRejectsOutOfOrderGates(t *testing.T) {
	t.Parallel()

	c := NewCaseContext(testNow())
	c.Gates[GateInfoCollection] = true
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() accepted info gate without login")
	}
}

func TestMissingFields(t *testing.T) {
	t.Parallel()

	c := NewCaseContext(testNow())
	if got := len(c.MissingFields()); got != 2 {
		t.Fatalf("MissingFields() len = %d, want 2", got)
	}
	c.ProductID = "SALT-001"
	c.Location = Location{City: "Houston", State: "TX"}
	if got := c.MissingFields(); got != nil {
		t.Fatalf("MissingFields() = %v, want nil", got)
	}
	if !c.HasRequiredInfo() {
		t.Fatal("HasRequiredInfo() = false with product and location present")
	}
}

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	contractx "github.com/hydronix/warranty-agent/agent/contract"
	nodex "github.com/hydronix/warranty-agent/agent/nodes/orchestrator"
	"github.com/hydronix/warranty-agent/agent/planner"
	statex "github.com/hydronix/warranty-agent/agent/state"
	"github.com/hydronix/warranty-agent/agent/tool"
)

type fakeStore struct {
	loadCase *statex.CaseContext
	loadErr  error
	saveErr  error
	saved    []*statex.CaseContext
}

func (f *fakeStore) Load(ctx context.Context, caseID string) (*statex.CaseContext, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.loadCase == nil {
		return nil, statex.ErrStateNotFound
	}
	return f.loadCase.Snapshot(), nil
}

func (f *fakeStore) Save(ctx context.Context, c *statex.CaseContext) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, c.Snapshot())
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, caseID string) error {
	return nil
}

type fakePlanner struct {
	resps []contractx.PlannerResponse
	err   error
	calls int
	reqs  []contractx.PlannerRequest
}

func (f *fakePlanner) Plan(ctx context.Context, req contractx.PlannerRequest) (contractx.PlannerResponse, error) {
	f.calls++
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return contractx.PlannerResponse{}, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.resps) {
		idx = len(f.resps) - 1
	}
	return f.resps[idx], nil
}

type fakeGateway struct {
	result contractx.ToolResult
	calls  int
}

func (f *fakeGateway) Execute(ctx context.Context, caseID, tool string, args map[string]any) (contractx.ToolResult, error) {
	f.calls++
	return f.result, nil
}

func fixedClock() func() time.Time {
	return clockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

type testHarness struct {
	orchestrator *Orchestrator
	actions      *tool.Actions
	store        *statex.MemoryStore
}

func newScenarioHarness(t *testing.T, now func() time.Time) *testHarness {
	t.Helper()

	actions := tool.NewActions(tool.WithClock(now))
	gateway, err := tool.NewLocalGateway(actions, tool.WithGatewayClock(now))
	if err != nil {
		t.Fatalf("NewLocalGateway() error = %v", err)
	}
	store := statex.NewMemoryStore()

	o, err := New(store, planner.NewRulePlanner(), gateway, WithClock(now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testHarness{orchestrator: o, actions: actions, store: store}
}

func gatedFacts(productID, zip, st string) statex.TurnFacts {
	yes := true
	return statex.TurnFacts{
		LoggedIn:              &yes,
		HasRegisteredProducts: &yes,
		ProductID:             productID,
		Location:              &statex.Location{Zip: zip, State: st},
	}
}

func TestHandleTurnEmptyInput(t *testing.T) {
	t.Parallel()

	h := newScenarioHarness(t, fixedClock())
	_, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{Text: "   "})
	if !errors.Is(err, ErrEmptyTurn) {
		t.Fatalf("expected ErrEmptyTurn, got %v", err)
	}
}

func TestHandleTurnApplianceServiceablePayment(t *testing.T) {
	t.Parallel()

	h := newScenarioHarness(t, fixedClock())

	out1, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		Text:  "My heat pump water heater is leaking",
		Facts: gatedFacts("HEAT-001", "77001", "TX"),
	})
	if err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	if out1.Stage != statex.StageAwaitingUser {
		t.Fatalf("turn 1 stage = %s, want %s", out1.Stage, statex.StageAwaitingUser)
	}
	if !strings.Contains(out1.PendingQuestion, "$125.00") {
		t.Fatalf("pending question = %q, want the $125.00 estimate", out1.PendingQuestion)
	}
	if !strings.Contains(out1.Reply, "Covered by your warranty: $385.00") {
		t.Fatalf("turn 1 reply missing coverage summary: %q", out1.Reply)
	}

	out2, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		CaseID: out1.CaseID,
		Text:   "Yes, let's proceed",
	})
	if err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}
	if out2.Outcome != statex.OutcomePaymentLinkIssued {
		t.Fatalf("outcome = %s, want %s", out2.Outcome, statex.OutcomePaymentLinkIssued)
	}
	if !strings.Contains(out2.Reply, "sandbox.paypal.com") {
		t.Fatalf("turn 2 reply missing payment link: %q", out2.Reply)
	}
	if h.actions.LinkCount() != 1 {
		t.Fatalf("LinkCount = %d, want 1", h.actions.LinkCount())
	}

	saved, err := h.store.Load(context.Background(), out1.CaseID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !saved.Terminal || saved.Decision != statex.DecisionProceed {
		t.Fatalf("saved case terminal=%v decision=%s", saved.Terminal, saved.Decision)
	}
	if saved.PotentialCharges == nil || *saved.PotentialCharges != 125.00 {
		t.Fatalf("saved charges = %v, want 125.00", saved.PotentialCharges)
	}
}

func TestHandleTurnApplianceDecline(t *testing.T) {
	t.Parallel()

	h := newScenarioHarness(t, fixedClock())

	out1, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		Text:  "The unit stopped heating",
		Facts: gatedFacts("HEAT-001", "77001", "TX"),
	})
	if err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}

	out2, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		CaseID: out1.CaseID,
		Text:   "No, that is too expensive for me",
	})
	if err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}
	if out2.Outcome != statex.OutcomeDeclineLogged {
		t.Fatalf("outcome = %s, want %s", out2.Outcome, statex.OutcomeDeclineLogged)
	}
	if h.actions.DeclineCount() != 1 {
		t.Fatalf("DeclineCount = %d, want 1", h.actions.DeclineCount())
	}
	if h.actions.LinkCount() != 0 {
		t.Fatalf("LinkCount = %d, want 0 after decline", h.actions.LinkCount())
	}

	saved, err := h.store.Load(context.Background(), out1.CaseID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if saved.Decision != statex.DecisionDecline {
		t.Fatalf("saved decision = %s, want %s", saved.Decision, statex.DecisionDecline)
	}
	if saved.DeclineReason != "No, that is too expensive for me" {
		t.Fatalf("saved decline reason = %q", saved.DeclineReason)
	}
}

func TestHandleTurnApplianceOutsideTerritory(t *testing.T) {
	t.Parallel()

	h := newScenarioHarness(t, fixedClock())

	out1, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		Text:  "My water heater needs service",
		Facts: gatedFacts("HEAT-001", "90210", "CA"),
	})
	if err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	// CA regional modifier raises the service call charge
	if !strings.Contains(out1.PendingQuestion, "$156.25") {
		t.Fatalf("pending question = %q, want the $156.25 estimate", out1.PendingQuestion)
	}

	out2, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		CaseID: out1.CaseID,
		Text:   "Yes please",
	})
	if err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}
	if out2.Outcome != statex.OutcomeDirectoryReturned {
		t.Fatalf("outcome = %s, want %s", out2.Outcome, statex.OutcomeDirectoryReturned)
	}
	if !strings.Contains(out2.Reply, "HeatPro Services") {
		t.Fatalf("turn 2 reply missing providers: %q", out2.Reply)
	}
	if h.actions.LinkCount() != 0 {
		t.Fatalf("LinkCount = %d, want 0 outside territory", h.actions.LinkCount())
	}
}

func TestHandleTurnConsumableExpired(t *testing.T) {
	t.Parallel()

	// by mid-2027 every SALT-002 coverage window has lapsed
	h := newScenarioHarness(t, clockAt(time.Date(2027, 6, 1, 12, 0, 0, 0, time.UTC)))

	out, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		Text:  "My water softener stopped working",
		Facts: gatedFacts("SALT-002", "77001", "TX"),
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if out.Outcome != statex.OutcomeDirectoryReturned {
		t.Fatalf("outcome = %s, want %s", out.Outcome, statex.OutcomeDirectoryReturned)
	}
	if !strings.Contains(out.Reply, "AquaPure Service Co.") {
		t.Fatalf("reply missing providers: %q", out.Reply)
	}

	saved, err := h.store.Load(context.Background(), out.CaseID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if saved.PotentialCharges != nil {
		t.Fatalf("consumable path must not compute charges, got %v", *saved.PotentialCharges)
	}
}

func TestHandleTurnConsumableActiveQueued(t *testing.T) {
	t.Parallel()

	h := newScenarioHarness(t, fixedClock())

	out, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		Text:  "My softener is making noise",
		Facts: gatedFacts("SALT-001", "77001", "TX"),
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if out.Outcome != statex.OutcomeQueued {
		t.Fatalf("outcome = %s, want %s", out.Outcome, statex.OutcomeQueued)
	}
	if !strings.Contains(out.Reply, "TKT-") {
		t.Fatalf("reply missing ticket number: %q", out.Reply)
	}
	if h.actions.QueuedCount("WarrantySalt") != 1 {
		t.Fatalf("QueuedCount = %d, want 1", h.actions.QueuedCount("WarrantySalt"))
	}
}

func TestHandleTurnGatePromptsInOrder(t *testing.T) {
	t.Parallel()

	h := newScenarioHarness(t, fixedClock())
	yes := true

	out1, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		Text: "I need warranty help",
	})
	if err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	if !strings.Contains(out1.Reply, "log in") {
		t.Fatalf("turn 1 reply = %q, want login prompt", out1.Reply)
	}

	out2, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		CaseID: out1.CaseID,
		Text:   "I'm logged in now",
		Facts:  statex.TurnFacts{LoggedIn: &yes},
	})
	if err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}
	if !strings.Contains(out2.Reply, "register") {
		t.Fatalf("turn 2 reply = %q, want registration prompt", out2.Reply)
	}

	out3, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		CaseID: out1.CaseID,
		Text:   "Registered my product",
		Facts:  statex.TurnFacts{HasRegisteredProducts: &yes},
	})
	if err != nil {
		t.Fatalf("turn 3 error = %v", err)
	}
	if out3.Stage != statex.StageAwaitingUser {
		t.Fatalf("turn 3 stage = %s, want %s", out3.Stage, statex.StageAwaitingUser)
	}
	if !strings.Contains(out3.Reply, "product_id or serial_number") {
		t.Fatalf("turn 3 reply = %q, want info request", out3.Reply)
	}
}

func TestHandleTurnAmbiguousAnswerReAsks(t *testing.T) {
	t.Parallel()

	h := newScenarioHarness(t, fixedClock())

	out1, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		Text:  "Heater trouble",
		Facts: gatedFacts("HEAT-001", "77001", "TX"),
	})
	if err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}

	out2, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		CaseID: out1.CaseID,
		Text:   "right now I am not certain",
	})
	if err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}
	if out2.Stage != statex.StageAwaitingUser {
		t.Fatalf("stage = %s, want re-ask", out2.Stage)
	}

	saved, err := h.store.Load(context.Background(), out1.CaseID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if saved.Decision != statex.DecisionPending {
		t.Fatalf("decision = %s, want still pending", saved.Decision)
	}
}

func TestHandleTurnClosedCaseStaysClosed(t *testing.T) {
	t.Parallel()

	h := newScenarioHarness(t, fixedClock())

	out1, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		Text:  "Leaking heater",
		Facts: gatedFacts("HEAT-001", "77001", "TX"),
	})
	if err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	if _, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		CaseID: out1.CaseID,
		Text:   "Yes, proceed",
	}); err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}

	out3, err := h.orchestrator.HandleTurn(context.Background(), nodex.GraphInput{
		CaseID: out1.CaseID,
		Text:   "Yes, proceed",
	})
	if err != nil {
		t.Fatalf("turn 3 error = %v", err)
	}
	if !strings.Contains(out3.Reply, "closed") {
		t.Fatalf("turn 3 reply = %q, want closed-case notice", out3.Reply)
	}
	if h.actions.LinkCount() != 1 {
		t.Fatalf("LinkCount = %d, want still 1", h.actions.LinkCount())
	}
}

func TestHandleTurnResumesAcrossRestart(t *testing.T) {
	t.Parallel()

	now := fixedClock()
	actions := tool.NewActions(tool.WithClock(now))
	gateway, err := tool.NewLocalGateway(actions, tool.WithGatewayClock(now))
	if err != nil {
		t.Fatalf("NewLocalGateway() error = %v", err)
	}
	store := statex.NewMemoryStore()

	first, err := New(store, planner.NewRulePlanner(), gateway, WithClock(now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	out1, err := first.HandleTurn(context.Background(), nodex.GraphInput{
		Text:  "Heater leaking",
		Facts: gatedFacts("HEAT-001", "77001", "TX"),
	})
	if err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}

	// a fresh orchestrator over the same store continues the case
	second, err := New(store, planner.NewRulePlanner(), gateway, WithClock(now))
	if err != nil {
		t.Fatalf("New() second error = %v", err)
	}
	out2, err := second.HandleTurn(context.Background(), nodex.GraphInput{
		CaseID: out1.CaseID,
		Text:   "Yes, proceed",
	})
	if err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}
	if out2.Outcome != statex.OutcomePaymentLinkIssued {
		t.Fatalf("outcome = %s, want %s", out2.Outcome, statex.OutcomePaymentLinkIssued)
	}
}

func TestHandleTurnValidationFailureFeedsBack(t *testing.T) {
	t.Parallel()

	// first plan calls a tool before the gates hold; the retry gets the
	// validator's rejection and answers with plain text
	fp := &fakePlanner{
		resps: []contractx.PlannerResponse{
			{Plan: contractx.Plan{Steps: []contractx.PlanStep{{
				Type:     contractx.StepCallTool,
				ToolName: "get_warranty_record",
				ToolArgs: map[string]any{"product_id": "HEAT-001"},
			}}}},
			{Plan: contractx.Plan{Steps: []contractx.PlanStep{{
				Type:    contractx.StepRespondToUser,
				Message: "Please log in first.",
			}}}},
		},
	}
	store := &fakeStore{}

	o, err := New(store, fp, &fakeGateway{}, WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := o.HandleTurn(context.Background(), nodex.GraphInput{Text: "hello"})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if fp.calls < 2 {
		t.Fatalf("planner calls = %d, want a retry", fp.calls)
	}
	if fp.reqs[1].PriorFailure == "" {
		t.Fatal("retry request missing the validation failure")
	}
	if !strings.Contains(out.Reply, "Please log in first.") {
		t.Fatalf("reply = %q", out.Reply)
	}
}

func TestHandleTurnPlanBudgetExhaustedEscalates(t *testing.T) {
	t.Parallel()

	fp := &fakePlanner{
		resps: []contractx.PlannerResponse{
			{Plan: contractx.Plan{Steps: []contractx.PlanStep{{
				Type:     contractx.StepCallTool,
				ToolName: "generate_paypal_link",
				ToolArgs: map[string]any{"amount": 1.0},
			}}}},
		},
	}
	store := &fakeStore{}

	o, err := New(store, fp, &fakeGateway{}, WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := o.HandleTurn(context.Background(), nodex.GraphInput{Text: "hello"})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if fp.calls != 3 {
		t.Fatalf("planner calls = %d, want the full attempt budget", fp.calls)
	}
	if out.Stage != statex.StageError {
		t.Fatalf("stage = %s, want %s", out.Stage, statex.StageError)
	}
	if !strings.Contains(out.Reply, "support specialist") {
		t.Fatalf("reply = %q", out.Reply)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saves = %d, want 1", len(store.saved))
	}
}

func TestHandleTurnPlannerErrorPropagates(t *testing.T) {
	t.Parallel()

	plannerErr := errors.New("model unavailable")
	o, err := New(&fakeStore{}, &fakePlanner{err: plannerErr}, &fakeGateway{}, WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := o.HandleTurn(context.Background(), nodex.GraphInput{Text: "hello"}); !errors.Is(err, plannerErr) {
		t.Fatalf("expected planner error, got %v", err)
	}
}

func TestHandleTurnTransientToolFailureRetriesThenPauses(t *testing.T) {
	t.Parallel()

	fp := &fakePlanner{
		resps: []contractx.PlannerResponse{
			{Plan: contractx.Plan{Steps: []contractx.PlanStep{{
				Type:     contractx.StepCallTool,
				ToolName: "get_warranty_record",
				ToolArgs: map[string]any{"product_id": "HEAT-001"},
			}}}},
		},
	}
	gateway := &fakeGateway{
		result: contractx.ToolResult{Failure: &contractx.ToolFailure{
			Kind:      contractx.FailureTransient,
			Message:   "upstream timeout",
			Retryable: true,
		}},
	}
	store := &fakeStore{}

	o, err := New(store, fp, gateway, WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := o.HandleTurn(context.Background(), nodex.GraphInput{
		Text:  "Heater broken",
		Facts: gatedFacts("HEAT-001", "77001", "TX"),
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if gateway.calls != 3 {
		t.Fatalf("gateway calls = %d, want initial call plus two retries", gateway.calls)
	}
	if out.Stage == statex.StageTerminal || out.Stage == statex.StageError {
		t.Fatalf("stage = %s, case must stay recoverable", out.Stage)
	}
	if !strings.Contains(out.Reply, "temporarily unavailable") {
		t.Fatalf("reply = %q", out.Reply)
	}
}

func TestHandleTurnAuthFailureFlagsCase(t *testing.T) {
	t.Parallel()

	fp := &fakePlanner{
		resps: []contractx.PlannerResponse{
			{Plan: contractx.Plan{Steps: []contractx.PlanStep{{
				Type:     contractx.StepCallTool,
				ToolName: "get_warranty_record",
				ToolArgs: map[string]any{"product_id": "HEAT-001"},
			}}}},
		},
	}
	gateway := &fakeGateway{
		result: contractx.ToolResult{Failure: &contractx.ToolFailure{
			Kind:    contractx.FailureAuth,
			Message: "status=401 bad credentials",
		}},
	}

	o, err := New(&fakeStore{}, fp, gateway, WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := o.HandleTurn(context.Background(), nodex.GraphInput{
		Text:  "Heater broken",
		Facts: gatedFacts("HEAT-001", "77001", "TX"),
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if out.Stage != statex.StageError {
		t.Fatalf("stage = %s, want %s", out.Stage, statex.StageError)
	}
	if gateway.calls != 1 {
		t.Fatalf("gateway calls = %d, auth failures must not retry", gateway.calls)
	}
}

func TestHandleTurnSaveErrorPropagates(t *testing.T) {
	t.Parallel()

	saveErr := errors.New("save failed")
	store := &fakeStore{saveErr: saveErr}
	fp := &fakePlanner{
		resps: []contractx.PlannerResponse{
			{Plan: contractx.Plan{Steps: []contractx.PlanStep{{
				Type:    contractx.StepRespondToUser,
				Message: "hi",
			}}}},
		},
	}

	o, err := New(store, fp, &fakeGateway{}, WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := o.HandleTurn(context.Background(), nodex.GraphInput{Text: "hello"}); !errors.Is(err, saveErr) {
		t.Fatalf("expected save error, got %v", err)
	}
}

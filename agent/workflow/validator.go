package workflow

import (
	"fmt"

	"github.com/hydronix/warranty-agent/agent/contract"
	"github.com/hydronix/warranty-agent/agent/state"
)

// ValidationFailure rejects a plan, pointing at the first offending step. It
// is fed back to the planner verbatim on the next planning attempt.
type ValidationFailure struct {
	StepIndex int    `json:"step_index"`
	Invariant string `json:"invariant"`
	Reason    string `json:"reason"`
}

func (f *ValidationFailure) Error() string {
	return fmt.Sprintf("plan step %d violates %s: %s", f.StepIndex, f.Invariant, f.Reason)
}

// DroppedStep records a repair: a proposed step removed as a no-op.
type DroppedStep struct {
	Step   contract.PlanStep
	Reason string
}

// StepBatch is a run of validated steps. A concurrent batch holds only
// read-only tool calls with no data dependency between them; the executor may
// dispatch its members in parallel and must merge results in plan order.
type StepBatch struct {
	Steps      []contract.PlanStep
	Concurrent bool
}

// ValidatedPlan is a plan that passed the workflow contract, possibly after
// subtractive or reordering repair. Repair never adds steps.
type ValidatedPlan struct {
	Batches   []StepBatch
	Dropped   []DroppedStep
	Reordered bool
}

// Empty reports whether nothing survived validation.
func (p *ValidatedPlan) Empty() bool {
	return p == nil || len(p.Batches) == 0
}

// Steps flattens the batches back into execution order.
func (p *ValidatedPlan) Steps() []contract.PlanStep {
	var out []contract.PlanStep
	for _, b := range p.Batches {
		out = append(out, b.Steps...)
	}
	return out
}

// Validate checks a proposed plan against the workflow contract using a
// shadow copy of the case. Repairs are limited to dropping no-op steps and a
// single swap of adjacent, data-independent steps; anything else fails.
func Validate(plan contract.Plan, c *state.CaseContext) (*ValidatedPlan, *ValidationFailure) {
	steps, dropped := dropNoOps(plan.Steps, c)

	reordered := false
	failure := simulate(steps, c)
	if failure != nil && failure.swappable {
		swapped := make([]contract.PlanStep, len(steps))
		copy(swapped, steps)
		i := failure.at
		swapped[i], swapped[i+1] = swapped[i+1], swapped[i]
		if retry := simulate(swapped, c); retry == nil {
			steps = swapped
			reordered = true
			failure = nil
		}
	}
	if failure != nil {
		return nil, failure.ValidationFailure
	}

	return &ValidatedPlan{
		Batches:   batch(steps),
		Dropped:   dropped,
		Reordered: reordered,
	}, nil
}

// dropNoOps removes steps whose effect the case already carries, plus exact
// in-plan duplicates.
func dropNoOps(steps []contract.PlanStep, c *state.CaseContext) ([]contract.PlanStep, []DroppedStep) {
	var kept []contract.PlanStep
	var dropped []DroppedStep
	seen := map[string]bool{}

	for _, step := range steps {
		if step.Type != contract.StepCallTool {
			kept = append(kept, step)
			continue
		}

		key := step.ToolName + "\x00" + stepArgsKey(step.ToolArgs)
		if seen[key] {
			dropped = append(dropped, DroppedStep{Step: step, Reason: "duplicate of an earlier step in the same plan"})
			continue
		}

		var reason string
		switch step.ToolName {
		case ToolGetWarrantyRecord:
			if c.Warranty.Resolved() {
				reason = "warranty status already resolved"
			}
		case ToolCalculateCharges:
			if c.PotentialCharges != nil {
				reason = "charges already calculated"
			}
		case ToolCheckTerritory:
			if c.TerritoryChecked != nil && *c.TerritoryChecked {
				reason = "territory already checked"
			}
		}
		if reason == "" && IsMutatingTool(step.ToolName) {
			if _, barred := c.HasExecuted(step.ToolName, step.ToolArgs); barred {
				reason = "identical step already executed"
			}
		}

		if reason != "" {
			dropped = append(dropped, DroppedStep{Step: step, Reason: reason})
			continue
		}
		seen[key] = true
		kept = append(kept, step)
	}
	return kept, dropped
}

type simFailure struct {
	*ValidationFailure
	at        int
	swappable bool
}

// simulate walks the steps against a shadow copy, applying the predicted
// effect of each accepted tool call so later steps see the world it leaves
// behind.
func simulate(steps []contract.PlanStep, c *state.CaseContext) *simFailure {
	shadow := c.Snapshot()
	for i, step := range steps {
		if fail := checkStep(shadow, i, step); fail != nil {
			// a disallowed step may just be ahead of its producer; offer a
			// single adjacent swap when the next step is independent of it
			fail.at = i
			fail.swappable = i+1 < len(steps) && dataIndependent(step, steps[i+1])
			return fail
		}
		applyPredictedEffect(shadow, step)
	}
	return nil
}

func checkStep(shadow *state.CaseContext, i int, step contract.PlanStep) *simFailure {
	if !contract.KnownStepType(step.Type) {
		return newFailure(i, "closed step set", fmt.Sprintf("unknown step type %q", step.Type))
	}
	if step.Type == contract.StepReturnAction && !contract.KnownActionType(step.ActionType) {
		return newFailure(i, "closed action set", fmt.Sprintf("unknown action type %q", step.ActionType))
	}
	if step.Type == contract.StepCallTool {
		if step.ToolName == "" {
			return newFailure(i, "closed tool catalog", "tool call without a tool name")
		}
		if _, known := LookupTool(step.ToolName); !known {
			return newFailure(i, "closed tool catalog", fmt.Sprintf("unknown tool %q", step.ToolName))
		}
		if msg := checkToolArgs(step); msg != "" {
			return newFailure(i, "tool argument schema", msg)
		}
	}
	if !AllowedNext(shadow, step) {
		return newFailure(i, "workflow order", disallowedReason(shadow, step))
	}
	return nil
}

func newFailure(i int, invariant, reason string) *simFailure {
	return &simFailure{ValidationFailure: &ValidationFailure{StepIndex: i, Invariant: invariant, Reason: reason}}
}

// checkToolArgs enforces the fixed argument schema of each catalog tool.
func checkToolArgs(step contract.PlanStep) string {
	has := func(key string) bool {
		v, ok := step.ToolArgs[key]
		if !ok {
			return false
		}
		s, isStr := v.(string)
		return !isStr || s != ""
	}
	hasLocation := has("zip") || (has("city") && has("state"))

	switch step.ToolName {
	case ToolGetWarrantyRecord, ToolGetWarrantyTerms:
		if !has("product_id") && !has("serial_number") {
			return "requires product_id or serial_number"
		}
	case ToolCalculateCharges:
		if !has("product_id") {
			return "requires product_id"
		}
	case ToolCheckTerritory, ToolGetServiceDirectory:
		if !hasLocation {
			return "requires zip or city/state"
		}
	case ToolRouteToQueue:
		if !has("queue") {
			return "requires queue"
		}
	case ToolGeneratePaypalLink:
		if _, ok := step.ToolArgs["amount"]; !ok {
			return "requires amount"
		}
	case ToolLogDeclineReason:
		if !has("reason") {
			return "requires reason"
		}
	}
	return ""
}

// applyPredictedEffect marks the shadow state with the effect a step will have
// once executed, for tool calls whose effect on case state is certain before
// the call runs.
func applyPredictedEffect(shadow *state.CaseContext, step contract.PlanStep) {
	if step.Type != contract.StepCallTool {
		return
	}
	switch step.ToolName {
	case ToolCalculateCharges:
		placeholder := 0.0
		shadow.PotentialCharges = &placeholder
	case ToolCheckTerritory:
		checked := true
		shadow.TerritoryChecked = &checked
		// serviceability is a runtime outcome, deliberately not predicted

	case ToolGeneratePaypalLink, ToolRouteToQueue, ToolGetServiceDirectory, ToolLogDeclineReason:
		// an outcome-bearing step earlier in the plan satisfies a later
		// completion; a runtime failure stops execution before the
		// completion step ever runs
		shadow.ExecutedSteps = append(shadow.ExecutedSteps, state.StepRecord{
			Tool: step.ToolName,
			Args: step.ToolArgs,
		})
	}
}

// dataIndependent reports whether two steps can swap without changing what
// either one observes. Only read-only or producer/consumer-unrelated tool
// calls qualify.
func dataIndependent(a, b contract.PlanStep) bool {
	if a.Type != contract.StepCallTool || b.Type != contract.StepCallTool {
		return false
	}
	if IsMutatingTool(a.ToolName) || IsMutatingTool(b.ToolName) {
		return false
	}
	return a.ToolName != b.ToolName
}

func disallowedReason(c *state.CaseContext, step contract.PlanStep) string {
	if c.Terminal {
		return "case is terminal"
	}
	if c.Stage == state.StageError {
		return "case is held for human handling"
	}
	if step.Type == contract.StepCallTool && !c.GatesSatisfied() {
		gate, _ := c.NextUnsatisfiedGate()
		return fmt.Sprintf("gate %q not satisfied", gate)
	}
	if step.Type == contract.StepReturnAction && step.ActionType == contract.ActionCaseComplete {
		return "case completion requires a recorded branch outcome"
	}
	switch step.ToolName {
	case ToolCalculateCharges:
		return "charges apply to appliances with a resolved warranty status"
	case ToolCheckTerritory:
		return "territory check requires an accepted charge estimate"
	case ToolGeneratePaypalLink:
		return "payment link requires a serviceable territory and customer consent"
	case ToolLogDeclineReason:
		return "decline log requires a declined estimate"
	case ToolRouteToQueue, ToolNotifyNextSteps:
		return "queue routing applies to consumables with an active warranty"
	case ToolGetServiceDirectory:
		return "directory is the fallback for expired coverage or unserviceable territory"
	}
	return fmt.Sprintf("step %s not permitted in the current case state", step.Type)
}

// batch groups runs of adjacent read-only tool calls for concurrent dispatch.
func batch(steps []contract.PlanStep) []StepBatch {
	var out []StepBatch
	var run []contract.PlanStep

	flush := func() {
		if len(run) == 0 {
			return
		}
		out = append(out, StepBatch{Steps: run, Concurrent: len(run) > 1})
		run = nil
	}

	for _, step := range steps {
		readOnly := step.Type == contract.StepCallTool && !IsMutatingTool(step.ToolName)
		if readOnly {
			run = append(run, step)
			continue
		}
		flush()
		out = append(out, StepBatch{Steps: []contract.PlanStep{step}})
	}
	flush()
	return out
}

func stepArgsKey(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	return fmt.Sprintf("%v", sortedArgs(args))
}

func sortedArgs(args map[string]any) []any {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	// deterministic ordering for the duplicate check
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	out := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, args[k])
	}
	return out
}

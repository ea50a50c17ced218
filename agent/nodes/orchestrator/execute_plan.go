package orchestratornode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	contractx "github.com/hydronix/warranty-agent/agent/contract"
	statex "github.com/hydronix/warranty-agent/agent/state"
	"github.com/hydronix/warranty-agent/agent/workflow"
)

const (
	// maxPlanAttempts bounds validation-failure feedback loops per round.
	maxPlanAttempts = 3
	// maxPlanRounds bounds replanning rounds within a single turn.
	maxPlanRounds = 6
	// transientRetries is the retry budget for a retryable tool failure.
	transientRetries = 2
)

const (
	msgCaseClosed  = "This case is closed. If you need anything else, just start a new request."
	msgEscalated   = "I'm having trouble processing this request. Let me connect you with a support specialist."
	msgTransient   = "One of our services is temporarily unavailable. Please try again in a few minutes; your case has been saved."
	msgActionFail  = "I wasn't able to complete that step, so I've flagged your case for a specialist to review. I apologize for the inconvenience."
	msgLookupRetry = "I ran into a problem: %s. Could you double-check the information you provided?"
)

// PlanAndExecute runs the plan/validate/execute loop for one turn. The planner
// is untrusted: every proposed plan passes the workflow validator before any
// step dispatches, and a rejection is fed back verbatim for another attempt.
func PlanAndExecute(
	ctx context.Context,
	in *GraphState,
	planner contractx.Planner,
	tools contractx.ToolGateway,
	log zerolog.Logger,
) (*GraphState, error) {
	if in == nil {
		return nil, ErrNilGraph
	}
	c := in.Case
	if c == nil {
		return nil, ErrNilCase
	}

	if c.Terminal {
		in.Responses = append(in.Responses, msgCaseClosed)
		return in, nil
	}
	if c.Stage == statex.StageError {
		in.Responses = append(in.Responses, msgEscalated)
		return in, nil
	}

	for round := 0; round < maxPlanRounds; round++ {
		if ctx.Err() != nil {
			c.MarkTerminal(statex.OutcomeAbandoned, in.Now)
			log.Warn().Str("case_id", c.CaseID).Msg("turn cancelled, case abandoned")
			return in, nil
		}

		validated, ok, err := planValidated(ctx, in, planner, log)
		if err != nil {
			return nil, err
		}
		if !ok {
			in.Responses = append(in.Responses, msgEscalated)
			return in, nil
		}

		if validated.Empty() {
			break
		}

		c.Stage = statex.StageExecuting
		if err := runBatches(ctx, in, validated, tools, log); err != nil {
			return nil, err
		}
		if in.Paused || c.Terminal || c.Stage == statex.StageError {
			return in, nil
		}
		c.Stage = statex.StagePlanning

		// a plan without tool calls cannot move the case; replanning after
		// one would just repeat it
		if !hasToolCall(validated) {
			break
		}
	}

	return in, nil
}

func hasToolCall(validated *workflow.ValidatedPlan) bool {
	for _, step := range validated.Steps() {
		if step.Type == contractx.StepCallTool {
			return true
		}
	}
	return false
}

// planValidated asks the planner for a plan and validates it, feeding
// rejections back until one passes or the attempt budget runs out. The second
// return is false once the budget is exhausted and the case is flagged.
func planValidated(
	ctx context.Context,
	in *GraphState,
	planner contractx.Planner,
	log zerolog.Logger,
) (*workflow.ValidatedPlan, bool, error) {
	c := in.Case

	priorFailure := ""
	for attempt := 1; attempt <= maxPlanAttempts; attempt++ {
		resp, err := planner.Plan(ctx, contractx.PlannerRequest{
			Case:         c.Snapshot(),
			UserMessage:  in.Text,
			PriorFailure: priorFailure,
			Now:          in.Now,
		})
		if err != nil {
			return nil, false, err
		}

		applyDecision(in, resp, log)

		validated, failure := workflow.Validate(resp.Plan, c)
		if failure == nil {
			return validated, true, nil
		}

		priorFailure = failure.Error()
		log.Warn().
			Str("case_id", c.CaseID).
			Int("attempt", attempt).
			Str("failure", priorFailure).
			Msg("plan rejected by validator")
	}

	c.MarkError(in.Now)
	log.Error().
		Str("case_id", c.CaseID).
		Err(contractx.ErrPlanRejected).
		Msg("plan attempts exhausted, case flagged for review")
	return nil, false, nil
}

// applyDecision seals the planner's interpretation of the customer's answer to
// the proceed question. The decision is set-once; a conflicting flip is logged
// and dropped rather than applied.
func applyDecision(in *GraphState, resp contractx.PlannerResponse, log zerolog.Logger) {
	if resp.Decision != statex.DecisionProceed && resp.Decision != statex.DecisionDecline {
		return
	}
	c := in.Case
	// a decision is only ever an answer to the pending proceed question; an
	// unsolicited one from the planner never binds the customer
	if !awaitingProceedConfirmation(c) {
		log.Warn().
			Str("case_id", c.CaseID).
			Str("decision", string(resp.Decision)).
			Msg("planner decision dropped: no proceed question pending")
		return
	}
	if err := c.RecordDecision(resp.Decision, resp.DeclineReason, in.Now); err != nil {
		log.Warn().Str("case_id", c.CaseID).Err(err).Msg("planner decision dropped")
		return
	}
	c.ClearPendingQuestion(in.Now)
	log.Info().Str("case_id", c.CaseID).Str("decision", string(resp.Decision)).Msg("customer decision recorded")
}

// runBatches dispatches the validated batches in order. A concurrent batch
// fans its read-only tool calls out in parallel; results are applied in plan
// order once all members return.
func runBatches(
	ctx context.Context,
	in *GraphState,
	validated *workflow.ValidatedPlan,
	tools contractx.ToolGateway,
	log zerolog.Logger,
) error {
	for _, b := range validated.Batches {
		if in.Paused || in.Case.Terminal || in.Case.Stage == statex.StageError {
			return nil
		}

		if b.Concurrent && len(b.Steps) > 1 {
			results := make([]contractx.ToolResult, len(b.Steps))
			errs := make([]error, len(b.Steps))
			var wg sync.WaitGroup
			for i, step := range b.Steps {
				wg.Add(1)
				go func(i int, step contractx.PlanStep) {
					defer wg.Done()
					results[i], errs[i] = executeTool(ctx, tools, in.Case.CaseID, step)
				}(i, step)
			}
			wg.Wait()

			for i, step := range b.Steps {
				if errs[i] != nil {
					return errs[i]
				}
				if stop := applyToolOutcome(in, step, results[i], log); stop {
					return nil
				}
			}
			continue
		}

		for _, step := range b.Steps {
			if stop, err := executeStep(ctx, in, step, tools, log); err != nil {
				return err
			} else if stop {
				return nil
			}
		}
	}
	return nil
}

func executeStep(
	ctx context.Context,
	in *GraphState,
	step contractx.PlanStep,
	tools contractx.ToolGateway,
	log zerolog.Logger,
) (bool, error) {
	c := in.Case

	switch step.Type {
	case contractx.StepCallTool:
		result, err := executeTool(ctx, tools, c.CaseID, step)
		if err != nil {
			return true, err
		}
		return applyToolOutcome(in, step, result, log), nil

	case contractx.StepRespondToUser:
		if step.Message != "" {
			in.Responses = append(in.Responses, step.Message)
		}
		return false, nil

	case contractx.StepAskUserForInfo:
		c.SetPendingQuestion(step.Message, step.RequiredFields, in.Now)
		if step.Message != "" {
			in.Responses = append(in.Responses, step.Message)
		}
		in.Paused = true
		return true, nil

	case contractx.StepReturnAction:
		return applyAction(in, step, log), nil
	}

	return false, fmt.Errorf("unhandled step type %q", step.Type)
}

func applyAction(in *GraphState, step contractx.PlanStep, log zerolog.Logger) bool {
	c := in.Case

	switch step.ActionType {
	case contractx.ActionPromptLogin, contractx.ActionPromptRegistration:
		if step.Message != "" {
			in.Responses = append(in.Responses, step.Message)
		}
		in.Paused = true
		return true

	case contractx.ActionAskUser:
		c.SetPendingQuestion(step.Message, step.RequiredFields, in.Now)
		if step.Message != "" {
			in.Responses = append(in.Responses, step.Message)
		}
		in.Paused = true
		return true

	case contractx.ActionCaseComplete:
		outcome := in.LastOutcome
		if outcome == "" {
			outcome = outcomeFromTrail(c)
		}
		if outcome == "" {
			// completion without any recorded outcome cannot label the case;
			// hold it for a person instead of closing on a guess
			c.MarkError(in.Now)
			in.Responses = append(in.Responses, msgEscalated)
			log.Error().Str("case_id", c.CaseID).Msg("completion requested with no recorded outcome")
			return true
		}
		c.MarkTerminal(outcome, in.Now)
		log.Info().Str("case_id", c.CaseID).Str("outcome", string(outcome)).Msg("case closed")
		return true

	case contractx.ActionEscalate:
		if step.Message != "" {
			in.Responses = append(in.Responses, step.Message)
		}
		c.MarkTerminal(statex.OutcomeEscalated, in.Now)
		log.Info().Str("case_id", c.CaseID).Msg("case escalated")
		return true
	}

	log.Warn().Str("case_id", c.CaseID).Str("action", string(step.ActionType)).Msg("unknown action ignored")
	return false
}

// executeTool invokes one tool with a bounded retry for retryable failures.
// Mutating calls run detached from the turn's cancellation so an in-flight
// action is never abandoned halfway.
func executeTool(
	ctx context.Context,
	tools contractx.ToolGateway,
	caseID string,
	step contractx.PlanStep,
) (contractx.ToolResult, error) {
	execCtx := ctx
	if workflow.IsMutatingTool(step.ToolName) {
		execCtx = context.WithoutCancel(ctx)
	}

	var result contractx.ToolResult
	op := func() error {
		res, err := tools.Execute(execCtx, caseID, step.ToolName, step.ToolArgs)
		if err != nil {
			return backoff.Permanent(err)
		}
		result = res
		if !res.OK && res.Failure != nil && res.Failure.Retryable {
			return res.Failure
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), transientRetries),
		execCtx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		var failure *contractx.ToolFailure
		if errors.As(err, &failure) {
			// retries exhausted; the typed failure rides in the result
			return result, nil
		}
		return contractx.ToolResult{}, err
	}
	return result, nil
}

// applyToolOutcome records the step on the audit trail, folds a successful
// result into case state, and turns failures into user-facing handling. The
// return reports whether execution must stop.
func applyToolOutcome(in *GraphState, step contractx.PlanStep, result contractx.ToolResult, log zerolog.Logger) bool {
	c := in.Case

	rec := statex.StepRecord{
		Tool:   step.ToolName,
		Args:   step.ToolArgs,
		Result: result.Data,
	}
	if result.Failure != nil {
		rec.Failure = &statex.StepFailure{
			Kind:      string(result.Failure.Kind),
			Message:   result.Failure.Message,
			Retryable: result.Failure.Retryable,
		}
	}
	c.RecordStep(rec, in.Now)

	if result.OK {
		applyToolEffects(c, step.ToolName, result.Data, in.Now)
		if outcome := outcomeForTool(step.ToolName); outcome != "" {
			in.LastOutcome = outcome
		}
		if msg := renderToolResult(step.ToolName, result.Data); msg != "" {
			in.Responses = append(in.Responses, msg)
		}
		return false
	}

	failure := result.Failure
	if failure == nil {
		failure = &contractx.ToolFailure{Kind: contractx.FailureRejected, Message: "tool returned no result"}
	}
	log.Error().
		Str("case_id", c.CaseID).
		Str("tool", step.ToolName).
		Str("kind", string(failure.Kind)).
		Str("message", failure.Message).
		Msg("tool call failed")

	switch failure.Kind {
	case contractx.FailureAuth:
		c.MarkError(in.Now)
		in.Responses = append(in.Responses, msgEscalated)
		return true

	case contractx.FailureTransient:
		in.Responses = append(in.Responses, msgTransient)
		in.Paused = true
		return true
	}

	if workflow.IsMutatingTool(step.ToolName) {
		// a rejected action must surface as a failure, never as silent success
		c.MarkError(in.Now)
		in.Responses = append(in.Responses, msgActionFail)
		return true
	}
	in.Responses = append(in.Responses, fmt.Sprintf(msgLookupRetry, failure.Message))
	in.Paused = true
	return true
}

// applyToolEffects writes a successful read-only result back onto the case.
// Only the fields the workflow keys its branching on are captured.
func applyToolEffects(c *statex.CaseContext, tool string, data map[string]any, now time.Time) {
	switch tool {
	case workflow.ToolGetWarrantyRecord:
		if v, ok := data["product_id"].(string); ok && v != "" {
			c.ProductID = v
		}
		if v, ok := data["product_family"].(string); ok && v != "" {
			c.ProductFamily = statex.ProductFamily(v)
		}
		if v, ok := data["product_name"].(string); ok && v != "" {
			c.ProductName = v
		}
		if v, ok := data["serial_number"].(string); ok && v != "" {
			c.SerialNumber = v
		}
		if v, ok := data["purchase_date"].(string); ok && v != "" {
			c.PurchaseDate = v
		}
		if status, ok := decodeWarrantyStatus(data["warranty_status"]); ok {
			c.Warranty = status
		}
		c.Touch(now)

	case workflow.ToolCalculateCharges:
		if summary, ok := data["summary"].(map[string]any); ok {
			if v, ok := summary["total_potential_charges"].(float64); ok {
				c.PotentialCharges = &v
			}
		}
		c.Touch(now)

	case workflow.ToolCheckTerritory:
		checked := true
		c.TerritoryChecked = &checked
		if v, ok := data["serviceable"].(bool); ok {
			c.TerritoryServiceable = &v
		}
		c.Touch(now)
	}
}

func decodeWarrantyStatus(v any) (statex.WarrantyStatus, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return statex.WarrantyStatus{}, false
	}
	var status statex.WarrantyStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return statex.WarrantyStatus{}, false
	}
	if !status.Resolved() {
		return statex.WarrantyStatus{}, false
	}
	return status, true
}

// outcomeFromTrail recovers the outcome for a completion that arrives in a
// later turn than the step that earned it.
func outcomeFromTrail(c *statex.CaseContext) statex.Outcome {
	for i := len(c.ExecutedSteps) - 1; i >= 0; i-- {
		rec := c.ExecutedSteps[i]
		if !rec.Succeeded() {
			continue
		}
		if outcome := outcomeForTool(rec.Tool); outcome != "" {
			return outcome
		}
	}
	return ""
}

func outcomeForTool(tool string) statex.Outcome {
	switch tool {
	case workflow.ToolGeneratePaypalLink:
		return statex.OutcomePaymentLinkIssued
	case workflow.ToolLogDeclineReason:
		return statex.OutcomeDeclineLogged
	case workflow.ToolRouteToQueue:
		return statex.OutcomeQueued
	case workflow.ToolGetServiceDirectory:
		return statex.OutcomeDirectoryReturned
	}
	return ""
}

// renderToolResult turns a tool result into the concrete detail the canned
// response lines around it refer to.
func renderToolResult(tool string, data map[string]any) string {
	switch tool {
	case workflow.ToolGetWarrantyRecord:
		name, _ := data["product_name"].(string)
		id, _ := data["product_id"].(string)
		status, ok := decodeWarrantyStatus(data["warranty_status"])
		if !ok || name == "" {
			return ""
		}
		if status.State == statex.WarrantyActive {
			return fmt.Sprintf("Your %s (%s) is under warranty with active coverage: %s.",
				name, id, strings.Join(status.CoverageTypes, ", "))
		}
		return fmt.Sprintf("Your %s (%s) warranty has expired.", name, id)

	case workflow.ToolCalculateCharges:
		summary, ok := data["summary"].(map[string]any)
		if !ok {
			return ""
		}
		covered, _ := summary["total_covered_value"].(float64)
		potential, _ := summary["total_potential_charges"].(float64)
		return fmt.Sprintf("Covered by your warranty: $%.2f. Estimated service charge: $%.2f.", covered, potential)

	case workflow.ToolRouteToQueue:
		ticket, _ := data["ticket_id"].(string)
		if ticket == "" {
			return ""
		}
		if eta, _ := data["estimated_response_time"].(string); eta != "" {
			return fmt.Sprintf("Your ticket number is %s. Estimated response time: %s.", ticket, eta)
		}
		return fmt.Sprintf("Your ticket number is %s.", ticket)

	case workflow.ToolGeneratePaypalLink:
		url, _ := data["payment_url"].(string)
		if url == "" {
			return ""
		}
		return "Payment link: " + url

	case workflow.ToolGetServiceDirectory:
		providers, _ := data["providers"].([]any)
		if len(providers) == 0 {
			return ""
		}
		var b strings.Builder
		for _, p := range providers {
			entry, ok := p.(map[string]any)
			if !ok {
				continue
			}
			name, _ := entry["name"].(string)
			address, _ := entry["address"].(string)
			phone, _ := entry["phone"].(string)
			distance, _ := entry["distance_miles"].(float64)
			fmt.Fprintf(&b, "- %s, %s, %s (%.1f miles)\n", name, address, phone, distance)
		}
		return strings.TrimRight(b.String(), "\n")
	}
	return ""
}

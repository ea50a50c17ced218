package orchestratornode

import (
	statex "github.com/hydronix/warranty-agent/agent/state"
)

const proceedConfirmationField = "proceed_confirmation"

// MergeTurnFacts folds the turn's structured facts into the case and advances
// the gates. Free text stays untouched in the message history; only booleans
// and structured fields move gates.
func MergeTurnFacts(in *GraphState) (*GraphState, error) {
	if in == nil {
		return nil, ErrNilGraph
	}
	c := in.Case
	if c == nil {
		return nil, ErrNilCase
	}
	if c.Terminal {
		// the execute node answers closed cases; nothing to merge
		return in, nil
	}

	if err := c.ApplyTurnFacts(in.Facts, in.Text, in.Now); err != nil {
		return nil, err
	}

	// An info question is answered by the facts themselves. The proceed
	// question stays pending until the planner interprets the reply.
	if c.PendingQuestion != "" && !awaitingProceedConfirmation(c) && c.HasRequiredInfo() {
		c.ClearPendingQuestion(in.Now)
	}
	if c.Stage == statex.StageAwaitingUser && c.PendingQuestion == "" {
		c.Stage = statex.StagePlanning
	}
	return in, nil
}

func awaitingProceedConfirmation(c *statex.CaseContext) bool {
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

package orchestratornode

import (
	"errors"
	"strings"
	"time"

	statex "github.com/hydronix/warranty-agent/agent/state"
)

var (
	ErrEmptyTurn   = errors.New("turn carries no message and no facts")
	ErrNilGraph    = errors.New("graph state is nil")
	ErrNilCase     = errors.New("graph state has no case")
	ErrEmptyReply  = errors.New("turn produced no reply")
	ErrNoResponder = errors.New("plan produced no user-facing output")
)

// GraphInput is one user turn. CaseID is empty on the first turn of a case;
// Facts carry the structured signals (login, registration, product, location)
// that accompany the free-text message.
type GraphInput struct {
	CaseID string
	Text   string
	Facts  statex.TurnFacts
}

// GraphOutput is the turn result handed back to the channel adapter.
type GraphOutput struct {
	CaseID          string
	Reply           string
	Stage           statex.Stage
	Outcome         statex.Outcome
	PendingQuestion string
}

// GraphState flows through the orchestrator graph for a single turn.
type GraphState struct {
	CaseID string
	Text   string
	Facts  statex.TurnFacts
	Now    time.Time

	Case        *statex.CaseContext
	Responses   []string
	Paused      bool
	LastOutcome statex.Outcome
}

func ValidateRequest(in GraphInput, nowFn func() time.Time) (*GraphState, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Facts == (statex.TurnFacts{}) {
		return nil, ErrEmptyTurn
	}

	return &GraphState{
		CaseID: strings.TrimSpace(in.CaseID),
		Text:   text,
		Facts:  in.Facts,
		Now:    nowFn().UTC(),
	}, nil
}

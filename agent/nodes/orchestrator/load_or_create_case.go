package orchestratornode

import (
	"context"
	"errors"
	"fmt"
	"time"

	statex "github.com/hydronix/warranty-agent/agent/state"
)

func LoadOrCreateCase(ctx context.Context, in *GraphState, store statex.Store) (*GraphState, error) {
	if in == nil {
		return nil, ErrNilGraph
	}

	c, err := loadOrCreateCase(ctx, store, in.CaseID, in.Now)
	if err != nil {
		return nil, err
	}
	in.Case = c
	in.CaseID = c.CaseID
	return in, nil
}

func loadOrCreateCase(ctx context.Context, store statex.Store, caseID string, now time.Time) (*statex.CaseContext, error) {
	if caseID == "" {
		return statex.NewCaseContext(now), nil
	}

	c, err := store.Load(ctx, caseID)
	if err == nil {
		c.EnsureGates()
		if verr := c.Validate(); verr != nil {
			return nil, fmt.Errorf("loaded case %s is inconsistent: %w", caseID, verr)
		}
		return c, nil
	}
	if !errors.Is(err, statex.ErrStateNotFound) {
		return nil, err
	}

	// unknown id: start fresh rather than resurrecting a record we never had
	return statex.NewCaseContext(now), nil
}

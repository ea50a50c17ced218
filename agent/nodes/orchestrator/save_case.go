package orchestratornode

import (
	"context"
	"fmt"

	statex "github.com/hydronix/warranty-agent/agent/state"
)

// SaveCase persists the case at the end of the turn. Saving runs detached from
// the turn's cancellation: whatever already executed must be durable.
func SaveCase(ctx context.Context, in *GraphState, store statex.Store) (*GraphState, error) {
	if in == nil {
		return nil, ErrNilGraph
	}
	if in.Case == nil {
		return nil, ErrNilCase
	}

	in.Case.Touch(in.Now)
	if err := in.Case.Validate(); err != nil {
		return nil, fmt.Errorf("case validation failed before save: %w", err)
	}
	if err := store.Save(context.WithoutCancel(ctx), in.Case); err != nil {
		return nil, err
	}
	return in, nil
}

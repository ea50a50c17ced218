// Package orchestrator is the single writer for warranty cases. Each turn
// flows through a compiled graph: validate, load, merge facts, plan and
// execute, save, reply.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"

	contractx "github.com/hydronix/warranty-agent/agent/contract"
	nodex "github.com/hydronix/warranty-agent/agent/nodes/orchestrator"
	statex "github.com/hydronix/warranty-agent/agent/state"
)

var (
	ErrEmptyTurn = nodex.ErrEmptyTurn
)

type Orchestrator struct {
	store   statex.Store
	planner contractx.Planner
	tools   contractx.ToolGateway
	log     zerolog.Logger

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	// caseLocks serializes turns per case; the case record has one writer.
	caseLocks sync.Map

	now func() time.Time
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithClock fixes the orchestrator clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

func New(
	store statex.Store,
	planner contractx.Planner,
	tools contractx.ToolGateway,
	opts ...Option,
) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if planner == nil {
		return nil, errors.New("planner is required")
	}
	if tools == nil {
		return nil, errors.New("tool gateway is required")
	}

	o := &Orchestrator{
		store:   store,
		planner: planner,
		tools:   tools,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	graphRunner, err := o.compileHandleTurnGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// HandleTurn processes one user turn against a case. An empty CaseID opens a
// new case; the returned output carries the id to continue with.
func (o *Orchestrator) HandleTurn(ctx context.Context, in nodex.GraphInput) (nodex.GraphOutput, error) {
	if in.CaseID != "" {
		unlock := o.lockCase(in.CaseID)
		defer unlock()
	}

	out, err := o.graphRunner.Invoke(ctx, in)
	if err != nil {
		return nodex.GraphOutput{}, err
	}
	return out, nil
}

func (o *Orchestrator) lockCase(caseID string) func() {
	v, _ := o.caseLocks.LoadOrStore(caseID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

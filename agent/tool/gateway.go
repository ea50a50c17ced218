package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hydronix/warranty-agent/agent/compute"
	"github.com/hydronix/warranty-agent/agent/contract"
	"github.com/hydronix/warranty-agent/agent/state"
	"github.com/hydronix/warranty-agent/agent/workflow"
)

const defaultToolTimeout = 15 * time.Second

// LocalGateway serves the closed tool catalog from the demo services. It
// implements contract.ToolGateway; failures come back typed in the result,
// never as transport errors, unless the context itself is done.
type LocalGateway struct {
	actions *Actions
	timeout time.Duration
	now     func() time.Time
}

// GatewayOption customizes LocalGateway.
type GatewayOption func(*LocalGateway)

// WithTimeout bounds each tool invocation.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *LocalGateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithGatewayClock fixes the gateway clock, for tests.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *LocalGateway) {
		if now != nil {
			g.now = now
		}
	}
}

func NewLocalGateway(actions *Actions, opts ...GatewayOption) (*LocalGateway, error) {
	if actions == nil {
		return nil, errors.New("actions service is required")
	}
	g := &LocalGateway{
		actions: actions,
		timeout: defaultToolTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

func (g *LocalGateway) Execute(ctx context.Context, caseID, tool string, args map[string]any) (contract.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return contract.ToolResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if _, known := workflow.LookupTool(tool); !known {
		return rejected(fmt.Sprintf("unknown tool %q", tool)), nil
	}

	switch tool {
	case workflow.ToolGetWarrantyRecord:
		record, err := GetWarrantyRecord(stringArg(args, "product_id"), stringArg(args, "serial_number"), g.now())
		if err != nil {
			return rejected(err.Error()), nil
		}
		return okResult(toMap(record)), nil

	case workflow.ToolGetWarrantyTerms:
		terms, err := GetWarrantyTerms(stringArg(args, "product_id"), stringArg(args, "serial_number"))
		if err != nil {
			return rejected(err.Error()), nil
		}
		return okResult(terms), nil

	case workflow.ToolCalculateCharges:
		breakdown, err := compute.CalculateCharges(
			stringArg(args, "product_id"),
			state.ProductFamily(stringArg(args, "product_family")),
			state.WarrantyStatus{CoverageTypes: stringSliceArg(args, "coverage_types")},
			state.Location{Zip: stringArg(args, "zip"), State: stringArg(args, "state")},
		)
		if err != nil {
			return rejected(err.Error()), nil
		}
		data := toMap(breakdown)
		data["summary"] = map[string]any{
			"total_covered_value":     breakdown.TotalCovered,
			"total_potential_charges": breakdown.TotalPotential,
			"warranty_savings":        breakdown.TotalCovered,
		}
		return okResult(data), nil

	case workflow.ToolCheckTerritory:
		return okResult(g.actions.CheckTerritory(stringArg(args, "zip"))), nil

	case workflow.ToolGetServiceDirectory:
		providers, err := g.actions.GetServiceDirectory(
			state.ProductFamily(stringArg(args, "product_family")),
			floatArg(args, "max_distance_miles"),
		)
		if err != nil {
			return rejected(err.Error()), nil
		}
		return okResult(map[string]any{
			"provider_count": len(providers),
			"providers":      toAnySlice(providers),
		}), nil

	case workflow.ToolRouteToQueue:
		data, err := g.actions.RouteToQueue(
			stringArg(args, "queue"),
			stringArg(args, "priority"),
			caseID,
			idempotencyKey(caseID, tool, args),
		)
		if err != nil {
			return rejected(err.Error()), nil
		}
		return okResult(data), nil

	case workflow.ToolGeneratePaypalLink:
		data, err := g.actions.GeneratePaymentLink(ctx,
			floatArg(args, "amount"),
			stringArg(args, "description"),
			idempotencyKey(caseID, tool, args),
		)
		if err != nil {
			return classifyError(ctx, err), nil
		}
		return okResult(data), nil

	case workflow.ToolLogDeclineReason:
		data, err := g.actions.LogDeclineReason(
			stringArg(args, "reason"),
			caseID,
			idempotencyKey(caseID, tool, args),
		)
		if err != nil {
			return rejected(err.Error()), nil
		}
		return okResult(data), nil

	case workflow.ToolNotifyNextSteps:
		templateArgs := map[string]any{}
		for k, v := range args {
			if k != "channel" && k != "template_id" {
				templateArgs[k] = v
			}
		}
		data, err := g.actions.NotifyNextSteps(
			stringArg(args, "channel"),
			stringArg(args, "template_id"),
			templateArgs,
			idempotencyKey(caseID, tool, args),
		)
		if err != nil {
			return rejected(err.Error()), nil
		}
		return okResult(data), nil
	}

	return rejected(fmt.Sprintf("tool %q has no handler", tool)), nil
}

// classifyError maps a tool-side error to a typed failure: context timeouts
// are retryable, credential problems are fatal, everything else is a
// rejection of this particular call.
func classifyError(ctx context.Context, err error) contract.ToolResult {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return failure(contract.FailureTransient, msg, true)
	case strings.Contains(msg, "status=401") || strings.Contains(msg, "status=403"):
		return failure(contract.FailureAuth, msg, false)
	case strings.Contains(msg, "status=5"):
		return failure(contract.FailureTransient, msg, true)
	}
	return failure(contract.FailureRejected, msg, false)
}

func okResult(data map[string]any) contract.ToolResult {
	return contract.ToolResult{OK: true, Data: data}
}

func rejected(msg string) contract.ToolResult {
	return failure(contract.FailureRejected, msg, false)
}

func failure(kind contract.FailureKind, msg string, retryable bool) contract.ToolResult {
	return contract.ToolResult{
		Failure: &contract.ToolFailure{Kind: kind, Message: msg, Retryable: retryable},
	}
}

// idempotencyKey derives a stable key from the case, tool, and arguments so a
// re-dispatched step maps onto the original action.
func idempotencyKey(caseID, tool string, args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(append([]byte(caseID+"|"+tool+"|"), raw...))
	return hex.EncodeToString(sum[:12])
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func floatArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func stringSliceArg(args map[string]any, key string) []string {
	var out []string
	switch v := args[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, 0, len(in))
	for _, item := range in {
		out = append(out, toMap(item))
	}
	return out
}

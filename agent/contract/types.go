package contract

import (
	"time"

	statex "github.com/hydronix/warranty-agent/agent/state"
)

// StepType is the closed set of step kinds a planner may propose.
type StepType string

const (
	StepAskUserForInfo StepType = "ASK_USER_FOR_INFO"
	StepCallTool       StepType = "CALL_TOOL"
	StepReturnAction   StepType = "RETURN_ACTION"
	StepRespondToUser  StepType = "RESPOND_TO_USER"
)

// ActionType is the closed set of control actions a RETURN_ACTION step may carry.
type ActionType string

const (
	ActionPromptLogin        ActionType = "PROMPT_LOGIN"
	ActionPromptRegistration ActionType = "PROMPT_PRODUCT_REGISTRATION"
	ActionCaseComplete       ActionType = "CASE_COMPLETE"
	ActionEscalate           ActionType = "ESCALATE"
	ActionAskUser            ActionType = "ASK_USER"
)

// KnownStepType reports whether t is one of the approved step types.
func KnownStepType(t StepType) bool {
	switch t {
	case StepAskUserForInfo, StepCallTool, StepReturnAction, StepRespondToUser:
		return true
	}
	return false
}

// KnownActionType reports whether a is one of the approved action types.
func KnownActionType(a ActionType) bool {
	switch a {
	case ActionPromptLogin, ActionPromptRegistration, ActionCaseComplete, ActionEscalate, ActionAskUser:
		return true
	}
	return false
}

// PlanStep is one proposed operation. Description carries the planner's
// rationale for the step; it is never shown to the user.
type PlanStep struct {
	Type           StepType       `json:"step_type"`
	Description    string         `json:"description"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolArgs       map[string]any `json:"tool_args,omitempty"`
	ActionType     ActionType     `json:"action_type,omitempty"`
	RequiredFields []string       `json:"required_fields,omitempty"`
	Message        string         `json:"message,omitempty"`
}

// Plan is an ordered, disposable sequence of proposed steps for the current
// branch. It is re-derived, never edited, when gates or branch outcomes change.
type Plan struct {
	Steps     []PlanStep `json:"plan"`
	Reasoning string     `json:"reasoning,omitempty"`
}

// PlannerRequest is the boundary payload sent to the planning collaborator.
// The case snapshot is read-only input; the planner must not be handed the
// live record.
type PlannerRequest struct {
	Case         *statex.CaseContext `json:"case"`
	UserMessage  string              `json:"user_message"`
	PriorFailure string              `json:"prior_validation_failure,omitempty"`
	Now          time.Time           `json:"now"`
}

// PlannerResponse carries the proposed plan plus the planner's interpretation
// of the user's answer to a pending question. Interpretation is the planner's
// job; applying it to case state is the orchestrator's.
type PlannerResponse struct {
	Plan          Plan            `json:"plan"`
	Decision      statex.Decision `json:"decision,omitempty"`
	DeclineReason string          `json:"decline_reason,omitempty"`
}

// FailureKind classifies tool-side failures for retry policy.
type FailureKind string

const (
	FailureTransient FailureKind = "TRANSIENT"
	FailureRejected  FailureKind = "REJECTED"
	FailureAuth      FailureKind = "AUTH"
)

// ToolFailure is a typed failure from a tool service.
type ToolFailure struct {
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func (f *ToolFailure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// ToolResult is the structured outcome of one tool invocation.
type ToolResult struct {
	OK      bool           `json:"ok"`
	Data    map[string]any `json:"data,omitempty"`
	Failure *ToolFailure   `json:"failure,omitempty"`
}

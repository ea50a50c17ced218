package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProductFamily selects one of the two workflow branches.
type ProductFamily string

const (
	FamilyConsumable ProductFamily = "CONSUMABLE"
	FamilyAppliance  ProductFamily = "APPLIANCE"
)

// GateName identifies a precondition that must hold before planning begins.
// Gates satisfy in strict order: login, then registration, then info collection.
type GateName string

const (
	GateLogin          GateName = "login"
	GateRegistration   GateName = "registration"
	GateInfoCollection GateName = "info_collection"
)

// GateOrder is the required satisfaction order.
var GateOrder = []GateName{GateLogin, GateRegistration, GateInfoCollection}

// Stage is the orchestrator's externally observable state for a case.
type Stage string

const (
	StageAwaitingGates Stage = "AWAITING_GATES"
	StagePlanning      Stage = "PLANNING"
	StageExecuting     Stage = "EXECUTING"
	StageAwaitingUser  Stage = "AWAITING_USER"
	StageTerminal      Stage = "TERMINAL"
	StageError         Stage = "ERROR"
)

// Decision is the customer's answer to the proceed/decline question.
type Decision string

const (
	DecisionPending Decision = "PENDING"
	DecisionProceed Decision = "PROCEED"
	DecisionDecline Decision = "DECLINE"
)

// WarrantyState is the resolution status of the warranty lookup.
type WarrantyState string

const (
	WarrantyUnknown WarrantyState = "UNKNOWN"
	WarrantyActive  WarrantyState = "ACTIVE"
	WarrantyExpired WarrantyState = "EXPIRED"
)

// Outcome names the terminal result that closed a case.
type Outcome string

const (
	OutcomePaymentLinkIssued Outcome = "PAYMENT_LINK_ISSUED"
	OutcomeDeclineLogged     Outcome = "DECLINE_LOGGED"
	OutcomeDirectoryReturned Outcome = "DIRECTORY_RETURNED"
	OutcomeQueued            Outcome = "QUEUED"
	OutcomeAbandoned         Outcome = "ABANDONED"
	OutcomeEscalated         Outcome = "ESCALATED"
)

// Coverage describes one coverage category's window.
type Coverage struct {
	Active         bool   `json:"active"`
	DurationMonths int    `json:"duration_months"`
	ExpirationDate string `json:"expiration_date,omitempty"`
	DaysRemaining  int    `json:"days_remaining"`
}

// WarrantyStatus is polymorphic over unknown/active/expired; coverage detail
// is only meaningful once resolved.
type WarrantyStatus struct {
	State         WarrantyState       `json:"state"`
	CoverageTypes []string            `json:"coverage_types,omitempty"`
	AllCoverage   map[string]Coverage `json:"all_coverage,omitempty"`
}

// Resolved reports whether the warranty lookup has run for this case.
func (w WarrantyStatus) Resolved() bool {
	return w.State == WarrantyActive || w.State == WarrantyExpired
}

// Covers reports whether a coverage category is currently active.
func (w WarrantyStatus) Covers(category string) bool {
	for _, c := range w.CoverageTypes {
		if c == category {
			return true
		}
	}
	return false
}

// Location is the customer's service location.
type Location struct {
	Zip   string  `json:"zip,omitempty"`
	City  string  `json:"city,omitempty"`
	State string  `json:"state,omitempty"`
	Lat   float64 `json:"lat,omitempty"`
	Lon   float64 `json:"lon,omitempty"`
}

// IsComplete reports whether the location is specific enough for territory
// and directory lookups.
func (l Location) IsComplete() bool {
	return l.Zip != "" || (l.City != "" && l.State != "")
}

// ToArgs renders the location as tool-call arguments.
func (l Location) ToArgs() map[string]any {
	out := map[string]any{}
	if l.Zip != "" {
		out["zip"] = l.Zip
	}
	if l.City != "" {
		out["city"] = l.City
	}
	if l.State != "" {
		out["state"] = l.State
	}
	return out
}

// StepFailure is the failure recorded on a step, if any.
type StepFailure struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// StepRecord is one executed step. Records are append-only and immutable once
// appended; together they form the case's audit trail.
type StepRecord struct {
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	Failure *StepFailure   `json:"failure,omitempty"`
	At      time.Time      `json:"at"`
}

// Succeeded reports whether the step completed without failure.
func (r StepRecord) Succeeded() bool {
	return r.Failure == nil
}

// TurnFacts are the structured facts that may accompany a user turn
// (gate confirmations arrive as booleans, not parsed from free text).
type TurnFacts struct {
	LoggedIn              *bool     `json:"logged_in,omitempty"`
	HasRegisteredProducts *bool     `json:"has_registered_products,omitempty"`
	CustomerID            string    `json:"customer_id,omitempty"`
	CustomerName          string    `json:"customer_name,omitempty"`
	CustomerEmail         string    `json:"customer_email,omitempty"`
	ProductID             string    `json:"product_id,omitempty"`
	SerialNumber          string    `json:"serial_number,omitempty"`
	IssueDescription      string    `json:"issue_description,omitempty"`
	Location              *Location `json:"location,omitempty"`
	Channel               string    `json:"channel,omitempty"`
}

// CaseContext is the durable record of one customer case. It is mutated by a
// single writer (the orchestrator) and is serializable as one self-contained
// record keyed by CaseID.
type CaseContext struct {
	CaseID    string `json:"case_id"`
	SessionID string `json:"session_id,omitempty"`

	Gates map[GateName]bool `json:"gates"`

	CustomerID    string `json:"customer_id,omitempty"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`

	ProductID     string        `json:"product_id,omitempty"`
	SerialNumber  string        `json:"serial_number,omitempty"`
	ProductFamily ProductFamily `json:"product_family,omitempty"`
	ProductName   string        `json:"product_name,omitempty"`
	PurchaseDate  string        `json:"purchase_date,omitempty"`

	Location Location       `json:"location"`
	Warranty WarrantyStatus `json:"warranty_status"`

	Decision             Decision `json:"customer_decision"`
	DeclineReason        string   `json:"decline_reason,omitempty"`
	PotentialCharges     *float64 `json:"potential_charges,omitempty"`
	TerritoryChecked     *bool    `json:"territory_checked,omitempty"`
	TerritoryServiceable *bool    `json:"territory_serviceable,omitempty"`

	IssueDescription string   `json:"issue_description,omitempty"`
	UserMessages     []string `json:"user_messages,omitempty"`

	ExecutedSteps []StepRecord `json:"executed_steps,omitempty"`

	PendingQuestion string   `json:"pending_question,omitempty"`
	PendingFields   []string `json:"pending_fields,omitempty"`

	Stage    Stage   `json:"stage"`
	Terminal bool    `json:"terminal"`
	Outcome  Outcome `json:"outcome,omitempty"`

	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrNilCase        = errors.New("case context is nil")
	ErrInvalidCaseID  = errors.New("case id is empty")
	ErrCaseTerminal   = errors.New("case is terminal")
	ErrStepImmutable  = errors.New("executed steps are append-only")
	ErrInvalidGate    = errors.New("gate satisfied out of order")
	ErrDecisionSealed = errors.New("customer decision already recorded")
)

// NewCaseID produces a case identifier in the CASE-YYYYMMDD-XXXXXXXX shape.
func NewCaseID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("CASE-%s-%s", now.UTC().Format("20060102"), suffix)
}

// NewCaseContext creates a fresh case record.
func NewCaseContext(now time.Time) *CaseContext {
	utc := now.UTC()
	return &CaseContext{
		CaseID:    NewCaseID(utc),
		Gates:     map[GateName]bool{},
		Warranty:  WarrantyStatus{State: WarrantyUnknown},
		Decision:  DecisionPending,
		Stage:     StageAwaitingGates,
		Channel:   "chat",
		CreatedAt: utc,
		UpdatedAt: utc,
	}
}

func (c *CaseContext) Touch(now time.Time) {
	c.UpdatedAt = now.UTC()
}

// EnsureGates makes sure the gate map is initialized (loaded records may omit it).
func (c *CaseContext) EnsureGates() {
	if c.Gates == nil {
		c.Gates = map[GateName]bool{}
	}
}

// GateSatisfied reports whether a single gate holds.
func (c *CaseContext) GateSatisfied(g GateName) bool {
	return c != nil && c.Gates[g]
}

// GatesSatisfied reports whether all gates hold, in order.
func (c *CaseContext) GatesSatisfied() bool {
	for _, g := range GateOrder {
		if !c.GateSatisfied(g) {
			return false
		}
	}
	return true
}

// NextUnsatisfiedGate returns the first gate that does not yet hold.
func (c *CaseContext) NextUnsatisfiedGate() (GateName, bool) {
	for _, g := range GateOrder {
		if !c.GateSatisfied(g) {
			return g, true
		}
	}
	return "", false
}

// SatisfyGate marks a gate satisfied. Gates must satisfy in GateOrder; a gate
// whose predecessors do not hold is rejected.
func (c *CaseContext) SatisfyGate(g GateName, now time.Time) error {
	c.EnsureGates()
	for _, prior := range GateOrder {
		if prior == g {
			c.Gates[g] = true
			c.Touch(now)
			return nil
		}
		if !c.Gates[prior] {
			return fmt.Errorf("%w: %s before %s", ErrInvalidGate, g, prior)
		}
	}
	return fmt.Errorf("%w: unknown gate %q", ErrInvalidGate, g)
}

// HasRequiredInfo reports whether the info-collection gate's inputs are present.
func (c *CaseContext) HasRequiredInfo() bool {
	hasProduct := c.ProductID != "" || c.SerialNumber != ""
	return hasProduct && c.Location.IsComplete()
}

// MissingFields lists the info-collection inputs still absent.
func (c *CaseContext) MissingFields() []string {
	var missing []string
	if c.ProductID == "" && c.SerialNumber == "" {
		missing = append(missing, "product_id or serial_number")
	}
	if !c.Location.IsComplete() {
		missing = append(missing, "location (zip code or city/state)")
	}
	return missing
}

// ApplyTurnFacts merges structured facts from a user turn and advances gates
// in strict order. Free text is recorded in the message history untouched.
func (c *CaseContext) ApplyTurnFacts(facts TurnFacts, userMessage string, now time.Time) error {
	if c == nil {
		return ErrNilCase
	}
	if c.Terminal {
		return ErrCaseTerminal
	}
	c.EnsureGates()

	if facts.CustomerID != "" {
		c.CustomerID = facts.CustomerID
	}
	if facts.CustomerName != "" {
		c.CustomerName = facts.CustomerName
	}
	if facts.CustomerEmail != "" {
		c.CustomerEmail = facts.CustomerEmail
	}
	if facts.ProductID != "" {
		c.ProductID = facts.ProductID
	}
	if facts.SerialNumber != "" {
		c.SerialNumber = facts.SerialNumber
	}
	if facts.IssueDescription != "" {
		c.IssueDescription = facts.IssueDescription
	}
	if facts.Location != nil {
		c.Location = *facts.Location
	}
	if facts.Channel != "" {
		c.Channel = facts.Channel
	}

	if facts.LoggedIn != nil && *facts.LoggedIn && !c.GateSatisfied(GateLogin) {
		if err := c.SatisfyGate(GateLogin, now); err != nil {
			return err
		}
	}
	if facts.HasRegisteredProducts != nil && *facts.HasRegisteredProducts &&
		c.GateSatisfied(GateLogin) && !c.GateSatisfied(GateRegistration) {
		if err := c.SatisfyGate(GateRegistration, now); err != nil {
			return err
		}
	}
	if c.GateSatisfied(GateRegistration) && !c.GateSatisfied(GateInfoCollection) && c.HasRequiredInfo() {
		if err := c.SatisfyGate(GateInfoCollection, now); err != nil {
			return err
		}
	}

	if msg := strings.TrimSpace(userMessage); msg != "" {
		c.UserMessages = append(c.UserMessages, msg)
	}
	if c.GatesSatisfied() && c.Stage == StageAwaitingGates {
		c.Stage = StagePlanning
	}
	c.Touch(now)
	return nil
}

// RecordStep appends an executed step to the audit trail. The trail is
// append-only; records are never rewritten.
func (c *CaseContext) RecordStep(rec StepRecord, now time.Time) {
	if rec.At.IsZero() {
		rec.At = now.UTC()
	}
	c.ExecutedSteps = append(c.ExecutedSteps, rec)
	c.Touch(now)
}

// argsKey renders tool args into a canonical comparison key. encoding/json
// sorts map keys, so identical argument sets produce identical keys.
func argsKey(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(raw)
}

// HasExecuted reports whether a step with this tool and identical arguments
// already ran. The second return is true only when re-dispatch is barred:
// a prior success, or a prior non-retryable failure.
func (c *CaseContext) HasExecuted(tool string, args map[string]any) (executed bool, barred bool) {
	key := argsKey(args)
	for i := len(c.ExecutedSteps) - 1; i >= 0; i-- {
		rec := c.ExecutedSteps[i]
		if rec.Tool != tool || argsKey(rec.Args) != key {
			continue
		}
		if rec.Succeeded() {
			return true, true
		}
		return true, !rec.Failure.Retryable
	}
	return false, false
}

// ExecutedOK reports whether the tool has at least one successful execution on
// the audit trail, regardless of arguments.
func (c *CaseContext) ExecutedOK(tool string) bool {
	for _, rec := range c.ExecutedSteps {
		if rec.Tool == tool && rec.Succeeded() {
			return true
		}
	}
	return false
}

// SetPendingQuestion records the single outstanding question.
func (c *CaseContext) SetPendingQuestion(question string, fields []string, now time.Time) {
	c.PendingQuestion = strings.TrimSpace(question)
	c.PendingFields = fields
	c.Stage = StageAwaitingUser
	c.Touch(now)
}

// ClearPendingQuestion clears the outstanding question once answered.
func (c *CaseContext) ClearPendingQuestion(now time.Time) {
	c.PendingQuestion = ""
	c.PendingFields = nil
	c.Touch(now)
}

// RecordDecision seals the customer's proceed/decline answer. The decision is
// set-once; a later conflicting answer is rejected.
func (c *CaseContext) RecordDecision(d Decision, reason string, now time.Time) error {
	if d != DecisionProceed && d != DecisionDecline {
		return fmt.Errorf("invalid decision %q", d)
	}
	if c.Decision != DecisionPending && c.Decision != d {
		return fmt.Errorf("%w: have %s, got %s", ErrDecisionSealed, c.Decision, d)
	}
	c.Decision = d
	if d == DecisionDecline && reason != "" {
		c.DeclineReason = reason
	}
	c.Touch(now)
	return nil
}

// MarkTerminal closes the case. Once terminal, no further steps execute.
func (c *CaseContext) MarkTerminal(outcome Outcome, now time.Time) {
	c.Terminal = true
	c.Outcome = outcome
	c.Stage = StageTerminal
	c.PendingQuestion = ""
	c.PendingFields = nil
	c.Touch(now)
}

// MarkError flags the case for human handling; no further automated steps run.
func (c *CaseContext) MarkError(now time.Time) {
	c.Stage = StageError
	c.Touch(now)
}

// Snapshot returns a deep copy for read-only branch decisions.
func (c *CaseContext) Snapshot() *CaseContext {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		clone := *c
		return &clone
	}
	var out CaseContext
	if err := json.Unmarshal(raw, &out); err != nil {
		clone := *c
		return &clone
	}
	out.EnsureGates()
	return &out
}

// Validate checks structural consistency, primarily for records loaded from a
// store.
func (c *CaseContext) Validate() error {
	if c == nil {
		return ErrNilCase
	}
	if strings.TrimSpace(c.CaseID) == "" {
		return ErrInvalidCaseID
	}
	switch c.Stage {
	case StageAwaitingGates, StagePlanning, StageExecuting, StageAwaitingUser, StageTerminal, StageError:
	default:
		return fmt.Errorf("unknown stage %q", c.Stage)
	}
	if c.Terminal && c.Stage != StageTerminal {
		return fmt.Errorf("terminal case must be in %s stage, got %s", StageTerminal, c.Stage)
	}
	if c.Stage == StageAwaitingUser && c.PendingQuestion == "" {
		return errors.New("awaiting-user case must carry a pending question")
	}
	// gates must hold in order: a satisfied gate implies its predecessors
	for i := len(GateOrder) - 1; i > 0; i-- {
		if c.GateSatisfied(GateOrder[i]) && !c.GateSatisfied(GateOrder[i-1]) {
			return fmt.Errorf("gate %s satisfied before %s", GateOrder[i], GateOrder[i-1])
		}
	}
	for i, rec := range c.ExecutedSteps {
		if strings.TrimSpace(rec.Tool) == "" {
			return fmt.Errorf("executed step %d has no tool name", i)
		}
	}
	return nil
}

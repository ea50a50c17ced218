package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hydronix/warranty-agent/agent/state"
	"github.com/hydronix/warranty-agent/pkg/paypal"
)

// ServiceProvider is a third-party provider in the directory.
type ServiceProvider struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Address        string   `json:"address"`
	Phone          string   `json:"phone"`
	Rating         float64  `json:"rating"`
	Certifications []string `json:"certifications"`
	DistanceMiles  float64  `json:"distance_miles"`
}

var serviceProviders = map[state.ProductFamily][]ServiceProvider{
	state.FamilyConsumable: {
		{
			ID:             "SP-001",
			Name:           "AquaPure Service Co.",
			Address:        "123 Water St, Houston, TX 77001",
			Phone:          "(713) 555-0101",
			Rating:         4.8,
			Certifications: []string{"Certified Water Treatment Specialist", "Factory Authorized"},
			DistanceMiles:  5.2,
		},
		{
			ID:             "SP-002",
			Name:           "SoftWater Solutions",
			Address:        "456 Mineral Ave, Houston, TX 77002",
			Phone:          "(713) 555-0202",
			Rating:         4.5,
			Certifications: []string{"Factory Authorized"},
			DistanceMiles:  8.7,
		},
		{
			ID:             "SP-003",
			Name:           "ClearFlow Technicians",
			Address:        "789 Filter Blvd, Sugar Land, TX 77478",
			Phone:          "(281) 555-0303",
			Rating:         4.9,
			Certifications: []string{"Master Technician", "Factory Authorized"},
			DistanceMiles:  12.3,
		},
	},
	state.FamilyAppliance: {
		{
			ID:             "HP-001",
			Name:           "HeatPro Services",
			Address:        "321 Thermal Way, Houston, TX 77003",
			Phone:          "(713) 555-0401",
			Rating:         4.7,
			Certifications: []string{"HVAC Certified", "Heat Pump Specialist", "Factory Authorized"},
			DistanceMiles:  6.1,
		},
		{
			ID:             "HP-002",
			Name:           "Efficient Energy Solutions",
			Address:        "654 Pump Lane, Katy, TX 77449",
			Phone:          "(281) 555-0502",
			Rating:         4.6,
			Certifications: []string{"Energy Star Partner", "Factory Authorized"},
			DistanceMiles:  15.4,
		},
		{
			ID:             "HP-003",
			Name:           "WarmWater Experts",
			Address:        "987 Heat St, Pearland, TX 77584",
			Phone:          "(832) 555-0603",
			Rating:         4.8,
			Certifications: []string{"Master Heat Pump Technician", "Factory Authorized"},
			DistanceMiles:  18.9,
		},
	},
}

// serviceableZips is the Houston-metro direct service territory.
var serviceableZips = map[string]bool{
	"77001": true, "77002": true, "77003": true, "77004": true,
	"77005": true, "77006": true, "77007": true, "77008": true,
	"77009": true, "77010": true, "77019": true, "77020": true,
	"77021": true, "77022": true, "77023": true, "77024": true,
	"77025": true, "77026": true, "77027": true, "77028": true,
	"77029": true, "77030": true, "77031": true, "77032": true,
	"77098": true, "77099": true,
}

type queueEntry struct {
	TicketID       string
	Queue          string
	Priority       string
	CaseID         string
	CreatedAt      time.Time
	IdempotencyKey string
}

type declineEntry struct {
	LogID          string
	Reason         string
	CaseID         string
	LoggedAt       time.Time
	IdempotencyKey string
}

type linkEntry struct {
	PaymentID      string
	PaymentURL     string
	Amount         float64
	Currency       string
	CreatedAt      time.Time
	IdempotencyKey string
}

type notificationEntry struct {
	NotificationID string
	Channel        string
	TemplateID     string
	SentAt         time.Time
	IdempotencyKey string
}

// Actions is the demo action service behind the mutating tools. All stores
// are in memory and guarded by one mutex; idempotency keys make duplicate
// requests return the original result.
type Actions struct {
	mu            sync.Mutex
	queued        []queueEntry
	declines      []declineEntry
	links         []linkEntry
	notifications []notificationEntry

	checkout *paypal.Client
	now      func() time.Time
}

// ActionsOption customizes Actions.
type ActionsOption func(*Actions)

// WithCheckoutClient makes payment links come from the hosted checkout
// service instead of locally minted sandbox URLs.
func WithCheckoutClient(client *paypal.Client) ActionsOption {
	return func(a *Actions) {
		a.checkout = client
	}
}

// WithClock fixes the action timestamps, for tests.
func WithClock(now func() time.Time) ActionsOption {
	return func(a *Actions) {
		if now != nil {
			a.now = now
		}
	}
}

func NewActions(opts ...ActionsOption) *Actions {
	a := &Actions{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RouteToQueue queues a warranty case for a service team.
func (a *Actions) RouteToQueue(queue, priority, caseID, idempotencyKey string) (map[string]any, error) {
	if strings.TrimSpace(queue) == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if priority == "" {
		priority = "normal"
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if idempotencyKey != "" {
		for _, entry := range a.queued {
			if entry.IdempotencyKey == idempotencyKey {
				return map[string]any{
					"ticket_id": entry.TicketID,
					"queue":     entry.Queue,
					"duplicate": true,
					"message":   "Case already queued (duplicate prevented)",
				}, nil
			}
		}
	}

	entry := queueEntry{
		TicketID:       "TKT-" + strings.ToUpper(uuid.NewString()[:8]),
		Queue:          queue,
		Priority:       priority,
		CaseID:         caseID,
		CreatedAt:      a.now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
	a.queued = append(a.queued, entry)

	position := 0
	for _, q := range a.queued {
		if q.Queue == queue {
			position++
		}
	}

	responseTime := "24-48 hours"
	if priority != "normal" {
		responseTime = "4-8 hours"
	}
	return map[string]any{
		"ticket_id":               entry.TicketID,
		"queue":                   queue,
		"priority":                priority,
		"estimated_response_time": responseTime,
		"position_in_queue":       position,
	}, nil
}

// CheckTerritory reports whether a zip code is in the direct service
// territory.
func (a *Actions) CheckTerritory(zip string) map[string]any {
	zip = strings.TrimSpace(zip)
	if len(zip) > 5 {
		zip = zip[:5]
	}
	serviceable := serviceableZips[zip]

	out := map[string]any{
		"zip":         zip,
		"serviceable": serviceable,
	}
	if serviceable {
		out["territory_name"] = "Houston Metro Area"
		out["message"] = "Location is within our direct service territory"
	} else {
		out["nearest_serviceable_zip"] = "77001"
		out["message"] = "Location is outside our direct service territory. Third-party service providers are available."
	}
	return out
}

// GetServiceDirectory lists providers for a family within a search radius,
// closest first.
func (a *Actions) GetServiceDirectory(family state.ProductFamily, maxDistanceMiles float64) ([]ServiceProvider, error) {
	providers, ok := serviceProviders[family]
	if !ok || len(providers) == 0 {
		return nil, fmt.Errorf("no service providers found for product family %q", family)
	}
	if maxDistanceMiles <= 0 {
		maxDistanceMiles = 50
	}

	out := make([]ServiceProvider, 0, len(providers))
	for _, p := range providers {
		if p.DistanceMiles <= maxDistanceMiles {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMiles < out[j].DistanceMiles })
	return out, nil
}

// GeneratePaymentLink mints a checkout link for the service charge. With a
// configured checkout client the link is hosted; otherwise a sandbox link is
// minted locally.
func (a *Actions) GeneratePaymentLink(ctx context.Context, amount float64, description, idempotencyKey string) (map[string]any, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("invalid payment amount %.2f", amount)
	}
	if description == "" {
		description = "Service charge payment"
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if idempotencyKey != "" {
		for _, entry := range a.links {
			if entry.IdempotencyKey == idempotencyKey {
				return map[string]any{
					"payment_id":  entry.PaymentID,
					"payment_url": entry.PaymentURL,
					"amount":      entry.Amount,
					"currency":    entry.Currency,
					"duplicate":   true,
					"message":     "Payment link already generated (duplicate prevented)",
				}, nil
			}
		}
	}

	entry := linkEntry{
		Amount:         amount,
		Currency:       "USD",
		CreatedAt:      a.now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
	if a.checkout != nil {
		link, err := a.checkout.CreateCheckoutLink(ctx, amount, "USD", description, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("create hosted checkout link: %w", err)
		}
		entry.PaymentID = link.PaymentID
		entry.PaymentURL = link.PaymentURL
	} else {
		entry.PaymentID = "PAY-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
		entry.PaymentURL = "https://www.sandbox.paypal.com/checkoutnow?token=" + entry.PaymentID
	}
	a.links = append(a.links, entry)

	return map[string]any{
		"payment_id":       entry.PaymentID,
		"payment_url":      entry.PaymentURL,
		"amount":           amount,
		"currency":         entry.Currency,
		"expires_in_hours": 72,
		"description":      description,
	}, nil
}

// LogDeclineReason records why a customer declined the service estimate.
func (a *Actions) LogDeclineReason(reason, caseID, idempotencyKey string) (map[string]any, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("decline reason is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if idempotencyKey != "" {
		for _, entry := range a.declines {
			if entry.IdempotencyKey == idempotencyKey {
				return map[string]any{
					"log_id":    entry.LogID,
					"duplicate": true,
					"message":   "Decline already logged (duplicate prevented)",
				}, nil
			}
		}
	}

	now := a.now().UTC()
	entry := declineEntry{
		LogID:          fmt.Sprintf("LOG-%s-%s", now.Format("20060102"), strings.ToUpper(uuid.NewString()[:6])),
		Reason:         reason,
		CaseID:         caseID,
		LoggedAt:       now,
		IdempotencyKey: idempotencyKey,
	}
	a.declines = append(a.declines, entry)

	return map[string]any{
		"log_id":    entry.LogID,
		"reason":    reason,
		"logged_at": entry.LoggedAt.Format(time.RFC3339),
		"message":   "Decline reason logged successfully",
	}, nil
}

var notificationTemplates = map[string]string{
	"warranty_queued": "Your warranty claim has been queued. {next_action} within {estimated_response_time}.",
	"payment_pending": "Your payment link is ready. Complete payment to schedule your service appointment.",
}

// NotifyNextSteps sends a templated notification on the given channel.
func (a *Actions) NotifyNextSteps(channel, templateID string, templateArgs map[string]any, idempotencyKey string) (map[string]any, error) {
	body, ok := notificationTemplates[templateID]
	if !ok {
		return nil, fmt.Errorf("unknown notification template %q", templateID)
	}
	if channel == "" {
		channel = "chat"
	}
	for key, value := range templateArgs {
		body = strings.ReplaceAll(body, "{"+key+"}", fmt.Sprintf("%v", value))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if idempotencyKey != "" {
		for _, entry := range a.notifications {
			if entry.IdempotencyKey == idempotencyKey {
				return map[string]any{
					"notification_id": entry.NotificationID,
					"duplicate":       true,
					"message":         "Notification already sent (duplicate prevented)",
				}, nil
			}
		}
	}

	entry := notificationEntry{
		NotificationID: "NTF-" + strings.ToUpper(uuid.NewString()[:8]),
		Channel:        channel,
		TemplateID:     templateID,
		SentAt:         a.now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
	a.notifications = append(a.notifications, entry)

	return map[string]any{
		"notification_id": entry.NotificationID,
		"channel":         channel,
		"template_id":     templateID,
		"body":            body,
		"sent_at":         entry.SentAt.Format(time.RFC3339),
	}, nil
}

// QueuedCount reports how many cases sit in a queue. Test hook.
func (a *Actions) QueuedCount(queue string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, entry := range a.queued {
		if entry.Queue == queue {
			n++
		}
	}
	return n
}

// LinkCount reports how many distinct payment links exist. Test hook.
func (a *Actions) LinkCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.links)
}

// DeclineCount reports how many declines were logged. Test hook.
func (a *Actions) DeclineCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.declines)
}

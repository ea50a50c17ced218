// Package compute holds the deterministic warranty calculations: coverage
// windows, charge breakdowns, and prorated amounts. Same input, same output.
package compute

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hydronix/warranty-agent/agent/state"
)

type baseCharges struct {
	ServiceCall       float64
	LaborHourly       float64
	AverageLaborHours float64
	Parts             map[string]float64
}

var chargesByFamily = map[state.ProductFamily]baseCharges{
	state.FamilyConsumable: {
		ServiceCall:       95.00,
		LaborHourly:       85.00,
		AverageLaborHours: 2.0,
		Parts: map[string]float64{
			"valve_assembly": 245.00,
			"control_board":  189.00,
			"brine_tank":     175.00,
			"resin_bed":      325.00,
			"motor":          215.00,
			"general_parts":  75.00,
		},
	},
	state.FamilyAppliance: {
		ServiceCall:       125.00,
		LaborHourly:       95.00,
		AverageLaborHours: 3.0,
		Parts: map[string]float64{
			"compressor":       850.00,
			"heat_exchanger":   425.00,
			"control_board":    275.00,
			"heating_element":  195.00,
			"thermostat":       85.00,
			"tank_replacement": 1200.00,
			"general_parts":    100.00,
		},
	},
}

// Texas is the base rate; other serviced states carry an uplift.
var regionalModifiers = map[string]float64{
	"TX": 1.0,
	"CA": 1.25,
	"NY": 1.20,
	"FL": 1.05,
}

const defaultRegionalModifier = 1.0

// coverageDurations lists warranty durations in months per family.
var coverageDurations = map[state.ProductFamily]map[string]int{
	state.FamilyConsumable: {
		"parts":      24,
		"labor":      12,
		"controller": 60,
	},
	state.FamilyAppliance: {
		"parts": 36,
		"labor": 12,
		"tank":  120,
	},
}

// RegionalModifier returns the pricing modifier for a state code.
func RegionalModifier(stateCode string) float64 {
	if m, ok := regionalModifiers[strings.ToUpper(strings.TrimSpace(stateCode))]; ok {
		return m
	}
	return defaultRegionalModifier
}

// CoverageDuration returns the coverage duration in months, or zero when the
// coverage type is unknown for the family.
func CoverageDuration(family state.ProductFamily, coverageType string) int {
	return coverageDurations[family][coverageType]
}

// CoverageTypes lists the coverage categories defined for a family.
func CoverageTypes(family state.ProductFamily) []string {
	switch family {
	case state.FamilyConsumable:
		return []string{"parts", "labor", "controller"}
	case state.FamilyAppliance:
		return []string{"parts", "labor", "tank"}
	}
	return nil
}

// WarrantyWindow is the resolved window for one coverage category.
type WarrantyWindow struct {
	CoverageType   string              `json:"coverage_type"`
	Family         state.ProductFamily `json:"product_family"`
	PurchaseDate   string              `json:"purchase_date"`
	DurationMonths int                 `json:"coverage_duration_months"`
	ExpirationDate string              `json:"expiration_date"`
	IsActive       bool                `json:"is_active"`
	DaysRemaining  int                 `json:"days_remaining"`
	ReferenceDate  string              `json:"reference_date"`
}

// CalculateWarrantyWindow computes a coverage window against a reference date.
func CalculateWarrantyWindow(purchaseDate, coverageType string, family state.ProductFamily, reference time.Time) (WarrantyWindow, error) {
	purchase, err := time.Parse("2006-01-02", purchaseDate)
	if err != nil {
		return WarrantyWindow{}, fmt.Errorf("invalid purchase date %q: %w", purchaseDate, err)
	}

	months := CoverageDuration(family, coverageType)
	if months == 0 {
		return WarrantyWindow{}, fmt.Errorf("unknown coverage type %q for family %s", coverageType, family)
	}

	ref := reference.UTC().Truncate(24 * time.Hour)
	expiration := purchase.AddDate(0, months, 0)
	daysUntil := int(expiration.Sub(ref).Hours() / 24)

	return WarrantyWindow{
		CoverageType:   coverageType,
		Family:         family,
		PurchaseDate:   purchaseDate,
		DurationMonths: months,
		ExpirationDate: expiration.Format("2006-01-02"),
		IsActive:       daysUntil > 0,
		DaysRemaining:  max(0, daysUntil),
		ReferenceDate:  ref.Format("2006-01-02"),
	}, nil
}

// ChargeLine is one line of a charge breakdown.
type ChargeLine struct {
	Item        string  `json:"item"`
	Cost        float64 `json:"cost"`
	Description string  `json:"description,omitempty"`
	CoveredBy   string  `json:"covered_by,omitempty"`
}

// ChargeBreakdown is the result of a charge calculation.
type ChargeBreakdown struct {
	ProductID        string              `json:"product_id"`
	Family           state.ProductFamily `json:"product_family"`
	RegionalModifier float64             `json:"regional_modifier"`
	CoveredItems     []ChargeLine        `json:"covered_items"`
	PotentialCharges []ChargeLine        `json:"potential_charges"`
	TotalCovered     float64             `json:"total_covered_value"`
	TotalPotential   float64             `json:"total_potential_charges"`
	Assumptions      []string            `json:"assumptions"`
}

// CalculateCharges estimates service charges given the warranty coverage in
// force. Covered categories move to the covered column; the service call fee
// is always owed by the customer.
func CalculateCharges(productID string, family state.ProductFamily, warranty state.WarrantyStatus, loc state.Location) (ChargeBreakdown, error) {
	base, ok := chargesByFamily[family]
	if !ok {
		return ChargeBreakdown{}, fmt.Errorf("unknown product family %q", family)
	}

	modifier := RegionalModifier(loc.State)
	laborCovered := warranty.Covers("labor")
	partsCovered := warranty.Covers("parts")

	laborCost := round2(base.AverageLaborHours * base.LaborHourly * modifier)
	partsCost := round2(base.Parts["general_parts"] * modifier)
	serviceCost := round2(base.ServiceCall * modifier)

	out := ChargeBreakdown{
		ProductID:        productID,
		Family:           family,
		RegionalModifier: modifier,
	}

	if laborCovered {
		out.CoveredItems = append(out.CoveredItems, ChargeLine{
			Item:      "Labor",
			Cost:      laborCost,
			CoveredBy: "labor warranty",
		})
	} else {
		out.PotentialCharges = append(out.PotentialCharges, ChargeLine{
			Item:        "Labor",
			Cost:        laborCost,
			Description: fmt.Sprintf("%.1f hours @ $%.2f/hr", base.AverageLaborHours, base.LaborHourly),
		})
	}

	if partsCovered {
		out.CoveredItems = append(out.CoveredItems, ChargeLine{
			Item:      "Parts",
			Cost:      partsCost,
			CoveredBy: "parts warranty",
		})
	} else {
		out.PotentialCharges = append(out.PotentialCharges, ChargeLine{
			Item:        "Parts (estimated)",
			Cost:        partsCost,
			Description: "Actual parts cost may vary",
		})
	}

	out.PotentialCharges = append(out.PotentialCharges, ChargeLine{
		Item:        "Service Call",
		Cost:        serviceCost,
		Description: "Standard service call fee",
	})

	for _, line := range out.CoveredItems {
		out.TotalCovered += line.Cost
	}
	for _, line := range out.PotentialCharges {
		out.TotalPotential += line.Cost
	}
	out.TotalCovered = round2(out.TotalCovered)
	out.TotalPotential = round2(out.TotalPotential)

	out.Assumptions = []string{
		"Labor hours are estimated at average repair time",
		"Parts costs are estimated, actual may vary based on diagnosis",
		"Service call fee is non-refundable",
		fmt.Sprintf("Regional pricing modifier applied: %gx", modifier),
	}
	return out, nil
}

// Proration is the result of a prorated-coverage calculation.
type Proration struct {
	OriginalAmount         float64 `json:"original_amount"`
	WarrantyDurationMonths int     `json:"warranty_duration_months"`
	MonthsElapsed          int     `json:"months_elapsed"`
	ProrationPercent       float64 `json:"proration_percent"`
	ProratedCoverage       float64 `json:"prorated_coverage"`
	CustomerResponsibility float64 `json:"customer_responsibility"`
}

// CalculateProratedAmount splits an item cost between warranty coverage and
// the customer, linearly over the remaining warranty term.
func CalculateProratedAmount(originalAmount float64, durationMonths, monthsElapsed int) (Proration, error) {
	if monthsElapsed < 0 {
		return Proration{}, fmt.Errorf("months elapsed cannot be negative: %d", monthsElapsed)
	}
	if durationMonths <= 0 {
		return Proration{}, fmt.Errorf("warranty duration must be positive: %d", durationMonths)
	}

	var percent float64
	if monthsElapsed < durationMonths {
		percent = float64(durationMonths-monthsElapsed) / float64(durationMonths) * 100
	}

	covered := round2(originalAmount * percent / 100)
	return Proration{
		OriginalAmount:         originalAmount,
		WarrantyDurationMonths: durationMonths,
		MonthsElapsed:          monthsElapsed,
		ProrationPercent:       math.Round(percent*10) / 10,
		ProratedCoverage:       covered,
		CustomerResponsibility: round2(originalAmount - covered),
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

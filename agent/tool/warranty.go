// Package tool provides the closed tool catalog for the warranty workflow and
// a local gateway that serves it with demo data.
package tool

import (
	"fmt"
	"time"

	"github.com/hydronix/warranty-agent/agent/compute"
	"github.com/hydronix/warranty-agent/agent/state"
)

// demoProduct is one row of the demo warranty database.
type demoProduct struct {
	ProductID    string
	Family       state.ProductFamily
	ProductName  string
	PurchaseDate string
	SerialNumber string
}

var demoProducts = map[string]demoProduct{
	"SALT-001": {
		ProductID:    "SALT-001",
		Family:       state.FamilyConsumable,
		ProductName:  "Salt Water Softener Pro",
		PurchaseDate: "2024-06-15",
		SerialNumber: "SN-SALT-2024-001234",
	},
	"SALT-002": {
		ProductID:    "SALT-002",
		Family:       state.FamilyConsumable,
		ProductName:  "Salt Water Softener Basic",
		PurchaseDate: "2022-01-10",
		SerialNumber: "SN-SALT-2022-005678",
	},
	"HEAT-001": {
		ProductID:    "HEAT-001",
		Family:       state.FamilyAppliance,
		ProductName:  "Heat Pump Water Heater Elite",
		PurchaseDate: "2025-01-01",
		SerialNumber: "SN-HEAT-2025-001111",
	},
	"HEAT-002": {
		ProductID:    "HEAT-002",
		Family:       state.FamilyAppliance,
		ProductName:  "Heat Pump Water Heater Standard",
		PurchaseDate: "2020-06-01",
		SerialNumber: "SN-HEAT-2020-002222",
	},
	"HEAT-003": {
		ProductID:    "HEAT-003",
		Family:       state.FamilyAppliance,
		ProductName:  "Heat Pump Water Heater Pro",
		PurchaseDate: "2024-03-15",
		SerialNumber: "SN-HEAT-2024-003333",
	},
}

var serialToProduct = func() map[string]string {
	out := make(map[string]string, len(demoProducts))
	for id, p := range demoProducts {
		out[p.SerialNumber] = id
	}
	return out
}()

// WarrantyRecord is the resolved warranty state for a product.
type WarrantyRecord struct {
	ProductID    string               `json:"product_id"`
	Family       state.ProductFamily  `json:"product_family"`
	ProductName  string               `json:"product_name"`
	SerialNumber string               `json:"serial_number"`
	PurchaseDate string               `json:"purchase_date"`
	Warranty     state.WarrantyStatus `json:"warranty_status"`
}

// GetWarrantyRecord resolves a product by id or serial number and computes
// its coverage status as of now.
func GetWarrantyRecord(productID, serialNumber string, now time.Time) (WarrantyRecord, error) {
	if productID == "" && serialNumber != "" {
		productID = serialToProduct[serialNumber]
	}
	if productID == "" {
		return WarrantyRecord{}, fmt.Errorf("either product_id or serial_number is required")
	}

	product, ok := demoProducts[productID]
	if !ok {
		return WarrantyRecord{}, fmt.Errorf("no warranty record found for product %q", productID)
	}

	status := state.WarrantyStatus{
		State:       state.WarrantyExpired,
		AllCoverage: map[string]state.Coverage{},
	}
	for _, coverageType := range compute.CoverageTypes(product.Family) {
		window, err := compute.CalculateWarrantyWindow(product.PurchaseDate, coverageType, product.Family, now)
		if err != nil {
			return WarrantyRecord{}, fmt.Errorf("coverage window for %s: %w", coverageType, err)
		}
		status.AllCoverage[coverageType] = state.Coverage{
			Active:         window.IsActive,
			DurationMonths: window.DurationMonths,
			ExpirationDate: window.ExpirationDate,
			DaysRemaining:  window.DaysRemaining,
		}
		if window.IsActive {
			status.CoverageTypes = append(status.CoverageTypes, coverageType)
		}
	}
	if len(status.CoverageTypes) > 0 {
		status.State = state.WarrantyActive
	}

	return WarrantyRecord{
		ProductID:    product.ProductID,
		Family:       product.Family,
		ProductName:  product.ProductName,
		SerialNumber: product.SerialNumber,
		PurchaseDate: product.PurchaseDate,
		Warranty:     status,
	}, nil
}

const warrantyTerms = `WARRANTY TERMS AND CONDITIONS

1. PARTS WARRANTY
   - Coverage: Defects in materials and workmanship
   - Duration: Varies by product (12-36 months from purchase)
   - Exclusions: Damage from misuse, neglect, or unauthorized modifications

2. LABOR WARRANTY
   - Coverage: Installation and repair labor costs
   - Duration: 12 months from purchase
   - Requirements: Service must be performed by authorized technicians

3. CONTROLLER WARRANTY (water softeners)
   - Coverage: Electronic controller and sensors
   - Duration: 60 months from purchase
   - Includes: Software updates and calibration

4. TANK WARRANTY (heat pump water heaters)
   - Coverage: Tank integrity and heating elements
   - Duration: 120 months (10 years) from purchase
   - Pro-rated after first 5 years

5. GENERAL TERMS
   - Proof of purchase required for all warranty claims
   - Warranty is non-transferable
   - Service must be performed by authorized providers`

// GetWarrantyTerms returns the warranty terms document plus the coverage
// durations for the named product.
func GetWarrantyTerms(productID, serialNumber string) (map[string]any, error) {
	if productID == "" && serialNumber != "" {
		productID = serialToProduct[serialNumber]
	}
	product, ok := demoProducts[productID]
	if !ok {
		return nil, fmt.Errorf("no warranty record found for product %q", productID)
	}

	durations := map[string]any{}
	for _, coverageType := range compute.CoverageTypes(product.Family) {
		durations[coverageType+"_coverage_months"] = compute.CoverageDuration(product.Family, coverageType)
	}

	return map[string]any{
		"product_id":     product.ProductID,
		"product_family": string(product.Family),
		"terms":          warrantyTerms,
		"durations":      durations,
		"version":        "2024.1",
		"effective_date": "2024-01-01",
	}, nil
}

// DemoProductIDs lists the products in the demo database, for the runner.
func DemoProductIDs() []string {
	return []string{"SALT-001", "SALT-002", "HEAT-001", "HEAT-002", "HEAT-003"}
}

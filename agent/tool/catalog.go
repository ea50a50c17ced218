package tool

import (
	"github.com/cloudwego/eino/schema"
	"github.com/hydronix/warranty-agent/agent/workflow"
)

// Catalog returns the tool schemas exposed to the planning model. The names
// match the workflow registry exactly; the validator rejects anything else.
func Catalog() []*schema.ToolInfo {
	return []*schema.ToolInfo{
		{
			Name: workflow.ToolGetWarrantyRecord,
			Desc: "Fetch the warranty record for a product, resolving product family and active coverage.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"product_id":    {Type: schema.String, Desc: "Product ID to look up"},
				"serial_number": {Type: schema.String, Desc: "Serial number, alternative to product_id"},
			}),
		},
		{
			Name: workflow.ToolGetWarrantyTerms,
			Desc: "Get the warranty terms document and coverage durations for a product.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"product_id":    {Type: schema.String, Desc: "Product ID to look up"},
				"serial_number": {Type: schema.String, Desc: "Serial number, alternative to product_id"},
			}),
		},
		{
			Name: workflow.ToolCalculateCharges,
			Desc: "Calculate potential service charges for an appliance given its active coverage and location.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"product_id":     {Type: schema.String, Desc: "Product ID", Required: true},
				"product_family": {Type: schema.String, Desc: "CONSUMABLE or APPLIANCE", Required: true},
				"coverage_types": {Type: schema.Array, Desc: "Active coverage categories", ElemInfo: &schema.ParameterInfo{Type: schema.String}},
				"zip":            {Type: schema.String, Desc: "Customer zip code"},
				"state":          {Type: schema.String, Desc: "Customer state code"},
			}),
		},
		{
			Name: workflow.ToolCheckTerritory,
			Desc: "Check whether a zip code is inside the direct service territory.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"zip":   {Type: schema.String, Desc: "Zip code to check"},
				"city":  {Type: schema.String, Desc: "City, with state, alternative to zip"},
				"state": {Type: schema.String, Desc: "State code"},
			}),
		},
		{
			Name: workflow.ToolGetServiceDirectory,
			Desc: "List authorized third-party service providers near the customer, closest first.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"product_family":     {Type: schema.String, Desc: "CONSUMABLE or APPLIANCE", Required: true},
				"zip":                {Type: schema.String, Desc: "Customer zip code"},
				"city":               {Type: schema.String, Desc: "City, with state, alternative to zip"},
				"state":              {Type: schema.String, Desc: "State code"},
				"max_distance_miles": {Type: schema.Number, Desc: "Search radius, default 50"},
			}),
		},
		{
			Name: workflow.ToolRouteToQueue,
			Desc: "Queue a warranty claim for a service team. Mutating.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"queue":    {Type: schema.String, Desc: "Queue name, e.g. WarrantySalt", Required: true},
				"priority": {Type: schema.String, Desc: "low, normal, high, or urgent"},
				"case_id":  {Type: schema.String, Desc: "Case to attach"},
			}),
		},
		{
			Name: workflow.ToolGeneratePaypalLink,
			Desc: "Generate a payment link for the agreed service charges. Mutating.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"amount":      {Type: schema.Number, Desc: "Charge amount in USD", Required: true},
				"case_id":     {Type: schema.String, Desc: "Case to attach"},
				"product_id":  {Type: schema.String, Desc: "Product the charge is for"},
				"description": {Type: schema.String, Desc: "Shown on the checkout page"},
			}),
		},
		{
			Name: workflow.ToolLogDeclineReason,
			Desc: "Record why the customer declined the service estimate. Mutating.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"reason":            {Type: schema.String, Desc: "Customer's stated reason", Required: true},
				"case_id":           {Type: schema.String, Desc: "Case to attach"},
				"product_id":        {Type: schema.String, Desc: "Product the estimate was for"},
				"potential_charges": {Type: schema.Number, Desc: "Declined amount"},
			}),
		},
		{
			Name: workflow.ToolNotifyNextSteps,
			Desc: "Send a templated notification to the customer. Mutating.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"channel":     {Type: schema.String, Desc: "email, sms, portal, or chat"},
				"template_id": {Type: schema.String, Desc: "Template name, e.g. warranty_queued", Required: true},
			}),
		},
	}
}

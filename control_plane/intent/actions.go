package intent

// Capabilities and actions a parsed intent maps onto.
const (
	CapabilityScaling      = "scaling"
	CapabilitySecurity     = "security"
	CapabilityCostAnalysis = "cost-analysis"

	ActionScale        = "scale"
	ActionSecurityScan = "security-scan"
	ActionCostReport   = "cost-report"
)

// PlannedAction is a product action implied by a parsed intent. The
// product is resolved later by capability.
type PlannedAction struct {
	Capability string         `json:"capability"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Plan lists the actions implied by p, in a fixed order: scale, security, cost.
func Plan(p ParsedIntent) []PlannedAction {
	var actions []PlannedAction
	if s := p.ScaleRequest; s != nil {
		actions = append(actions, PlannedAction{
			Capability: CapabilityScaling,
			Action:     ActionScale,
			Parameters: map[string]any{
				"direction": s.Direction,
				"service":   s.Service,
				"region":    s.Region,
			},
		})
	}
	if s := p.SecurityRequest; s != nil {
		actions = append(actions, PlannedAction{
			Capability: CapabilitySecurity,
			Action:     ActionSecurityScan,
			Parameters: map[string]any{"keyword": s.Keyword},
		})
	}
	if c := p.CostRequest; c != nil {
		actions = append(actions, PlannedAction{
			Capability: CapabilityCostAnalysis,
			Action:     ActionCostReport,
			Parameters: map[string]any{"keyword": c.Keyword},
		})
	}
	return actions
}

package models

// AnalysisRequest is sent to the text/risk analysis collaborator to enrich
// a delivery. Message holds the rendered static template.
type AnalysisRequest struct {
	UserID      string            `json:"user_id"`
	RuleID      string            `json:"rule_id"`
	RuleName    string            `json:"rule_name"`
	Message     string            `json:"message"`
	Tone        string            `json:"tone,omitempty"`
	StressScore float64           `json:"stress_score,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// AnalysisResult is the structured answer of the analysis collaborator.
// An empty Message keeps the static template.
type AnalysisResult struct {
	Message   string   `json:"message"`
	RiskScore *float64 `json:"risk_score,omitempty"`
}

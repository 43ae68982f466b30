// Package intent turns free-text operational commands into structured
// intents, either through the external oracle or a deterministic keyword
// fallback when the oracle is unavailable.
package intent

import (
	"sort"
)

// Allowed intent types.
const (
	Read    = "READ"
	Create  = "CREATE"
	Update  = "UPDATE"
	Delete  = "DELETE"
	Analyze = "ANALYZE"
)

var allowedIntents = map[string]bool{
	Read: true, Create: true, Update: true, Delete: true, Analyze: true,
}

// Ambiguity flags unresolved parts of an extracted intent.
type Ambiguity struct {
	IsAmbiguous bool     `json:"is_ambiguous"`
	Fields      []string `json:"fields"`
	Question    string   `json:"question"`
}

// Payload is the structured interpretation of a free-text command.
type Payload struct {
	Intent         string                 `json:"intent"`
	Entity         string                 `json:"entity"`
	Filters        map[string]interface{} `json:"filters"`
	Values         map[string]interface{} `json:"values"`
	AffectedFields []string               `json:"affected_fields"`
	Aggregation    string                 `json:"aggregation,omitempty"`
	AggregateField string                 `json:"aggregate_field,omitempty"`
	GroupBy        string                 `json:"group_by,omitempty"`
	Limit          int                    `json:"limit,omitempty"`
	Confidence     float64                `json:"confidence"`
	Ambiguity      Ambiguity              `json:"ambiguity"`
}

// OracleStatus reports degraded oracle operation. It is nil when the oracle
// answered normally.
type OracleStatus struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	RetryETASeconds int    `json:"retry_eta_seconds,omitempty"`
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

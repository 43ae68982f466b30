// Package risk classifies operations into audit severity levels. The level
// is informational only and never gates execution.
package risk

// Level is an audit severity classification.
type Level string

const (
	Low    Level = "LOW"
	Medium Level = "MEDIUM"
	High   Level = "HIGH"
)

// DefaultImpactThreshold is the impact count above which a write is HIGH.
const DefaultImpactThreshold = 50

// sensitiveFields are write targets that always classify HIGH.
var sensitiveFields = map[string]bool{
	"salary":       true,
	"base_salary":  true,
	"gross_salary": true,
	"net_salary":   true,
	"tax_rate":     true,
}

// sensitiveEntities are entities whose writes always classify HIGH.
var sensitiveEntities = map[string]bool{
	"user": true,
}

// Classifier classifies intents given a configured bulk-impact threshold.
type Classifier struct {
	impactThreshold int
}

// NewClassifier returns a classifier. A non-positive threshold falls back to
// DefaultImpactThreshold.
func NewClassifier(impactThreshold int) *Classifier {
	if impactThreshold <= 0 {
		impactThreshold = DefaultImpactThreshold
	}
	return &Classifier{impactThreshold: impactThreshold}
}

// Classify is pure and deterministic. READ/ANALYZE are LOW. DELETE is HIGH
// regardless of impact count, including zero. Writes against a sensitive
// entity or touching a sensitive field are HIGH, as are writes whose impact
// count exceeds the threshold (a count exactly at the threshold stays
// MEDIUM). Remaining CREATE/UPDATE are MEDIUM.
func (c *Classifier) Classify(intent, entity string, impactCount int, fields []string) Level {
	switch intent {
	case "READ", "ANALYZE":
		return Low
	case "DELETE":
		return High
	}

	if sensitiveEntities[entity] {
		return High
	}
	for _, f := range fields {
		if sensitiveFields[f] {
			return High
		}
	}
	if impactCount > c.impactThreshold {
		return High
	}
	if intent == "CREATE" || intent == "UPDATE" {
		return Medium
	}
	return Low
}

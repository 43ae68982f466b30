package intent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"campusiq-governance/internal/registry"
)

// Oracle is the external NL-to-intent service. Implementations return the
// parsed JSON object produced by the model, or an error (ideally an
// *OracleError) when the call failed after retries.
type Oracle interface {
	GenerateJSON(ctx context.Context, prompt string) (map[string]interface{}, error)
}

// OracleError describes an oracle failure with a stable code and an optional
// hint for when retrying may succeed.
type OracleError struct {
	Code            string
	Message         string
	RetryETASeconds int
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle %s: %s", e.Code, e.Message)
}

// oracleConfidenceFloor is the minimum confidence assigned to payloads the
// oracle produced; oracle answers are trusted above the keyword fallback.
const oracleConfidenceFloor = 0.5

const promptTemplate = `You are a database operation classifier for a college ERP system.
Entities: student, faculty, course, department, attendance, prediction, employee, salary_record, user.
Analyze the user's message and return ONLY a JSON object with keys:
- "intent": one of "READ", "CREATE", "UPDATE", "DELETE", "ANALYZE"
- "entity": canonical lowercase singular entity name
- "filters": object of column filters; "field__op" keys support lt, lte, gt, gte, eq, ne
- "values": object of new values for CREATE/UPDATE
- "affected_fields": array of field names being written
- "aggregation": for ANALYZE, one of "count", "average", "sum", "min", "max", "group_by", else null
- "aggregate_field": numeric column for average/sum/min/max, else null
- "group_by": column for group_by, else null
- "limit": max number of results, or null
- "confidence": float between 0 and 1
- "ambiguity": {"is_ambiguous": boolean, "fields": array of strings, "question": string or null}

Module hint: %s
User message: %q`

// Extractor wraps the oracle and the deterministic fallback parser.
type Extractor struct {
	oracle Oracle
}

// NewExtractor returns an extractor. oracle may be nil, in which case every
// extraction uses the fallback parser.
func NewExtractor(oracle Oracle) *Extractor {
	return &Extractor{oracle: oracle}
}

// Extract produces a normalized payload for the message. The returned status
// is non-nil only when the oracle was unavailable and the fallback parser
// produced the payload; it never blocks the pipeline.
func (e *Extractor) Extract(ctx context.Context, message, module string) (Payload, *OracleStatus) {
	if e.oracle == nil {
		return ParseFallback(message), &OracleStatus{
			Code:    "ORACLE_DISABLED",
			Message: "intent oracle is not configured; keyword fallback in use",
		}
	}

	parsed, err := e.oracle.GenerateJSON(ctx, fmt.Sprintf(promptTemplate, module, message))
	if err != nil {
		status := &OracleStatus{Code: "ORACLE_UNAVAILABLE", Message: err.Error()}
		var oe *OracleError
		if errors.As(err, &oe) {
			status.Code = oe.Code
			status.Message = oe.Message
			status.RetryETASeconds = oe.RetryETASeconds
		}
		return ParseFallback(message), status
	}

	return normalize(parsed), nil
}

// normalize clamps and defaults a raw oracle object into a safe payload.
// Unresolved intents and entities never bypass validation downstream.
func normalize(raw map[string]interface{}) Payload {
	p := Payload{
		Intent:  asUpperString(raw["intent"], Read),
		Entity:  registry.Resolve(asString(raw["entity"], registry.DefaultEntity)),
		Filters: asObject(raw["filters"]),
		Values:  asObject(raw["values"]),
	}
	if !allowedIntents[p.Intent] {
		p.Intent = Read
	}

	p.AffectedFields = asStringSlice(raw["affected_fields"])
	if len(p.AffectedFields) == 0 {
		p.AffectedFields = sortedKeys(p.Values)
	}

	p.Aggregation = asString(raw["aggregation"], "")
	p.AggregateField = asString(raw["aggregate_field"], "")
	p.GroupBy = asString(raw["group_by"], "")
	p.Limit = asInt(raw["limit"])

	p.Confidence = clamp(asFloat(raw["confidence"], 0.6), oracleConfidenceFloor, 1)

	if amb, ok := raw["ambiguity"].(map[string]interface{}); ok {
		p.Ambiguity = Ambiguity{
			IsAmbiguous: asBool(amb["is_ambiguous"]),
			Fields:      asStringSlice(amb["fields"]),
			Question:    asString(amb["question"], ""),
		}
	}
	return p
}

func asString(v interface{}, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func asUpperString(v interface{}, def string) string {
	return strings.ToUpper(strings.TrimSpace(asString(v, def)))
}

func asObject(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func asStringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asFloat(v interface{}, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return def
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

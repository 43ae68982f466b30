package intent

import (
	"regexp"
	"strconv"
	"strings"

	"campusiq-governance/internal/registry"
)

// Keyword tables for the deterministic fallback parser.
var (
	createWords  = []string{"create", "add", "insert", "register", "new", "enroll"}
	updateWords  = []string{"update", "modify", "change", "set", "edit"}
	deleteWords  = []string{"delete", "remove", "drop", "erase"}
	analyzeWords = []string{
		"how many", "count", "average", "avg", "sum", "total", "trend",
		"statistics", "stats", "analyze", "analysis", "percentage",
		"distribution", "group by", "compare", "highest", "lowest",
		"minimum", "maximum",
	}
)

var (
	deptRe     = regexp.MustCompile(`(?i)(?:in|from|of|for)\s+(?:the\s+)?([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)\s+(?:department|dept|branch)`)
	deptTailRe = regexp.MustCompile(`(?i)department\s+([a-zA-Z ]+)$`)
	semRe      = regexp.MustCompile(`(?i)semester\s+(?:to\s+)?(\d+)`)
	cgpaLtRe   = regexp.MustCompile(`(?i)cgpa\s*(?:below|under|less than|<)\s*([\d.]+)`)
	cgpaGtRe   = regexp.MustCompile(`(?i)cgpa\s*(?:above|over|greater than|more than|>)\s*([\d.]+)`)
	cgpaValRe  = regexp.MustCompile(`(?i)cgpa\s*(?:to|=)\s*([\d.]+)`)
	limitRe    = regexp.MustCompile(`(?i)(?:top|first)\s+(\d+)`)
	nameRe     = regexp.MustCompile(`(?i)(?:called|named)\s+"?([^"]+?)"?(?:\s+with|\s+in|\s+for|$)`)
	codeRe     = regexp.MustCompile(`(?i)(?:code)\s+"?([A-Z0-9]+)"?`)
	idRe       = regexp.MustCompile(`(?i)\b(?:id|record|#)\s*(\d+)\b`)
)

// fallbackBaseConfidence is the starting confidence for keyword parses; it is
// reduced when scope or values are missing and only the floor/ceiling below
// bound it.
const (
	fallbackBaseConfidence = 0.62
	fallbackFloor          = 0.1
	fallbackCeiling        = 0.99
)

// ParseFallback deterministically parses a message with keyword and regex
// rules. It is used when the oracle is unavailable or returns unparsable
// output, and produces a coarser payload with lower confidence.
func ParseFallback(message string) Payload {
	msg := strings.ToLower(strings.TrimSpace(message))

	op := Read
	switch {
	case containsAny(msg, createWords):
		op = Create
	case containsAny(msg, updateWords):
		op = Update
	case containsAny(msg, deleteWords):
		op = Delete
	case containsAny(msg, analyzeWords):
		op = Analyze
	}

	entity := registry.MatchKeyword(msg)
	if entity == "" {
		switch {
		case containsAny(msg, []string{"present", "absent"}):
			entity = "attendance"
		case containsAny(msg, []string{"grade", "risk", "predict", "score"}):
			entity = "prediction"
		case containsAny(msg, []string{"cgpa", "roll", "semester"}):
			entity = "student"
		default:
			entity = registry.DefaultEntity
		}
	}

	filters := map[string]interface{}{}
	values := map[string]interface{}{}

	if m := deptRe.FindStringSubmatch(message); m != nil {
		filters["department"] = strings.TrimSpace(m[1])
	} else if m := deptTailRe.FindStringSubmatch(message); m != nil {
		filters["department"] = strings.TrimSpace(m[1])
	}

	if m := semRe.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		if op == Update || op == Create {
			values["semester"] = n
		} else {
			filters["semester"] = n
		}
	}

	if m := cgpaLtRe.FindStringSubmatch(msg); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		filters["cgpa__lt"] = v
	}
	if m := cgpaGtRe.FindStringSubmatch(msg); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		filters["cgpa__gt"] = v
	}
	if m := idRe.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		filters["id"] = n
	}

	limit := 0
	if m := limitRe.FindStringSubmatch(msg); m != nil {
		limit, _ = strconv.Atoi(m[1])
	}

	if op == Create || op == Update {
		if m := cgpaValRe.FindStringSubmatch(msg); m != nil {
			v, _ := strconv.ParseFloat(m[1], 64)
			values["cgpa"] = v
		}
		if m := nameRe.FindStringSubmatch(message); m != nil {
			values["name"] = strings.TrimSpace(m[1])
		}
		if m := codeRe.FindStringSubmatch(message); m != nil {
			values["code"] = strings.TrimSpace(m[1])
		}
	}

	aggregation, aggField, groupBy := detectAggregation(msg, op, entity)

	confidence := fallbackBaseConfidence
	var ambiguous []string
	if (op == Update || op == Delete) && len(filters) == 0 {
		ambiguous = append(ambiguous, "scope")
		confidence -= 0.2
	}
	if (op == Create || op == Update) && len(values) == 0 {
		ambiguous = append(ambiguous, "affected_fields")
		confidence -= 0.2
	}

	question := ""
	if len(ambiguous) > 0 {
		question = "Please provide the missing scope and/or values."
	}

	return Payload{
		Intent:         op,
		Entity:         entity,
		Filters:        filters,
		Values:         values,
		AffectedFields: sortedKeys(values),
		Aggregation:    aggregation,
		AggregateField: aggField,
		GroupBy:        groupBy,
		Limit:          limit,
		Confidence:     clamp(confidence, fallbackFloor, fallbackCeiling),
		Ambiguity: Ambiguity{
			IsAmbiguous: len(ambiguous) > 0,
			Fields:      ambiguous,
			Question:    question,
		},
	}
}

func detectAggregation(msg, op, entity string) (agg, field, groupBy string) {
	if op != Analyze {
		return "", "", ""
	}
	switch {
	case containsAny(msg, []string{"how many", "count", "total number"}):
		agg = "count"
	case containsAny(msg, []string{"average", "avg", "mean"}):
		agg = "average"
	case strings.Contains(msg, "sum"):
		agg = "sum"
	case containsAny(msg, []string{"highest", "maximum", "max"}):
		agg = "max"
	case containsAny(msg, []string{"lowest", "minimum", "min"}):
		agg = "min"
	case containsAny(msg, []string{"group", "per department", "per semester", "by department", "by semester", "distribution"}):
		agg = "group_by"
		switch {
		case containsAny(msg, []string{"department", "dept", "branch"}):
			groupBy = "department"
		case strings.Contains(msg, "semester"):
			groupBy = "semester"
		case strings.Contains(msg, "section"):
			groupBy = "section"
		}
	default:
		agg = "count"
	}

	if agg == "average" || agg == "sum" || agg == "max" || agg == "min" {
		if entity == "student" {
			field = "cgpa"
		} else if entity == "prediction" {
			field = "risk_score"
		} else if entity == "salary_record" {
			field = "net_salary"
		}
		if field == "" {
			// No numeric column to aggregate; degrade to count.
			agg = "count"
		}
	}
	return agg, field, groupBy
}

func containsAny(msg string, words []string) bool {
	for _, w := range words {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

// Package validator applies per-field type and range rules to values bound
// for a write. Violations are collected, not short-circuited, so the caller
// sees every problem at once.
package validator

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the expected type of a field value.
type Kind string

const (
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindString Kind = "string"
)

// Rule constrains one field. Min/Max are inclusive and apply to numeric kinds.
type Rule struct {
	Kind Kind
	Min  *float64
	Max  *float64
}

// FieldError describes one rejected value.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

func bound(v float64) *float64 { return &v }

var rules = map[string]Rule{
	"semester":       {Kind: KindInt, Min: bound(1), Max: bound(8)},
	"credits":        {Kind: KindInt, Min: bound(1), Max: bound(6)},
	"cgpa":           {Kind: KindFloat, Min: bound(0), Max: bound(10)},
	"risk_score":     {Kind: KindFloat, Min: bound(0), Max: bound(1)},
	"confidence":     {Kind: KindFloat, Min: bound(0), Max: bound(1)},
	"admission_year": {Kind: KindInt, Min: bound(2000), Max: bound(2100)},
	"year":           {Kind: KindInt, Min: bound(2000), Max: bound(2100)},
	"month":          {Kind: KindInt, Min: bound(1), Max: bound(12)},
	"amount":         {Kind: KindFloat, Min: bound(0)},
	"gross_salary":   {Kind: KindFloat, Min: bound(0)},
	"deductions":     {Kind: KindFloat, Min: bound(0)},
	"net_salary":     {Kind: KindFloat, Min: bound(0)},
	"is_present":     {Kind: KindBool},
	"is_paid":        {Kind: KindBool},
	"is_active":      {Kind: KindBool},
}

// Validate coerces and range-checks the given write values. Fields without a
// rule pass through unchanged; the registry restricts writable fields
// elsewhere. The returned map holds the coerced values for fields that
// passed; errs lists every violation.
func Validate(values map[string]interface{}) (map[string]interface{}, []FieldError) {
	clean := make(map[string]interface{}, len(values))
	var errs []FieldError

	for field, raw := range values {
		rule, ok := rules[field]
		if !ok {
			clean[field] = raw
			continue
		}

		switch rule.Kind {
		case KindInt:
			n, err := toFloat(raw)
			if err != nil {
				errs = append(errs, FieldError{Field: field, Message: "must be an integer"})
				continue
			}
			if n != float64(int64(n)) {
				errs = append(errs, FieldError{Field: field, Message: "must be an integer"})
				continue
			}
			if msg := checkRange(n, rule); msg != "" {
				errs = append(errs, FieldError{Field: field, Message: msg})
				continue
			}
			clean[field] = int64(n)

		case KindFloat:
			n, err := toFloat(raw)
			if err != nil {
				errs = append(errs, FieldError{Field: field, Message: "must be a number"})
				continue
			}
			if msg := checkRange(n, rule); msg != "" {
				errs = append(errs, FieldError{Field: field, Message: msg})
				continue
			}
			clean[field] = n

		case KindBool:
			b, err := toBool(raw)
			if err != nil {
				errs = append(errs, FieldError{Field: field, Message: "must be true or false"})
				continue
			}
			clean[field] = b

		default:
			clean[field] = fmt.Sprintf("%v", raw)
		}
	}

	return clean, errs
}

func checkRange(n float64, rule Rule) string {
	if rule.Min != nil && n < *rule.Min {
		return fmt.Sprintf("must be >= %s", trimFloat(*rule.Min))
	}
	if rule.Max != nil && n > *rule.Max {
		return fmt.Sprintf("must be <= %s", trimFloat(*rule.Max))
	}
	return ""
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func toBool(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(strings.ToLower(b)))
	default:
		return false, fmt.Errorf("not a bool: %T", v)
	}
}

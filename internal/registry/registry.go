// Package registry holds the static entity registry: the map from logical
// entity names to their underlying tables, writable fields, aliases, and
// declared relationship edges used for cross-entity filters.
package registry

import "strings"

// MatchKind describes how a joined filter value is compared.
type MatchKind string

const (
	// MatchILike compares case-insensitively with substring semantics.
	MatchILike MatchKind = "ilike"
	// MatchEqual compares for equality.
	MatchEqual MatchKind = "equal"
)

// Edge declares a single-hop relationship used to resolve a filter key
// against a related table (e.g. filtering students by department name).
type Edge struct {
	// Table is the joined table.
	Table string
	// FK is the column on the entity's own table referencing Table's id.
	FK string
	// Column is the column on the joined table the filter applies to.
	Column string
	// Match is how the filter value is compared against Column.
	Match MatchKind
}

// Entity describes one governed entity.
type Entity struct {
	// Name is the canonical registry key.
	Name string
	// Table is the underlying table name.
	Table string
	// Module is the governance module the entity belongs to.
	Module string
	// Columns are the selectable columns, id first.
	Columns []string
	// Writable are the fields CREATE/UPDATE may touch.
	Writable []string
	// Edges maps filter keys to declared relationship edges.
	Edges map[string]Edge
}

// WritableSet returns the writable fields as a set.
func (e *Entity) WritableSet() map[string]bool {
	set := make(map[string]bool, len(e.Writable))
	for _, f := range e.Writable {
		set[f] = true
	}
	return set
}

// HasColumn reports whether name is a selectable column of the entity.
func (e *Entity) HasColumn(name string) bool {
	for _, c := range e.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// DefaultEntity is the safe fallback when an entity cannot be resolved.
const DefaultEntity = "student"

var entities = map[string]*Entity{
	"student": {
		Name:     "student",
		Table:    "students",
		Module:   "nlp",
		Columns:  []string{"id", "user_id", "roll_number", "department_id", "semester", "section", "cgpa", "admission_year"},
		Writable: []string{"roll_number", "semester", "section", "cgpa", "admission_year"},
		Edges: map[string]Edge{
			"department": {Table: "departments", FK: "department_id", Column: "name", Match: MatchILike},
		},
	},
	"faculty": {
		Name:     "faculty",
		Table:    "faculty",
		Module:   "hr",
		Columns:  []string{"id", "user_id", "employee_id", "department_id", "designation"},
		Writable: []string{"employee_id", "designation", "department_id"},
		Edges: map[string]Edge{
			"department": {Table: "departments", FK: "department_id", Column: "name", Match: MatchILike},
		},
	},
	"course": {
		Name:     "course",
		Table:    "courses",
		Module:   "nlp",
		Columns:  []string{"id", "code", "name", "department_id", "semester", "credits"},
		Writable: []string{"code", "name", "semester", "credits", "department_id"},
		Edges: map[string]Edge{
			"department": {Table: "departments", FK: "department_id", Column: "name", Match: MatchILike},
		},
	},
	"department": {
		Name:     "department",
		Table:    "departments",
		Module:   "nlp",
		Columns:  []string{"id", "name", "code"},
		Writable: []string{"name", "code"},
	},
	"attendance": {
		Name:     "attendance",
		Table:    "attendance",
		Module:   "nlp",
		Columns:  []string{"id", "student_id", "course_id", "date", "is_present", "method"},
		Writable: []string{"date", "is_present", "method", "student_id", "course_id"},
		Edges: map[string]Edge{
			"semester": {Table: "students", FK: "student_id", Column: "semester", Match: MatchEqual},
		},
	},
	"prediction": {
		Name:     "prediction",
		Table:    "predictions",
		Module:   "predictions",
		Columns:  []string{"id", "student_id", "course_id", "predicted_grade", "risk_score", "confidence"},
		Writable: []string{"predicted_grade", "risk_score", "confidence", "student_id", "course_id"},
	},
	"employee": {
		Name:     "employee",
		Table:    "employees",
		Module:   "hr",
		Columns:  []string{"id", "user_id", "employee_type", "date_of_joining", "phone", "city", "state"},
		Writable: []string{"employee_type", "date_of_joining", "phone", "city", "state"},
	},
	"salary_record": {
		Name:     "salary_record",
		Table:    "salary_records",
		Module:   "hr",
		Columns:  []string{"id", "employee_id", "month", "year", "gross_salary", "deductions", "net_salary", "status"},
		Writable: []string{"employee_id", "month", "year", "gross_salary", "deductions", "net_salary", "status"},
	},
	"user": {
		Name:     "user",
		Table:    "users",
		Module:   "admin",
		Columns:  []string{"id", "email", "full_name", "role", "is_active"},
		Writable: []string{"email", "full_name", "role", "is_active"},
	},
}

var aliases = map[string]string{
	"students":       "student",
	"learner":        "student",
	"learners":       "student",
	"teacher":        "faculty",
	"teachers":       "faculty",
	"professor":      "faculty",
	"professors":     "faculty",
	"instructor":     "faculty",
	"instructors":    "faculty",
	"facultys":       "faculty",
	"faculties":      "faculty",
	"courses":        "course",
	"subject":        "course",
	"subjects":       "course",
	"class":          "course",
	"classes":        "course",
	"departments":    "department",
	"dept":           "department",
	"depts":          "department",
	"branch":         "department",
	"branches":       "department",
	"attendances":    "attendance",
	"presence":       "attendance",
	"predictions":    "prediction",
	"grades":         "prediction",
	"results":        "prediction",
	"employees":      "employee",
	"salary":         "salary_record",
	"salaries":       "salary_record",
	"salary_records": "salary_record",
	"users":          "user",
	"account":        "user",
	"accounts":       "user",
}

// Lookup returns the entity for the canonical name, or nil.
func Lookup(name string) *Entity {
	return entities[name]
}

// Resolve maps a raw entity name (possibly an alias or plural) to a canonical
// registry key, defaulting to DefaultEntity when unknown.
func Resolve(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	if _, ok := entities[name]; ok {
		return name
	}
	// Plural-insensitive: "invoices" -> "invoice".
	if strings.HasSuffix(name, "s") {
		singular := strings.TrimSuffix(name, "s")
		if _, ok := entities[singular]; ok {
			return singular
		}
	}
	return DefaultEntity
}

// Known reports whether name is a canonical registry key.
func Known(name string) bool {
	_, ok := entities[name]
	return ok
}

// Names returns all canonical entity names.
func Names() []string {
	out := make([]string, 0, len(entities))
	for name := range entities {
		out = append(out, name)
	}
	return out
}

// MatchKeyword returns the canonical entity whose name or alias appears as a
// substring of the lowercased message, or "" when none matches. Canonical
// names are checked before aliases so "student" wins over "students".
func MatchKeyword(msg string) string {
	for name := range entities {
		if strings.Contains(msg, name) {
			return name
		}
	}
	for alias, canonical := range aliases {
		if strings.Contains(msg, alias) {
			return canonical
		}
	}
	return ""
}

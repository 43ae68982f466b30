// Package gate decides whether an actor may run an operation before any
// database work happens. Role-to-operation rules live in an embedded Rego
// policy; department scoping needs a lookup and is applied after the policy
// allows.
package gate

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"campusiq-governance/internal/intent"
	"campusiq-governance/internal/ops/domain"
)

// Stable denial reason codes surfaced to callers and the audit trail.
const (
	ReasonOK                = "OK"
	ReasonRoleRestricted    = "ROLE_RESTRICTED"
	ReasonStudentWrite      = "STUDENT_WRITE_RESTRICTED"
	ReasonDepartmentScope   = "DEPARTMENT_SCOPE_RESTRICTED"
	ReasonPolicyUnavailable = "POLICY_UNAVAILABLE"
)

const policyPackage = "campusiq.governance"

const defaultRegoPolicy = `package campusiq.governance

default allow = false

student_read := {"student", "course", "department", "attendance", "prediction"}
student_analyze := {"attendance", "prediction"}

faculty_read := {"student", "course", "department", "attendance", "prediction"}
faculty_analyze := {"student", "course", "attendance", "prediction"}
faculty_create := {"attendance"}
faculty_update := {"attendance", "course"}

write_intents := {"CREATE", "UPDATE", "DELETE"}

allow if {
	input.actor.role == "admin"
}

allow if {
	input.actor.role == "student"
	input.intent == "READ"
	student_read[input.entity]
}

allow if {
	input.actor.role == "student"
	input.intent == "ANALYZE"
	student_analyze[input.entity]
}

allow if {
	input.actor.role == "faculty"
	input.intent == "READ"
	faculty_read[input.entity]
}

allow if {
	input.actor.role == "faculty"
	input.intent == "ANALYZE"
	faculty_analyze[input.entity]
}

allow if {
	input.actor.role == "faculty"
	input.intent == "CREATE"
	faculty_create[input.entity]
}

allow if {
	input.actor.role == "faculty"
	input.intent == "UPDATE"
	faculty_update[input.entity]
}

default reason = "ROLE_RESTRICTED"

reason = "OK" if {
	allow
}

reason = "STUDENT_WRITE_RESTRICTED" if {
	not allow
	input.actor.role == "student"
	write_intents[input.intent]
}
`

// Decision is the gate's answer for one operation.
type Decision struct {
	Allowed bool
	Reason  string
}

// DeptResolver maps a department name to its id. Zero means no match.
type DeptResolver interface {
	DepartmentIDByName(ctx context.Context, name string) (int64, error)
}

// Gate evaluates the embedded policy plus department scoping.
type Gate struct {
	compiler *ast.Compiler
	depts    DeptResolver
}

// New compiles the embedded policy. depts may be nil, which disables
// department scoping.
func New(depts DeptResolver) (*Gate, error) {
	compiler, err := ast.CompileModules(map[string]string{
		"governance.rego": defaultRegoPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("gate: compile policy: %w", err)
	}
	return &Gate{compiler: compiler, depts: depts}, nil
}

// Check decides whether actor may run the operation described by payload.
// Denials carry a stable reason code; a policy evaluation failure denies
// closed with ReasonPolicyUnavailable.
func (g *Gate) Check(ctx context.Context, actor domain.Actor, payload intent.Payload) (Decision, error) {
	input := map[string]interface{}{
		"actor": map[string]interface{}{
			"role": actor.Role,
		},
		"intent": payload.Intent,
		"entity": payload.Entity,
	}

	allowed, err := g.queryBool(ctx, "allow", input)
	if err != nil {
		return Decision{Allowed: false, Reason: ReasonPolicyUnavailable}, err
	}
	if !allowed {
		reason, err := g.queryString(ctx, "reason", input)
		if err != nil || reason == "" {
			reason = ReasonRoleRestricted
		}
		return Decision{Allowed: false, Reason: reason}, nil
	}

	if actor.Role != domain.RoleAdmin {
		ok, err := g.withinDepartment(ctx, actor, payload)
		if err != nil {
			return Decision{Allowed: false, Reason: ReasonPolicyUnavailable}, err
		}
		if !ok {
			return Decision{Allowed: false, Reason: ReasonDepartmentScope}, nil
		}
	}

	return Decision{Allowed: true, Reason: ReasonOK}, nil
}

// withinDepartment confirms that a department-constrained request targets
// the actor's own department. Requests with no department filter pass; the
// scope rule only blocks reaching across departments, not reading unscoped
// data the role already allows.
func (g *Gate) withinDepartment(ctx context.Context, actor domain.Actor, payload intent.Payload) (bool, error) {
	requested, err := g.requestedDepartment(ctx, payload)
	if err != nil {
		return false, err
	}
	if requested == 0 {
		return true, nil
	}
	return actor.HomeDepartmentID == requested, nil
}

func (g *Gate) requestedDepartment(ctx context.Context, payload intent.Payload) (int64, error) {
	if v, ok := payload.Filters["department_id"]; ok {
		return toInt64(v), nil
	}
	name, ok := payload.Filters["department"].(string)
	if !ok || name == "" || g.depts == nil {
		return 0, nil
	}
	id, err := g.depts.DepartmentIDByName(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("gate: resolve department %q: %w", name, err)
	}
	return id, nil
}

func (g *Gate) queryBool(ctx context.Context, rule string, input map[string]interface{}) (bool, error) {
	q := rego.New(
		rego.Query(fmt.Sprintf("data.%s.%s", policyPackage, rule)),
		rego.Compiler(g.compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("gate: eval %s: %w", rule, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, fmt.Errorf("gate: %s returned no result", rule)
	}
	v, _ := rs[0].Expressions[0].Value.(bool)
	return v, nil
}

func (g *Gate) queryString(ctx context.Context, rule string, input map[string]interface{}) (string, error) {
	q := rego.New(
		rego.Query(fmt.Sprintf("data.%s.%s", policyPackage, rule)),
		rego.Compiler(g.compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return "", fmt.Errorf("gate: eval %s: %w", rule, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return "", nil
	}
	v, _ := rs[0].Expressions[0].Value.(string)
	return v, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	auditdomain "campusiq-governance/internal/audit/domain"
	"campusiq-governance/internal/entitystore"
	"campusiq-governance/internal/gate"
	"campusiq-governance/internal/intent"
	"campusiq-governance/internal/ops/domain"
	"campusiq-governance/internal/ops/repository"
	"campusiq-governance/internal/risk"
)

// memStore is an in-memory EntityStore. Filters match on column equality;
// that is all the engine tests need.
type memStore struct {
	mu        sync.Mutex
	tables    map[string][]domain.Row
	nextID    int64
	insertErr error
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{tables: map[string][]domain.Row{}, nextID: 1}
}

func (s *memStore) seed(entity string, rows ...domain.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[entity] = append(s.tables[entity], copyRow(r))
		if id := r.ID(); id >= s.nextID {
			s.nextID = id + 1
		}
	}
}

func (s *memStore) rowByID(entity string, id int64) domain.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.tables[entity] {
		if r.ID() == id {
			return copyRow(r)
		}
	}
	return nil
}

func copyRow(r domain.Row) domain.Row {
	out := make(domain.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func matches(r domain.Row, filters map[string]interface{}) bool {
	for k, v := range filters {
		col := k
		if i := strings.Index(k, "__"); i >= 0 {
			col = k[:i]
		}
		if fmt.Sprint(r[col]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func (s *memStore) Count(ctx context.Context, entity string, filters map[string]interface{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.tables[entity] {
		if matches(r, filters) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) Select(ctx context.Context, entity string, filters map[string]interface{}, limit int) ([]domain.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Row
	for _, r := range s.tables[entity] {
		if matches(r, filters) {
			out = append(out, copyRow(r))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) SelectByIDs(ctx context.Context, entity string, ids []int64) ([]domain.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := map[int64]bool{}
	for _, id := range ids {
		set[id] = true
	}
	var out []domain.Row
	for _, r := range s.tables[entity] {
		if set[r.ID()] {
			out = append(out, copyRow(r))
		}
	}
	return out, nil
}

func (s *memStore) Insert(ctx context.Context, entity string, values map[string]interface{}) (domain.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	row := copyRow(values)
	row["id"] = s.nextID
	s.nextID++
	s.tables[entity] = append(s.tables[entity], row)
	return copyRow(row), nil
}

func (s *memStore) InsertWithID(ctx context.Context, entity string, row domain.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[entity] = append(s.tables[entity], copyRow(row))
	return nil
}

func (s *memStore) UpdateByIDs(ctx context.Context, entity string, ids []int64, values map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := map[int64]bool{}
	for _, id := range ids {
		set[id] = true
	}
	for _, r := range s.tables[entity] {
		if set[r.ID()] {
			for k, v := range values {
				r[k] = v
			}
		}
	}
	return nil
}

func (s *memStore) RestoreByID(ctx context.Context, entity string, snapshot domain.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.tables[entity] {
		if r.ID() == snapshot.ID() {
			s.tables[entity][i] = copyRow(snapshot)
			return nil
		}
	}
	return fmt.Errorf("row %d not found", snapshot.ID())
}

func (s *memStore) DeleteByIDs(ctx context.Context, entity string, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	set := map[int64]bool{}
	for _, id := range ids {
		set[id] = true
	}
	var kept []domain.Row
	for _, r := range s.tables[entity] {
		if !set[r.ID()] {
			kept = append(kept, r)
		}
	}
	s.tables[entity] = kept
	return nil
}

func (s *memStore) Aggregate(ctx context.Context, entity string, filters map[string]interface{}, spec entitystore.AggregateSpec) ([]domain.Row, error) {
	n, _ := s.Count(ctx, entity, filters)
	return []domain.Row{{"count": int64(n)}}, nil
}

// memPlans is an in-memory plan and execution repository.
type memPlans struct {
	mu    sync.Mutex
	plans map[string]*domain.Plan
	execs map[string]*domain.Execution
	order []string

	lastListUserID int64
	lastListLimit  int
}

func newMemPlans() *memPlans {
	return &memPlans{plans: map[string]*domain.Plan{}, execs: map[string]*domain.Execution{}}
}

func (m *memPlans) InsertPlan(ctx context.Context, p *domain.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.plans[p.PlanID] = &cp
	m.order = append(m.order, p.PlanID)
	return nil
}

func (m *memPlans) GetPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memPlans) UpdatePlanStatus(ctx context.Context, planID, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planID]
	if !ok {
		return fmt.Errorf("plan %s not found", planID)
	}
	p.Status = status
	p.Error = errMsg
	return nil
}

func (m *memPlans) ListPlans(ctx context.Context, userID int64, limit int) ([]*domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastListUserID = userID
	m.lastListLimit = limit
	var out []*domain.Plan
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		p := m.plans[m.order[i]]
		if userID != 0 && p.UserID != userID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memPlans) InsertExecution(ctx context.Context, e *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.execs[e.ExecutionID] = &cp
	return nil
}

func (m *memPlans) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[executionID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memPlans) MarkExecutionExecuted(ctx context.Context, executionID string, before, after []domain.Row, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[executionID]
	if !ok {
		return fmt.Errorf("execution %s not found", executionID)
	}
	e.Status = domain.ExecutionExecuted
	e.BeforeState = before
	e.AfterState = after
	e.ExecutedAt = &at
	return nil
}

func (m *memPlans) MarkExecutionFailed(ctx context.Context, executionID string, failure map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[executionID]
	if !ok {
		return fmt.Errorf("execution %s not found", executionID)
	}
	e.Status = domain.ExecutionFailed
	e.FailureState = failure
	return nil
}

func (m *memPlans) MarkExecutionRolledBack(ctx context.Context, executionID string, rollback map[string]interface{}, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[executionID]
	if !ok {
		return fmt.Errorf("execution %s not found", executionID)
	}
	e.Status = domain.ExecutionRolledBack
	e.RollbackState = rollback
	e.RolledBackAt = &at
	return nil
}

func (m *memPlans) Stats(ctx context.Context) (*domain.StatsSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &domain.StatsSummary{
		TotalPlans: len(m.plans),
		ByRisk:     map[string]int{},
		ByModule:   map[string]domain.Tally{},
	}
	for _, p := range m.plans {
		switch p.Status {
		case domain.PlanFailed:
			s.FailedTotal++
		case domain.PlanRolledBack:
			s.RolledBackTotal++
		}
	}
	return s, nil
}

func (m *memPlans) plan(id string) *domain.Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plans[id]
}

func (m *memPlans) exec(id string) *domain.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execs[id]
}

// memAudit collects recorded events.
type memAudit struct {
	mu     sync.Mutex
	events []*auditdomain.Event
}

func (a *memAudit) Record(ctx context.Context, e *auditdomain.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *memAudit) byType(eventType string) []*auditdomain.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*auditdomain.Event
	for _, e := range a.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// memTxFactory hands out units of work over the shared fakes.
type memTxFactory struct {
	store *memStore
	plans *memPlans
	audit *memAudit

	mu      sync.Mutex
	commits int
}

type memUow struct {
	f *memTxFactory
}

func (f *memTxFactory) Begin(ctx context.Context) (UnitOfWork, error) {
	return &memUow{f: f}, nil
}

func (u *memUow) Entities() EntityStore        { return u.f.store }
func (u *memUow) Plans() repository.Repository { return u.f.plans }
func (u *memUow) Audit() AuditRecorder         { return u.f.audit }

func (u *memUow) Commit() error {
	u.f.mu.Lock()
	u.f.commits++
	u.f.mu.Unlock()
	return nil
}

func (u *memUow) Rollback() error { return nil }

type fakeExtractor struct {
	payload intent.Payload
	status  *intent.OracleStatus
}

func (f *fakeExtractor) Extract(ctx context.Context, message, module string) (intent.Payload, *intent.OracleStatus) {
	return f.payload, f.status
}

type fakeAuthz struct {
	decision gate.Decision
	err      error
	calls    int
}

func (f *fakeAuthz) Check(ctx context.Context, actor domain.Actor, payload intent.Payload) (gate.Decision, error) {
	f.calls++
	return f.decision, f.err
}

type harness struct {
	engine *Engine
	store  *memStore
	plans  *memPlans
	audit  *memAudit
	txf    *memTxFactory
	authz  *fakeAuthz
}

func newHarness(extractor IntentExtractor) *harness {
	store := newMemStore()
	plans := newMemPlans()
	audit := &memAudit{}
	txf := &memTxFactory{store: store, plans: plans, audit: audit}
	authz := &fakeAuthz{decision: gate.Decision{Allowed: true, Reason: gate.ReasonOK}}
	engine := NewEngine(Config{ConfidenceThreshold: 0.75, MaxResultRows: 50},
		extractor, authz, risk.NewClassifier(50), store, plans, audit, txf)
	return &harness{engine: engine, store: store, plans: plans, audit: audit, txf: txf, authz: authz}
}

func confidentPayload(op, entity string) intent.Payload {
	return intent.Payload{
		Intent:     op,
		Entity:     entity,
		Filters:    map[string]interface{}{},
		Values:     map[string]interface{}{},
		Confidence: 0.95,
	}
}

var admin = domain.Actor{UserID: 1, Role: domain.RoleAdmin}

func TestExecute_AmbiguityTriggersClarification(t *testing.T) {
	p := confidentPayload(intent.Delete, "student")
	p.Ambiguity = intent.Ambiguity{IsAmbiguous: true, Fields: []string{"scope"}, Question: "Which students?"}
	h := newHarness(&fakeExtractor{payload: p})

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "delete them")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusClarificationNeeded {
		t.Fatalf("Status = %q", res.Status)
	}
	if res.Clarification == nil || res.Clarification.Question != "Which students?" {
		t.Errorf("Clarification = %+v", res.Clarification)
	}
	if h.authz.calls != 0 {
		t.Error("the gate must not run before clarification resolves")
	}
	plan := h.plans.plan(res.PlanID)
	if plan == nil || plan.Status != domain.PlanClarificationNeeded {
		t.Errorf("plan = %+v", plan)
	}
	if len(h.plans.execs) != 0 {
		t.Error("clarification must not create an execution")
	}
	if evs := h.audit.byType(auditdomain.EventClarificationRequired); len(evs) != 1 {
		t.Errorf("clarification events = %d, want 1", len(evs))
	}
}

func TestExecute_LowConfidenceTriggersClarification(t *testing.T) {
	p := confidentPayload(intent.Read, "student")
	p.Confidence = 0.5
	h := newHarness(&fakeExtractor{payload: p})

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "show stuff")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusClarificationNeeded {
		t.Fatalf("Status = %q", res.Status)
	}
	if res.Clarification.Confidence != 0.5 || res.Clarification.Threshold != 0.75 {
		t.Errorf("Clarification = %+v", res.Clarification)
	}
}

func TestExecute_UnscopedUpdateAlwaysClarifies(t *testing.T) {
	p := confidentPayload(intent.Update, "student")
	p.Values = map[string]interface{}{"semester": 5}
	h := newHarness(&fakeExtractor{payload: p})
	h.store.seed("student", domain.Row{"id": int64(1), "semester": 4})

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "bump everyone")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusClarificationNeeded {
		t.Fatalf("confident unscoped update must clarify, got %q", res.Status)
	}
	if res.Clarification.Question != "Which student records should this affect?" {
		t.Errorf("Question = %q", res.Clarification.Question)
	}
	if got := h.store.rowByID("student", 1)["semester"]; got != 4 {
		t.Errorf("row mutated during clarification: semester = %v", got)
	}
}

func TestExecute_DeniedRecordsReason(t *testing.T) {
	p := confidentPayload(intent.Read, "salary_record")
	h := newHarness(&fakeExtractor{payload: p})
	h.authz.decision = gate.Decision{Allowed: false, Reason: gate.ReasonRoleRestricted}

	actor := domain.Actor{UserID: 7, Role: domain.RoleStudent}
	res, err := h.engine.Execute(context.Background(), actor, "nlp", "show salaries")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusDenied || res.Reason != gate.ReasonRoleRestricted {
		t.Fatalf("result = %+v", res)
	}
	plan := h.plans.plan(res.PlanID)
	if plan.Status != domain.PlanDenied || plan.Error != gate.ReasonRoleRestricted {
		t.Errorf("plan = %+v", plan)
	}
	evs := h.audit.byType(auditdomain.EventPermissionDenied)
	if len(evs) != 1 {
		t.Fatalf("denied events = %d, want 1", len(evs))
	}
	if evs[0].Metadata["reason"] != gate.ReasonRoleRestricted {
		t.Errorf("metadata = %v", evs[0].Metadata)
	}
	if evs[0].UserID != 7 || evs[0].Role != domain.RoleStudent {
		t.Errorf("event actor = %d/%s", evs[0].UserID, evs[0].Role)
	}
}

func TestExecute_GateFailureDeniesClosed(t *testing.T) {
	p := confidentPayload(intent.Read, "student")
	h := newHarness(&fakeExtractor{payload: p})
	h.authz.decision = gate.Decision{Allowed: false, Reason: gate.ReasonPolicyUnavailable}
	h.authz.err = errors.New("rego eval failed")

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "show students")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusDenied || res.Reason != gate.ReasonPolicyUnavailable {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecute_ValidationError(t *testing.T) {
	p := confidentPayload(intent.Update, "student")
	p.Filters = map[string]interface{}{"id": int64(1)}
	p.Values = map[string]interface{}{"cgpa": 15.0}
	h := newHarness(&fakeExtractor{payload: p})
	h.store.seed("student", domain.Row{"id": int64(1), "cgpa": 8.0})

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "set cgpa to 15")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusValidationError {
		t.Fatalf("Status = %q", res.Status)
	}
	if len(res.FieldErrors) != 1 || res.FieldErrors[0].Field != "cgpa" || res.FieldErrors[0].Message != "must be <= 10" {
		t.Errorf("FieldErrors = %+v", res.FieldErrors)
	}
	if h.plans.plan(res.PlanID).Status != domain.PlanValidationError {
		t.Error("plan should be marked validation_error")
	}
	if got := h.store.rowByID("student", 1)["cgpa"]; got != 8.0 {
		t.Errorf("row mutated after validation failure: cgpa = %v", got)
	}
	if evs := h.audit.byType(auditdomain.EventValidationError); len(evs) != 1 {
		t.Errorf("validation events = %d, want 1", len(evs))
	}
}

func TestExecute_RejectsNonWritableField(t *testing.T) {
	p := confidentPayload(intent.Update, "student")
	p.Filters = map[string]interface{}{"id": int64(1)}
	p.Values = map[string]interface{}{"user_id": int64(99)}
	h := newHarness(&fakeExtractor{payload: p})
	h.store.seed("student", domain.Row{"id": int64(1), "user_id": int64(5)})

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "reassign the row")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusValidationError {
		t.Fatalf("Status = %q", res.Status)
	}
	if res.FieldErrors[0].Message != "is not a writable field of student" {
		t.Errorf("FieldErrors = %+v", res.FieldErrors)
	}
}

func TestExecute_Read(t *testing.T) {
	p := confidentPayload(intent.Read, "student")
	p.Filters = map[string]interface{}{"semester": 6}
	h := newHarness(&fakeExtractor{payload: p})
	h.store.seed("student",
		domain.Row{"id": int64(1), "semester": 6},
		domain.Row{"id": int64(2), "semester": 6},
		domain.Row{"id": int64(3), "semester": 4},
	)

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "show semester 6 students")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusExecuted {
		t.Fatalf("Status = %q (%s)", res.Status, res.Error)
	}
	if res.AffectedCount != 2 || len(res.AfterState) != 2 {
		t.Errorf("AffectedCount = %d, AfterState = %d rows", res.AffectedCount, len(res.AfterState))
	}
	// Reads snapshot the fetched rows as both states.
	if len(res.BeforeState) != 2 {
		t.Errorf("BeforeState = %d rows, want 2", len(res.BeforeState))
	}
	exec := h.plans.exec(res.ExecutionID)
	if len(exec.BeforeState) != 2 || len(exec.AfterState) != 2 {
		t.Errorf("execution snapshots = %d/%d rows, want 2/2", len(exec.BeforeState), len(exec.AfterState))
	}
	if res.RiskLevel != risk.Low {
		t.Errorf("RiskLevel = %q, want low", res.RiskLevel)
	}
	if res.Summary != "Found 2 student record(s)." {
		t.Errorf("Summary = %q", res.Summary)
	}
}

func TestExecute_AnalyzeCount(t *testing.T) {
	p := confidentPayload(intent.Analyze, "student")
	p.Aggregation = "count"
	h := newHarness(&fakeExtractor{payload: p})
	h.store.seed("student", domain.Row{"id": int64(1)}, domain.Row{"id": int64(2)})

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "how many students")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusExecuted {
		t.Fatalf("Status = %q (%s)", res.Status, res.Error)
	}
	if res.Summary != "Counted 2 student record(s)." {
		t.Errorf("Summary = %q", res.Summary)
	}
}

func TestExecute_CreateAndRollback(t *testing.T) {
	p := confidentPayload(intent.Create, "course")
	p.Values = map[string]interface{}{"name": "Operating Systems", "code": "CS301", "credits": 4}
	h := newHarness(&fakeExtractor{payload: p})

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "create a course")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusExecuted || res.AffectedCount != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.RiskLevel != risk.Medium {
		t.Errorf("RiskLevel = %q, want medium", res.RiskLevel)
	}
	createdID := res.AfterState[0].ID()
	if createdID == 0 {
		t.Fatal("created row has no id")
	}
	exec := h.plans.exec(res.ExecutionID)
	if exec.Status != domain.ExecutionExecuted || len(exec.AfterState) != 1 {
		t.Fatalf("execution = %+v", exec)
	}
	if evs := h.audit.byType(auditdomain.EventExecuted); len(evs) != 1 {
		t.Fatalf("executed events = %d, want 1", len(evs))
	}
	if h.txf.commits != 1 {
		t.Errorf("commits = %d, want 1", h.txf.commits)
	}

	rb, err := h.engine.Rollback(context.Background(), admin, res.ExecutionID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rb.Status != domain.StatusRolledBack || rb.AffectedCount != 1 {
		t.Fatalf("rollback result = %+v", rb)
	}
	if h.store.rowByID("course", createdID) != nil {
		t.Error("created row should be gone after rollback")
	}
	if h.plans.plan(res.PlanID).Status != domain.PlanRolledBack {
		t.Error("plan should be rolled_back")
	}
	if h.plans.exec(res.ExecutionID).Status != domain.ExecutionRolledBack {
		t.Error("execution should be rolled_back")
	}
}

func TestExecute_UpdateAndRollback(t *testing.T) {
	p := confidentPayload(intent.Update, "student")
	p.Filters = map[string]interface{}{"semester": 6}
	p.Values = map[string]interface{}{"section": "B"}
	h := newHarness(&fakeExtractor{payload: p})
	h.store.seed("student",
		domain.Row{"id": int64(1), "semester": 6, "section": "A"},
		domain.Row{"id": int64(2), "semester": 6, "section": "A"},
		domain.Row{"id": int64(3), "semester": 4, "section": "A"},
	)

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "move semester 6 to section B")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusExecuted || res.AffectedCount != 2 {
		t.Fatalf("result = %+v", res)
	}
	if got := h.store.rowByID("student", 1)["section"]; got != "B" {
		t.Errorf("section = %v, want B", got)
	}
	if got := h.store.rowByID("student", 3)["section"]; got != "A" {
		t.Errorf("unfiltered row mutated: section = %v", got)
	}
	exec := h.plans.exec(res.ExecutionID)
	if len(exec.BeforeState) != 2 || exec.BeforeState[0]["section"] != "A" {
		t.Fatalf("BeforeState = %+v", exec.BeforeState)
	}
	if len(exec.AfterState) != 2 || exec.AfterState[0]["section"] != "B" {
		t.Fatalf("AfterState = %+v", exec.AfterState)
	}

	rb, err := h.engine.Rollback(context.Background(), admin, res.ExecutionID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rb.Status != domain.StatusRolledBack || rb.AffectedCount != 2 {
		t.Fatalf("rollback result = %+v", rb)
	}
	if got := h.store.rowByID("student", 1)["section"]; got != "A" {
		t.Errorf("rollback did not restore section: %v", got)
	}

	evs := h.audit.byType(auditdomain.EventRollback)
	if len(evs) != 1 {
		t.Fatalf("rollback events = %d, want 1", len(evs))
	}
	// Snapshots swap: the rollback's before is the execution's after.
	if evs[0].BeforeState[0]["section"] != "B" || evs[0].AfterState[0]["section"] != "A" {
		t.Errorf("rollback event states not swapped: %+v / %+v", evs[0].BeforeState, evs[0].AfterState)
	}
}

func TestExecute_DeleteAndRollback(t *testing.T) {
	p := confidentPayload(intent.Delete, "student")
	p.Filters = map[string]interface{}{"semester": 8}
	h := newHarness(&fakeExtractor{payload: p})
	h.store.seed("student",
		domain.Row{"id": int64(1), "semester": 8, "roll_number": "CS18B001"},
		domain.Row{"id": int64(2), "semester": 6, "roll_number": "CS21B002"},
	)

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "delete graduated students")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusExecuted || res.AffectedCount != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.RiskLevel != risk.High {
		t.Errorf("RiskLevel = %q, delete is always high", res.RiskLevel)
	}
	if h.store.rowByID("student", 1) != nil {
		t.Error("row should be deleted")
	}
	if len(res.BeforeState) != 1 || res.BeforeState[0]["roll_number"] != "CS18B001" {
		t.Errorf("BeforeState = %+v", res.BeforeState)
	}

	rb, err := h.engine.Rollback(context.Background(), admin, res.ExecutionID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rb.Status != domain.StatusRolledBack {
		t.Fatalf("rollback result = %+v", rb)
	}
	restored := h.store.rowByID("student", 1)
	if restored == nil || restored["roll_number"] != "CS18B001" {
		t.Errorf("restored row = %+v", restored)
	}
}

func TestExecute_DeleteZeroRowsIsStillHighRisk(t *testing.T) {
	p := confidentPayload(intent.Delete, "student")
	p.Filters = map[string]interface{}{"semester": 99}
	h := newHarness(&fakeExtractor{payload: p})
	h.store.seed("student", domain.Row{"id": int64(1), "semester": 6})

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "delete semester 99")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusExecuted || res.AffectedCount != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.RiskLevel != risk.High {
		t.Errorf("RiskLevel = %q, want high even with no matches", res.RiskLevel)
	}
}

func TestExecute_FailureMarksPlanAndAlerts(t *testing.T) {
	p := confidentPayload(intent.Delete, "student")
	p.Filters = map[string]interface{}{"semester": 6}
	h := newHarness(&fakeExtractor{payload: p})
	h.store.seed("student", domain.Row{"id": int64(1), "semester": 6})
	h.store.deleteErr = errors.New("deadlock detected")

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "delete semester 6")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.StatusFailed {
		t.Fatalf("Status = %q", res.Status)
	}
	if res.Error != "deadlock detected" {
		t.Errorf("Error = %q", res.Error)
	}
	if h.plans.plan(res.PlanID).Status != domain.PlanFailed {
		t.Error("plan should be failed")
	}
	exec := h.plans.exec(res.ExecutionID)
	if exec.Status != domain.ExecutionFailed || exec.FailureState["error"] != "deadlock detected" {
		t.Errorf("execution = %+v", exec)
	}
	evs := h.audit.byType(auditdomain.EventFailed)
	if len(evs) != 1 {
		t.Fatalf("failed events = %d, want 1", len(evs))
	}
	if evs[0].Metadata["alert"] != true {
		t.Errorf("high risk failure should alert: %v", evs[0].Metadata)
	}
	if h.txf.commits != 0 {
		t.Errorf("commits = %d, want 0", h.txf.commits)
	}
}

func TestRollback_OnlyExecutorOrAdmin(t *testing.T) {
	p := confidentPayload(intent.Create, "attendance")
	p.Values = map[string]interface{}{"is_present": true}
	h := newHarness(&fakeExtractor{payload: p})

	executor := domain.Actor{UserID: 5, Role: domain.RoleFaculty}
	res, err := h.engine.Execute(context.Background(), executor, "nlp", "mark present")
	if err != nil || res.Status != domain.StatusExecuted {
		t.Fatalf("Execute: %v / %+v", err, res)
	}

	other := domain.Actor{UserID: 6, Role: domain.RoleFaculty}
	rb, err := h.engine.Rollback(context.Background(), other, res.ExecutionID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rb.Status != domain.StatusDenied || rb.Reason != domain.ReasonRollbackNotPermitted {
		t.Fatalf("rollback result = %+v", rb)
	}

	rb, err = h.engine.Rollback(context.Background(), executor, res.ExecutionID)
	if err != nil {
		t.Fatalf("Rollback by executor: %v", err)
	}
	if rb.Status != domain.StatusRolledBack {
		t.Errorf("executor rollback = %+v", rb)
	}
}

func TestRollback_RequiresExecutedState(t *testing.T) {
	p := confidentPayload(intent.Create, "course")
	p.Values = map[string]interface{}{"name": "X", "code": "Y"}
	h := newHarness(&fakeExtractor{payload: p})

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "create course")
	if err != nil || res.Status != domain.StatusExecuted {
		t.Fatalf("Execute: %v / %+v", err, res)
	}
	if _, err := h.engine.Rollback(context.Background(), admin, res.ExecutionID); err != nil {
		t.Fatalf("first rollback: %v", err)
	}
	if _, err := h.engine.Rollback(context.Background(), admin, res.ExecutionID); err == nil {
		t.Fatal("second rollback must fail, execution is no longer executed")
	}
}

func TestRollback_UnknownExecution(t *testing.T) {
	h := newHarness(&fakeExtractor{})
	rb, err := h.engine.Rollback(context.Background(), admin, "exec_missing00000")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rb.Status != domain.StatusFailed || rb.Error != domain.ReasonExecutionNotFound {
		t.Fatalf("rollback result = %+v", rb)
	}
}

func TestRollback_ReadIsNotSupported(t *testing.T) {
	p := confidentPayload(intent.Read, "student")
	h := newHarness(&fakeExtractor{payload: p})
	h.store.seed("student", domain.Row{"id": int64(1), "cgpa": 8.1})

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "show students")
	if err != nil || res.Status != domain.StatusExecuted {
		t.Fatalf("Execute: %v / %+v", err, res)
	}

	rb, err := h.engine.Rollback(context.Background(), admin, res.ExecutionID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rb.Status != domain.StatusFailed || rb.Error != domain.ReasonRollbackNotSupported {
		t.Fatalf("rollback result = %+v", rb)
	}
	// The refusal happens before any transaction is opened.
	if h.txf.commits != 1 {
		t.Errorf("commits = %d, want only the execute commit", h.txf.commits)
	}
	if h.plans.exec(res.ExecutionID).Status != domain.ExecutionExecuted {
		t.Error("execution state must be untouched")
	}
}

func TestExecute_PropagatesOracleStatus(t *testing.T) {
	p := confidentPayload(intent.Read, "student")
	status := &intent.OracleStatus{Code: "RATE_LIMITED", RetryETASeconds: 2}
	h := newHarness(&fakeExtractor{payload: p, status: status})

	res, err := h.engine.Execute(context.Background(), admin, "nlp", "show students")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OracleStatus == nil || res.OracleStatus.Code != "RATE_LIMITED" {
		t.Errorf("OracleStatus = %+v", res.OracleStatus)
	}
}

func TestHistory_ScopesNonAdmins(t *testing.T) {
	h := newHarness(&fakeExtractor{})
	actor := domain.Actor{UserID: 9, Role: domain.RoleFaculty}
	if _, err := h.engine.History(context.Background(), actor, 0); err != nil {
		t.Fatalf("History: %v", err)
	}
	if h.plans.lastListUserID != 9 || h.plans.lastListLimit != 20 {
		t.Errorf("list args = %d/%d, want 9/20", h.plans.lastListUserID, h.plans.lastListLimit)
	}

	if _, err := h.engine.History(context.Background(), admin, 5); err != nil {
		t.Fatalf("History: %v", err)
	}
	if h.plans.lastListUserID != 0 || h.plans.lastListLimit != 5 {
		t.Errorf("admin list args = %d/%d, want 0/5", h.plans.lastListUserID, h.plans.lastListLimit)
	}
}

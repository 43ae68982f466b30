// Package entitystore is the single data-access path to governed entity
// tables. All SQL is generated from the entity registry: filters, writes,
// and aggregations only ever touch declared columns, and cross-entity
// filters resolve through declared relationship edges.
package entitystore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	opsdomain "campusiq-governance/internal/ops/domain"
	"campusiq-governance/internal/registry"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// AggregateSpec describes a database-side aggregation for ANALYZE.
type AggregateSpec struct {
	// Kind is one of count, average, sum, min, max, group_by.
	Kind string
	// Field is the numeric column for average/sum/min/max.
	Field string
	// GroupBy is the grouping column (or edge key) for group_by.
	GroupBy string
}

// Store executes registry-driven SQL against q.
type Store struct {
	q Querier
}

// New returns a store over q.
func New(q Querier) *Store {
	return &Store{q: q}
}

// WithQuerier returns a copy of the store bound to q, typically a
// transaction.
func (s *Store) WithQuerier(q Querier) *Store {
	return &Store{q: q}
}

var filterOps = map[string]string{
	"lt": "<", "lte": "<=", "gt": ">", "gte": ">=", "eq": "=", "ne": "<>",
}

type whereClause struct {
	joins []string
	conds []string
	args  []interface{}
}

// buildWhere translates the filter DSL into SQL. Bare keys mean equality;
// "field__op" keys support lt/lte/gt/gte/eq/ne; keys matching a declared
// relationship edge join the related table. Keys that resolve to nothing on
// the entity are ignored rather than failing the whole request.
func buildWhere(ent *registry.Entity, filters map[string]interface{}, argOffset int) whereClause {
	var wc whereClause
	if len(filters) == 0 {
		return wc
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	joined := map[string]string{}
	n := argOffset

	for _, key := range keys {
		value := filters[key]

		field, op := key, "="
		if i := strings.Index(key, "__"); i > 0 {
			if sqlOp, ok := filterOps[key[i+2:]]; ok {
				field, op = key[:i], sqlOp
			}
		}

		if ent.HasColumn(field) {
			n++
			wc.conds = append(wc.conds, fmt.Sprintf("t.%s %s $%d", field, op, n))
			wc.args = append(wc.args, value)
			continue
		}

		edge, ok := ent.Edges[field]
		if !ok {
			continue
		}
		alias, already := joined[edge.Table]
		if !already {
			alias = fmt.Sprintf("j%d", len(joined)+1)
			joined[edge.Table] = alias
			wc.joins = append(wc.joins, fmt.Sprintf("JOIN %s %s ON t.%s = %s.id", edge.Table, alias, edge.FK, alias))
		}
		n++
		if edge.Match == registry.MatchILike {
			wc.conds = append(wc.conds, fmt.Sprintf("LOWER(%s.%s) LIKE $%d", alias, edge.Column, n))
			wc.args = append(wc.args, "%"+strings.ToLower(fmt.Sprintf("%v", value))+"%")
		} else {
			wc.conds = append(wc.conds, fmt.Sprintf("%s.%s %s $%d", alias, edge.Column, op, n))
			wc.args = append(wc.args, value)
		}
	}
	return wc
}

func (wc whereClause) clause() string {
	var b strings.Builder
	for _, j := range wc.joins {
		b.WriteString(" ")
		b.WriteString(j)
	}
	if len(wc.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(wc.conds, " AND "))
	}
	return b.String()
}

func lookupEntity(entity string) (*registry.Entity, error) {
	ent := registry.Lookup(entity)
	if ent == nil {
		return nil, fmt.Errorf("entitystore: unknown entity %q", entity)
	}
	return ent, nil
}

// Count returns the number of rows matching the filters.
func (s *Store) Count(ctx context.Context, entity string, filters map[string]interface{}) (int, error) {
	ent, err := lookupEntity(entity)
	if err != nil {
		return 0, err
	}
	wc := buildWhere(ent, filters, 0)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s t%s", ent.Table, wc.clause())
	var count int
	if err := s.q.QueryRowContext(ctx, query, wc.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("entitystore: count %s: %w", entity, err)
	}
	return count, nil
}

// Select returns up to limit rows matching the filters, ordered by id.
func (s *Store) Select(ctx context.Context, entity string, filters map[string]interface{}, limit int) ([]opsdomain.Row, error) {
	ent, err := lookupEntity(entity)
	if err != nil {
		return nil, err
	}
	wc := buildWhere(ent, filters, 0)
	query := fmt.Sprintf("SELECT %s FROM %s t%s ORDER BY t.id",
		prefixedColumns(ent), ent.Table, wc.clause())
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRows(ctx, ent, query, wc.args...)
}

// SelectByIDs returns the rows with the given ids, ordered by id.
func (s *Store) SelectByIDs(ctx context.Context, entity string, ids []int64) ([]opsdomain.Row, error) {
	ent, err := lookupEntity(entity)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := idArgs(ids, 0)
	query := fmt.Sprintf("SELECT %s FROM %s t WHERE t.id IN (%s) ORDER BY t.id",
		prefixedColumns(ent), ent.Table, placeholders)
	return s.queryRows(ctx, ent, query, args...)
}

// Insert creates one row from values and returns the stored row. Only
// registry-writable fields are accepted.
func (s *Store) Insert(ctx context.Context, entity string, values map[string]interface{}) (opsdomain.Row, error) {
	ent, err := lookupEntity(entity)
	if err != nil {
		return nil, err
	}
	cols, args, err := writeColumns(ent, values)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("entitystore: create %s: no writable values", entity)
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		ent.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(ent.Columns, ", "))

	rows, err := s.queryRowsBare(ctx, ent, query, args...)
	if err != nil {
		return nil, fmt.Errorf("entitystore: insert %s: %w", entity, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("entitystore: insert %s returned no row", entity)
	}
	return rows[0], nil
}

// InsertWithID re-creates a row preserving its original id. Used only by
// rollback of DELETE.
func (s *Store) InsertWithID(ctx context.Context, entity string, row opsdomain.Row) error {
	ent, err := lookupEntity(entity)
	if err != nil {
		return err
	}
	cols := []string{"id"}
	args := []interface{}{row.ID()}
	for _, c := range ent.Columns {
		if c == "id" {
			continue
		}
		if v, ok := row[c]; ok {
			cols = append(cols, c)
			args = append(args, v)
		}
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ent.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("entitystore: restore %s %d: %w", entity, row.ID(), err)
	}
	return nil
}

// UpdateByIDs applies values to the rows with the given ids. Only
// registry-writable fields are accepted.
func (s *Store) UpdateByIDs(ctx context.Context, entity string, ids []int64, values map[string]interface{}) error {
	ent, err := lookupEntity(entity)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	cols, args, err := writeColumns(ent, values)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("entitystore: update %s: no writable values", entity)
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	placeholders, idArgsList := idArgs(ids, len(args))
	args = append(args, idArgsList...)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id IN (%s)",
		ent.Table, strings.Join(sets, ", "), placeholders)
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("entitystore: update %s: %w", entity, err)
	}
	return nil
}

// RestoreByID overwrites every snapshot field except the id on the row with
// the snapshot's id. Used only by rollback of UPDATE; it bypasses the
// writable-field restriction because the snapshot is trusted history.
func (s *Store) RestoreByID(ctx context.Context, entity string, snapshot opsdomain.Row) error {
	ent, err := lookupEntity(entity)
	if err != nil {
		return err
	}
	id := snapshot.ID()
	if id == 0 {
		return fmt.Errorf("entitystore: restore %s: snapshot has no id", entity)
	}
	var sets []string
	var args []interface{}
	for _, c := range ent.Columns {
		if c == "id" {
			continue
		}
		v, ok := snapshot[c]
		if !ok {
			continue
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", c, len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", ent.Table, strings.Join(sets, ", "), len(args))
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("entitystore: restore %s %d: %w", entity, id, err)
	}
	return nil
}

// DeleteByIDs removes the rows with the given ids.
func (s *Store) DeleteByIDs(ctx context.Context, entity string, ids []int64) error {
	ent, err := lookupEntity(entity)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := idArgs(ids, 0)
	query := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", ent.Table, placeholders)
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("entitystore: delete %s: %w", entity, err)
	}
	return nil
}

// Aggregate runs a database-side aggregation and returns result rows. A
// count produces one row {"count": n}; average/sum/min/max produce one row
// {"value": v}; group_by produces one row per group with {"group", "count"}.
func (s *Store) Aggregate(ctx context.Context, entity string, filters map[string]interface{}, spec AggregateSpec) ([]opsdomain.Row, error) {
	ent, err := lookupEntity(entity)
	if err != nil {
		return nil, err
	}
	wc := buildWhere(ent, filters, 0)

	switch spec.Kind {
	case "", "count":
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s t%s", ent.Table, wc.clause())
		var count int64
		if err := s.q.QueryRowContext(ctx, query, wc.args...).Scan(&count); err != nil {
			return nil, fmt.Errorf("entitystore: aggregate %s: %w", entity, err)
		}
		return []opsdomain.Row{{"count": count}}, nil

	case "average", "sum", "min", "max":
		if !ent.HasColumn(spec.Field) {
			return nil, fmt.Errorf("entitystore: aggregate %s: unknown field %q", entity, spec.Field)
		}
		fn := map[string]string{"average": "AVG", "sum": "SUM", "min": "MIN", "max": "MAX"}[spec.Kind]
		query := fmt.Sprintf("SELECT COALESCE(%s(t.%s), 0) FROM %s t%s", fn, spec.Field, ent.Table, wc.clause())
		var value float64
		if err := s.q.QueryRowContext(ctx, query, wc.args...).Scan(&value); err != nil {
			return nil, fmt.Errorf("entitystore: aggregate %s: %w", entity, err)
		}
		return []opsdomain.Row{{"value": value}}, nil

	case "group_by":
		groupExpr, joins, err := groupExpression(ent, spec.GroupBy)
		if err != nil {
			return nil, err
		}
		query := fmt.Sprintf("SELECT %s, COUNT(*) FROM %s t%s%s GROUP BY %s ORDER BY %s",
			groupExpr, ent.Table, joins, wc.clause(), groupExpr, groupExpr)
		rows, err := s.q.QueryContext(ctx, query, wc.args...)
		if err != nil {
			return nil, fmt.Errorf("entitystore: aggregate %s: %w", entity, err)
		}
		defer rows.Close()
		var out []opsdomain.Row
		for rows.Next() {
			var group interface{}
			var count int64
			if err := rows.Scan(&group, &count); err != nil {
				return nil, err
			}
			out = append(out, opsdomain.Row{"group": normalizeValue(group), "count": count})
		}
		return out, rows.Err()

	default:
		return nil, fmt.Errorf("entitystore: unsupported aggregation %q", spec.Kind)
	}
}

// DepartmentIDByName resolves a department name (case-insensitive substring
// match) to its id, or 0 when no department matches.
func (s *Store) DepartmentIDByName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx,
		"SELECT id FROM departments WHERE LOWER(name) LIKE $1 ORDER BY id LIMIT 1",
		"%"+strings.ToLower(strings.TrimSpace(name))+"%").Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("entitystore: resolve department %q: %w", name, err)
	}
	return id, nil
}

func groupExpression(ent *registry.Entity, groupBy string) (expr, joins string, err error) {
	if ent.HasColumn(groupBy) {
		return "t." + groupBy, "", nil
	}
	if edge, ok := ent.Edges[groupBy]; ok {
		return "j1." + edge.Column, fmt.Sprintf(" JOIN %s j1 ON t.%s = j1.id", edge.Table, edge.FK), nil
	}
	return "", "", fmt.Errorf("entitystore: cannot group %s by %q", ent.Name, groupBy)
}

// writeColumns returns the column list and args for a write, rejecting
// fields outside the registry's writable set.
func writeColumns(ent *registry.Entity, values map[string]interface{}) ([]string, []interface{}, error) {
	writable := ent.WritableSet()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var cols []string
	var args []interface{}
	for _, k := range keys {
		if !writable[k] {
			// Unknown or read-only fields never reach the table.
			continue
		}
		cols = append(cols, k)
		args = append(args, values[k])
	}
	return cols, args, nil
}

func idArgs(ids []int64, offset int) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", offset+i+1)
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}

func prefixedColumns(ent *registry.Entity) string {
	cols := make([]string, len(ent.Columns))
	for i, c := range ent.Columns {
		cols[i] = "t." + c
	}
	return strings.Join(cols, ", ")
}

func (s *Store) queryRows(ctx context.Context, ent *registry.Entity, query string, args ...interface{}) ([]opsdomain.Row, error) {
	rows, err := s.queryRowsBare(ctx, ent, query, args...)
	if err != nil {
		return nil, fmt.Errorf("entitystore: select %s: %w", ent.Name, err)
	}
	return rows, nil
}

func (s *Store) queryRowsBare(ctx context.Context, ent *registry.Entity, query string, args ...interface{}) ([]opsdomain.Row, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []opsdomain.Row
	for rows.Next() {
		values := make([]interface{}, len(ent.Columns))
		ptrs := make([]interface{}, len(ent.Columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(opsdomain.Row, len(ent.Columns))
		for i, c := range ent.Columns {
			row[c] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizeValue converts driver-specific scan results into plain values
// that survive a JSON round trip through the snapshot columns.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return v
	}
}

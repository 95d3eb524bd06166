package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/tidesync/internal/schema"
	tidesync "github.com/hyperengineering/tidesync/internal/sync"
)

// Record is one row keyed by attribute name. Values use the canonical Go
// forms produced by schema.Coerce.
type Record map[string]any

// ID returns the primary-key value of the record as a string.
func (r Record) ID(pk string) string {
	v, ok := r[pk]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// View reads and mutates one of the two stores inside a write scope.
type View struct {
	tx   *Tx
	db   string
	live bool
}

// columns returns the stored fields of table in this view and whether the
// view holds the table at all. The snapshot only holds synced tables.
func (v *View) columns(table string) (schema.TableDescriptor, []string, bool, error) {
	td, ok := v.tx.schema.Table(table)
	if !ok || td.System {
		return td, nil, false, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if v.live {
		return td, withKey(td, td.AttributeNames()), true, nil
	}
	if !v.tx.schema.IsTableSynced(table) {
		return td, nil, false, nil
	}
	return td, withKey(td, v.tx.schema.SyncedFields(table)), true, nil
}

func withKey(td schema.TableDescriptor, fields []string) []string {
	pk := primaryKey(td)
	out := []string{pk}
	for _, f := range fields {
		if f != pk {
			out = append(out, f)
		}
	}
	return out
}

func (v *View) target(table string) string {
	return v.db + "." + quoteIdent(table)
}

// Has reports whether the view stores table.
func (v *View) Has(table string) bool {
	_, _, ok, err := v.columns(table)
	return ok && err == nil
}

// Get returns the record with the given id.
func (v *View) Get(table, id string) (Record, bool, error) {
	td, cols, ok, err := v.columns(table)
	if err != nil || !ok {
		return nil, false, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		joinIdents(cols), v.target(table), quoteIdent(primaryKey(td)))
	rows, err := v.tx.sqlTx.QueryContext(v.tx.ctx, query, id)
	if err != nil {
		return nil, false, fmt.Errorf("get %s %s: %w", table, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	rec, err := scanRecord(rows, td, cols)
	if err != nil {
		return nil, false, err
	}
	return rec, true, rows.Err()
}

// All returns every record of table ordered by primary key.
func (v *View) All(table string) ([]Record, error) {
	return v.Where(table, nil)
}

// Where returns the records whose fields equal the given values, ordered by
// primary key. A nil filter matches everything.
func (v *View) Where(table string, filter map[string]any) ([]Record, error) {
	td, cols, ok, err := v.columns(table)
	if err != nil || !ok {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s", joinIdents(cols), v.target(table))
	var (
		conds []string
		args  []any
	)
	for _, field := range sortedKeys(filter) {
		if !contains(cols, field) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, table, field)
		}
		val, err := encodeValue(td, field, filter[field])
		if err != nil {
			return nil, err
		}
		if val == nil {
			conds = append(conds, quoteIdent(field)+" IS NULL")
			continue
		}
		conds = append(conds, quoteIdent(field)+" = ?")
		args = append(args, val)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY " + quoteIdent(primaryKey(td))

	rows, err := v.tx.sqlTx.QueryContext(v.tx.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows, td, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Put inserts rec or, when a record with the same key exists, updates the
// fields rec carries. The snapshot silently drops fields it does not mirror;
// the live store rejects unknown fields.
func (v *View) Put(table string, rec Record) error {
	td, cols, ok, err := v.columns(table)
	if err != nil || !ok {
		return err
	}
	pk := primaryKey(td)
	id := rec.ID(pk)
	if id == "" {
		return fmt.Errorf("%w: %s", ErrMissingKey, table)
	}

	fields, args, err := v.fieldArgs(td, cols, rec)
	if err != nil {
		return err
	}

	exists, err := v.exists(table, pk, id)
	if err != nil {
		return err
	}

	placeholders := make([]string, len(fields))
	var updates []string
	for i, f := range fields {
		placeholders[i] = "?"
		if f != pk {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(f), quoteIdent(f)))
		}
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		v.target(table), joinIdents(fields), strings.Join(placeholders, ", "))
	if len(updates) > 0 {
		query += fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", quoteIdent(pk), strings.Join(updates, ", "))
	} else {
		query += fmt.Sprintf(" ON CONFLICT(%s) DO NOTHING", quoteIdent(pk))
	}

	if _, err := v.tx.sqlTx.ExecContext(v.tx.ctx, query, args...); err != nil {
		return fmt.Errorf("put %s %s: %w", table, id, err)
	}

	if exists {
		v.record(table, id, changeModified)
	} else {
		v.record(table, id, changeInserted)
	}
	return nil
}

// Merge applies changes to an existing record. It reports false, and does
// nothing, when the record is absent.
func (v *View) Merge(table, id string, changes tidesync.Changeset) (bool, error) {
	td, cols, ok, err := v.columns(table)
	if err != nil || !ok {
		return false, err
	}
	pk := primaryKey(td)

	exists, err := v.exists(table, pk, id)
	if err != nil || !exists {
		return false, err
	}

	rec := Record(changes).Clone()
	delete(rec, pk)
	fields, args, err := v.fieldArgs(td, cols, rec)
	if err != nil {
		return false, err
	}
	if len(fields) > 0 {
		sets := make([]string, len(fields))
		for i, f := range fields {
			sets[i] = quoteIdent(f) + " = ?"
		}
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
			v.target(table), strings.Join(sets, ", "), quoteIdent(pk))
		if _, err := v.tx.sqlTx.ExecContext(v.tx.ctx, query, append(args, id)...); err != nil {
			return false, fmt.Errorf("merge %s %s: %w", table, id, err)
		}
	}

	v.record(table, id, changeModified)
	return true, nil
}

// Delete removes the record and reports whether it existed.
func (v *View) Delete(table, id string) (bool, error) {
	td, _, ok, err := v.columns(table)
	if err != nil || !ok {
		return false, err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", v.target(table), quoteIdent(primaryKey(td)))
	res, err := v.tx.sqlTx.ExecContext(v.tx.ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	if n == 0 {
		return false, nil
	}
	v.record(table, id, changeDeleted)
	return true, nil
}

func (v *View) record(table, id string, kind changeKind) {
	if v.live {
		v.tx.changes.record(table, id, kind)
	}
}

func (v *View) exists(table, pk, id string) (bool, error) {
	var one int
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?", v.target(table), quoteIdent(pk))
	err := v.tx.sqlTx.QueryRowContext(v.tx.ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s %s: %w", table, id, err)
	}
	return true, nil
}

// fieldArgs selects the fields of rec stored by this view, in sorted order,
// and encodes their values.
func (v *View) fieldArgs(td schema.TableDescriptor, cols []string, rec Record) ([]string, []any, error) {
	var (
		fields []string
		args   []any
	)
	for _, name := range sortedKeys(rec) {
		if !contains(cols, name) {
			if v.live && !isRelationship(td, name) {
				return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, td.Name, name)
			}
			continue
		}
		val, err := encodeValue(td, name, rec[name])
		if err != nil {
			return nil, nil, err
		}
		fields = append(fields, name)
		args = append(args, val)
	}
	return fields, args, nil
}

func isRelationship(td schema.TableDescriptor, name string) bool {
	_, ok := td.Relationships[name]
	return ok
}

func scanRecord(rows *sql.Rows, td schema.TableDescriptor, cols []string) (Record, error) {
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan %s: %w", td.Name, err)
	}

	rec := make(Record, len(cols))
	for i, name := range cols {
		attr, ok := td.Attributes[name]
		if !ok {
			if b, isBytes := raw[i].([]byte); isBytes {
				rec[name] = string(b)
			} else {
				rec[name] = raw[i]
			}
			continue
		}
		val, err := schema.Coerce(attr.Kind, raw[i])
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", td.Name, name, err)
		}
		rec[name] = val
	}
	return rec, nil
}

// encodeValue converts a value into its sqlite column form for field.
func encodeValue(td schema.TableDescriptor, field string, v any) (any, error) {
	attr, ok := td.Attributes[field]
	if !ok {
		if v == nil {
			return nil, nil
		}
		return fmt.Sprint(v), nil
	}
	val, err := schema.Coerce(attr.Kind, v)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", td.Name, field, err)
	}
	switch x := val.(type) {
	case nil:
		return nil, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case time.Time:
		return x.UTC().Format(timeLayout), nil
	case map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", td.Name, field, err)
		}
		return string(b), nil
	default:
		return x, nil
	}
}

func joinIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	tidesync "github.com/hyperengineering/tidesync/internal/sync"
)

// System tables are always part of the derived schema regardless of scope.
const (
	TransactionsTable = "Transactions"
	CursorTable       = "SyncCursor"

	// DefaultPrimaryKey is used when the description names no key.
	DefaultPrimaryKey = "Id"
)

// Cardinality is the resolved shape of a relationship.
type Cardinality int

const (
	OneToOne Cardinality = iota
	// ManyToOne: many own records point at one target record.
	ManyToOne
	// OneToMany: one own record is pointed at by many target records.
	OneToMany
)

func (c Cardinality) String() string {
	switch c {
	case OneToOne:
		return "one-to-one"
	case ManyToOne:
		return "many-to-one"
	case OneToMany:
		return "one-to-many"
	default:
		return fmt.Sprintf("cardinality(%d)", int(c))
	}
}

// MarshalYAML renders the cardinality by name.
func (c Cardinality) MarshalYAML() (interface{}, error) { return c.String(), nil }

// AttributeDescriptor is a derived scalar field.
type AttributeDescriptor struct {
	Name     string `yaml:"name"`
	Kind     Kind   `yaml:"kind"`
	Optional bool   `yaml:"optional,omitempty"`
	Unique   bool   `yaml:"unique,omitempty"`
	// ValueKind is set for dictionaries; values are untyped ("mixed").
	ValueKind string `yaml:"value_kind,omitempty"`
}

// RelationshipDescriptor is a derived relationship field. Related records
// are the target rows whose TargetFields equal this row's OwnFields.
type RelationshipDescriptor struct {
	Field        string      `yaml:"field"`
	Target       string      `yaml:"target"`
	Incoming     bool        `yaml:"incoming"`
	Cardinality  Cardinality `yaml:"cardinality"`
	OwnFields    []string    `yaml:"own_fields"`
	TargetFields []string    `yaml:"target_fields"`
	Optional     bool        `yaml:"optional,omitempty"`
}

// TableDescriptor is the local storage schema of one table.
type TableDescriptor struct {
	Name          string                            `yaml:"name"`
	PrimaryKey    string                            `yaml:"primary_key"`
	Attributes    map[string]AttributeDescriptor    `yaml:"attributes"`
	Relationships map[string]RelationshipDescriptor `yaml:"relationships,omitempty"`
	Identity      tidesync.Identity                 `yaml:"identity,omitempty"`
	System        bool                              `yaml:"system,omitempty"`
}

// AttributeNames returns the attribute names in sorted order.
func (t TableDescriptor) AttributeNames() []string {
	names := make([]string, 0, len(t.Attributes))
	for n := range t.Attributes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schema is the derived local schema together with the scope it was derived for.
type Schema struct {
	Tables []TableDescriptor
	scope  *Scope
	byName map[string]int
}

// NewSchema builds a Schema from descriptors. Mostly useful in tests.
func NewSchema(tables []TableDescriptor, scope *Scope) *Schema {
	s := &Schema{Tables: tables, scope: scope, byName: make(map[string]int, len(tables))}
	for i, t := range tables {
		s.byName[t.Name] = i
	}
	return s
}

// Table returns the descriptor for name.
func (s *Schema) Table(name string) (TableDescriptor, bool) {
	if s == nil {
		return TableDescriptor{}, false
	}
	i, ok := s.byName[name]
	if !ok {
		return TableDescriptor{}, false
	}
	return s.Tables[i], true
}

// UserTables returns the non-system tables.
func (s *Schema) UserTables() []TableDescriptor {
	var out []TableDescriptor
	for _, t := range s.Tables {
		if !t.System {
			out = append(out, t)
		}
	}
	return out
}

// IsAttribute reports whether field is a scalar attribute of table.
func (s *Schema) IsAttribute(table, field string) bool {
	t, ok := s.Table(table)
	if !ok {
		return false
	}
	_, ok = t.Attributes[field]
	return ok
}

// IsTableSynced reports whether changes to table are exchanged with the remote.
func (s *Schema) IsTableSynced(table string) bool {
	t, ok := s.Table(table)
	if !ok || t.System {
		return false
	}
	return s.scope.IsTableSynced(table)
}

// IsSynced reports whether field is a recognized attribute of table that is
// enabled for synchronization.
func (s *Schema) IsSynced(table, field string) bool {
	return s.IsTableSynced(table) && s.IsAttribute(table, field) && s.scope.IsFieldSynced(table, field)
}

// SyncedFields returns the synced attribute names of table in sorted order.
func (s *Schema) SyncedFields(table string) []string {
	t, ok := s.Table(table)
	if !ok {
		return nil
	}
	var out []string
	for _, name := range t.AttributeNames() {
		if s.IsSynced(table, name) {
			out = append(out, name)
		}
	}
	return out
}

// Identity returns the remote schema identity of table.
func (s *Schema) Identity(table string) tidesync.Identity {
	t, _ := s.Table(table)
	return t.Identity
}

// Coerce converts every recognized field of changes to its local kind.
// Unknown fields are dropped.
func (s *Schema) Coerce(table string, changes tidesync.Changeset) (tidesync.Changeset, error) {
	t, ok := s.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if changes == nil {
		return nil, nil
	}
	out := make(tidesync.Changeset, len(changes))
	for name, v := range changes {
		attr, ok := t.Attributes[name]
		if !ok {
			continue
		}
		cv, err := Coerce(attr.Kind, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", table, name, err)
		}
		out[name] = cv
	}
	return out, nil
}

// Fingerprint is a stable digest of the user tables' storage layout and
// synced subset. The store recreates local tables when it changes.
func (s *Schema) Fingerprint() string {
	type col struct {
		Name string
		Kind Kind
	}
	type tbl struct {
		Name   string
		PK     string
		Cols   []col
		Synced []string
	}
	var layout []tbl
	for _, t := range s.UserTables() {
		entry := tbl{Name: t.Name, PK: t.PrimaryKey, Synced: s.SyncedFields(t.Name)}
		for _, n := range t.AttributeNames() {
			entry.Cols = append(entry.Cols, col{Name: n, Kind: t.Attributes[n].Kind})
		}
		layout = append(layout, entry)
	}
	sort.Slice(layout, func(i, j int) bool { return layout[i].Name < layout[j].Name })
	data, _ := json.Marshal(layout)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Derive turns the remote description into local table descriptors restricted
// to scope. The transaction log and cursor tables are always included.
func Derive(remote *DbScheme, scope *Scope) (*Schema, error) {
	if remote == nil {
		return nil, ErrSchemaUnavailable
	}

	names := make([]string, 0, len(remote.Tables))
	for name := range remote.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	included := make(map[string]bool, len(names))
	for _, name := range names {
		if name == TransactionsTable || scope.IsTableSynced(name) {
			included[name] = true
		}
	}

	var tables []TableDescriptor
	for _, name := range names {
		if !included[name] || name == TransactionsTable {
			continue
		}
		tables = append(tables, deriveTable(name, remote.Tables[name], remote.Tables, included))
	}

	ensureReverseLists(tables)

	txTable := transactionsDescriptor()
	if remoteTx, ok := remote.Tables[TransactionsTable]; ok {
		txTable.Identity = tidesync.Identity{
			EntityFullName: remoteTx.EntityFullName,
			AssemblyName:   remoteTx.AssemblyName,
		}
	}
	tables = append(tables, txTable, cursorDescriptor())

	return NewSchema(tables, scope), nil
}

func deriveTable(name string, ts TableScheme, all map[string]TableScheme, included map[string]bool) TableDescriptor {
	tableName := ts.Name
	if tableName == "" {
		tableName = name
	}
	td := TableDescriptor{
		Name:          tableName,
		Attributes:    make(map[string]AttributeDescriptor, len(ts.Attributes)),
		Relationships: make(map[string]RelationshipDescriptor),
		Identity: tidesync.Identity{
			EntityFullName: ts.EntityFullName,
			AssemblyName:   ts.AssemblyName,
		},
	}
	td.PrimaryKey = DefaultPrimaryKey
	if len(ts.PrimaryKeys) > 0 {
		td.PrimaryKey = ts.PrimaryKeys[0]
	}

	for attrName, attr := range ts.Attributes {
		kind, err := LocalKind(attr.Scheme)
		if err != nil {
			slog.Warn("skipping attribute with unsupported kind",
				"component", "schema",
				"table", tableName,
				"attribute", attrName,
				"error", err,
			)
			continue
		}
		ad := AttributeDescriptor{
			Name:     attrName,
			Kind:     kind,
			Optional: attr.IsNullable,
			Unique:   attr.IsUnique,
		}
		if kind == KindDictionary {
			ad.ValueKind = "mixed"
		}
		td.Attributes[attrName] = ad
	}

	connNames := make([]string, 0, len(ts.Connections))
	for n := range ts.Connections {
		connNames = append(connNames, n)
	}
	sort.Strings(connNames)

	for _, cn := range connNames {
		conn := ts.Connections[cn]
		if !included[conn.TableName] {
			slog.Debug("skipping relationship to table outside scope",
				"component", "schema",
				"table", tableName,
				"target", conn.TableName,
			)
			continue
		}
		rel := deriveRelationship(tableName, ts, conn, all)
		td.Relationships[rel.Field] = rel
	}

	return td
}

// ResolveCardinality applies the cardinality rule: an incoming reference is
// one-to-one when any of the target's foreign-key attributes is unique and
// one-to-many otherwise; an outgoing reference is one-to-one when any own
// foreign-key attribute is unique and many-to-one otherwise.
func ResolveCardinality(conn Connection, own TableScheme, all map[string]TableScheme) Cardinality {
	if conn.IsIncomingReference {
		target := all[conn.TableName]
		for _, a := range conn.ExternalAttributeNames {
			if target.Attributes[a].IsUnique {
				return OneToOne
			}
		}
		return OneToMany
	}
	for _, a := range conn.OwnAttributeNames {
		if own.Attributes[a].IsUnique {
			return OneToOne
		}
	}
	return ManyToOne
}

// ListFieldName is the reverse-link list field name for a table.
func ListFieldName(table string) string {
	return table + "List"
}

func deriveRelationship(tableName string, ts TableScheme, conn Connection, all map[string]TableScheme) RelationshipDescriptor {
	card := ResolveCardinality(conn, ts, all)
	rel := RelationshipDescriptor{
		Field:        conn.TableName,
		Target:       conn.TableName,
		Incoming:     conn.IsIncomingReference,
		Cardinality:  card,
		OwnFields:    conn.OwnAttributeNames,
		TargetFields: conn.ExternalAttributeNames,
	}
	if card == OneToMany {
		rel.Field = ListFieldName(conn.TableName)
	}

	// Default the key side that the description may leave implicit.
	if rel.Incoming && len(rel.OwnFields) == 0 && len(ts.PrimaryKeys) > 0 {
		rel.OwnFields = []string{ts.PrimaryKeys[0]}
	}
	if !rel.Incoming && len(rel.TargetFields) == 0 {
		if target, ok := all[conn.TableName]; ok && len(target.PrimaryKeys) > 0 {
			rel.TargetFields = []string{target.PrimaryKeys[0]}
		}
	}

	if card == OneToOne && !rel.Incoming {
		optional := len(conn.OwnAttributeNames) > 0
		for _, a := range conn.OwnAttributeNames {
			if !ts.Attributes[a].IsNullable {
				optional = false
				break
			}
		}
		rel.Optional = optional
	}
	return rel
}

// ensureReverseLists gives the target of every many-to-one relationship a
// `<Source>List` field when the description did not declare one.
func ensureReverseLists(tables []TableDescriptor) {
	index := make(map[string]int, len(tables))
	for i, t := range tables {
		index[t.Name] = i
	}
	for _, t := range tables {
		for _, rel := range t.Relationships {
			if rel.Cardinality != ManyToOne {
				continue
			}
			ti, ok := index[rel.Target]
			if !ok {
				continue
			}
			target := &tables[ti]
			field := ListFieldName(t.Name)
			if _, exists := target.Relationships[field]; exists {
				continue
			}
			if target.Relationships == nil {
				target.Relationships = make(map[string]RelationshipDescriptor)
			}
			target.Relationships[field] = RelationshipDescriptor{
				Field:        field,
				Target:       t.Name,
				Incoming:     true,
				Cardinality:  OneToMany,
				OwnFields:    rel.TargetFields,
				TargetFields: rel.OwnFields,
			}
		}
	}
}

func transactionsDescriptor() TableDescriptor {
	return TableDescriptor{
		Name:       TransactionsTable,
		PrimaryKey: "Id",
		System:     true,
		Attributes: map[string]AttributeDescriptor{
			"Id":           {Name: "Id", Kind: KindString},
			"ChangeType":   {Name: "ChangeType", Kind: KindInt},
			"TableName":    {Name: "TableName", Kind: KindString},
			"InstanceId":   {Name: "InstanceId", Kind: KindString},
			"Changes":      {Name: "Changes", Kind: KindDictionary, Optional: true, ValueKind: "mixed"},
			"CreationDate": {Name: "CreationDate", Kind: KindDate},
			"SyncDate":     {Name: "SyncDate", Kind: KindDate, Optional: true},
		},
	}
}

func cursorDescriptor() TableDescriptor {
	return TableDescriptor{
		Name:       CursorTable,
		PrimaryKey: "Id",
		System:     true,
		Attributes: map[string]AttributeDescriptor{
			"Id":            {Name: "Id", Kind: KindInt},
			"TransactionId": {Name: "TransactionId", Kind: KindString},
		},
	}
}

package schema

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Scope selects which tables and fields take part in synchronization.
// A nil Scope syncs everything. A table-list scope syncs every attribute of
// the listed tables; a field scope syncs only the listed fields.
type Scope struct {
	tables     map[string]map[string]bool
	fieldLevel bool
}

// TableScope returns a scope that syncs the named tables in full.
func TableScope(tables ...string) *Scope {
	s := &Scope{tables: make(map[string]map[string]bool, len(tables))}
	for _, t := range tables {
		s.tables[t] = nil
	}
	return s
}

// FieldScope returns a scope that syncs only the listed fields per table.
func FieldScope(fields map[string][]string) *Scope {
	s := &Scope{tables: make(map[string]map[string]bool, len(fields)), fieldLevel: true}
	for table, names := range fields {
		set := make(map[string]bool, len(names))
		for _, n := range names {
			set[n] = true
		}
		s.tables[table] = set
	}
	return s
}

// IsTableSynced reports whether table is inside the scope.
func (s *Scope) IsTableSynced(table string) bool {
	if s == nil {
		return true
	}
	_, ok := s.tables[table]
	return ok
}

// IsFieldSynced reports whether field of table is inside the scope.
func (s *Scope) IsFieldSynced(table, field string) bool {
	if s == nil {
		return true
	}
	fields, ok := s.tables[table]
	if !ok {
		return false
	}
	if !s.fieldLevel {
		return true
	}
	return fields[field]
}

// Tables returns the scoped table names in sorted order.
func (s *Scope) Tables() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.tables))
	for t := range s.tables {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

// UnmarshalYAML accepts either a list of table names or a mapping of table
// name to its synced fields. Fields may be given as a list or in the
// `properties: {Field: true}` form.
func (s *Scope) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var tables []string
		if err := value.Decode(&tables); err != nil {
			return fmt.Errorf("decode table scope: %w", err)
		}
		*s = *TableScope(tables...)
		return nil

	case yaml.MappingNode:
		fields := make(map[string][]string)
		for i := 0; i+1 < len(value.Content); i += 2 {
			table := value.Content[i].Value
			node := value.Content[i+1]
			switch node.Kind {
			case yaml.SequenceNode:
				var names []string
				if err := node.Decode(&names); err != nil {
					return fmt.Errorf("decode fields of %s: %w", table, err)
				}
				fields[table] = names
			case yaml.MappingNode:
				var props struct {
					Properties map[string]bool `yaml:"properties"`
				}
				if err := node.Decode(&props); err != nil {
					return fmt.Errorf("decode properties of %s: %w", table, err)
				}
				names := make([]string, 0, len(props.Properties))
				for name, enabled := range props.Properties {
					if enabled {
						names = append(names, name)
					}
				}
				fields[table] = names
			default:
				return fmt.Errorf("scope for table %s: expected list or mapping", table)
			}
		}
		*s = *FieldScope(fields)
		return nil

	default:
		return fmt.Errorf("scope: expected list or mapping, got %v", value.Tag)
	}
}

// MarshalYAML renders the scope in the same shapes UnmarshalYAML accepts.
func (s *Scope) MarshalYAML() (interface{}, error) {
	if s == nil {
		return nil, nil
	}
	if !s.fieldLevel {
		return s.Tables(), nil
	}
	out := make(map[string][]string, len(s.tables))
	for table, set := range s.tables {
		names := make([]string, 0, len(set))
		for n := range set {
			names = append(names, n)
		}
		sort.Strings(names)
		out[table] = names
	}
	return out, nil
}

package schema

// DbScheme is the remote relational description returned by the schema endpoint.
type DbScheme struct {
	Tables map[string]TableScheme `json:"tables" yaml:"tables"`
}

// TableScheme describes one remote table.
type TableScheme struct {
	Name           string                `json:"name" yaml:"name"`
	PrimaryKeys    []string              `json:"primaryKeys" yaml:"primary_keys"`
	Attributes     map[string]Attribute  `json:"attributes" yaml:"attributes"`
	Connections    map[string]Connection `json:"connections,omitempty" yaml:"connections,omitempty"`
	AssemblyName   string                `json:"assemblyName,omitempty" yaml:"assembly_name,omitempty"`
	EntityFullName string                `json:"entityFullName,omitempty" yaml:"entity_full_name,omitempty"`
}

// Attribute describes one remote column.
type Attribute struct {
	Scheme     AttributeScheme `json:"scheme" yaml:"scheme"`
	IsNullable bool            `json:"isNullable" yaml:"nullable"`
	IsUnique   bool            `json:"isUnique" yaml:"unique"`
}

// AttributeScheme carries either a scalar type name or a reference to a
// scheme type (enums are exposed this way).
type AttributeScheme struct {
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
	Ref  string `json:"ref,omitempty" yaml:"ref,omitempty"`
}

// Connection describes a foreign-key relationship between two remote tables.
// For an incoming reference the other table holds the foreign key.
type Connection struct {
	TableName              string   `json:"tableName" yaml:"table"`
	IsIncomingReference    bool     `json:"isIncomingReference" yaml:"incoming"`
	OwnAttributeNames      []string `json:"ownAttributeNames,omitempty" yaml:"own_attributes,omitempty"`
	ExternalAttributeNames []string `json:"externalAttributeNames,omitempty" yaml:"external_attributes,omitempty"`
}

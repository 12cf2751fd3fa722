package schema

import (
	"strings"
	"time"
)

// Type is a declared column type in the canonical (warehouse-shaped) type
// set. Every physical type observed in a tenant catalog normalizes into this
// closed set; unknown types normalize to STRING so reconciliation always has
// a resolvable input.
type Type string

const (
	TypeString    Type = "STRING"
	TypeBytes     Type = "BYTES"
	TypeInt64     Type = "INT64"
	TypeFloat64   Type = "FLOAT64"
	TypeNumeric   Type = "NUMERIC"
	TypeBool      Type = "BOOL"
	TypeDate      Type = "DATE"
	TypeDatetime  Type = "DATETIME"
	TypeTime      Type = "TIME"
	TypeTimestamp Type = "TIMESTAMP"
	TypeJSON      Type = "JSON"
)

// Types lists the closed canonical type set.
var Types = []Type{
	TypeString, TypeBytes, TypeInt64, TypeFloat64, TypeNumeric, TypeBool,
	TypeDate, TypeDatetime, TypeTime, TypeTimestamp, TypeJSON,
}

// NormalizeType maps a physical catalog type name onto the canonical set.
// It understands both DuckDB and BigQuery spellings. The repeated return is
// true for array types (e.g. "VARCHAR[]", "ARRAY<STRING>").
func NormalizeType(physical string) (Type, bool) {
	s := strings.ToUpper(strings.TrimSpace(physical))

	if elem, ok := strings.CutSuffix(s, "[]"); ok {
		t, _ := NormalizeType(elem)
		return t, true
	}
	if elem, ok := strings.CutPrefix(s, "ARRAY<"); ok {
		t, _ := NormalizeType(strings.TrimSuffix(elem, ">"))
		return t, true
	}

	// Parameterized types like DECIMAL(18,3).
	if idx := strings.Index(s, "("); idx >= 0 {
		s = s[:idx]
	}

	switch s {
	case "STRING", "VARCHAR", "CHAR", "TEXT", "BPCHAR":
		return TypeString, false
	case "BYTES", "BLOB", "BYTEA", "VARBINARY":
		return TypeBytes, false
	case "INT64", "BIGINT", "INTEGER", "INT", "SMALLINT", "TINYINT", "HUGEINT",
		"UBIGINT", "UINTEGER", "USMALLINT", "UTINYINT":
		return TypeInt64, false
	case "FLOAT64", "DOUBLE", "FLOAT", "REAL":
		return TypeFloat64, false
	case "NUMERIC", "DECIMAL", "BIGNUMERIC":
		return TypeNumeric, false
	case "BOOL", "BOOLEAN", "LOGICAL":
		return TypeBool, false
	case "DATE":
		return TypeDate, false
	case "DATETIME":
		return TypeDatetime, false
	case "TIME":
		return TypeTime, false
	case "TIMESTAMP", "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE":
		return TypeTimestamp, false
	case "JSON":
		return TypeJSON, false
	}
	return TypeString, false
}

// FieldDescriptor is one row of a tenant's physical schema for a table.
type FieldDescriptor struct {
	Name         string
	DeclaredType Type
	Repeated     bool
}

// TenantSchema is the ordered physical field list of one tenant's table.
// An empty Fields slice means the table does not exist for the tenant, which
// is an expected outcome rather than an error.
type TenantSchema struct {
	TenantID  string
	TableName string
	Fields    []FieldDescriptor
}

func (s TenantSchema) Empty() bool {
	return len(s.Fields) == 0
}

// Field returns the descriptor for name, if the tenant has it.
func (s TenantSchema) Field(name string) (FieldDescriptor, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// ReconciledField is one canonical field of a table across all tenants.
// Order is the position in the alphabetical layout; it is what keeps
// position-based UNION ALL column-aligned across independently rendered
// tenant views.
type ReconciledField struct {
	Name            string
	TargetType      Type
	Repeated        bool
	HasTypeConflict bool
	Partial         bool
	Order           int
}

// CanonicalLayout is the reconciled field list for a table. It is derived
// state: recomputable at any time from the current tenant schemas, never the
// source of truth.
type CanonicalLayout struct {
	TableName   string
	Fields      []ReconciledField
	GeneratedAt time.Time
}

// Field returns the reconciled field for name, if present.
func (l CanonicalLayout) Field(name string) (ReconciledField, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return ReconciledField{}, false
}

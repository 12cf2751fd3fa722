package render

import (
	"fmt"
	"strings"

	"github.com/hbenda-pph/consolidated-central-project-data/pkg/schema"
)

// Dialect renders canonical types and cast expressions for a concrete SQL
// engine. The engine executing the generated definitions is DuckDB; the
// BigQuery dialect exists because the source fleet is BigQuery-shaped and the
// definitions can be exported for execution there.
type Dialect interface {
	Name() string
	// TypeName renders a canonical type as the engine's type name.
	TypeName(t schema.Type, repeated bool) string
	// QualifyTable renders a schema-qualified table or view reference.
	QualifyTable(schemaName, table string) string
	// Cast renders an unconditional cast of expr to t, or to the array of t
	// when repeated.
	Cast(expr string, t schema.Type, repeated bool) string
	// SafeCast renders a cast of expr to t (or the array of t when repeated)
	// that yields NULL instead of raising when a value cannot be converted.
	SafeCast(expr string, t schema.Type, repeated bool) string
	// StringLiteral renders s as a quoted string literal.
	StringLiteral(s string) string
	// CurrentTimestamp renders the evaluation-time timestamp expression.
	CurrentTimestamp() string
	// JSONText renders expr serialized to a JSON string, used to project
	// repeated values into a STRING target.
	JSONText(expr string) string
	// CreateView renders a create-or-replace view statement.
	CreateView(target, query string) string
	// CreateTable renders a create-or-replace table statement with optional
	// partition and cluster directives. Dialects without physical layout
	// directives ignore them.
	CreateTable(target, query, partitionField string, clusterFields []string) string
}

// DefaultLiteral is the policy-defined substitute used when a safe cast
// fails: empty string, zero, or false for value types, NULL for temporal and
// opaque types.
func DefaultLiteral(t schema.Type) string {
	switch t {
	case schema.TypeString:
		return "''"
	case schema.TypeInt64:
		return "0"
	case schema.TypeFloat64, schema.TypeNumeric:
		return "0.0"
	case schema.TypeBool:
		return "FALSE"
	}
	return "NULL"
}

type DuckDBDialect struct{}

func (DuckDBDialect) Name() string { return "duckdb" }

func (DuckDBDialect) TypeName(t schema.Type, repeated bool) string {
	var name string
	switch t {
	case schema.TypeString:
		name = "VARCHAR"
	case schema.TypeBytes:
		name = "BLOB"
	case schema.TypeInt64:
		name = "BIGINT"
	case schema.TypeFloat64:
		name = "DOUBLE"
	case schema.TypeNumeric:
		name = "DECIMAL(38,9)"
	case schema.TypeBool:
		name = "BOOLEAN"
	case schema.TypeDate:
		name = "DATE"
	case schema.TypeDatetime:
		name = "TIMESTAMP"
	case schema.TypeTime:
		name = "TIME"
	case schema.TypeTimestamp:
		name = "TIMESTAMPTZ"
	case schema.TypeJSON:
		name = "JSON"
	default:
		name = "VARCHAR"
	}
	if repeated {
		return name + "[]"
	}
	return name
}

func (DuckDBDialect) QualifyTable(schemaName, table string) string {
	return fmt.Sprintf("%s.%s", schemaName, table)
}

func (d DuckDBDialect) Cast(expr string, t schema.Type, repeated bool) string {
	return fmt.Sprintf("CAST(%s AS %s)", expr, d.TypeName(t, repeated))
}

func (d DuckDBDialect) SafeCast(expr string, t schema.Type, repeated bool) string {
	return fmt.Sprintf("TRY_CAST(%s AS %s)", expr, d.TypeName(t, repeated))
}

func (DuckDBDialect) StringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (DuckDBDialect) CurrentTimestamp() string {
	return "CURRENT_TIMESTAMP"
}

func (DuckDBDialect) JSONText(expr string) string {
	return fmt.Sprintf("CAST(to_json(%s) AS VARCHAR)", expr)
}

func (DuckDBDialect) CreateView(target, query string) string {
	return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS (\n%s\n)", target, query)
}

// CreateTable ignores partition and cluster directives: DuckDB tables have no
// physical layout clauses, so the directives only apply when the definition
// is exported to an engine that has them.
func (DuckDBDialect) CreateTable(target, query, partitionField string, clusterFields []string) string {
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s AS (\n%s\n)", target, query)
}

type BigQueryDialect struct{}

func (BigQueryDialect) Name() string { return "bigquery" }

func (BigQueryDialect) TypeName(t schema.Type, repeated bool) string {
	if repeated {
		return fmt.Sprintf("ARRAY<%s>", string(t))
	}
	return string(t)
}

func (BigQueryDialect) QualifyTable(schemaName, table string) string {
	return fmt.Sprintf("`%s.%s`", schemaName, table)
}

func (d BigQueryDialect) Cast(expr string, t schema.Type, repeated bool) string {
	return fmt.Sprintf("CAST(%s AS %s)", expr, d.TypeName(t, repeated))
}

func (d BigQueryDialect) SafeCast(expr string, t schema.Type, repeated bool) string {
	return fmt.Sprintf("SAFE_CAST(%s AS %s)", expr, d.TypeName(t, repeated))
}

func (BigQueryDialect) StringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "\\'") + "'"
}

func (BigQueryDialect) CurrentTimestamp() string {
	return "CURRENT_TIMESTAMP()"
}

func (BigQueryDialect) JSONText(expr string) string {
	return fmt.Sprintf("TO_JSON_STRING(%s)", expr)
}

func (BigQueryDialect) CreateView(target, query string) string {
	return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS (\n%s\n)", target, query)
}

func (BigQueryDialect) CreateTable(target, query, partitionField string, clusterFields []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE TABLE %s\n", target)
	if partitionField != "" {
		fmt.Fprintf(&b, "PARTITION BY DATE(%s)\n", partitionField)
	}
	if len(clusterFields) > 0 {
		fmt.Fprintf(&b, "CLUSTER BY %s\n", strings.Join(clusterFields, ", "))
	}
	fmt.Fprintf(&b, "AS (\n%s\n)", query)
	return b.String()
}

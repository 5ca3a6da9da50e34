package reconcile

import (
	"fmt"
	"strings"

	"brickkit/internal/domain"
)

// SQL statement builders for the operations the control plane does not
// expose: table DDL, functions, row filters, and column masks. Statement
// shape is fixed; executors send the result through SQLExecutor.Execute.

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// BuildCreateTable renders the CREATE TABLE DDL for a declared table.
// Column masks and row filters are deliberately not part of the DDL; they
// are applied through ALTER statements in the policy phase.
func BuildCreateTable(fqn string, r *domain.Resource, spec *domain.TableSpec) (string, error) {
	if spec.ViewQuery != "" {
		return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", fqn, spec.ViewQuery), nil
	}
	if len(spec.Columns) == 0 {
		return "", domain.ErrValidation("table %s has no columns", fqn)
	}
	var cols []string
	for _, c := range spec.Columns {
		col := fmt.Sprintf("%s %s", c.Name, c.Type)
		if c.Comment != "" {
			col += " COMMENT " + sqlQuote(c.Comment)
		}
		cols = append(cols, col)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (%s)", fqn, strings.Join(cols, ", "))
	if spec.TableType == domain.TableExternal && spec.FileFormat != "" {
		fmt.Fprintf(&b, " USING %s", spec.FileFormat)
	}
	if len(spec.PartitionBy) > 0 {
		fmt.Fprintf(&b, " PARTITIONED BY (%s)", strings.Join(spec.PartitionBy, ", "))
	}
	if spec.TableType == domain.TableExternal && spec.SourcePath != "" {
		fmt.Fprintf(&b, " LOCATION %s", sqlQuote(spec.SourcePath))
	}
	if r.Comment != "" {
		fmt.Fprintf(&b, " COMMENT %s", sqlQuote(r.Comment))
	}
	return b.String(), nil
}

// BuildCreateFunction renders CREATE OR REPLACE FUNCTION DDL.
func BuildCreateFunction(fqn string, spec *domain.FunctionSpec) (string, error) {
	if spec.Definition == "" {
		return "", domain.ErrValidation("function %s has no definition", fqn)
	}
	returnType := spec.ReturnType
	if returnType == "" {
		if spec.Kind == domain.FunctionTable {
			returnType = "TABLE"
		} else {
			returnType = "BOOLEAN"
		}
	}
	var params []string
	for _, p := range spec.Parameters {
		params = append(params, p.Name+" "+p.Type)
	}
	return fmt.Sprintf("CREATE OR REPLACE FUNCTION %s(%s) RETURNS %s RETURN %s",
		fqn, strings.Join(params, ", "), returnType, spec.Definition), nil
}

// BuildSetRowFilter renders the ALTER TABLE statement binding a row filter.
func BuildSetRowFilter(tableFQN, functionRef string, inputColumns []string) string {
	return fmt.Sprintf("ALTER TABLE %s SET ROW FILTER %s ON (%s)",
		tableFQN, functionRef, strings.Join(inputColumns, ", "))
}

// BuildDropRowFilter renders the ALTER TABLE statement clearing a row filter.
func BuildDropRowFilter(tableFQN string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP ROW FILTER", tableFQN)
}

// BuildSetColumnMask renders the ALTER COLUMN statement binding a mask.
func BuildSetColumnMask(tableFQN, column, functionRef string, extraColumns []string) string {
	stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET MASK %s", tableFQN, column, functionRef)
	if len(extraColumns) > 0 {
		stmt += fmt.Sprintf(" USING COLUMNS (%s)", strings.Join(extraColumns, ", "))
	}
	return stmt
}

// BuildDropColumnMask renders the ALTER COLUMN statement clearing a mask.
func BuildDropColumnMask(tableFQN, column string) string {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP MASK", tableFQN, column)
}

// BuildDropTable renders DROP TABLE.
func BuildDropTable(fqn string) string { return "DROP TABLE IF EXISTS " + fqn }

// BuildDropFunction renders DROP FUNCTION.
func BuildDropFunction(fqn string) string { return "DROP FUNCTION IF EXISTS " + fqn }

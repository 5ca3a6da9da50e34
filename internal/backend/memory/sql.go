package memory

import (
	"context"
	"regexp"
	"strings"

	"brickkit/internal/backend"
	"brickkit/internal/domain"
)

// The memory executor understands exactly the statement shapes the engine's
// executors construct. Anything else is an invalid-statement SQLSTATE.
var (
	reCreateTable = regexp.MustCompile(`(?is)^CREATE TABLE (?:IF NOT EXISTS )?([\w.]+)\s*\((.*?)\)\s*(?:USING (\w+))?\s*(?:PARTITIONED BY \(([^)]*)\))?\s*(?:LOCATION '((?:[^']|'')*)')?\s*(?:COMMENT '((?:[^']|'')*)')?\s*$`)
	reCreateView  = regexp.MustCompile(`(?is)^CREATE (?:OR REPLACE )?VIEW ([\w.]+)\s+AS\s+(.+)$`)
	reCreateFunc  = regexp.MustCompile(`(?is)^CREATE (?:OR REPLACE )?FUNCTION ([\w.]+)\s*\(([^)]*)\)\s+RETURNS\s+(\S+)\s+RETURN\s+(.+)$`)
	reDropTable   = regexp.MustCompile(`(?i)^DROP TABLE (?:IF EXISTS )?([\w.]+)\s*$`)
	reDropFunc    = regexp.MustCompile(`(?i)^DROP FUNCTION (?:IF EXISTS )?([\w.]+)\s*$`)
	reSetFilter   = regexp.MustCompile(`(?i)^ALTER TABLE ([\w.]+) SET ROW FILTER ([\w.]+) ON \(([^)]*)\)\s*$`)
	reDropFilter  = regexp.MustCompile(`(?i)^ALTER TABLE ([\w.]+) DROP ROW FILTER\s*$`)
	reSetMask     = regexp.MustCompile(`(?i)^ALTER TABLE ([\w.]+) ALTER COLUMN (\w+) SET MASK ([\w.]+)(?: USING COLUMNS \(([^)]*)\))?\s*$`)
	reDropMask    = regexp.MustCompile(`(?i)^ALTER TABLE ([\w.]+) ALTER COLUMN (\w+) DROP MASK\s*$`)
)

// Execute applies one SQL statement to the in-memory state.
func (b *Backend) Execute(_ context.Context, sql string) (*backend.Rows, error) {
	if err := b.failing(); err != nil {
		return nil, err
	}
	stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.statements = append(b.statements, stmt)

	switch {
	case reCreateTable.MatchString(stmt):
		m := reCreateTable.FindStringSubmatch(stmt)
		return &backend.Rows{}, b.sqlCreateTable(m[1], m[2], m[3], m[4], m[5], m[6])
	case reCreateView.MatchString(stmt):
		m := reCreateView.FindStringSubmatch(stmt)
		return &backend.Rows{}, b.sqlCreateView(m[1], m[2])
	case reCreateFunc.MatchString(stmt):
		m := reCreateFunc.FindStringSubmatch(stmt)
		return &backend.Rows{}, b.sqlCreateFunction(m[1], m[2], m[3], m[4])
	case reDropTable.MatchString(stmt):
		m := reDropTable.FindStringSubmatch(stmt)
		return &backend.Rows{}, b.sqlDrop(domain.TypeTable, m[1])
	case reDropFunc.MatchString(stmt):
		m := reDropFunc.FindStringSubmatch(stmt)
		return &backend.Rows{}, b.sqlDrop(domain.TypeFunction, m[1])
	case reSetFilter.MatchString(stmt):
		m := reSetFilter.FindStringSubmatch(stmt)
		return &backend.Rows{}, b.sqlSetRowFilter(m[1], m[2])
	case reDropFilter.MatchString(stmt):
		m := reDropFilter.FindStringSubmatch(stmt)
		return &backend.Rows{}, b.sqlDropRowFilter(m[1])
	case reSetMask.MatchString(stmt):
		m := reSetMask.FindStringSubmatch(stmt)
		return &backend.Rows{}, b.sqlSetMask(m[1], m[2], m[3])
	case reDropMask.MatchString(stmt):
		m := reDropMask.FindStringSubmatch(stmt)
		return &backend.Rows{}, b.sqlDropMask(m[1], m[2])
	}
	return nil, &domain.SQLError{State: "42601", Message: "unrecognized statement: " + stmt}
}

// DescribeTableExtended returns row filter, column masks, and properties for
// a table.
func (b *Backend) DescribeTableExtended(_ context.Context, fqn string) (*backend.TableExtended, error) {
	if err := b.failing(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.resources[resourceKey{domain.TypeTable, fqn}]
	if !ok {
		return nil, backend.Errorf(backend.CodeNotFound, "table %s not found", fqn)
	}
	ext := b.tableExt[fqn]
	out := &backend.TableExtended{
		ColumnMasks: map[string]string{},
		Properties:  map[string]string{},
	}
	if ext != nil {
		out.RowFilter = ext.RowFilter
		for k, v := range ext.ColumnMasks {
			out.ColumnMasks[k] = v
		}
	}
	for k, v := range info.Properties {
		out.Properties[k] = v
	}
	return out, nil
}

// DescribeFunction returns the function's language, signature, and body.
func (b *Backend) DescribeFunction(_ context.Context, fqn string) (*backend.FunctionDetail, error) {
	if err := b.failing(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	detail, ok := b.functions[fqn]
	if !ok {
		return nil, backend.Errorf(backend.CodeNotFound, "function %s not found", fqn)
	}
	copied := *detail
	return &copied, nil
}

// === statement handlers (mu held) ===

func (b *Backend) sqlCreateTable(fqn, columnList, fileFormat, partitionBy, location, comment string) error {
	key := resourceKey{domain.TypeTable, fqn}
	if _, exists := b.resources[key]; exists {
		return &domain.SQLError{State: "42P07", Message: "table " + fqn + " already exists"}
	}
	info := &backend.ResourceInfo{
		Type:       domain.TypeTable,
		Name:       leafName(fqn),
		FullName:   fqn,
		Comment:    strings.ReplaceAll(comment, "''", "'"),
		Properties: map[string]string{"table_type": string(domain.TableManaged)},
	}
	if location != "" {
		info.Properties["table_type"] = string(domain.TableExternal)
		info.Properties["source_path"] = strings.ReplaceAll(location, "''", "'")
	}
	if fileFormat != "" {
		info.Properties["file_format"] = fileFormat
	}
	for _, col := range splitTopLevel(columnList) {
		fields := strings.Fields(strings.TrimSpace(col))
		if len(fields) < 2 {
			return &domain.SQLError{State: "42601", Message: "bad column definition: " + col}
		}
		c := domain.Column{Name: fields[0], Type: fields[1]}
		if i := strings.Index(strings.ToUpper(col), "COMMENT '"); i >= 0 {
			c.Comment = strings.TrimSuffix(col[i+len("COMMENT '"):], "'")
		}
		info.Columns = append(info.Columns, c)
	}
	if partitionBy != "" {
		parts := strings.Split(partitionBy, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		info.Properties["partition_by"] = strings.Join(parts, ",")
	}
	b.resources[key] = info
	return nil
}

func (b *Backend) sqlCreateView(fqn, query string) error {
	key := resourceKey{domain.TypeTable, fqn}
	info, exists := b.resources[key]
	if !exists {
		info = &backend.ResourceInfo{
			Type:       domain.TypeTable,
			Name:       leafName(fqn),
			FullName:   fqn,
			Properties: map[string]string{},
		}
		b.resources[key] = info
	}
	info.Properties["table_type"] = string(domain.TableView)
	info.Properties["view_query"] = strings.TrimSpace(query)
	return nil
}

func (b *Backend) sqlCreateFunction(fqn, paramList, returnType, body string) error {
	detail := &backend.FunctionDetail{
		Language:   "SQL",
		ReturnType: strings.TrimSpace(returnType),
		Body:       strings.TrimSpace(body),
	}
	for _, p := range splitTopLevel(paramList) {
		fields := strings.Fields(strings.TrimSpace(p))
		if len(fields) < 2 {
			continue
		}
		detail.Parameters = append(detail.Parameters, domain.FunctionParameter{Name: fields[0], Type: fields[1]})
	}
	b.functions[fqn] = detail

	key := resourceKey{domain.TypeFunction, fqn}
	if _, exists := b.resources[key]; !exists {
		b.resources[key] = &backend.ResourceInfo{
			Type:       domain.TypeFunction,
			Name:       leafName(fqn),
			FullName:   fqn,
			Properties: map[string]string{"function_kind": string(domain.FunctionScalar), "return_type": detail.ReturnType, "definition": detail.Body},
		}
	} else {
		b.resources[key].Properties["definition"] = detail.Body
		b.resources[key].Properties["return_type"] = detail.ReturnType
	}
	return nil
}

func (b *Backend) sqlDrop(t domain.ResourceType, fqn string) error {
	key := resourceKey{t, fqn}
	if _, ok := b.resources[key]; !ok {
		return &domain.SQLError{State: "42P01", Message: string(t) + " " + fqn + " does not exist"}
	}
	delete(b.resources, key)
	delete(b.grants, key)
	delete(b.tags, key)
	if t == domain.TypeTable {
		delete(b.tableExt, fqn)
	}
	if t == domain.TypeFunction {
		delete(b.functions, fqn)
	}
	return nil
}

func (b *Backend) ensureExt(fqn string) (*backend.TableExtended, error) {
	if _, ok := b.resources[resourceKey{domain.TypeTable, fqn}]; !ok {
		return nil, &domain.SQLError{State: "42P01", Message: "table " + fqn + " does not exist"}
	}
	ext := b.tableExt[fqn]
	if ext == nil {
		ext = &backend.TableExtended{ColumnMasks: map[string]string{}}
		b.tableExt[fqn] = ext
	}
	return ext, nil
}

func (b *Backend) sqlSetRowFilter(fqn, fn string) error {
	ext, err := b.ensureExt(fqn)
	if err != nil {
		return err
	}
	ext.RowFilter = fn
	return nil
}

func (b *Backend) sqlDropRowFilter(fqn string) error {
	ext, err := b.ensureExt(fqn)
	if err != nil {
		return err
	}
	ext.RowFilter = ""
	return nil
}

func (b *Backend) sqlSetMask(fqn, column, fn string) error {
	ext, err := b.ensureExt(fqn)
	if err != nil {
		return err
	}
	ext.ColumnMasks[column] = fn
	return nil
}

func (b *Backend) sqlDropMask(fqn, column string) error {
	ext, err := b.ensureExt(fqn)
	if err != nil {
		return err
	}
	delete(ext.ColumnMasks, column)
	return nil
}

func leafName(fqn string) string {
	parts := strings.Split(fqn, ".")
	return parts[len(parts)-1]
}

// splitTopLevel splits a comma-separated list, ignoring commas inside
// parentheses (DECIMAL(10,2)) and quoted strings.
func splitTopLevel(s string) []string {
	var out []string
	depth := 0
	inQuote := false
	start := 0
	for i, r := range s {
		switch r {
		case '\'':
			inQuote = !inQuote
		case '(':
			if !inQuote {
				depth++
			}
		case ')':
			if !inQuote {
				depth--
			}
		case ',':
			if depth == 0 && !inQuote {
				if part := strings.TrimSpace(s[start:i]); part != "" {
					out = append(out, part)
				}
				start = i + 1
			}
		}
	}
	if part := strings.TrimSpace(s[start:]); part != "" {
		out = append(out, part)
	}
	return out
}

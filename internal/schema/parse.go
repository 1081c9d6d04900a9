package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// ParseTable turns a CREATE TABLE definition into its structural form.
// The primary path tokenizes the parenthesized body; when the body cannot
// be located, parseTableFallback takes over. The fallback is a documented
// regex path and can diverge from the structural path on exotic input, so
// both are exercised by tests.
func ParseTable(definition string) (*TableDef, error) {
	name, body, ok := tableBody(definition)
	if !ok {
		return parseTableFallback(definition)
	}

	td := &TableDef{Name: name}
	for _, entry := range splitTopLevel(body) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if cons := parseConstraintEntry(entry); cons != nil {
			td.Constraints = append(td.Constraints, cons)
			continue
		}
		col, err := parseColumnEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("parse table %s: %w", name, err)
		}
		td.Columns = append(td.Columns, col)
		if col.PrimaryKey {
			ensurePrimaryKeyColumn(td, col.Name)
		}
	}
	if len(td.Columns) == 0 {
		return nil, fmt.Errorf("parse table %s: no columns found", name)
	}
	return td, nil
}

var reCreateTable = regexp.MustCompile(`(?is)create\s+table\s+(?:if\s+not\s+exists\s+)?([^\s(]+)\s*\(`)

// tableBody locates the table name and the parenthesized column body.
func tableBody(definition string) (name, body string, ok bool) {
	m := reCreateTable.FindStringSubmatchIndex(definition)
	if m == nil {
		return "", "", false
	}
	name = unquoteIdentifier(definition[m[2]:m[3]])

	depth := 1
	start := m[1] // index just past the opening paren
	for i := start; i < len(definition); i++ {
		switch definition[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return name, definition[start:i], true
			}
		}
	}
	return "", "", false
}

// splitTopLevel splits the table body on commas that are not nested inside
// parentheses or quoted strings.
func splitTopLevel(body string) []string {
	var parts []string
	var current strings.Builder
	depth := 0
	inString := false
	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case ch == '\'':
			inString = !inString
		case !inString && ch == '(':
			depth++
		case !inString && ch == ')':
			depth--
		case !inString && ch == ',' && depth == 0:
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteByte(ch)
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}

var (
	reConstraintName = regexp.MustCompile(`(?i)^constraint\s+("?[\w$]+"?)\s+(.*)$`)
	reColumnList     = regexp.MustCompile(`\(([^)]*)\)`)
	reReferences     = regexp.MustCompile(`(?i)references\s+([\w$".]+)\s*(?:\(([^)]*)\))?`)
	reCheckExpr      = regexp.MustCompile(`(?is)^check\s*\((.*)\)\s*$`)
)

// parseConstraintEntry returns nil when the entry is not a table-level
// constraint (i.e. it is a column definition).
func parseConstraintEntry(entry string) *Constraint {
	cons := &Constraint{}
	rest := entry

	if m := reConstraintName.FindStringSubmatch(entry); m != nil {
		cons.Name = unquoteIdentifier(m[1])
		rest = m[2]
	}

	upper := strings.ToUpper(strings.TrimSpace(rest))
	switch {
	case strings.HasPrefix(upper, "PRIMARY KEY"):
		cons.Type = ConstraintPrimaryKey
		cons.Columns = firstColumnList(rest)
	case strings.HasPrefix(upper, "FOREIGN KEY"):
		cons.Type = ConstraintForeignKey
		cons.Columns = firstColumnList(rest)
		if m := reReferences.FindStringSubmatch(rest); m != nil {
			cons.ReferencedTable = unquoteIdentifier(m[1])
			cons.ReferencedColumns = splitIdentifierList(m[2])
		}
	case strings.HasPrefix(upper, "UNIQUE"):
		cons.Type = ConstraintUnique
		cons.Columns = firstColumnList(rest)
	case strings.HasPrefix(upper, "CHECK"):
		cons.Type = ConstraintCheck
		if m := reCheckExpr.FindStringSubmatch(strings.TrimSpace(rest)); m != nil {
			cons.CheckExpression = strings.TrimSpace(m[1])
		}
	default:
		return nil
	}
	return cons
}

func parseColumnEntry(entry string) (*Column, error) {
	fields := strings.Fields(entry)
	if len(fields) < 2 {
		return nil, fmt.Errorf("malformed column entry %q", entry)
	}

	col := &Column{
		Name:     unquoteIdentifier(fields[0]),
		Nullable: true,
	}

	rest := strings.Join(fields[1:], " ")
	upper := strings.ToUpper(rest)

	col.Type = columnType(rest, upper)

	if strings.Contains(upper, "NOT NULL") {
		col.Nullable = false
	}
	if strings.Contains(upper, "PRIMARY KEY") {
		col.PrimaryKey = true
		col.Nullable = false
	}
	if idx := strings.Index(upper, "DEFAULT "); idx >= 0 {
		def := defaultExpression(rest[idx+len("DEFAULT "):])
		col.DefaultValue = &def
	}
	return col, nil
}

// columnType extracts the type token(s) at the start of the attribute list,
// keeping a trailing parenthesized length/precision with its base type.
func columnType(rest, upper string) string {
	stop := len(rest)
	for _, kw := range []string{" NOT NULL", " NULL", " DEFAULT ", " PRIMARY KEY", " UNIQUE", " REFERENCES ", " CHECK", " GENERATED ", " CONSTRAINT "} {
		if idx := strings.Index(upper, kw); idx >= 0 && idx < stop {
			stop = idx
		}
	}
	return strings.TrimSpace(rest[:stop])
}

// defaultExpression cuts a DEFAULT value off at the next column attribute.
func defaultExpression(rest string) string {
	upper := strings.ToUpper(rest)
	stop := len(rest)
	for _, kw := range []string{" NOT NULL", " NULL", " PRIMARY KEY", " UNIQUE", " REFERENCES ", " CHECK", " CONSTRAINT "} {
		if idx := strings.Index(upper, kw); idx >= 0 && idx < stop {
			stop = idx
		}
	}
	return strings.TrimSpace(rest[:stop])
}

func firstColumnList(s string) []string {
	if m := reColumnList.FindStringSubmatch(s); m != nil {
		return splitIdentifierList(m[1])
	}
	return nil
}

func splitIdentifierList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if id := unquoteIdentifier(strings.TrimSpace(part)); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func unquoteIdentifier(id string) string {
	id = strings.TrimSpace(id)
	id = strings.Trim(id, `"`)
	return id
}

func ensurePrimaryKeyColumn(td *TableDef, colName string) {
	if pk := td.PrimaryKey(); pk != nil {
		for _, c := range pk.Columns {
			if strings.EqualFold(c, colName) {
				return
			}
		}
		pk.Columns = append(pk.Columns, colName)
		return
	}
	td.Constraints = append(td.Constraints, &Constraint{
		Type:    ConstraintPrimaryKey,
		Columns: []string{colName},
	})
}

// Fallback path: a line-oriented regex scan used when the structural path
// cannot locate the table body (e.g. truncated or dialect-exotic dumps).

var (
	reFallbackName   = regexp.MustCompile(`(?i)create\s+table\s+(?:if\s+not\s+exists\s+)?([\w$".]+)`)
	reFallbackColumn = regexp.MustCompile(`(?im)^\s*("?[\w$]+"?)\s+([a-z]+[\w$]*(?:\s*\(\s*\d+(?:\s*,\s*\d+)?\s*\))?)`)
)

func parseTableFallback(definition string) (*TableDef, error) {
	m := reFallbackName.FindStringSubmatch(definition)
	if m == nil {
		return nil, fmt.Errorf("fallback parse: no CREATE TABLE statement found")
	}
	td := &TableDef{Name: unquoteIdentifier(m[1])}

	for _, line := range strings.Split(definition, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		upper := strings.ToUpper(trimmed)
		if strings.HasPrefix(upper, "CREATE") || strings.HasPrefix(upper, "CONSTRAINT") ||
			strings.HasPrefix(upper, "PRIMARY") || strings.HasPrefix(upper, "FOREIGN") ||
			strings.HasPrefix(upper, "UNIQUE") || strings.HasPrefix(upper, "CHECK") ||
			strings.HasPrefix(upper, ")") {
			continue
		}
		cm := reFallbackColumn.FindStringSubmatch(line)
		if cm == nil {
			continue
		}
		td.Columns = append(td.Columns, &Column{
			Name:     unquoteIdentifier(cm[1]),
			Type:     strings.TrimSpace(cm[2]),
			Nullable: !strings.Contains(upper, "NOT NULL"),
		})
	}
	if len(td.Columns) == 0 {
		return nil, fmt.Errorf("fallback parse: no columns recognized for table %s", td.Name)
	}
	return td, nil
}

var reReferencedTable = regexp.MustCompile(`(?i)references\s+([\w$".]+)`)

// ReferencedObjects extracts schema.name keys of tables referenced by
// foreign keys inside a SQL statement. Used by the dependency orderer to
// infer implicit edges that the explicit dependency list may miss.
func ReferencedObjects(sql string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range reReferencedTable.FindAllStringSubmatch(sql, -1) {
		ref := unquoteIdentifier(m[1])
		s, n := SplitKey(ref)
		key := Key(s, n)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

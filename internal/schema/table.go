package schema

import "strings"

// TableDef is the structural form of a table definition, produced by
// ParseTable. Comparisons over this form are format-insensitive.
type TableDef struct {
	Name        string        `json:"name"`
	Columns     []*Column     `json:"columns"`
	Constraints []*Constraint `json:"constraints,omitempty"`
}

// Column represents a single column inside a table definition.
type Column struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Nullable     bool    `json:"nullable"`
	DefaultValue *string `json:"defaultValue,omitempty"`
	PrimaryKey   bool    `json:"primaryKey,omitempty"`
}

// ConstraintType is an ENUM with all possible constraint types.
type ConstraintType string

const (
	ConstraintPrimaryKey ConstraintType = "PRIMARY KEY"
	ConstraintForeignKey ConstraintType = "FOREIGN KEY"
	ConstraintUnique     ConstraintType = "UNIQUE"
	ConstraintCheck      ConstraintType = "CHECK"
)

// Constraint contains the table-level constraint attributes that matter for
// structural comparison and SQL generation.
type Constraint struct {
	Name    string         `json:"name,omitempty"`
	Type    ConstraintType `json:"type"`
	Columns []string       `json:"columns,omitempty"`

	ReferencedTable   string   `json:"referencedTable,omitempty"`
	ReferencedColumns []string `json:"referencedColumns,omitempty"`

	CheckExpression string `json:"checkExpression,omitempty"`
}

func (t *TableDef) GetName() string   { return t.Name }
func (c *Column) GetName() string     { return c.Name }
func (c *Constraint) GetName() string { return c.Name }

// FindColumn looks for a column by name inside a table definition.
func (t *TableDef) FindColumn(name string) *Column {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return nil
}

// PrimaryKey returns the primary key constraint of the table, if any.
func (t *TableDef) PrimaryKey() *Constraint {
	for _, c := range t.Constraints {
		if c.Type == ConstraintPrimaryKey {
			return c
		}
	}
	return nil
}

// Identity returns a comparison key for a constraint. Named constraints key
// by name; anonymous ones by type plus column list, so that identical
// anonymous constraints on both sides match up.
func (c *Constraint) Identity() string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return strings.ToLower(n)
	}
	return strings.ToLower(string(c.Type) + "(" + strings.Join(c.Columns, ",") + ")")
}

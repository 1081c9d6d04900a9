package compare

import (
	"strconv"
	"strings"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/schema"
)

// TableChanges holds the column- and constraint-level differences between
// two structural table definitions. The comparator uses it to decide
// equality; the SQL generator reuses it to synthesize ALTER TABLE
// statements.
type TableChanges struct {
	Name string

	AddedColumns    []*schema.Column
	RemovedColumns  []*schema.Column
	ModifiedColumns []*ColumnChange

	AddedConstraints   []*schema.Constraint
	RemovedConstraints []*schema.Constraint
}

// ColumnChange pairs the old and new definition of a modified column with
// the individual field changes between them.
type ColumnChange struct {
	Name    string
	Old     *schema.Column
	New     *schema.Column
	Changes []*FieldChange
}

// FieldChange records one changed attribute of a column.
type FieldChange struct {
	Field string
	Old   string
	New   string
}

func (tc *TableChanges) GetName() string { return tc.Name }
func (cc *ColumnChange) GetName() string { return cc.Name }

// IsEmpty reports whether the two table definitions are structurally equal.
func (tc *TableChanges) IsEmpty() bool {
	return len(tc.AddedColumns) == 0 &&
		len(tc.RemovedColumns) == 0 &&
		len(tc.ModifiedColumns) == 0 &&
		len(tc.AddedConstraints) == 0 &&
		len(tc.RemovedConstraints) == 0
}

// DiffTables compares two structural table definitions. "old" is the
// target-side (current) table, "new" the source-side (desired) one.
func DiffTables(oldT, newT *schema.TableDef) *TableChanges {
	tc := &TableChanges{Name: newT.Name}

	compareColumns(oldT.Columns, newT.Columns, tc)
	compareConstraints(oldT.Constraints, newT.Constraints, tc)

	tc.sort()
	return tc
}

func compareColumns(oldItems, newItems []*schema.Column, tc *TableChanges) {
	oldMap := mapColumnsByName(oldItems)
	newMap := mapColumnsByName(newItems)

	for name, newItem := range newMap {
		oldItem, exists := oldMap[name]
		if !exists {
			tc.AddedColumns = append(tc.AddedColumns, newItem)
			continue
		}
		if !equalColumn(oldItem, newItem) {
			tc.ModifiedColumns = append(tc.ModifiedColumns, &ColumnChange{
				Name:    newItem.Name,
				Old:     oldItem,
				New:     newItem,
				Changes: columnFieldChanges(oldItem, newItem),
			})
		}
	}

	for name, oldItem := range oldMap {
		if _, exists := newMap[name]; !exists {
			tc.RemovedColumns = append(tc.RemovedColumns, oldItem)
		}
	}
}

func equalColumn(a, b *schema.Column) bool {
	return strings.EqualFold(normalizeType(a.Type), normalizeType(b.Type)) &&
		a.Nullable == b.Nullable &&
		a.PrimaryKey == b.PrimaryKey &&
		ptrEq(a.DefaultValue, b.DefaultValue)
}

func columnFieldChanges(oldC, newC *schema.Column) []*FieldChange {
	c := &fieldChangeCollector{}
	if !strings.EqualFold(normalizeType(oldC.Type), normalizeType(newC.Type)) {
		c.Add("type", oldC.Type, newC.Type)
	}
	c.Add("nullable", strconv.FormatBool(oldC.Nullable), strconv.FormatBool(newC.Nullable))
	c.Add("primary_key", strconv.FormatBool(oldC.PrimaryKey), strconv.FormatBool(newC.PrimaryKey))
	c.Add("default", ptrStr(oldC.DefaultValue), ptrStr(newC.DefaultValue))
	return c.Changes
}

// normalizeType folds common Postgres type aliases so that e.g. "int4" and
// "integer" compare equal.
func normalizeType(t string) string {
	t = strings.ToLower(strings.Join(strings.Fields(t), " "))
	switch t {
	case "int", "int4":
		return "integer"
	case "int8":
		return "bigint"
	case "int2":
		return "smallint"
	case "bool":
		return "boolean"
	case "float8", "double":
		return "double precision"
	case "float4":
		return "real"
	case "timestamptz":
		return "timestamp with time zone"
	case "serial4":
		return "serial"
	case "serial8":
		return "bigserial"
	case "varchar":
		return "character varying"
	}
	return t
}

func compareConstraints(oldItems, newItems []*schema.Constraint, tc *TableChanges) {
	oldMap := mapConstraintsByIdentity(oldItems)
	newMap := mapConstraintsByIdentity(newItems)

	for id, newItem := range newMap {
		oldItem, exists := oldMap[id]
		if !exists {
			tc.AddedConstraints = append(tc.AddedConstraints, newItem)
			continue
		}
		if !equalConstraint(oldItem, newItem) {
			// A constraint cannot be altered in place: replace it.
			tc.RemovedConstraints = append(tc.RemovedConstraints, oldItem)
			tc.AddedConstraints = append(tc.AddedConstraints, newItem)
		}
	}
	for id, oldItem := range oldMap {
		if _, exists := newMap[id]; !exists {
			tc.RemovedConstraints = append(tc.RemovedConstraints, oldItem)
		}
	}
}

func equalConstraint(a, b *schema.Constraint) bool {
	return a.Type == b.Type &&
		equalStringSliceCI(a.Columns, b.Columns) &&
		strings.EqualFold(a.ReferencedTable, b.ReferencedTable) &&
		equalStringSliceCI(a.ReferencedColumns, b.ReferencedColumns) &&
		strings.EqualFold(
			strings.Join(strings.Fields(a.CheckExpression), " "),
			strings.Join(strings.Fields(b.CheckExpression), " "))
}

func (tc *TableChanges) sort() {
	sortNamed(tc.AddedColumns)
	sortNamed(tc.RemovedColumns)
	sortNamed(tc.ModifiedColumns)
	sortByFunc(tc.AddedConstraints, (*schema.Constraint).Identity)
	sortByFunc(tc.RemovedConstraints, (*schema.Constraint).Identity)
}

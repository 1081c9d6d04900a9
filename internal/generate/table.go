package generate

import (
	"fmt"
	"strings"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/compare"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/schema"
)

// alterTable diffs the parsed column and constraint lists of the two table
// definitions and emits paired up/down statements. Changes with no safe
// mechanical form become advisory REVIEW comments instead of being
// silently dropped.
func (g *Generator) alterTable(d *compare.Difference) []string {
	srcDef, srcErr := schema.ParseTable(d.Source.Definition)
	tgtDef, tgtErr := schema.ParseTable(d.Target.Definition)
	if srcErr != nil || tgtErr != nil {
		warn := fmt.Sprintf("table %s: cannot diff structurally, manual migration required", d.Key())
		d.SQL = "-- REVIEW: " + warn
		d.Notes = append(d.Notes, warn)
		return []string{warn}
	}

	tc := compare.DiffTables(tgtDef, srcDef)
	table := quoteQualified(d.Schema, d.Name)

	var stmts []string
	var rollback []string
	rollbackComplete := true

	add := func(up, down string) {
		stmts = append(stmts, up)
		if strings.TrimSpace(down) != "" {
			rollback = append(rollback, down)
		} else {
			rollbackComplete = false
		}
	}

	// Constraint removals first so that column changes are not blocked by
	// constraints that are going away anyway.
	for _, rc := range tc.RemovedConstraints {
		if rc == nil {
			continue
		}
		if strings.TrimSpace(rc.Name) == "" {
			note := fmt.Sprintf("anonymous %s constraint on %s requires manual removal", rc.Type, table)
			stmts = append(stmts, "-- REVIEW: "+note)
			d.Notes = append(d.Notes, note)
			continue
		}
		up := fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s;", table, quoteIdent(rc.Name))
		down := fmt.Sprintf("ALTER TABLE %s ADD %s;", table, constraintDefinition(rc))
		add(up, down)
	}

	for _, ac := range tc.AddedColumns {
		if ac == nil {
			continue
		}
		up := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", table, columnDefinition(ac))
		down := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", table, quoteIdent(ac.Name))
		add(up, down)
		if !ac.Nullable && ac.DefaultValue == nil {
			d.Notes = append(d.Notes,
				fmt.Sprintf("Data migration tip: add %s.%s as NULL first, backfill, then ALTER to NOT NULL.", table, ac.Name))
		}
	}

	for _, ch := range tc.ModifiedColumns {
		if ch == nil || ch.Old == nil || ch.New == nil {
			continue
		}
		g.alterColumn(d, table, ch, add)
	}

	for _, rc := range tc.RemovedColumns {
		if rc == nil {
			continue
		}
		cascade := ""
		if columnIsReferenced(tgtDef, rc.Name) {
			cascade = " CASCADE"
		}
		up := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s%s;", table, quoteIdent(rc.Name), cascade)
		down := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", table, columnDefinition(rc))
		add(up, down)
		d.RiskLevel = compare.RiskHigh
		d.Notes = append(d.Notes,
			fmt.Sprintf("Safety tip: take a backup or copy data out of %s.%s before DROP COLUMN.", table, rc.Name))
	}

	for _, ac := range tc.AddedConstraints {
		if ac == nil {
			continue
		}
		up := fmt.Sprintf("ALTER TABLE %s ADD %s;", table, constraintDefinition(ac))
		if strings.TrimSpace(ac.Name) == "" {
			add(up, "")
			d.Notes = append(d.Notes,
				fmt.Sprintf("added %s constraint on %s is anonymous; its rollback needs the server-assigned name", ac.Type, table))
			continue
		}
		down := fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s;", table, quoteIdent(ac.Name))
		add(up, down)
	}

	d.SQL = joinStatements(stmts...)
	d.RollbackSQL = joinStatements(rollback...)
	if !rollbackComplete {
		d.RollbackSQL = ""
	}
	return nil
}

// alterColumn emits one statement per changed attribute of a column.
func (g *Generator) alterColumn(d *compare.Difference, table string, ch *compare.ColumnChange, add func(up, down string)) {
	col := quoteIdent(ch.Name)
	for _, fc := range ch.Changes {
		switch fc.Field {
		case "type":
			add(fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s;", table, col, ch.New.Type),
				fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s;", table, col, ch.Old.Type))
			d.RiskLevel = compare.RiskHigh
			d.Notes = append(d.Notes,
				fmt.Sprintf("Data migration tip: validate cast/backfill for %s.%s before applying the type change.", table, ch.Name))
		case "nullable":
			if ch.New.Nullable {
				add(fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL;", table, col),
					fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL;", table, col))
			} else {
				add(fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL;", table, col),
					fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL;", table, col))
				d.Notes = append(d.Notes,
					fmt.Sprintf("Data migration tip: backfill %s.%s (UPDATE NULLs) before enforcing NOT NULL.", table, ch.Name))
			}
		case "default":
			up := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT;", table, col)
			if ch.New.DefaultValue != nil {
				up = fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s;", table, col, *ch.New.DefaultValue)
			}
			down := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT;", table, col)
			if ch.Old.DefaultValue != nil {
				down = fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s;", table, col, *ch.Old.DefaultValue)
			}
			add(up, down)
		case "primary_key":
			// Primary key membership changes surface through the constraint
			// diff; the column-level flag alone is not actionable.
		}
	}
}

// columnIsReferenced reports whether a column participates in any foreign
// key of the current table definition.
func columnIsReferenced(td *schema.TableDef, colName string) bool {
	for _, c := range td.Constraints {
		if c.Type != schema.ConstraintForeignKey {
			continue
		}
		for _, cc := range c.Columns {
			if strings.EqualFold(cc, colName) {
				return true
			}
		}
	}
	return false
}

func columnDefinition(c *schema.Column) string {
	var sb strings.Builder
	sb.WriteString(quoteIdent(c.Name))
	sb.WriteByte(' ')
	sb.WriteString(c.Type)
	if c.DefaultValue != nil {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(*c.DefaultValue)
	}
	if !c.Nullable {
		sb.WriteString(" NOT NULL")
	}
	return sb.String()
}

func constraintDefinition(c *schema.Constraint) string {
	var sb strings.Builder
	if strings.TrimSpace(c.Name) != "" {
		sb.WriteString("CONSTRAINT ")
		sb.WriteString(quoteIdent(c.Name))
		sb.WriteByte(' ')
	}
	switch c.Type {
	case schema.ConstraintPrimaryKey:
		sb.WriteString("PRIMARY KEY (")
		sb.WriteString(strings.Join(c.Columns, ", "))
		sb.WriteByte(')')
	case schema.ConstraintForeignKey:
		sb.WriteString("FOREIGN KEY (")
		sb.WriteString(strings.Join(c.Columns, ", "))
		sb.WriteString(") REFERENCES ")
		sb.WriteString(c.ReferencedTable)
		if len(c.ReferencedColumns) > 0 {
			sb.WriteString(" (")
			sb.WriteString(strings.Join(c.ReferencedColumns, ", "))
			sb.WriteByte(')')
		}
	case schema.ConstraintUnique:
		sb.WriteString("UNIQUE (")
		sb.WriteString(strings.Join(c.Columns, ", "))
		sb.WriteByte(')')
	case schema.ConstraintCheck:
		sb.WriteString("CHECK (")
		sb.WriteString(c.CheckExpression)
		sb.WriteByte(')')
	}
	return sb.String()
}

// Package generate produces forward and rollback SQL for every Difference
// found by the comparator and assigns each one an advisory risk level. The
// per-object-type behavior lives in a single exhaustive switch so that a
// new object type is a new case, caught at compile time.
package generate

import (
	"fmt"
	"strings"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/compare"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/schema"
)

// Generator annotates Differences with SQL, rollback SQL, risk levels, and
// review notes. It is constructed from both object collections so that
// drop statements can cascade when dependents exist.
type Generator struct {
	dependents map[string][]string
}

// NewGenerator builds a generator over the two collections of a comparison
// run. The dependents index is derived from every object's declared
// dependency list.
func NewGenerator(source, target []*schema.Object) *Generator {
	g := &Generator{dependents: make(map[string][]string)}
	g.indexDependents(source)
	g.indexDependents(target)
	return g
}

func (g *Generator) indexDependents(objects []*schema.Object) {
	for _, o := range objects {
		for _, dep := range o.Dependencies {
			s, n := schema.SplitKey(dep)
			key := schema.Key(s, n)
			g.dependents[key] = append(g.dependents[key], o.Key())
		}
	}
}

func (g *Generator) hasDependents(key string) bool {
	return len(g.dependents[key]) > 0
}

// Annotate fills in SQL, RollbackSQL, RiskLevel, and Notes on every
// Difference in place. Returns warnings for cases where SQL could not be
// fully derived and a review comment was emitted instead.
func (g *Generator) Annotate(diffs []*compare.Difference) []string {
	var warnings []string
	for _, d := range diffs {
		switch d.Operation {
		case compare.OpCreate:
			g.generateCreate(d)
		case compare.OpDrop:
			g.generateDrop(d)
		case compare.OpAlter:
			warnings = append(warnings, g.generateAlter(d)...)
		}
		if d.SQL == "" {
			warnings = append(warnings, fmt.Sprintf("no SQL derived for %s", d))
		}
	}
	return warnings
}

func (g *Generator) generateCreate(d *compare.Difference) {
	d.SQL = terminate(d.Source.Definition)
	d.RollbackSQL = g.dropStatement(d, d.Source)
	d.RiskLevel = compare.RiskLow
}

func (g *Generator) generateDrop(d *compare.Difference) {
	d.SQL = g.dropStatement(d, d.Target)
	d.RollbackSQL = terminate(d.Target.Definition)
	d.RiskLevel = compare.RiskHigh
	d.Notes = append(d.Notes,
		fmt.Sprintf("Safety tip: take a backup or copy data out of %s before dropping it.", d.Target.QualifiedName()))
}

// dropStatement builds the statement that removes obj, cascading when other
// objects depend on it. The switch is exhaustive over the object-type
// enumeration.
func (g *Generator) dropStatement(d *compare.Difference, obj *schema.Object) string {
	qualified := quoteQualified(obj.Schema, obj.Name)
	cascade := ""
	if g.hasDependents(obj.Key()) {
		cascade = " CASCADE"
	}

	switch d.ObjectType {
	case schema.ObjectTable:
		return fmt.Sprintf("DROP TABLE %s%s;", qualified, cascade)
	case schema.ObjectView:
		return fmt.Sprintf("DROP VIEW %s%s;", qualified, cascade)
	case schema.ObjectFunction:
		return fmt.Sprintf("DROP FUNCTION %s%s;", qualified, cascade)
	case schema.ObjectProcedure:
		return fmt.Sprintf("DROP PROCEDURE %s%s;", qualified, cascade)
	case schema.ObjectSequence:
		return fmt.Sprintf("DROP SEQUENCE %s%s;", qualified, cascade)
	case schema.ObjectUserType:
		return fmt.Sprintf("DROP TYPE %s%s;", qualified, cascade)
	case schema.ObjectDomain:
		return fmt.Sprintf("DROP DOMAIN %s%s;", qualified, cascade)
	case schema.ObjectCollation:
		return fmt.Sprintf("DROP COLLATION %s;", qualified)
	case schema.ObjectExtension:
		return fmt.Sprintf("DROP EXTENSION %s%s;", quoteIdent(obj.Name), cascade)
	case schema.ObjectRole:
		// Roles are cluster-wide and never cascade.
		return fmt.Sprintf("DROP ROLE %s;", quoteIdent(obj.Name))
	case schema.ObjectTablespace:
		return fmt.Sprintf("DROP TABLESPACE %s;", quoteIdent(obj.Name))
	case schema.ObjectIndex:
		return fmt.Sprintf("DROP INDEX %s%s;", qualified, cascade)
	case schema.ObjectTrigger:
		if table := firstDependency(obj); table != "" {
			return fmt.Sprintf("DROP TRIGGER %s ON %s;", quoteIdent(obj.Name), table)
		}
		return fmt.Sprintf("-- REVIEW: cannot derive owning table for trigger %s; drop it manually", obj.QualifiedName())
	case schema.ObjectConstraint:
		if table := firstDependency(obj); table != "" {
			return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s%s;", table, quoteIdent(obj.Name), cascade)
		}
		return fmt.Sprintf("-- REVIEW: cannot derive owning table for constraint %s; drop it manually", obj.QualifiedName())
	}
	return fmt.Sprintf("-- REVIEW: unsupported object type %q for %s", d.ObjectType, obj.QualifiedName())
}

// generateAlter synthesizes in-place alteration where the target system
// supports it and drop-and-recreate where it does not.
func (g *Generator) generateAlter(d *compare.Difference) []string {
	d.RiskLevel = compare.RiskMedium

	switch d.ObjectType {
	case schema.ObjectTable:
		return g.alterTable(d)
	case schema.ObjectView, schema.ObjectUserType, schema.ObjectDomain, schema.ObjectCollation:
		// No generally safe in-place alteration: replace the object.
		g.replaceObject(d)
	case schema.ObjectFunction, schema.ObjectProcedure:
		// Idempotent redefinition is supported, so replace in place.
		d.SQL = terminate(orReplace(d.Source.Definition))
		d.RollbackSQL = terminate(orReplace(d.Target.Definition))
	case schema.ObjectSequence:
		return g.alterSequence(d)
	case schema.ObjectIndex:
		d.SQL = joinStatements(
			fmt.Sprintf("DROP INDEX %s;", quoteQualified(d.Schema, d.Name)),
			terminate(d.Source.Definition))
		d.RollbackSQL = joinStatements(
			fmt.Sprintf("DROP INDEX %s;", quoteQualified(d.Schema, d.Name)),
			terminate(d.Target.Definition))
	case schema.ObjectTrigger, schema.ObjectConstraint, schema.ObjectExtension,
		schema.ObjectRole, schema.ObjectTablespace:
		d.SQL = joinStatements(g.dropStatement(d, d.Target), terminate(d.Source.Definition))
		d.RollbackSQL = joinStatements(g.dropStatement(d, d.Source), terminate(d.Target.Definition))
	}
	return nil
}

// replaceObject emits drop-and-recreate for object types without a safe
// in-place alter. Dependents of the dropped object must be recreated by
// their own Differences; the cascade makes the replacement itself succeed.
func (g *Generator) replaceObject(d *compare.Difference) {
	d.SQL = joinStatements(g.dropStatement(d, d.Target), terminate(d.Source.Definition))
	d.RollbackSQL = joinStatements(g.dropStatement(d, d.Source), terminate(d.Target.Definition))
	if g.hasDependents(d.Key()) {
		d.Notes = append(d.Notes,
			fmt.Sprintf("Recreating %s drops its dependents via CASCADE; verify dependent objects are restored by later steps.", d.String()))
	}
}

func firstDependency(obj *schema.Object) string {
	for _, dep := range obj.Dependencies {
		s, n := schema.SplitKey(dep)
		return quoteQualified(s, n)
	}
	return ""
}

func orReplace(def string) string {
	trimmed := strings.TrimSpace(def)
	upper := strings.ToUpper(trimmed)
	if strings.HasPrefix(upper, "CREATE OR REPLACE") {
		return trimmed
	}
	if strings.HasPrefix(upper, "CREATE") {
		return "CREATE OR REPLACE" + trimmed[len("CREATE"):]
	}
	return trimmed
}

func quoteIdent(name string) string {
	if strings.ContainsAny(name, ` ".$`) || name != strings.ToLower(name) {
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
	return name
}

func quoteQualified(schemaName, objectName string) string {
	if schemaName == "" {
		schemaName = "public"
	}
	return quoteIdent(schemaName) + "." + quoteIdent(objectName)
}

func terminate(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if stmt == "" || strings.HasSuffix(stmt, ";") {
		return stmt
	}
	return stmt + ";"
}

func joinStatements(stmts ...string) string {
	var cleaned []string
	for _, s := range stmts {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return strings.Join(cleaned, "\n")
}

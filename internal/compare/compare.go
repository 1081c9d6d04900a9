// Package compare computes the set of changes needed to transform a target
// schema into a source schema. Objects present only in the source become
// creates, objects present only in the target become drops, and objects
// present on both sides with differing content become alters.
package compare

import (
	"fmt"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/schema"
)

// Operation identifies the kind of change a Difference represents.
type Operation string

const (
	OpCreate Operation = "create"
	OpAlter  Operation = "alter"
	OpDrop   Operation = "drop"
)

// RiskLevel is an advisory classification of how dangerous a Difference is
// to apply. It feeds backup/approval gating but never blocks execution by
// itself.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Difference represents one required change between two object collections.
// The comparator creates it, the generator annotates SQL and risk, and the
// orderer reorders (never mutates) the resulting list.
type Difference struct {
	Operation  Operation         `json:"operation"`
	ObjectType schema.ObjectType `json:"objectType"`
	Schema     string            `json:"schema"`
	Name       string            `json:"name"`

	SQL         string    `json:"sql,omitempty"`
	RollbackSQL string    `json:"rollbackSql,omitempty"`
	RiskLevel   RiskLevel `json:"riskLevel,omitempty"`

	// Dependencies holds schema.name references used for ordering.
	Dependencies []string `json:"dependencies,omitempty"`

	// Notes carry advisory review messages attached by the generator.
	Notes []string `json:"notes,omitempty"`

	// Source and Target are the captured objects on each side of the run.
	// At least one is always non-nil.
	Source *schema.Object `json:"-"`
	Target *schema.Object `json:"-"`
}

// Key returns the lowercase schema.name identity of the changed object.
func (d *Difference) Key() string {
	return schema.Key(d.Schema, d.Name)
}

func (d *Difference) GetName() string { return d.Name }

// String returns a short human-readable summary for logs and plans.
func (d *Difference) String() string {
	return fmt.Sprintf("%s %s %s.%s", d.Operation, d.ObjectType, d.Schema, d.Name)
}

// Result carries the computed differences plus non-fatal warnings such as
// duplicate-identity collisions or parser degradations.
type Result struct {
	Differences []*Difference
	Warnings    []string
}

// IsEmpty reports whether the comparison found no differences.
func (r *Result) IsEmpty() bool { return len(r.Differences) == 0 }

// Compare computes the Differences between a source and a target object
// collection. Comparing identical collections yields an empty result.
func Compare(source, target []*schema.Object) *Result {
	res := &Result{}

	srcMap, srcCollisions := schema.MapByKey(source)
	tgtMap, tgtCollisions := schema.MapByKey(target)
	for _, c := range srcCollisions {
		res.Warnings = append(res.Warnings, "source: "+c)
	}
	for _, c := range tgtCollisions {
		res.Warnings = append(res.Warnings, "target: "+c)
	}

	var creates, alters, drops []*Difference

	for _, key := range sortedKeys(srcMap) {
		src := srcMap[key]
		tgt, ok := tgtMap[key]
		if !ok {
			creates = append(creates, newDifference(OpCreate, src, nil))
			continue
		}
		if src.Type != tgt.Type {
			// Same identity, different kind of object: never expressible as
			// an alter, so the target object is dropped and the source
			// object created in its place.
			drops = append(drops, newDifference(OpDrop, nil, tgt))
			creates = append(creates, newDifference(OpCreate, src, nil))
			continue
		}
		equal, warn := equalObjects(src, tgt)
		if warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
		if !equal {
			alters = append(alters, newDifference(OpAlter, src, tgt))
		}
	}

	for _, key := range sortedKeys(tgtMap) {
		if _, ok := srcMap[key]; !ok {
			drops = append(drops, newDifference(OpDrop, nil, tgtMap[key]))
		}
	}

	res.Differences = append(res.Differences, creates...)
	res.Differences = append(res.Differences, alters...)
	res.Differences = append(res.Differences, drops...)
	return res
}

func newDifference(op Operation, src, tgt *schema.Object) *Difference {
	obj := src
	if obj == nil {
		obj = tgt
	}
	d := &Difference{
		Operation:  op,
		ObjectType: obj.Type,
		Schema:     obj.Schema,
		Name:       obj.Name,
		Source:     src,
		Target:     tgt,
	}
	d.Dependencies = append(d.Dependencies, obj.Dependencies...)
	return d
}

// equalObjects performs type-aware content comparison. Tables compare
// structurally so that formatting differences do not produce spurious
// alters; every other type compares by normalized definition text. Parse
// failures degrade to text comparison and surface as warnings, never as
// errors.
func equalObjects(src, tgt *schema.Object) (bool, string) {
	if src.Type == schema.ObjectTable {
		srcDef, srcErr := schema.ParseTable(src.Definition)
		tgtDef, tgtErr := schema.ParseTable(tgt.Definition)
		if srcErr == nil && tgtErr == nil {
			return DiffTables(tgtDef, srcDef).IsEmpty(), ""
		}
		warn := fmt.Sprintf("table %s: structural parse failed, falling back to text comparison", src.QualifiedName())
		return textEqual(src, tgt), warn
	}
	return textEqual(src, tgt), ""
}

func textEqual(a, b *schema.Object) bool {
	return schema.NormalizeDefinition(a.Definition) == schema.NormalizeDefinition(b.Definition)
}

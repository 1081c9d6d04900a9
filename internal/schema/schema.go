// Package schema contains the canonical representation of database objects.
// It provides a structured view of everything the engine can compare and
// migrate: tables, views, functions, sequences, and the rest of the closed
// object-type enumeration, each with its definition text and the objects it
// depends on.
package schema

import (
	"fmt"
	"strings"
)

// ObjectType identifies a kind of database object.
type ObjectType string

const (
	ObjectTable      ObjectType = "table"
	ObjectView       ObjectType = "view"
	ObjectFunction   ObjectType = "function"
	ObjectProcedure  ObjectType = "procedure"
	ObjectSequence   ObjectType = "sequence"
	ObjectUserType   ObjectType = "type"
	ObjectDomain     ObjectType = "domain"
	ObjectCollation  ObjectType = "collation"
	ObjectExtension  ObjectType = "extension"
	ObjectRole       ObjectType = "role"
	ObjectTablespace ObjectType = "tablespace"
	ObjectIndex      ObjectType = "index"
	ObjectTrigger    ObjectType = "trigger"
	ObjectConstraint ObjectType = "constraint"
)

// SupportedObjectTypes returns a slice of all supported object types.
func SupportedObjectTypes() []ObjectType {
	return []ObjectType{
		ObjectTable,
		ObjectView,
		ObjectFunction,
		ObjectProcedure,
		ObjectSequence,
		ObjectUserType,
		ObjectDomain,
		ObjectCollation,
		ObjectExtension,
		ObjectRole,
		ObjectTablespace,
		ObjectIndex,
		ObjectTrigger,
		ObjectConstraint,
	}
}

// IsValidObjectType reports whether t is a recognized object type string.
func IsValidObjectType(t string) bool {
	for _, supported := range SupportedObjectTypes() {
		if strings.EqualFold(string(supported), t) {
			return true
		}
	}
	return false
}

// Object is one named database entity captured on one side of a comparison
// run. It is immutable once captured.
type Object struct {
	Schema     string     `json:"schema"`
	Name       string     `json:"name"`
	Type       ObjectType `json:"type"`
	Definition string     `json:"definition"`

	// Dependencies holds schema.name references to objects that must exist
	// before this one can be created.
	Dependencies []string `json:"dependencies,omitempty"`
}

// Key returns the lowercase schema.name identity of the object,
// unique within one comparison side.
func (o *Object) Key() string {
	return Key(o.Schema, o.Name)
}

// QualifiedName returns the schema-qualified name preserving original case.
func (o *Object) QualifiedName() string {
	if o.Schema == "" {
		return o.Name
	}
	return o.Schema + "." + o.Name
}

func (o *Object) GetName() string { return o.Name }

// String returns a short human-readable identity for logs.
func (o *Object) String() string {
	return fmt.Sprintf("%s %s", o.Type, o.QualifiedName())
}

// Key builds the lowercase schema.name lookup key used across the engine.
func Key(schemaName, objectName string) string {
	schemaName = strings.ToLower(strings.TrimSpace(schemaName))
	objectName = strings.ToLower(strings.TrimSpace(objectName))
	if schemaName == "" {
		schemaName = "public"
	}
	return schemaName + "." + objectName
}

// SplitKey splits a schema.name reference into its two parts. The schema
// part defaults to "public" when the reference is unqualified.
func SplitKey(ref string) (schemaName, objectName string) {
	ref = strings.TrimSpace(ref)
	dot := strings.LastIndex(ref, ".")
	if dot <= 0 || dot >= len(ref)-1 {
		return "public", ref
	}
	return ref[:dot], ref[dot+1:]
}

// NormalizeDefinition collapses whitespace and trailing semicolons so that
// semantically identical but differently formatted definitions compare equal.
func NormalizeDefinition(def string) string {
	fields := strings.Fields(def)
	joined := strings.Join(fields, " ")
	joined = strings.TrimSuffix(joined, ";")
	return strings.ToLower(joined)
}

// MapByKey creates a lookup map of objects keyed by schema.name.
// Returns the map and any duplicate-identity collisions found.
func MapByKey(objects []*Object) (map[string]*Object, []string) {
	m := make(map[string]*Object, len(objects))
	var collisions []string
	for _, o := range objects {
		key := o.Key()
		if _, ok := m[key]; ok {
			collisions = append(collisions, fmt.Sprintf("duplicate object identity: %q", key))
			continue
		}
		m[key] = o
	}
	return m, collisions
}

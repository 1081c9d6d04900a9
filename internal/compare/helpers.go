package compare

import (
	"sort"
	"strings"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/schema"
)

type fieldChangeCollector struct {
	Changes []*FieldChange
}

func (c *fieldChangeCollector) Add(field, oldV, newV string) {
	if oldV == newV {
		return
	}
	c.Changes = append(c.Changes, &FieldChange{Field: field, Old: oldV, New: newV})
}

// Named is implemented by types that have a name identifier.
// This interface enables type-safe sorting and mapping operations.
type Named interface {
	GetName() string
}

// sortNamed sorts a slice of Named items by name (case-insensitive).
func sortNamed[T Named](items []T) {
	if len(items) <= 1 {
		return
	}
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = strings.ToLower(item.GetName())
	}
	sort.Slice(items, func(i, j int) bool {
		return keys[i] < keys[j]
	})
}

// sortByFunc sorts items using a custom name extractor function.
func sortByFunc[T any](items []T, getName func(T) string) {
	if len(items) <= 1 {
		return
	}
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = strings.ToLower(getName(item))
	}
	sort.Slice(items, func(i, j int) bool {
		return keys[i] < keys[j]
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mapColumnsByName(columns []*schema.Column) map[string]*schema.Column {
	m := make(map[string]*schema.Column, len(columns))
	for _, c := range columns {
		m[strings.ToLower(c.Name)] = c
	}
	return m
}

func mapConstraintsByIdentity(items []*schema.Constraint) map[string]*schema.Constraint {
	m := make(map[string]*schema.Constraint, len(items))
	for _, item := range items {
		m[item.Identity()] = item
	}
	return m
}

func equalStringSliceCI(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

func ptrStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func ptrEq(a, b *string) bool {
	return ptrStr(a) == ptrStr(b)
}

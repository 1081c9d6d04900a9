// Package order produces a dependency-respecting execution order over a
// set of Differences. Drops run first, ordered so that a referenced object
// is dropped only after everything referencing it; creates and alters
// follow in forward-dependency order. Cycles are broken deterministically
// and reported as warnings, never as failures.
package order

import (
	"fmt"
	"sort"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/compare"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/schema"
)

// Order returns the Differences in a total execution order plus warnings
// for every dependency cycle encountered. The output is deterministic:
// nodes are seeded into the walk in sorted key order, so identical input
// always yields the identical order.
func Order(diffs []*compare.Difference) ([]*compare.Difference, []string) {
	var drops, changes []*compare.Difference
	for _, d := range diffs {
		if d.Operation == compare.OpDrop {
			drops = append(drops, d)
		} else {
			changes = append(changes, d)
		}
	}

	var warnings []string

	forward := dependencyGraph(changes)
	orderedChanges, w := topoWalk(changes, forward)
	warnings = append(warnings, w...)

	// Drops walk the transposed graph: a node's prerequisites are the
	// objects that depend on it, which must be dropped first.
	transposed := transpose(dependencyGraph(drops))
	orderedDrops, w := topoWalk(drops, transposed)
	warnings = append(warnings, w...)

	out := make([]*compare.Difference, 0, len(diffs))
	out = append(out, orderedDrops...)
	out = append(out, orderedChanges...)
	return out, warnings
}

// dependencyGraph builds an adjacency map over schema.name keys from each
// Difference's explicit dependencies plus implicit references extracted
// from its generated SQL. Edges pointing outside the Difference set are
// dropped: objects not being changed impose no ordering.
func dependencyGraph(diffs []*compare.Difference) map[string][]string {
	inSet := make(map[string]struct{}, len(diffs))
	for _, d := range diffs {
		inSet[d.Key()] = struct{}{}
	}

	adj := make(map[string][]string, len(diffs))
	for _, d := range diffs {
		key := d.Key()
		seen := make(map[string]struct{})
		addEdge := func(ref string) {
			s, n := schema.SplitKey(ref)
			dep := schema.Key(s, n)
			if dep == key {
				return
			}
			if _, ok := inSet[dep]; !ok {
				return
			}
			if _, ok := seen[dep]; ok {
				return
			}
			seen[dep] = struct{}{}
			adj[key] = append(adj[key], dep)
		}
		for _, ref := range d.Dependencies {
			addEdge(ref)
		}
		for _, ref := range schema.ReferencedObjects(d.SQL) {
			addEdge(ref)
		}
		sort.Strings(adj[key])
	}
	return adj
}

func transpose(adj map[string][]string) map[string][]string {
	t := make(map[string][]string, len(adj))
	for node, deps := range adj {
		for _, dep := range deps {
			t[dep] = append(t[dep], node)
		}
	}
	for node := range t {
		sort.Strings(t[node])
	}
	return t
}

// topoWalk performs a depth-first topological ordering. A node
// re-encountered while still on the active recursion path is a cycle: it
// is skipped (keeping its discovery position) and reported as a warning.
func topoWalk(diffs []*compare.Difference, adj map[string][]string) ([]*compare.Difference, []string) {
	byKey := make(map[string]*compare.Difference, len(diffs))
	keys := make([]string, 0, len(diffs))
	for _, d := range diffs {
		byKey[d.Key()] = d
		keys = append(keys, d.Key())
	}
	sort.Strings(keys)

	visited := make(map[string]bool, len(diffs))
	visiting := make(map[string]bool, len(diffs))
	var out []*compare.Difference
	var warnings []string

	var visit func(key string)
	visit = func(key string) {
		if visited[key] {
			return
		}
		if visiting[key] {
			warnings = append(warnings, fmt.Sprintf("dependency cycle detected at %s; breaking cycle", key))
			return
		}
		visiting[key] = true
		for _, dep := range adj[key] {
			visit(dep)
		}
		visiting[key] = false
		visited[key] = true
		out = append(out, byKey[key])
	}

	for _, key := range keys {
		visit(key)
	}
	return out, warnings
}

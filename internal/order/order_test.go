package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/compare"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/schema"
)

func createDiff(name, sql string, deps ...string) *compare.Difference {
	return &compare.Difference{
		Operation:    compare.OpCreate,
		ObjectType:   schema.ObjectTable,
		Schema:       "public",
		Name:         name,
		SQL:          sql,
		Dependencies: deps,
	}
}

func dropDiff(name string, deps ...string) *compare.Difference {
	return &compare.Difference{
		Operation:    compare.OpDrop,
		ObjectType:   schema.ObjectTable,
		Schema:       "public",
		Name:         name,
		SQL:          "DROP TABLE public." + name + ";",
		Dependencies: deps,
	}
}

func position(t *testing.T, ordered []*compare.Difference, key string) int {
	t.Helper()
	for i, d := range ordered {
		if d.Key() == key {
			return i
		}
	}
	t.Fatalf("key %s not found in ordered output", key)
	return -1
}

func TestOrderCreatesRespectDependencies(t *testing.T) {
	diffs := []*compare.Difference{
		createDiff("orders", "CREATE TABLE orders (user_id int REFERENCES public.users (id));"),
		createDiff("users", "CREATE TABLE users (id int PRIMARY KEY);"),
		createDiff("items", "CREATE TABLE items (order_id int);", "public.orders"),
	}

	ordered, warnings := Order(diffs)
	require.Len(t, ordered, 3)
	assert.Empty(t, warnings)

	users := position(t, ordered, "public.users")
	orders := position(t, ordered, "public.orders")
	items := position(t, ordered, "public.items")
	assert.Less(t, users, orders, "referenced table must be created before the referencing one")
	assert.Less(t, orders, items)
}

func TestOrderDropsComeFirstInReverseDependencyOrder(t *testing.T) {
	diffs := []*compare.Difference{
		dropDiff("users"),
		dropDiff("orders", "public.users"),
		createDiff("fresh", "CREATE TABLE fresh (id int);"),
	}

	ordered, warnings := Order(diffs)
	require.Len(t, ordered, 3)
	assert.Empty(t, warnings)

	orders := position(t, ordered, "public.orders")
	users := position(t, ordered, "public.users")
	fresh := position(t, ordered, "public.fresh")
	assert.Less(t, orders, users, "dependent must be dropped before its dependency")
	assert.Less(t, users, fresh, "drops run before creates")
}

func TestOrderIgnoresEdgesOutsideTheChangeSet(t *testing.T) {
	diffs := []*compare.Difference{
		createDiff("child", "CREATE TABLE child (p int REFERENCES public.parent (id));"),
	}
	ordered, warnings := Order(diffs)
	require.Len(t, ordered, 1)
	assert.Empty(t, warnings, "references to unchanged objects impose no ordering")
}

func TestOrderCycleIsToleratedAndDeterministic(t *testing.T) {
	build := func() []*compare.Difference {
		return []*compare.Difference{
			createDiff("a", "CREATE TABLE a (b_id int REFERENCES public.b (id));"),
			createDiff("b", "CREATE TABLE b (a_id int REFERENCES public.a (id));"),
		}
	}

	ordered, warnings := Order(build())
	require.Len(t, ordered, 2, "a cycle must not lose differences")
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0], "cycle")

	// identical input yields the identical order
	again, _ := Order(build())
	require.Len(t, again, 2)
	for i := range ordered {
		assert.Equal(t, ordered[i].Key(), again[i].Key())
	}
}

func TestOrderEmptyInput(t *testing.T) {
	ordered, warnings := Order(nil)
	assert.Empty(t, ordered)
	assert.Empty(t, warnings)
}

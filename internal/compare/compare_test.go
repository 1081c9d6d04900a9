package compare

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/schema"
)

func tableObj(schemaName, name, def string) *schema.Object {
	return &schema.Object{Schema: schemaName, Name: name, Type: schema.ObjectTable, Definition: def}
}

func TestCompareIdenticalCollections(t *testing.T) {
	objs := []*schema.Object{
		tableObj("public", "users", "CREATE TABLE users (id bigint PRIMARY KEY);"),
		{Schema: "public", Name: "v_users", Type: schema.ObjectView, Definition: "CREATE VIEW v_users AS SELECT * FROM users;"},
	}
	res := Compare(objs, objs)
	assert.True(t, res.IsEmpty())
	assert.Empty(t, res.Warnings)
}

func TestCompareCreatesAndDrops(t *testing.T) {
	source := []*schema.Object{
		tableObj("public", "a", "CREATE TABLE a (id int);"),
		tableObj("public", "b", "CREATE TABLE b (id int);"),
		tableObj("public", "shared", "CREATE TABLE shared (id int);"),
	}
	target := []*schema.Object{
		tableObj("public", "shared", "CREATE TABLE shared (id int);"),
		tableObj("public", "x", "CREATE TABLE x (id int);"),
	}

	res := Compare(source, target)
	require.Len(t, res.Differences, 3)

	var creates, drops int
	for _, d := range res.Differences {
		switch d.Operation {
		case OpCreate:
			creates++
			assert.NotNil(t, d.Source)
			assert.Nil(t, d.Target)
		case OpDrop:
			drops++
			assert.Nil(t, d.Source)
			assert.NotNil(t, d.Target)
		}
	}
	assert.Equal(t, 2, creates)
	assert.Equal(t, 1, drops)
}

func TestCompareTypeMismatchBecomesDropAndCreate(t *testing.T) {
	source := []*schema.Object{
		{Schema: "public", Name: "thing", Type: schema.ObjectView, Definition: "CREATE VIEW thing AS SELECT 1;"},
	}
	target := []*schema.Object{
		tableObj("public", "thing", "CREATE TABLE thing (id int);"),
	}

	res := Compare(source, target)
	require.Len(t, res.Differences, 2)

	ops := map[Operation]schema.ObjectType{}
	for _, d := range res.Differences {
		ops[d.Operation] = d.ObjectType
	}
	assert.Equal(t, schema.ObjectView, ops[OpCreate])
	assert.Equal(t, schema.ObjectTable, ops[OpDrop])
}

func TestCompareTableFormattingInsensitive(t *testing.T) {
	source := []*schema.Object{tableObj("public", "users",
		"CREATE TABLE users (\n  id   BIGINT PRIMARY KEY,\n  name TEXT NOT NULL\n);")}
	target := []*schema.Object{tableObj("public", "users",
		"create table users (id int8 primary key, name text not null)")}

	res := Compare(source, target)
	assert.True(t, res.IsEmpty(), "type aliases and formatting must not produce differences")
}

func TestCompareTableStructuralAlter(t *testing.T) {
	source := []*schema.Object{tableObj("public", "users",
		"CREATE TABLE users (id bigint PRIMARY KEY, email text NOT NULL);")}
	target := []*schema.Object{tableObj("public", "users",
		"CREATE TABLE users (id bigint PRIMARY KEY);")}

	res := Compare(source, target)
	require.Len(t, res.Differences, 1)
	d := res.Differences[0]
	assert.Equal(t, OpAlter, d.Operation)
	assert.Equal(t, "public.users", d.Key())
	assert.NotNil(t, d.Source)
	assert.NotNil(t, d.Target)
}

func TestCompareDuplicateIdentityWarns(t *testing.T) {
	source := []*schema.Object{
		tableObj("public", "users", "CREATE TABLE users (id int);"),
		tableObj("PUBLIC", "Users", "CREATE TABLE users (id int);"),
	}
	res := Compare(source, nil)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "source")
	assert.Len(t, res.Differences, 1)
}

func TestCompareUnparsableTableFallsBackToText(t *testing.T) {
	source := []*schema.Object{tableObj("public", "odd", "NOT A CREATE STATEMENT")}
	target := []*schema.Object{tableObj("public", "odd", "NOT A CREATE STATEMENT")}

	res := Compare(source, target)
	assert.True(t, res.IsEmpty())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "text comparison")
}

func TestDiffTables(t *testing.T) {
	oldT, err := schema.ParseTable(`CREATE TABLE users (
		id bigint PRIMARY KEY,
		email varchar(100),
		legacy text,
		CONSTRAINT u_email UNIQUE (email)
	);`)
	require.NoError(t, err)

	newT, err := schema.ParseTable(`CREATE TABLE users (
		id bigint PRIMARY KEY,
		email varchar(255) NOT NULL,
		nickname text,
		CONSTRAINT u_email UNIQUE (email, nickname)
	);`)
	require.NoError(t, err)

	tc := DiffTables(oldT, newT)
	assert.False(t, tc.IsEmpty())

	require.Len(t, tc.AddedColumns, 1)
	assert.Equal(t, "nickname", tc.AddedColumns[0].Name)

	require.Len(t, tc.RemovedColumns, 1)
	assert.Equal(t, "legacy", tc.RemovedColumns[0].Name)

	require.Len(t, tc.ModifiedColumns, 1)
	mod := tc.ModifiedColumns[0]
	assert.Equal(t, "email", mod.Name)
	fields := make([]string, 0, len(mod.Changes))
	for _, fc := range mod.Changes {
		fields = append(fields, fc.Field)
	}
	assert.ElementsMatch(t, []string{"type", "nullable"}, fields)

	// changed constraint surfaces as remove + add of the same identity
	require.Len(t, tc.RemovedConstraints, 1)
	require.Len(t, tc.AddedConstraints, 1)
	assert.Equal(t, tc.RemovedConstraints[0].Identity(), tc.AddedConstraints[0].Identity())
}

func TestNormalizeType(t *testing.T) {
	assert.Equal(t, "integer", normalizeType("INT4"))
	assert.Equal(t, "bigint", normalizeType("int8"))
	assert.Equal(t, "timestamp with time zone", normalizeType("timestamptz"))
	assert.Equal(t, "character varying", normalizeType("varchar"))
	assert.Equal(t, "numeric(12, 2)", normalizeType("numeric(12, 2)"))
}

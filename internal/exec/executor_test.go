package exec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/compare"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/script"
)

// fakeDB records every executed statement and fails those registered in
// failOn.
type fakeDB struct {
	mu       sync.Mutex
	executed []string
	failOn   map[string]error
}

func newFakeDB() *fakeDB {
	return &fakeDB{failOn: map[string]error{}}
}

func (f *fakeDB) Exec(_ context.Context, sql string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[sql]; ok {
		return err
	}
	f.executed = append(f.executed, sql)
	return nil
}

func buildScript(sqls ...string) *script.Script {
	var diffs []*compare.Difference
	for i, sql := range sqls {
		diffs = append(diffs, &compare.Difference{
			Operation:   compare.OpCreate,
			Schema:      "public",
			Name:        "obj" + string(rune('a'+i)),
			SQL:         sql,
			RollbackSQL: "UNDO " + sql,
		})
	}
	return script.Build(diffs, nil)
}

func TestRunExecutesAllSteps(t *testing.T) {
	db := newFakeDB()
	s := buildScript("CREATE TABLE a (id int);", "CREATE TABLE b (id int);")

	out, err := New(db, nil).Run(context.Background(), s, Options{})
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, 2, out.Processed)
	assert.Equal(t, []string{"CREATE TABLE a (id int);", "CREATE TABLE b (id int);"}, db.executed)
	require.Len(t, out.Completed, 2)
}

func TestRunDryRunTouchesNothing(t *testing.T) {
	db := newFakeDB()
	s := buildScript("CREATE TABLE a (id int);")

	out, err := New(db, nil).Run(context.Background(), s, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, 1, out.Processed)
	assert.Empty(t, db.executed, "dry run must not send statements")
	assert.Empty(t, out.Completed, "dry run completes nothing that could need rollback")
}

func TestRunStopsAtFirstFailureByDefault(t *testing.T) {
	db := newFakeDB()
	db.failOn["BAD;"] = errors.New("syntax error")
	s := buildScript("GOOD1;", "BAD;", "GOOD2;")

	out, err := New(db, nil).Run(context.Background(), s, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 2")
	assert.Equal(t, 1, out.Processed, "the failed step does not count as processed")
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, []string{"GOOD1;"}, db.executed)
	require.Len(t, out.Completed, 1)
	assert.Equal(t, "GOOD1;", out.Completed[0].SQL)
}

func TestRunContinueOnErrorProcessesEverything(t *testing.T) {
	db := newFakeDB()
	db.failOn["BAD;"] = errors.New("boom")
	s := buildScript("GOOD1;", "BAD;", "GOOD2;")

	out, err := New(db, nil).Run(context.Background(), s, Options{ContinueOnError: true})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Processed)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, []string{"GOOD1;", "GOOD2;"}, db.executed)
}

func TestRunSkipsAdvisorySteps(t *testing.T) {
	db := newFakeDB()
	s := buildScript("-- REVIEW: needs manual work", "GOOD;")

	out, err := New(db, nil).Run(context.Background(), s, Options{})
	require.NoError(t, err)
	assert.Equal(t, StepSkipped, out.Steps[0].Status)
	assert.Equal(t, []string{"GOOD;"}, db.executed)
	require.Len(t, out.Completed, 1)
	assert.Equal(t, 1, out.Processed, "skipped advisory steps do not count as processed")
}

func TestRunHonorsCancelledContext(t *testing.T) {
	db := newFakeDB()
	s := buildScript("GOOD;")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := New(db, nil).Run(ctx, s, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, db.executed)
	require.Len(t, out.Steps, 1)
	assert.Equal(t, StepSkipped, out.Steps[0].Status)
}

func TestRollbackRunsInReverseOrder(t *testing.T) {
	db := newFakeDB()
	s := buildScript("ONE;", "TWO;")

	executor := New(db, nil)
	out, err := executor.Run(context.Background(), s, Options{})
	require.NoError(t, err)

	db.executed = nil
	rb, err := executor.Rollback(context.Background(), out.Completed, Options{})
	require.NoError(t, err)
	assert.True(t, rb.Succeeded())
	assert.Equal(t, []string{"UNDO TWO;", "UNDO ONE;"}, db.executed)
}

func TestRollbackSkipsStepsWithoutInverse(t *testing.T) {
	db := newFakeDB()
	steps := []script.Step{
		{Order: 1, Description: "one", SQL: "ONE;", RollbackSQL: "UNDO ONE;"},
		{Order: 2, Description: "two", SQL: "TWO;"},
	}

	rb, err := New(db, nil).Rollback(context.Background(), steps, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"UNDO ONE;"}, db.executed)

	var skipped int
	for _, st := range rb.Steps {
		if st.Status == StepSkipped {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
}

func TestValidate(t *testing.T) {
	s := buildScript("CREATE TABLE a (id int);")
	rep := Validate(s)
	assert.True(t, rep.Valid())
	assert.Empty(t, rep.Warnings)
}

func TestValidateFlagsDangerousStatements(t *testing.T) {
	diffs := []*compare.Difference{
		{Schema: "public", Name: "a", SQL: "DELETE FROM audit_log;", RollbackSQL: "x"},
		{Schema: "public", Name: "b", SQL: "DROP SCHEMA old CASCADE;", RollbackSQL: "x"},
		{Schema: "public", Name: "c", SQL: "TRUNCATE events;", RollbackSQL: "x"},
	}
	rep := Validate(script.Build(diffs, nil))
	assert.True(t, rep.Valid(), "dangerous statements warn, they do not block")
	joined := strings.Join(rep.Warnings, "\n")
	assert.Contains(t, joined, "DELETE without WHERE")
	assert.Contains(t, joined, "drops a database or schema")
	assert.Contains(t, joined, "truncates a table")
}

func TestValidateRejectsBrokenScripts(t *testing.T) {
	s := buildScript("GOOD;")
	s.Steps[0].Order = 3
	rep := Validate(s)
	assert.False(t, rep.Valid())
	assert.Contains(t, strings.Join(rep.Errors, "\n"), "order jumps")

	tampered := buildScript("GOOD;")
	tampered.Steps[0].SQL = "EVIL;"
	rep = Validate(tampered)
	assert.False(t, rep.Valid())
	assert.Contains(t, strings.Join(rep.Errors, "\n"), "checksum mismatch")

	empty := buildScript("GOOD;")
	empty.Steps[0].SQL = ""
	rep = Validate(empty)
	assert.False(t, rep.Valid())
	assert.Contains(t, strings.Join(rep.Errors, "\n"), "has no SQL")
}

func TestValidateWarnsOnMissingRollback(t *testing.T) {
	diffs := []*compare.Difference{{Schema: "public", Name: "a", SQL: "CREATE TABLE a (id int);"}}
	rep := Validate(script.Build(diffs, nil))
	assert.True(t, rep.Valid())
	assert.Contains(t, strings.Join(rep.Warnings, "\n"), "no rollback")
}

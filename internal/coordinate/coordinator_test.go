package coordinate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/compare"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/exec"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/script"
)

type fakeDB struct {
	mu       sync.Mutex
	executed []string
	failOn   string
	started  chan struct{}
	release  chan struct{}
}

func (f *fakeDB) Exec(_ context.Context, sql string) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == sql {
		return errors.New("injected failure")
	}
	f.executed = append(f.executed, sql)
	return nil
}

func (f *fakeDB) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

type fakeStore struct {
	mu      sync.Mutex
	saved   []*Result
	active  map[string]string
	saveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{active: map[string]string{}}
}

func (s *fakeStore) SaveResult(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, r)
	return nil
}

func (s *fakeStore) MarkActive(_ context.Context, target, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[target] = runID
	return nil
}

func (s *fakeStore) ClearActive(_ context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, target)
	return nil
}

func (s *fakeStore) isActive(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[target]
	return ok
}

func (s *fakeStore) lastSaved() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil
	}
	return s.saved[len(s.saved)-1]
}

type fakeBackup struct {
	called bool
	err    error
}

func (b *fakeBackup) Backup(_ context.Context, target, runID string) (string, error) {
	b.called = true
	return "backup-" + runID, b.err
}

func testScript(diffs ...*compare.Difference) *script.Script {
	if len(diffs) == 0 {
		diffs = []*compare.Difference{{
			Operation:   compare.OpCreate,
			Schema:      "public",
			Name:        "users",
			SQL:         "CREATE TABLE users (id int);",
			RollbackSQL: "DROP TABLE public.users;",
			RiskLevel:   compare.RiskLow,
		}}
	}
	return script.Build(diffs, nil)
}

func TestRunCompletes(t *testing.T) {
	db := &fakeDB{}
	st := newFakeStore()
	coord := New(db, st, nil, nil, nil)

	meta := Metadata{Author: "dba-team", Tags: []string{"release-42"}}
	res, err := coord.Run(context.Background(), testScript(), Options{
		Target:       "db-a",
		Metadata:     meta,
		CleanupDelay: time.Millisecond,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, PhaseCompleted, res.Status)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Failed)
	assert.NotEmpty(t, res.ID)
	assert.Empty(t, res.Errors)
	assert.False(t, res.RollbackPerformed)

	// step execution followed by the post-execution smoke check
	assert.Equal(t, []string{"CREATE TABLE users (id int);", verifySQL}, db.statements())

	saved := st.lastSaved()
	require.NotNil(t, saved)
	assert.Equal(t, res.ID, saved.ID)
	assert.Equal(t, meta, saved.Metadata, "request metadata is persisted with the result")

	require.Eventually(t, func() bool { return !st.isActive("db-a") },
		time.Second, 5*time.Millisecond, "active marker must be cleared after the grace delay")
}

func TestRunFailureRollsBackCompletedSteps(t *testing.T) {
	db := &fakeDB{failOn: "STEP2;"}
	st := newFakeStore()
	coord := New(db, st, nil, nil, nil)

	s := testScript(
		&compare.Difference{Operation: compare.OpCreate, Schema: "public", Name: "a",
			SQL: "STEP1;", RollbackSQL: "UNDO1;"},
		&compare.Difference{Operation: compare.OpCreate, Schema: "public", Name: "b",
			SQL: "STEP2;", RollbackSQL: "UNDO2;"},
		&compare.Difference{Operation: compare.OpCreate, Schema: "public", Name: "c",
			SQL: "STEP3;", RollbackSQL: "UNDO3;"},
	)

	res, err := coord.Run(context.Background(), s, Options{
		Target:            "db-a",
		RollbackOnFailure: true,
		CleanupDelay:      time.Millisecond,
	})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, PhaseFailed, res.Status)
	assert.Equal(t, 1, res.Processed, "only the step that succeeded counts as processed")
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.RollbackPerformed)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "step 2")

	// only the completed first step is undone, nothing else ran
	assert.Equal(t, []string{"STEP1;", verifySQL, "UNDO1;"}, db.statements())
	require.NotNil(t, st.lastSaved())
	assert.Equal(t, PhaseFailed, st.lastSaved().Status)
}

func TestRunVerificationFailureIsWarningOnly(t *testing.T) {
	db := &fakeDB{failOn: verifySQL}
	st := newFakeStore()
	coord := New(db, st, nil, nil, nil)

	res, err := coord.Run(context.Background(), testScript(), Options{
		Target:       "db-a",
		CleanupDelay: time.Millisecond,
	})
	require.NoError(t, err, "an unreachable target after execution must not fail the run")
	assert.Equal(t, PhaseCompleted, res.Status)
	assert.Equal(t, 1, res.Processed)

	var found bool
	for _, w := range res.Warnings {
		if strings.Contains(w, "verification") {
			found = true
		}
	}
	assert.True(t, found, "verification failure must surface as a warning")
}

func TestRunDryRunSkipsVerification(t *testing.T) {
	db := &fakeDB{}
	st := newFakeStore()
	coord := New(db, st, nil, nil, nil)

	res, err := coord.Run(context.Background(), testScript(), Options{
		Target:       "db-a",
		DryRun:       true,
		CleanupDelay: time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, res.Status)
	assert.Empty(t, db.statements(), "dry runs must not touch the target at all")
}

func TestRunBlockedInProductionWithoutApproval(t *testing.T) {
	db := &fakeDB{}
	st := newFakeStore()
	coord := New(db, st, nil, nil, nil)

	s := testScript(&compare.Difference{
		Operation:   compare.OpDrop,
		Schema:      "public",
		Name:        "users",
		SQL:         "DROP TABLE public.users;",
		RollbackSQL: "CREATE TABLE users (id int);",
		RiskLevel:   compare.RiskHigh,
	})

	res, err := coord.Run(context.Background(), s, Options{
		Target:       "db-prod",
		Environment:  "production",
		CleanupDelay: time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy")
	assert.Equal(t, PhaseFailed, res.Status)
	assert.Empty(t, db.statements(), "blocked runs must not touch the database")

	// the same run goes through once approved
	res, err = coord.Run(context.Background(), s, Options{
		Target:       "db-prod",
		Environment:  "production",
		Approved:     true,
		CleanupDelay: time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, res.Status)
	assert.Equal(t, []string{"DROP TABLE public.users;", verifySQL}, db.statements())
}

func TestRunRejectsConcurrentTarget(t *testing.T) {
	db := &fakeDB{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	st := newFakeStore()
	coord := New(db, st, nil, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := coord.Run(context.Background(), testScript(), Options{
			Target:       "db-a",
			CleanupDelay: time.Millisecond,
		})
		assert.NoError(t, err)
	}()

	<-db.started // first run is mid-execution and holds the lock

	_, err := coord.Run(context.Background(), testScript(), Options{Target: "db-a"})
	assert.ErrorIs(t, err, ErrTargetBusy)

	// a different target is not affected
	db2 := &fakeDB{}
	coord2 := New(db2, st, nil, nil, nil)
	_, err = coord2.Run(context.Background(), testScript(), Options{
		Target:       "db-b",
		CleanupDelay: time.Millisecond,
	})
	assert.NoError(t, err)

	close(db.release)
	<-done
	db.started = nil
	db.release = nil

	// the target frees up once the first run finishes
	_, err = coord.Run(context.Background(), testScript(), Options{
		Target:       "db-a",
		CleanupDelay: time.Millisecond,
	})
	assert.NoError(t, err)
}

func TestRunTakesBackupForHighRiskSteps(t *testing.T) {
	db := &fakeDB{}
	st := newFakeStore()
	backup := &fakeBackup{}
	coord := New(db, st, backup, nil, nil)

	s := testScript(&compare.Difference{
		Operation:   compare.OpDrop,
		Schema:      "public",
		Name:        "old",
		SQL:         "DROP TABLE public.old;",
		RollbackSQL: "CREATE TABLE old (id int);",
		RiskLevel:   compare.RiskHigh,
	})
	res, err := coord.Run(context.Background(), s, Options{
		Target:       "db-a",
		Approved:     true,
		CleanupDelay: time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, backup.called)
	assert.Equal(t, "backup-"+res.ID, res.BackupRef)
}

func TestRunFailsWhenBackupFails(t *testing.T) {
	db := &fakeDB{}
	st := newFakeStore()
	backup := &fakeBackup{err: errors.New("disk full")}
	coord := New(db, st, backup, nil, nil)

	res, err := coord.Run(context.Background(), testScript(), Options{
		Target:          "db-a",
		BackupRequested: true,
		CleanupDelay:    time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, res.Status)
	assert.Empty(t, db.statements())
}

func TestRunRejectsEmptyScript(t *testing.T) {
	coord := New(&fakeDB{}, newFakeStore(), nil, nil, nil)
	res, err := coord.Run(context.Background(), script.Build(nil, nil), Options{
		Target:       "db-a",
		CleanupDelay: time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to migrate")
	assert.Equal(t, PhaseFailed, res.Status)
}

func TestDefaultRules(t *testing.T) {
	s := testScript(&compare.Difference{
		Operation: compare.OpDrop,
		Schema:    "public", Name: "t",
		SQL: "DROP TABLE public.t;", RollbackSQL: "x", RiskLevel: compare.RiskHigh,
	})

	rep := DefaultRules{}.Evaluate(RuleContext{Environment: "production", Script: s})
	assert.False(t, rep.Allowed())

	rep = DefaultRules{}.Evaluate(RuleContext{Environment: "production", Approved: true, Script: s})
	assert.True(t, rep.Allowed())
	assert.NotEmpty(t, rep.Warnings, "high risk steps still warn")

	rep = DefaultRules{}.Evaluate(RuleContext{Environment: "development", Script: s})
	assert.True(t, rep.Allowed())
}

func TestTargetLocks(t *testing.T) {
	l := newTargetLocks()
	require.NoError(t, l.TryAcquire("a", "run1"))
	assert.ErrorIs(t, l.TryAcquire("a", "run2"), ErrTargetBusy)
	require.NoError(t, l.TryAcquire("b", "run3"))

	holder, held := l.Holder("a")
	assert.True(t, held)
	assert.Equal(t, "run1", holder)

	l.Release("a")
	require.NoError(t, l.TryAcquire("a", "run2"))
	l.Release("missing") // no-op
}

var _ exec.Querier = (*fakeDB)(nil)

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/coordinate"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/schema"
)

func testResult(id, target string, status coordinate.Phase) *coordinate.Result {
	r := &coordinate.Result{
		ID:        id,
		Target:    target,
		Status:    status,
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Processed: 3,
		Metadata:  coordinate.Metadata{Author: "alice", Tags: []string{"nightly"}},
	}
	if status == coordinate.PhaseFailed {
		r.Errors = []string{"step 2 (create table b) failed: injected"}
	}
	return r
}

func TestSaveAndReadResults(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.SaveResult(ctx, testResult("r1", "db-a", coordinate.PhaseCompleted)))
	require.NoError(t, s.SaveResult(ctx, testResult("r2", "db-b", coordinate.PhaseFailed)))
	require.NoError(t, s.SaveResult(ctx, testResult("r3", "db-a", coordinate.PhaseCompleted)))

	all, err := s.Results(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r1", all[0].ID, "history is append-only, oldest first")
	assert.Equal(t, "alice", all[0].Metadata.Author)
	assert.Equal(t, []string{"nightly"}, all[0].Metadata.Tags)
	require.Len(t, all[1].Errors, 1, "failure detail survives the round trip")

	forA, err := s.Results(ctx, "db-a")
	require.NoError(t, err)
	require.Len(t, forA, 2)
	assert.Equal(t, "r3", forA[1].ID)

	last, err := s.Last(ctx, "db-a")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "r3", last.ID)
	assert.Equal(t, coordinate.PhaseCompleted, last.Status)
}

func TestResultsEmptyStore(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	all, err := s.Results(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, all)

	last, err := s.Last(context.Background(), "db-a")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestActiveMarkers(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	id, active, err := s.ActiveRun(ctx, "db-a")
	require.NoError(t, err)
	assert.False(t, active)
	assert.Empty(t, id)

	require.NoError(t, s.MarkActive(ctx, "db-a", "run1"))
	require.NoError(t, s.MarkActive(ctx, "db-b", "run2"))

	id, active, err = s.ActiveRun(ctx, "db-a")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, "run1", id)

	// markers survive reopening the store
	s2, err := New(dir)
	require.NoError(t, err)
	id, active, err = s2.ActiveRun(ctx, "db-b")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, "run2", id)

	require.NoError(t, s2.ClearActive(ctx, "db-a"))
	_, active, err = s2.ActiveRun(ctx, "db-a")
	require.NoError(t, err)
	assert.False(t, active)

	// clearing an unknown target is a no-op
	require.NoError(t, s2.ClearActive(ctx, "db-missing"))
}

func TestResultsRejectsCorruptHistory(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, resultsFile), []byte("{not json\n"), 0o644))
	_, err = s.Results(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestSchemaDumpWritesDefinitions(t *testing.T) {
	dir := t.TempDir()
	dump := &SchemaDump{
		Dir: dir,
		Snapshot: func(context.Context) ([]*schema.Object, error) {
			return []*schema.Object{
				{Schema: "public", Name: "users", Type: schema.ObjectTable,
					Definition: "CREATE TABLE users (id int)"},
				{Schema: "public", Name: "v", Type: schema.ObjectView,
					Definition: "CREATE VIEW v AS SELECT 1;"},
			}, nil
		},
	}

	path, err := dump.Backup(context.Background(), "db-a", "run-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "backups", "run-1.sql"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "-- table public.users")
	assert.Contains(t, content, "CREATE TABLE users (id int);")
	assert.Contains(t, content, "CREATE VIEW v AS SELECT 1;")
}

func TestSchemaDumpWithoutSnapshotFails(t *testing.T) {
	dump := &SchemaDump{Dir: t.TempDir()}
	_, err := dump.Backup(context.Background(), "db-a", "run-1")
	assert.Error(t, err)
}

func TestNewCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	_, err := New(dir)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/schema"
)

// SchemaDump writes the target's current object definitions into the store
// directory before destructive work, so a failed run can be repaired by
// hand. It satisfies the coordinator's backup collaborator.
type SchemaDump struct {
	Dir      string
	Snapshot func(ctx context.Context) ([]*schema.Object, error)
}

// Backup captures a definition dump and returns its file path.
func (d *SchemaDump) Backup(ctx context.Context, target, runID string) (string, error) {
	if d.Snapshot == nil {
		return "", fmt.Errorf("schema dump has no snapshot source")
	}
	objects, err := d.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("snapshotting %s for backup: %w", target, err)
	}

	dir := filepath.Join(d.Dir, "backups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "-- schema backup of %s\n-- run %s, taken %s\n\n",
		target, runID, time.Now().UTC().Format(time.RFC3339))
	for _, o := range objects {
		fmt.Fprintf(&sb, "-- %s %s\n", o.Type, o.QualifiedName())
		sb.WriteString(strings.TrimSpace(o.Definition))
		if !strings.HasSuffix(strings.TrimSpace(o.Definition), ";") {
			sb.WriteByte(';')
		}
		sb.WriteString("\n\n")
	}

	path := filepath.Join(dir, runID+".sql")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing backup file: %w", err)
	}
	return path, nil
}

// Package introspect captures a live Postgres database as a collection of
// schema objects with reconstructible definitions. System schemas
// (pg_catalog, information_schema, pg_toast) are always excluded.
package introspect

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/logging"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/schema"
)

const defaultQueryTimeout = 30 * time.Second

const systemSchemaFilter = `n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
  AND n.nspname NOT LIKE 'pg_temp_%' AND n.nspname NOT LIKE 'pg_toast_temp_%'`

// Connect opens a pgx pool against the given connection string.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// PoolQuerier adapts a pgx pool to the single-statement Exec surface the
// executor runs against.
type PoolQuerier struct {
	Pool *pgxpool.Pool
}

func (q *PoolQuerier) Exec(ctx context.Context, sql string) error {
	_, err := q.Pool.Exec(ctx, sql)
	return err
}

// AcquireAdvisoryLock takes a session-level advisory lock keyed by name.
// It is the database-side guard under the coordinator's in-process lock,
// covering runs started from other machines. Returns false without error
// when another session holds the lock.
func AcquireAdvisoryLock(ctx context.Context, pool *pgxpool.Pool, name string) (bool, error) {
	var ok bool
	err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", advisoryKey(name)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("acquiring advisory lock: %w", err)
	}
	return ok, nil
}

// ReleaseAdvisoryLock releases the lock taken by AcquireAdvisoryLock.
func ReleaseAdvisoryLock(ctx context.Context, pool *pgxpool.Pool, name string) error {
	var ok bool
	err := pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", advisoryKey(name)).Scan(&ok)
	if err != nil {
		return fmt.Errorf("releasing advisory lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("advisory lock for %q was not held by this session", name)
	}
	return nil
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// Introspector reads catalog state from one database.
type Introspector struct {
	pool    *pgxpool.Pool
	log     *slog.Logger
	timeout time.Duration
}

func New(pool *pgxpool.Pool, log *slog.Logger) *Introspector {
	if log == nil {
		log = logging.Discard()
	}
	return &Introspector{pool: pool, log: log, timeout: defaultQueryTimeout}
}

// Snapshot captures every supported object type. The result is sorted by
// type then key so repeated snapshots of an unchanged database are
// identical.
func (i *Introspector) Snapshot(ctx context.Context) ([]*schema.Object, error) {
	var objects []*schema.Object
	collectors := []struct {
		name string
		fn   func(context.Context) ([]*schema.Object, error)
	}{
		{"tables", i.tables},
		{"views", i.views},
		{"routines", i.routines},
		{"sequences", i.sequences},
		{"types", i.typesAndDomains},
		{"indexes", i.indexes},
		{"triggers", i.triggers},
		{"extensions", i.extensions},
	}
	for _, c := range collectors {
		objs, err := c.fn(ctx)
		if err != nil {
			return nil, fmt.Errorf("introspecting %s: %w", c.name, err)
		}
		i.log.Debug("introspected objects", "kind", c.name, "count", len(objs))
		objects = append(objects, objs...)
	}

	sort.Slice(objects, func(a, b int) bool {
		if objects[a].Type != objects[b].Type {
			return objects[a].Type < objects[b].Type
		}
		return objects[a].Key() < objects[b].Key()
	})
	return objects, nil
}

func (i *Introspector) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, i.timeout)
}

func (i *Introspector) tables(ctx context.Context) ([]*schema.Object, error) {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()

	rows, err := i.pool.Query(ctx, `
		SELECT n.nspname, c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'r' AND `+systemSchemaFilter+`
		ORDER BY n.nspname, c.relname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type tableRef struct{ schemaName, name string }
	var refs []tableRef
	for rows.Next() {
		var r tableRef
		if err := rows.Scan(&r.schemaName, &r.name); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var objects []*schema.Object
	for _, r := range refs {
		def, deps, err := i.tableDefinition(ctx, r.schemaName, r.name)
		if err != nil {
			return nil, fmt.Errorf("table %s.%s: %w", r.schemaName, r.name, err)
		}
		objects = append(objects, &schema.Object{
			Schema:       r.schemaName,
			Name:         r.name,
			Type:         schema.ObjectTable,
			Definition:   def,
			Dependencies: deps,
		})
	}
	return objects, nil
}

// tableDefinition reconstructs a CREATE TABLE statement from catalog state.
// Postgres has no pg_get_tabledef, so columns and constraints are read
// separately and reassembled.
func (i *Introspector) tableDefinition(ctx context.Context, schemaName, tableName string) (string, []string, error) {
	rows, err := i.pool.Query(ctx, `
		SELECT a.attname,
		       format_type(a.atttypid, a.atttypmod),
		       a.attnotnull,
		       pg_get_expr(d.adbin, d.adrelid)
		FROM pg_attribute a
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		WHERE a.attrelid = ($1 || '.' || quote_ident($2))::regclass
		  AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`,
		quoteIdent(schemaName), tableName)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var (
			name, typ  string
			notNull    bool
			defaultVal *string
		)
		if err := rows.Scan(&name, &typ, &notNull, &defaultVal); err != nil {
			return "", nil, err
		}
		col := quoteIdent(name) + " " + typ
		if defaultVal != nil {
			col += " DEFAULT " + *defaultVal
		}
		if notNull {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}
	if err := rows.Err(); err != nil {
		return "", nil, err
	}

	conRows, err := i.pool.Query(ctx, `
		SELECT con.conname,
		       pg_get_constraintdef(con.oid),
		       fn.nspname,
		       fc.relname
		FROM pg_constraint con
		LEFT JOIN pg_class fc ON fc.oid = con.confrelid
		LEFT JOIN pg_namespace fn ON fn.oid = fc.relnamespace
		WHERE con.conrelid = ($1 || '.' || quote_ident($2))::regclass
		  AND con.contype IN ('p', 'f', 'u', 'c')
		ORDER BY con.conname`,
		quoteIdent(schemaName), tableName)
	if err != nil {
		return "", nil, err
	}
	defer conRows.Close()

	var deps []string
	for conRows.Next() {
		var (
			conName, conDef    string
			refSchema, refName *string
		)
		if err := conRows.Scan(&conName, &conDef, &refSchema, &refName); err != nil {
			return "", nil, err
		}
		parts = append(parts, "CONSTRAINT "+quoteIdent(conName)+" "+conDef)
		if refSchema != nil && refName != nil {
			dep := schema.Key(*refSchema, *refName)
			if dep != schema.Key(schemaName, tableName) {
				deps = append(deps, dep)
			}
		}
	}
	if err := conRows.Err(); err != nil {
		return "", nil, err
	}

	def := fmt.Sprintf("CREATE TABLE %s.%s (\n    %s\n);",
		quoteIdent(schemaName), quoteIdent(tableName), strings.Join(parts, ",\n    "))
	return def, dedupe(deps), nil
}

func (i *Introspector) views(ctx context.Context) ([]*schema.Object, error) {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()

	rows, err := i.pool.Query(ctx, `
		SELECT n.nspname, c.relname, pg_get_viewdef(c.oid, true)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'v' AND `+systemSchemaFilter+`
		ORDER BY n.nspname, c.relname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []*schema.Object
	for rows.Next() {
		var schemaName, name, body string
		if err := rows.Scan(&schemaName, &name, &body); err != nil {
			return nil, err
		}
		objects = append(objects, &schema.Object{
			Schema: schemaName,
			Name:   name,
			Type:   schema.ObjectView,
			Definition: fmt.Sprintf("CREATE VIEW %s.%s AS\n%s",
				quoteIdent(schemaName), quoteIdent(name), strings.TrimSpace(body)),
			Dependencies: i.relationDependencies(ctx, schemaName, name),
		})
	}
	return objects, rows.Err()
}

// relationDependencies resolves what a view or matview reads from via
// pg_depend. Failures here degrade to no dependencies rather than failing
// the snapshot.
func (i *Introspector) relationDependencies(ctx context.Context, schemaName, name string) []string {
	rows, err := i.pool.Query(ctx, `
		SELECT DISTINCT dn.nspname, dc.relname
		FROM pg_depend d
		JOIN pg_rewrite r ON r.oid = d.objid
		JOIN pg_class dc ON dc.oid = d.refobjid
		JOIN pg_namespace dn ON dn.oid = dc.relnamespace
		WHERE r.ev_class = ($1 || '.' || quote_ident($2))::regclass
		  AND d.refobjid <> r.ev_class
		  AND dc.relkind IN ('r', 'v', 'm')
		  AND dn.nspname NOT IN ('pg_catalog', 'information_schema')`,
		quoteIdent(schemaName), name)
	if err != nil {
		i.log.Warn("resolving view dependencies failed", "view", schemaName+"."+name, "error", err)
		return nil
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var depSchema, depName string
		if err := rows.Scan(&depSchema, &depName); err != nil {
			return deps
		}
		deps = append(deps, schema.Key(depSchema, depName))
	}
	sort.Strings(deps)
	return deps
}

func (i *Introspector) routines(ctx context.Context) ([]*schema.Object, error) {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()

	rows, err := i.pool.Query(ctx, `
		SELECT n.nspname, p.proname, p.prokind, pg_get_functiondef(p.oid)
		FROM pg_proc p
		JOIN pg_namespace n ON n.oid = p.pronamespace
		WHERE p.prokind IN ('f', 'p') AND `+systemSchemaFilter+`
		  AND NOT EXISTS (
		      SELECT 1 FROM pg_depend d
		      WHERE d.objid = p.oid AND d.deptype = 'e')
		ORDER BY n.nspname, p.proname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []*schema.Object
	for rows.Next() {
		var schemaName, name, kind, def string
		if err := rows.Scan(&schemaName, &name, &kind, &def); err != nil {
			return nil, err
		}
		typ := schema.ObjectFunction
		if kind == "p" {
			typ = schema.ObjectProcedure
		}
		objects = append(objects, &schema.Object{
			Schema:     schemaName,
			Name:       name,
			Type:       typ,
			Definition: strings.TrimSpace(def),
		})
	}
	return objects, rows.Err()
}

func (i *Introspector) sequences(ctx context.Context) ([]*schema.Object, error) {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()

	rows, err := i.pool.Query(ctx, `
		SELECT n.nspname, c.relname, s.seqstart, s.seqincrement, s.seqmin, s.seqmax
		FROM pg_sequence s
		JOIN pg_class c ON c.oid = s.seqrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE `+systemSchemaFilter+`
		ORDER BY n.nspname, c.relname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []*schema.Object
	for rows.Next() {
		var (
			schemaName, name        string
			start, incr, minV, maxV int64
		)
		if err := rows.Scan(&schemaName, &name, &start, &incr, &minV, &maxV); err != nil {
			return nil, err
		}
		objects = append(objects, &schema.Object{
			Schema: schemaName,
			Name:   name,
			Type:   schema.ObjectSequence,
			Definition: fmt.Sprintf(
				"CREATE SEQUENCE %s.%s START WITH %d INCREMENT BY %d MINVALUE %d MAXVALUE %d;",
				quoteIdent(schemaName), quoteIdent(name), start, incr, minV, maxV),
		})
	}
	return objects, rows.Err()
}

func (i *Introspector) typesAndDomains(ctx context.Context) ([]*schema.Object, error) {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()

	rows, err := i.pool.Query(ctx, `
		SELECT n.nspname, t.typname, t.typtype,
		       COALESCE(
		           (SELECT string_agg(quote_literal(e.enumlabel), ', ' ORDER BY e.enumsortorder)
		            FROM pg_enum e WHERE e.enumtypid = t.oid), ''),
		       COALESCE(format_type(t.typbasetype, t.typtypmod), '')
		FROM pg_type t
		JOIN pg_namespace n ON n.oid = t.typnamespace
		WHERE t.typtype IN ('e', 'd') AND `+systemSchemaFilter+`
		ORDER BY n.nspname, t.typname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []*schema.Object
	for rows.Next() {
		var schemaName, name, kind, labels, baseType string
		if err := rows.Scan(&schemaName, &name, &kind, &labels, &baseType); err != nil {
			return nil, err
		}
		qualified := quoteIdent(schemaName) + "." + quoteIdent(name)
		switch kind {
		case "e":
			objects = append(objects, &schema.Object{
				Schema:     schemaName,
				Name:       name,
				Type:       schema.ObjectUserType,
				Definition: fmt.Sprintf("CREATE TYPE %s AS ENUM (%s);", qualified, labels),
			})
		case "d":
			objects = append(objects, &schema.Object{
				Schema:     schemaName,
				Name:       name,
				Type:       schema.ObjectDomain,
				Definition: fmt.Sprintf("CREATE DOMAIN %s AS %s;", qualified, baseType),
			})
		}
	}
	return objects, rows.Err()
}

func (i *Introspector) indexes(ctx context.Context) ([]*schema.Object, error) {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()

	// Constraint-backed indexes travel with their table definition.
	rows, err := i.pool.Query(ctx, `
		SELECT n.nspname, ic.relname, tc.relname, pg_get_indexdef(ix.indexrelid)
		FROM pg_index ix
		JOIN pg_class ic ON ic.oid = ix.indexrelid
		JOIN pg_class tc ON tc.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = ic.relnamespace
		WHERE `+systemSchemaFilter+`
		  AND NOT EXISTS (
		      SELECT 1 FROM pg_constraint con WHERE con.conindid = ix.indexrelid)
		ORDER BY n.nspname, ic.relname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []*schema.Object
	for rows.Next() {
		var schemaName, name, tableName, def string
		if err := rows.Scan(&schemaName, &name, &tableName, &def); err != nil {
			return nil, err
		}
		objects = append(objects, &schema.Object{
			Schema:       schemaName,
			Name:         name,
			Type:         schema.ObjectIndex,
			Definition:   strings.TrimSpace(def) + ";",
			Dependencies: []string{schema.Key(schemaName, tableName)},
		})
	}
	return objects, rows.Err()
}

func (i *Introspector) triggers(ctx context.Context) ([]*schema.Object, error) {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()

	rows, err := i.pool.Query(ctx, `
		SELECT n.nspname, t.tgname, c.relname, pg_get_triggerdef(t.oid)
		FROM pg_trigger t
		JOIN pg_class c ON c.oid = t.tgrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE NOT t.tgisinternal AND `+systemSchemaFilter+`
		ORDER BY n.nspname, t.tgname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []*schema.Object
	for rows.Next() {
		var schemaName, name, tableName, def string
		if err := rows.Scan(&schemaName, &name, &tableName, &def); err != nil {
			return nil, err
		}
		objects = append(objects, &schema.Object{
			Schema:       schemaName,
			Name:         name,
			Type:         schema.ObjectTrigger,
			Definition:   strings.TrimSpace(def) + ";",
			Dependencies: []string{schema.Key(schemaName, tableName)},
		})
	}
	return objects, rows.Err()
}

func (i *Introspector) extensions(ctx context.Context) ([]*schema.Object, error) {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()

	rows, err := i.pool.Query(ctx, `
		SELECT e.extname, e.extversion
		FROM pg_extension e
		WHERE e.extname <> 'plpgsql'
		ORDER BY e.extname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []*schema.Object
	for rows.Next() {
		var name, version string
		if err := rows.Scan(&name, &version); err != nil {
			return nil, err
		}
		objects = append(objects, &schema.Object{
			Schema: "public",
			Name:   name,
			Type:   schema.ObjectExtension,
			Definition: fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %s WITH VERSION '%s';",
				quoteIdent(name), version),
		})
	}
	return objects, rows.Err()
}

func quoteIdent(name string) string {
	if strings.ContainsAny(name, ` ".$`) || name != strings.ToLower(name) {
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
	return name
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

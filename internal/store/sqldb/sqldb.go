// Package sqldb implements store.Store on database/sql. SQLite (modernc.org/sqlite,
// CGO-free) and PostgreSQL (pgx stdlib) share the same statements; only the
// placeholder style differs.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/loykin/devpilot/internal/process"
	"github.com/loykin/devpilot/internal/store"
)

// Dialect selects the driver and placeholder style.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

type DB struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*DB)(nil)

// Open selects a dialect based on DSN and ensures the schema.
// Supported:
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - sqlite:   "sqlite://<path>" or a bare file path, ":memory:" for in-memory
func Open(ctx context.Context, dsn string) (*DB, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if d == "" {
		return nil, errors.New("empty DSN")
	}
	var db *DB
	var err error
	switch {
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		db, err = open("pgx", d, Postgres)
	default:
		db, err = open("sqlite", strings.TrimPrefix(d, "sqlite://"), SQLite)
	}
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func open(driver, dsn string, dialect Dialect) (*DB, error) {
	d, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite {
		// a private in-memory database exists per connection
		if dsn == ":memory:" {
			d.SetMaxOpenConns(1)
		}
		// busy timeout helps with short concurrent locks
		_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	}
	return &DB{db: d, dialect: dialect}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS scripts(
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			command TEXT NOT NULL,
			runner TEXT NOT NULL,
			description TEXT NOT NULL,
			PRIMARY KEY(project_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS profiles(
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			is_default BOOLEAN NOT NULL,
			PRIMARY KEY(project_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS profile_vars(
			project_id TEXT NOT NULL,
			profile TEXT NOT NULL,
			position INTEGER NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			secret BOOLEAN NOT NULL,
			PRIMARY KEY(project_id, profile, position)
		);`,
		`CREATE TABLE IF NOT EXISTS workspaces(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			settle TEXT NOT NULL,
			on_failure TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS workspace_items(
			workspace_id TEXT NOT NULL,
			id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			script TEXT NOT NULL,
			profile TEXT NOT NULL,
			mode TEXT NOT NULL,
			ord INTEGER NOT NULL,
			PRIMARY KEY(workspace_id, id),
			UNIQUE(workspace_id, ord)
		);`,
		`CREATE TABLE IF NOT EXISTS script_settings(
			project_id TEXT NOT NULL,
			script TEXT NOT NULL,
			expected_port INTEGER NOT NULL,
			PRIMARY KEY(project_id, script)
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders for the dialect.
func (s *DB) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *DB) exec(ctx context.Context, ex execer, q string, args ...any) error {
	_, err := ex.ExecContext(ctx, s.rebind(q), args...)
	return err
}

func (s *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, store.ErrNotFound)...)
	}
	return err
}

func (s *DB) GetProject(ctx context.Context, id string) (store.Project, error) {
	var p store.Project
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, name, path FROM projects WHERE id=?`), id).
		Scan(&p.ID, &p.Name, &p.Path)
	if err != nil {
		return store.Project{}, notFound(err, "project %s", id)
	}
	return p, nil
}

func (s *DB) ListProjects(ctx context.Context) ([]store.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, path FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Project, 0)
	for rows.Next() {
		var p store.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Path); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *DB) SaveProject(ctx context.Context, p store.Project) error {
	if p.ID == "" {
		return fmt.Errorf("project requires id")
	}
	return s.exec(ctx, s.db, `
		INSERT INTO projects(id, name, path) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, path=excluded.path`,
		p.ID, p.Name, p.Path)
}

func (s *DB) GetScript(ctx context.Context, projectID, name string) (process.Descriptor, error) {
	var d process.Descriptor
	var runner string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT project_id, name, command, runner, description FROM scripts
		WHERE project_id=? AND name=?`), projectID, name).
		Scan(&d.ProjectID, &d.Script, &d.Command, &runner, &d.Description)
	if err != nil {
		return process.Descriptor{}, notFound(err, "script %s/%s", projectID, name)
	}
	d.Runner = process.Runner(runner)
	return d, nil
}

func (s *DB) ListScripts(ctx context.Context, projectID string) ([]process.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT project_id, name, command, runner, description FROM scripts
		WHERE project_id=? ORDER BY name`), projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []process.Descriptor
	for rows.Next() {
		var d process.Descriptor
		var runner string
		if err := rows.Scan(&d.ProjectID, &d.Script, &d.Command, &runner, &d.Description); err != nil {
			return nil, err
		}
		d.Runner = process.Runner(runner)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DB) SaveScript(ctx context.Context, d process.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return s.exec(ctx, s.db, `
		INSERT INTO scripts(project_id, name, command, runner, description) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(project_id, name) DO UPDATE SET
			command=excluded.command, runner=excluded.runner, description=excluded.description`,
		d.ProjectID, d.Script, d.Command, string(d.Runner), d.Description)
}

func (s *DB) ListProfiles(ctx context.Context, projectID string) ([]store.Profile, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT name, is_default FROM profiles WHERE project_id=? ORDER BY name`), projectID)
	if err != nil {
		return nil, err
	}
	var out []store.Profile
	for rows.Next() {
		p := store.Profile{ProjectID: projectID}
		if err := rows.Scan(&p.Name, &p.Default); err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		vars, err := s.profileVars(ctx, projectID, out[i].Name)
		if err != nil {
			return nil, err
		}
		out[i].Vars = vars
	}
	return out, nil
}

func (s *DB) profileVars(ctx context.Context, projectID, profile string) ([]store.EnvVar, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT key, value, secret FROM profile_vars
		WHERE project_id=? AND profile=? ORDER BY position`), projectID, profile)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.EnvVar
	for rows.Next() {
		var v store.EnvVar
		if err := rows.Scan(&v.Key, &v.Value, &v.Secret); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SaveProfile replaces a profile and its variables. Marking a profile default
// clears the flag on the other profiles of the project.
func (s *DB) SaveProfile(ctx context.Context, p store.Profile) error {
	if p.ProjectID == "" || p.Name == "" {
		return fmt.Errorf("profile requires project id and name")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if p.Default {
			if err := s.exec(ctx, tx, `UPDATE profiles SET is_default=? WHERE project_id=?`, false, p.ProjectID); err != nil {
				return err
			}
		}
		if err := s.exec(ctx, tx, `
			INSERT INTO profiles(project_id, name, is_default) VALUES(?, ?, ?)
			ON CONFLICT(project_id, name) DO UPDATE SET is_default=excluded.is_default`,
			p.ProjectID, p.Name, p.Default); err != nil {
			return err
		}
		if err := s.exec(ctx, tx, `DELETE FROM profile_vars WHERE project_id=? AND profile=?`, p.ProjectID, p.Name); err != nil {
			return err
		}
		for i, v := range p.Vars {
			if err := s.exec(ctx, tx, `
				INSERT INTO profile_vars(project_id, profile, position, key, value, secret) VALUES(?, ?, ?, ?, ?, ?)`,
				p.ProjectID, p.Name, i, v.Key, v.Value, v.Secret); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *DB) GetWorkspace(ctx context.Context, id string) (store.Workspace, error) {
	var w store.Workspace
	var settle, onFailure string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, name, settle, on_failure FROM workspaces WHERE id=?`), id).
		Scan(&w.ID, &w.Name, &settle, &onFailure)
	if err != nil {
		return store.Workspace{}, notFound(err, "workspace %s", id)
	}
	w.Settle = store.SettlePolicy(settle)
	w.OnFailure = store.FailurePolicy(onFailure)
	items, err := s.workspaceItems(ctx, id)
	if err != nil {
		return store.Workspace{}, err
	}
	w.Items = items
	return w, nil
}

func (s *DB) workspaceItems(ctx context.Context, id string) ([]store.WorkspaceItem, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, project_id, script, profile, mode, ord FROM workspace_items
		WHERE workspace_id=? ORDER BY ord`), id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.WorkspaceItem
	for rows.Next() {
		var it store.WorkspaceItem
		var mode string
		if err := rows.Scan(&it.ID, &it.ProjectID, &it.Script, &it.Profile, &mode, &it.Order); err != nil {
			return nil, err
		}
		it.Mode = store.Mode(mode)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *DB) ListWorkspaces(ctx context.Context) ([]store.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workspaces ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]store.Workspace, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorkspace(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *DB) SaveWorkspace(ctx context.Context, w store.Workspace) error {
	if err := w.Validate(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.exec(ctx, tx, `
			INSERT INTO workspaces(id, name, settle, on_failure) VALUES(?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name=excluded.name, settle=excluded.settle, on_failure=excluded.on_failure`,
			w.ID, w.Name, string(w.Settle), string(w.OnFailure)); err != nil {
			return err
		}
		if err := s.exec(ctx, tx, `DELETE FROM workspace_items WHERE workspace_id=?`, w.ID); err != nil {
			return err
		}
		for _, it := range w.Items {
			if err := s.exec(ctx, tx, `
				INSERT INTO workspace_items(workspace_id, id, project_id, script, profile, mode, ord) VALUES(?, ?, ?, ?, ?, ?, ?)`,
				w.ID, it.ID, it.ProjectID, it.Script, it.Profile, string(it.Mode), it.Order); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *DB) ExpectedPort(ctx context.Context, projectID, script string) (int, error) {
	var port int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT expected_port FROM script_settings WHERE project_id=? AND script=?`), projectID, script).Scan(&port)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return port, err
}

func (s *DB) SetExpectedPort(ctx context.Context, projectID, script string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	if port == 0 {
		return s.exec(ctx, s.db, `DELETE FROM script_settings WHERE project_id=? AND script=?`, projectID, script)
	}
	return s.exec(ctx, s.db, `
		INSERT INTO script_settings(project_id, script, expected_port) VALUES(?, ?, ?)
		ON CONFLICT(project_id, script) DO UPDATE SET expected_port=excluded.expected_port`,
		projectID, script, port)
}

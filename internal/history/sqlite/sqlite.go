package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/devpilot/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			run_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			script TEXT NOT NULL,
			label TEXT NOT NULL,
			command TEXT NOT NULL,
			work_dir TEXT NOT NULL,
			pid INTEGER NOT NULL,
			state TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NULL,
			exit_code INTEGER NULL,
			was_stopped BOOLEAN NOT NULL,
			warning TEXT NOT NULL,
			error TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_history_run ON run_history(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_run_history_script ON run_history(project_id, script);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	var finished any
	if rec.FinishedAt != nil {
		finished = rec.FinishedAt.UTC()
	}
	var code any
	if rec.ExitCode != nil {
		code = *rec.ExitCode
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history(occurred_at, event, run_id, project_id, script, label, command, work_dir,
			pid, state, started_at, finished_at, exit_code, was_stopped, warning, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.RunID, rec.ProjectID, rec.Script, rec.Label, rec.Command, rec.WorkDir,
		rec.PID, rec.State, rec.StartedAt.UTC(), finished, code, rec.WasStopped, rec.Warning, rec.Error)
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

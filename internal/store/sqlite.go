package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/phenorank/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Batch workers write concurrently; one connection serialises them and
	// keeps the per-connection pragmas in force.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cases (
	id            TEXT PRIMARY KEY,
	note_path     TEXT NOT NULL,
	variant_store TEXT NOT NULL,
	work_dir      TEXT NOT NULL,
	stage         TEXT NOT NULL DEFAULT 'queued',
	status        TEXT NOT NULL DEFAULT 'pending',
	failed_stage  TEXT NOT NULL DEFAULT '',
	error_kind    TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	diagnostics   TEXT NOT NULL DEFAULT '[]',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS transitions (
	id          TEXT PRIMARY KEY,
	case_id     TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	from_stage  TEXT NOT NULL,
	to_stage    TEXT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 1,
	artifact    TEXT NOT NULL DEFAULT '',
	error_kind  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
CREATE INDEX IF NOT EXISTS idx_transitions_case_id ON transitions(case_id, seq);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCase(ctx context.Context, c *model.PatientCase) error {
	diag, err := marshalDiagnostics(c.Diagnostics)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create case")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM transitions WHERE case_id = ?`, c.ID); err != nil {
		return eris.Wrapf(err, "sqlite: clear transitions %s", c.ID)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cases (id, note_path, variant_store, work_dir, stage, status, failed_stage, error_kind, error, diagnostics, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			note_path = excluded.note_path,
			variant_store = excluded.variant_store,
			work_dir = excluded.work_dir,
			stage = excluded.stage,
			status = excluded.status,
			failed_stage = excluded.failed_stage,
			error_kind = excluded.error_kind,
			error = excluded.error,
			diagnostics = excluded.diagnostics,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		c.ID, c.NotePath, c.VariantStore, c.WorkDir, string(c.Stage), string(c.Status),
		string(c.FailedStage), c.ErrorKind, c.Error, diag, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert case %s", c.ID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create case")
}

func (s *SQLiteStore) UpdateCase(ctx context.Context, c *model.PatientCase) error {
	diag, err := marshalDiagnostics(c.Diagnostics)
	if err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET stage = ?, status = ?, failed_stage = ?, error_kind = ?, error = ?, diagnostics = ?, updated_at = ?
		 WHERE id = ?`,
		string(c.Stage), string(c.Status), string(c.FailedStage), c.ErrorKind, c.Error, diag, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update case %s", c.ID)
	}
	return checkRowsAffected(res, c.ID)
}

func (s *SQLiteStore) AppendTransition(ctx context.Context, t *model.Transition) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (id, case_id, seq, from_stage, to_stage, attempt, artifact, error_kind, error, duration_ms, at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM transitions WHERE case_id = ?), ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.CaseID, t.CaseID, string(t.From), string(t.To), t.Attempt, t.Artifact,
		t.ErrorKind, t.Error, t.DurationMs, t.At.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append transition for case %s", t.CaseID)
}

func (s *SQLiteStore) GetCase(ctx context.Context, id string) (*model.PatientCase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, note_path, variant_store, work_dir, stage, status, failed_stage, error_kind, error, diagnostics, created_at, updated_at
		 FROM cases WHERE id = ?`,
		id,
	)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrCaseNotFound, "sqlite: get case %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get case %s", id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_id, from_stage, to_stage, attempt, artifact, error_kind, error, duration_ms, at
		 FROM transitions WHERE case_id = ? ORDER BY seq`,
		id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list transitions %s", id)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transition")
		}
		c.Transitions = append(c.Transitions, *t)
	}
	return c, eris.Wrap(rows.Err(), "sqlite: list transitions iterate")
}

func (s *SQLiteStore) ListCases(ctx context.Context, filter CaseFilter) ([]model.PatientCase, error) {
	query := `SELECT id, note_path, variant_store, work_dir, stage, status, failed_stage, error_kind, error, diagnostics, created_at, updated_at
		FROM cases WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cases")
	}
	defer rows.Close() //nolint:errcheck

	var cases []model.PatientCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan case")
		}
		cases = append(cases, *c)
	}
	return cases, eris.Wrap(rows.Err(), "sqlite: list cases iterate")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrCaseNotFound, "case %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCase(row scannable) (*model.PatientCase, error) {
	var (
		c                           model.PatientCase
		stage, status, failed, diag string
	)
	err := row.Scan(&c.ID, &c.NotePath, &c.VariantStore, &c.WorkDir, &stage, &status, &failed,
		&c.ErrorKind, &c.Error, &diag, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Stage = model.Stage(stage)
	c.Status = model.CaseStatus(status)
	c.FailedStage = model.Stage(failed)
	if diag != "" {
		if err := json.Unmarshal([]byte(diag), &c.Diagnostics); err != nil {
			return nil, eris.Wrap(err, "unmarshal diagnostics")
		}
	}
	return &c, nil
}

func scanTransition(row scannable) (*model.Transition, error) {
	var (
		t        model.Transition
		from, to string
	)
	if err := row.Scan(&t.ID, &t.CaseID, &from, &to, &t.Attempt, &t.Artifact,
		&t.ErrorKind, &t.Error, &t.DurationMs, &t.At); err != nil {
		return nil, err
	}
	t.From = model.Stage(from)
	t.To = model.Stage(to)
	return &t, nil
}

func marshalDiagnostics(d []string) (string, error) {
	if d == nil {
		d = []string{}
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", eris.Wrap(err, "marshal diagnostics")
	}
	return string(b), nil
}

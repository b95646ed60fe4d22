package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/phenorank/internal/model"
)

// Pool is the subset of pgxpool.Pool the ledger uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 1
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
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
	diagnostics   JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transitions (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	case_id     TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
	seq         BIGSERIAL,
	from_stage  TEXT NOT NULL,
	to_stage    TEXT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 1,
	artifact    TEXT NOT NULL DEFAULT '',
	error_kind  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
CREATE INDEX IF NOT EXISTS idx_transitions_case_id ON transitions(case_id, seq);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateCase(ctx context.Context, c *model.PatientCase) error {
	diag, err := marshalDiagnostics(c.Diagnostics)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create case")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM transitions WHERE case_id = $1`, c.ID); err != nil {
		return eris.Wrapf(err, "postgres: clear transitions %s", c.ID)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO cases (id, note_path, variant_store, work_dir, stage, status, failed_stage, error_kind, error, diagnostics, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
			note_path = EXCLUDED.note_path,
			variant_store = EXCLUDED.variant_store,
			work_dir = EXCLUDED.work_dir,
			stage = EXCLUDED.stage,
			status = EXCLUDED.status,
			failed_stage = EXCLUDED.failed_stage,
			error_kind = EXCLUDED.error_kind,
			error = EXCLUDED.error,
			diagnostics = EXCLUDED.diagnostics,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.NotePath, c.VariantStore, c.WorkDir, string(c.Stage), string(c.Status),
		string(c.FailedStage), c.ErrorKind, c.Error, []byte(diag), c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert case %s", c.ID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit create case")
}

func (s *PostgresStore) UpdateCase(ctx context.Context, c *model.PatientCase) error {
	diag, err := marshalDiagnostics(c.Diagnostics)
	if err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE cases SET stage = $1, status = $2, failed_stage = $3, error_kind = $4, error = $5, diagnostics = $6, updated_at = $7
		 WHERE id = $8`,
		string(c.Stage), string(c.Status), string(c.FailedStage), c.ErrorKind, c.Error, []byte(diag), c.UpdatedAt, c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update case %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrCaseNotFound, "case %s", c.ID)
	}
	return nil
}

func (s *PostgresStore) AppendTransition(ctx context.Context, t *model.Transition) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transitions (id, case_id, from_stage, to_stage, attempt, artifact, error_kind, error, duration_ms, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.CaseID, string(t.From), string(t.To), t.Attempt, t.Artifact,
		t.ErrorKind, t.Error, t.DurationMs, t.At.UTC(),
	)
	return eris.Wrapf(err, "postgres: append transition for case %s", t.CaseID)
}

const pgCaseColumns = `id, note_path, variant_store, work_dir, stage, status, failed_stage, error_kind, error, diagnostics, created_at, updated_at`

func (s *PostgresStore) GetCase(ctx context.Context, id string) (*model.PatientCase, error) {
	c, err := scanPgCase(s.pool.QueryRow(ctx, `SELECT `+pgCaseColumns+` FROM cases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrCaseNotFound, "postgres: get case %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get case %s", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, case_id, from_stage, to_stage, attempt, artifact, error_kind, error, duration_ms, at
		 FROM transitions WHERE case_id = $1 ORDER BY seq`,
		id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list transitions %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan transition")
		}
		c.Transitions = append(c.Transitions, *t)
	}
	return c, eris.Wrap(rows.Err(), "postgres: list transitions iterate")
}

func (s *PostgresStore) ListCases(ctx context.Context, filter CaseFilter) ([]model.PatientCase, error) {
	query := `SELECT ` + pgCaseColumns + ` FROM cases`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` WHERE status = $1`
	}
	args = append(args, listLimit(filter))
	query += ` ORDER BY updated_at DESC, id LIMIT $` + strconv.Itoa(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cases")
	}
	defer rows.Close()

	var cases []model.PatientCase
	for rows.Next() {
		c, err := scanPgCase(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan case")
		}
		cases = append(cases, *c)
	}
	return cases, eris.Wrap(rows.Err(), "postgres: list cases iterate")
}

func scanPgCase(row scannable) (*model.PatientCase, error) {
	var (
		c                     model.PatientCase
		stage, status, failed string
		diag                  []byte
	)
	err := row.Scan(&c.ID, &c.NotePath, &c.VariantStore, &c.WorkDir, &stage, &status, &failed,
		&c.ErrorKind, &c.Error, &diag, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Stage = model.Stage(stage)
	c.Status = model.CaseStatus(status)
	c.FailedStage = model.Stage(failed)
	if len(diag) > 0 {
		if err := json.Unmarshal(diag, &c.Diagnostics); err != nil {
			return nil, eris.Wrap(err, "unmarshal diagnostics")
		}
	}
	return &c, nil
}

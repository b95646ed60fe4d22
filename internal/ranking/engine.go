package ranking

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/phenorank/internal/config"
	"github.com/sells-group/phenorank/internal/model"
	"github.com/sells-group/phenorank/internal/resilience"
)

// Columns names the parts of the variant store the engine reads and writes.
// Everything else in the store is left untouched.
type Columns struct {
	Table        string
	ID           string
	Gene         string
	Tier         string
	Order        string
	Case         string // optional: scopes rows to one case in a shared store
	TieBreak     string // defaults to ID
	TieBreakDesc bool
}

// ColumnsFromConfig builds Columns from the variant-store and ranking config.
func ColumnsFromConfig(vs config.VariantStoreConfig, rc config.RankingConfig) Columns {
	return Columns{
		Table:        vs.Table,
		ID:           vs.IDColumn,
		Gene:         vs.GeneColumn,
		Tier:         vs.TierColumn,
		Order:        vs.OrderColumn,
		Case:         vs.CaseColumn,
		TieBreak:     rc.TieBreakColumn,
		TieBreakDesc: rc.TieBreakDesc,
	}
}

// Result summarises one merge.
type Result struct {
	Variants    int
	Scored      int
	Degraded    bool
	Diagnostics []string
	Ranked      []model.VariantRecord
}

// Engine applies the merged ordering to variant stores.
type Engine struct {
	cols  Columns
	locks *Locks
}

// NewEngine validates the column layout and creates an Engine. Writing
// ranks into the id column renumbers rows, which is only safe when each
// case has its own store.
func NewEngine(cols Columns, locks *Locks) (*Engine, error) {
	if cols.Table == "" || cols.ID == "" || cols.Gene == "" || cols.Tier == "" || cols.Order == "" {
		return nil, eris.New("ranking: table, id, gene, tier and order columns are required")
	}
	if cols.Order == cols.ID && cols.Case != "" {
		return nil, eris.New("ranking: cannot write ranks into the id column of a shared variant store")
	}
	if cols.TieBreak == "" {
		cols.TieBreak = cols.ID
	}
	if locks == nil {
		locks = NewLocks()
	}
	return &Engine{cols: cols, locks: locks}, nil
}

// OpenStore opens an existing SQLite variant store.
func OpenStore(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, resilience.Newf(resilience.KindArtifactMissing, "ranking: variant store %s not found", path)
		}
		return nil, eris.Wrapf(err, "ranking: stat variant store %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "ranking: open variant store")
	}
	// One connection keeps the transaction and its pragmas on the same handle.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "ranking: set busy timeout")
	}
	return db, nil
}

// Merge ranks the variants of one case in the store at path.
func (e *Engine) Merge(ctx context.Context, path, caseID string, scores *model.GeneScoreTable) (*Result, error) {
	db, err := OpenStore(path)
	if err != nil {
		return nil, err
	}
	defer db.Close() //nolint:errcheck

	key, err := filepath.Abs(path)
	if err != nil {
		key = path
	}
	return e.merge(ctx, db, key, caseID, scores)
}

func (e *Engine) merge(ctx context.Context, db *sql.DB, lockKey, caseID string, scores *model.GeneScoreTable) (*Result, error) {
	log := zap.L().With(zap.String("case_id", caseID), zap.String("stage", string(model.StageRanked)))
	start := time.Now()

	// Read, order and write form one critical section: a concurrent merge
	// on the same store may renumber the rows this case has read.
	unlock := e.locks.Lock(lockKey)
	defer unlock()

	records, err := e.readVariants(ctx, db, caseID)
	if err != nil {
		return nil, err
	}

	res := &Result{Variants: len(records)}
	if scores.Empty() {
		res.Degraded = true
		res.Diagnostics = append(res.Diagnostics, "degraded ranking: gene-score table is empty, variants ordered by clinical significance only")
		log.Warn("gene-score table is empty, ranking by tier only")
	}
	if len(records) == 0 {
		res.Diagnostics = append(res.Diagnostics, "variant store has no variants for this case")
		log.Warn("no variants to rank")
		return res, nil
	}

	ranked := Order(records, scores, e.cols.TieBreakDesc)
	for _, r := range ranked {
		if _, ok := scores.Score(r.Gene); ok && r.Gene != "" {
			res.Scored++
		}
	}
	res.Ranked = ranked

	if err := e.write(ctx, db, caseID, ranked); err != nil {
		return nil, err
	}

	log.Info("variant store re-ranked",
		zap.Int("variants", res.Variants),
		zap.Int("scored", res.Scored),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return res, nil
}

func (e *Engine) readVariants(ctx context.Context, db *sql.DB, caseID string) ([]model.VariantRecord, error) {
	c := e.cols
	q := "SELECT " + quote(c.ID) + ", " + quote(c.Gene) + ", " + quote(c.Tier) + ", " + quote(c.TieBreak) +
		" FROM " + quote(c.Table)
	var args []any
	if c.Case != "" {
		q += " WHERE " + quote(c.Case) + " = ?"
		args = append(args, caseID)
	}
	q += " ORDER BY " + quote(c.ID)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(eris.Wrap(err, "ranking: read variants"))
	}
	defer rows.Close() //nolint:errcheck

	var out []model.VariantRecord
	for rows.Next() {
		var (
			id       int64
			gene     sql.NullString
			tier     sql.NullString
			tieBreak any
		)
		if err := rows.Scan(&id, &gene, &tier, &tieBreak); err != nil {
			return nil, eris.Wrap(err, "ranking: scan variant")
		}
		out = append(out, model.VariantRecord{
			RowID:     id,
			Gene:      strings.TrimSpace(gene.String),
			TierLabel: tier.String,
			Tier:      model.ParseTier(tier.String),
			TieBreak:  tieBreak,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(eris.Wrap(err, "ranking: iterate variants"))
	}
	return out, nil
}

// write stores every OrderKey in one transaction. When the ordering column
// is the id column, ids are first negated so that no new rank collides with
// an id not yet rewritten.
func (e *Engine) write(ctx context.Context, db *sql.DB, caseID string, ranked []model.VariantRecord) (err error) {
	c := e.cols
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(eris.Wrap(err, "ranking: begin transaction"))
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				zap.L().Error("ranking: rollback failed", zap.String("case_id", caseID), zap.Error(rbErr))
			}
		}
	}()

	var update string
	if c.Order == c.ID {
		if _, err = tx.ExecContext(ctx,
			"UPDATE "+quote(c.Table)+" SET "+quote(c.ID)+" = -"+quote(c.ID)+" WHERE "+quote(c.ID)+" > 0",
		); err != nil {
			return classify(eris.Wrap(err, "ranking: negate ids"))
		}
		update = "UPDATE " + quote(c.Table) + " SET " + quote(c.ID) + " = ? WHERE " + quote(c.ID) + " = ?"
	} else {
		update = "UPDATE " + quote(c.Table) + " SET " + quote(c.Order) + " = ? WHERE " + quote(c.ID) + " = ?"
	}

	stmt, err := tx.PrepareContext(ctx, update)
	if err != nil {
		return classify(eris.Wrap(err, "ranking: prepare update"))
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range ranked {
		id := r.RowID
		if c.Order == c.ID && id > 0 {
			id = -id
		}
		res, execErr := stmt.ExecContext(ctx, r.OrderKey, id)
		if execErr != nil {
			err = classify(eris.Wrapf(execErr, "ranking: update variant %d", r.RowID))
			return err
		}
		if n, raErr := res.RowsAffected(); raErr == nil && n != 1 {
			err = eris.Errorf("ranking: update variant %d touched %d rows", r.RowID, n)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return classify(eris.Wrap(err, "ranking: commit"))
	}
	return nil
}

func classify(err error) error {
	if resilience.IsResourceExhausted(err) {
		return resilience.New(resilience.KindResourceExhausted, err)
	}
	return err
}

// quote renders an SQL identifier.
func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

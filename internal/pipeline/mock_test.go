package pipeline

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sells-group/phenorank/internal/artifact"
	"github.com/sells-group/phenorank/internal/config"
	"github.com/sells-group/phenorank/internal/model"
	"github.com/sells-group/phenorank/internal/ranking"
	"github.com/sells-group/phenorank/internal/stage"
)

// --- Adapter Mock ---

type mockAdapter struct {
	mock.Mock
	stage model.Stage
}

func newMockAdapter(st model.Stage) *mockAdapter {
	return &mockAdapter{stage: st}
}

func (m *mockAdapter) Stage() model.Stage { return m.stage }

func (m *mockAdapter) Apply(ctx context.Context, c *model.PatientCase, input []byte) ([]byte, error) {
	args := m.Called(ctx, c, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// --- Merger Mock ---

type mockMerger struct {
	mock.Mock
}

func (m *mockMerger) Merge(ctx context.Context, storePath, caseID string, scores *model.GeneScoreTable) (*ranking.Result, error) {
	args := m.Called(ctx, storePath, caseID, scores)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ranking.Result), args.Error(1)
}

// --- In-memory ledger ---

type memLedger struct {
	mu          sync.Mutex
	cases       map[string]model.PatientCase
	transitions map[string][]model.Transition
}

func newMemLedger() *memLedger {
	return &memLedger{
		cases:       make(map[string]model.PatientCase),
		transitions: make(map[string][]model.Transition),
	}
}

func (l *memLedger) CreateCase(_ context.Context, c *model.PatientCase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := *c
	snap.Transitions = nil
	l.cases[c.ID] = snap
	delete(l.transitions, c.ID)
	return nil
}

func (l *memLedger) UpdateCase(_ context.Context, c *model.PatientCase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := *c
	snap.Transitions = nil
	l.cases[c.ID] = snap
	return nil
}

func (l *memLedger) AppendTransition(_ context.Context, t *model.Transition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions[t.CaseID] = append(l.transitions[t.CaseID], *t)
	return nil
}

func (l *memLedger) get(id string) (model.PatientCase, []model.Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cases[id], append([]model.Transition(nil), l.transitions[id]...)
}

// --- Fixtures ---

const (
	scenarioNote     = "Patient has seizures and hypotonia"
	scenarioRawTerms = "seizure\tHP:0001250\nhypotonia\tHP:0001252\n"
	scenarioFiltered = "HP:0001250\nHP:0001252\n"
	scenarioScores   = "gene,score\nGENEA,0.9\nGENEB,0.4\n"
)

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxAttempts:      3,
		InitialBackoffMs: 1,
		MaxBackoffMs:     2,
		StageTimeoutSecs: config.StageTimeouts{
			Cleaning:   5,
			Extracting: 5,
			Filtering:  5,
			Scoring:    5,
			Ranking:    5,
		},
	}
}

// scenarioSet returns adapters that always succeed with the scenario outputs.
func scenarioSet() (stage.Set, map[model.Stage]*mockAdapter) {
	outputs := map[model.Stage]string{
		model.StageCleaning:   scenarioNote + "\n",
		model.StageExtracting: scenarioRawTerms,
		model.StageFiltering:  scenarioFiltered,
		model.StageScoring:    scenarioScores,
	}
	mocks := make(map[model.Stage]*mockAdapter, len(outputs))
	for st, out := range outputs {
		m := newMockAdapter(st)
		m.On("Apply", mock.Anything, mock.Anything, mock.Anything).Return([]byte(out), nil)
		mocks[st] = m
	}
	return stage.Set{
		Cleaner:   mocks[model.StageCleaning],
		Extractor: mocks[model.StageExtracting],
		Filter:    mocks[model.StageFiltering],
		Scorer:    mocks[model.StageScoring],
	}, mocks
}

func writeNote(t *testing.T, dir, id, text string) string {
	t.Helper()
	path := filepath.Join(dir, id+".txt")
	require.NoError(t, writeFile(path, text))
	return path
}

func newArtifactStore(t *testing.T) *artifact.Store {
	t.Helper()
	st, err := artifact.NewStore(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	return st
}

// newVariantStore creates a SQLite variant store with one row per
// (gene, tier) pair, ids assigned in argument order.
func newVariantStore(t *testing.T, dir string, rows ...[2]string) string {
	t.Helper()
	path := filepath.Join(dir, "variants.sqlite")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	_, err = db.Exec(`CREATE TABLE variant (base__uid INTEGER PRIMARY KEY, base__hugo TEXT, intervar_new__ACMG TEXT)`)
	require.NoError(t, err)
	for i, r := range rows {
		_, err = db.Exec(`INSERT INTO variant VALUES (?, ?, ?)`, i+1, r[0], r[1])
		require.NoError(t, err)
	}
	return path
}

func storeGenes(t *testing.T, path string) []string {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	rows, err := db.Query(`SELECT base__hugo FROM variant ORDER BY base__uid`)
	require.NoError(t, err)
	defer rows.Close() //nolint:errcheck

	var genes []string
	for rows.Next() {
		var g string
		require.NoError(t, rows.Scan(&g))
		genes = append(genes, g)
	}
	require.NoError(t, rows.Err())
	return genes
}

func newRankingEngine(t *testing.T) *ranking.Engine {
	t.Helper()
	e, err := ranking.NewEngine(ranking.Columns{
		Table: "variant",
		ID:    "base__uid",
		Gene:  "base__hugo",
		Tier:  "intervar_new__ACMG",
		Order: "base__uid",
	}, nil)
	require.NoError(t, err)
	return e
}

func transitionTargets(ts []model.Transition) []model.Stage {
	out := make([]model.Stage, len(ts))
	for i, tr := range ts {
		out[i] = tr.To
	}
	return out
}

func writeFile(path, text string) error {
	return os.WriteFile(path, []byte(text), 0o644)
}

package stage

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/phenorank/internal/model"
	"github.com/sells-group/phenorank/internal/resilience"
	"github.com/sells-group/phenorank/pkg/toolrun"
)

// GeneScorer runs the gene prioritizer over the filtered term set and
// converts its ranked CSV into the canonical gene-score table.
type GeneScorer struct {
	invoker toolrun.Invoker
	tool    Tool
}

// NewGeneScorer creates a GeneScorer.
func NewGeneScorer(invoker toolrun.Invoker, tool Tool) *GeneScorer {
	return &GeneScorer{invoker: invoker, tool: tool}
}

// Stage implements Adapter.
func (g *GeneScorer) Stage() model.Stage { return model.StageScoring }

// Apply implements Adapter.
func (g *GeneScorer) Apply(ctx context.Context, c *model.PatientCase, input []byte) ([]byte, error) {
	terms := model.ParseHPOTermSet(string(input))
	if terms.Len() == 0 {
		return nil, resilience.Newf(resilience.KindMalformedOutput, "scoring: input artifact has no HPO codes")
	}

	dir, err := toolDir(c, "scorer")
	if err != nil {
		return nil, err
	}
	if g.tool.Script != "" {
		if err := copyFile(g.tool.Script, filepath.Join(dir, filepath.Base(g.tool.Script))); err != nil {
			return nil, err
		}
	}

	if _, err := g.invoker.Invoke(ctx, toolrun.Invocation{
		Name:    "scorer",
		CaseID:  c.ID,
		Image:   g.tool.Image,
		Command: g.tool.Command,
		Args:    fillArgs(g.tool.Args, c.ID, terms.String()),
		WorkDir: dir,
	}); err != nil {
		return nil, err
	}

	name := fillArgs([]string{g.tool.Output}, c.ID, "")[0]
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, resilience.New(resilience.KindMalformedOutput, eris.Wrapf(err, "scoring: read scorer output %s", name))
	}

	tbl, err := ParseScorerCSV(raw)
	if err != nil {
		return nil, err
	}
	return EncodeGeneScores(tbl)
}

// scorerRow is one row of the prioritizer's CSV after header normalisation.
type scorerRow struct {
	Symbol string   `csv:"symbol"`
	Score  *float64 `csv:"score,omitempty"`
}

// ParseScorerCSV reads the prioritizer's ranked gene list. The gene column is
// "Symbol" (or "gene"); a "Score" column is optional. Without scores, the
// 1-based row position p yields score 1/p so the tool's order is kept.
// Rows without a gene symbol are skipped.
func ParseScorerCSV(content []byte) (*model.GeneScoreTable, error) {
	cr := csv.NewReader(bytes.NewReader(content))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, resilience.Newf(resilience.KindMalformedOutput, "scoring: scorer output is empty")
	}
	if err != nil {
		return nil, resilience.New(resilience.KindMalformedOutput, eris.Wrap(err, "scoring: read scorer header"))
	}

	hasSymbol, hasScore := false, false
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		h = strings.ToLower(strings.Trim(strings.TrimSpace(h), `"`))
		switch h {
		case "gene", "gene_symbol", "hgnc_symbol":
			h = "symbol"
		case "clinprior_score", "gene_score":
			h = "score"
		}
		header[i] = h
		hasSymbol = hasSymbol || h == "symbol"
		hasScore = hasScore || h == "score"
	}
	if !hasSymbol {
		return nil, resilience.Newf(resilience.KindMalformedOutput, "scoring: scorer output has no Symbol column")
	}

	dec, err := csvutil.NewDecoder(cr, header...)
	if err != nil {
		return nil, resilience.New(resilience.KindMalformedOutput, eris.Wrap(err, "scoring: init csv decoder"))
	}

	var rows []model.GeneScore
	pos := 0
	for {
		var r scorerRow
		if err := dec.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, resilience.New(resilience.KindMalformedOutput, eris.Wrap(err, "scoring: decode scorer row"))
		}
		gene := strings.TrimSpace(r.Symbol)
		if gene == "" || strings.EqualFold(gene, "NA") {
			continue
		}
		pos++
		score := 1 / float64(pos)
		if hasScore {
			if r.Score == nil {
				return nil, resilience.Newf(resilience.KindMalformedOutput, "scoring: gene %s has no score", gene)
			}
			score = *r.Score
		}
		rows = append(rows, model.GeneScore{Gene: gene, Score: score})
	}

	return model.NewGeneScoreTable(rows)
}

// EncodeGeneScores renders the canonical gene-score artifact: a "gene,score"
// header then one row per gene, best first.
func EncodeGeneScores(tbl *model.GeneScoreTable) ([]byte, error) {
	rows := tbl.Rows()
	if len(rows) == 0 {
		return []byte("gene,score\n"), nil
	}
	b, err := csvutil.Marshal(rows)
	if err != nil {
		return nil, eris.Wrap(err, "scoring: encode gene scores")
	}
	return b, nil
}

// DecodeGeneScores reads a canonical gene-score artifact. Duplicate genes
// fail with duplicate_gene_key.
func DecodeGeneScores(content []byte) (*model.GeneScoreTable, error) {
	var rows []model.GeneScore
	if len(bytes.TrimSpace(content)) > 0 {
		if err := csvutil.Unmarshal(content, &rows); err != nil {
			return nil, resilience.New(resilience.KindMalformedOutput, eris.Wrap(err, "stage: decode gene scores"))
		}
	}
	return model.NewGeneScoreTable(rows)
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return eris.Wrapf(err, "scoring: read script %s", src)
	}
	if err := os.WriteFile(dst, b, 0o644); err != nil {
		return eris.Wrapf(err, "scoring: copy script to %s", dst)
	}
	return nil
}

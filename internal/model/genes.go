package model

import (
	"math"
	"sort"
	"strings"

	"github.com/sells-group/phenorank/internal/resilience"
)

// GeneScore is one row of a gene-score table.
type GeneScore struct {
	Gene  string  `csv:"gene" json:"gene"`
	Score float64 `csv:"score" json:"score"`
}

// GeneScoreTable maps gene identifiers to non-negative phenotype-relevance
// scores. It is read-only once built.
type GeneScoreTable struct {
	scores map[string]float64
	rows   []GeneScore
}

// NewGeneScoreTable validates rows and builds a table. Duplicate genes are
// rejected with duplicate_gene_key; empty, negative or non-finite entries
// with malformed_output.
func NewGeneScoreTable(rows []GeneScore) (*GeneScoreTable, error) {
	t := &GeneScoreTable{scores: make(map[string]float64, len(rows))}
	for i, r := range rows {
		gene := strings.TrimSpace(r.Gene)
		if gene == "" {
			return nil, resilience.Newf(resilience.KindMalformedOutput, "gene score row %d: empty gene identifier", i+1)
		}
		if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) || r.Score < 0 {
			return nil, resilience.Newf(resilience.KindMalformedOutput, "gene score row %d (%s): invalid score %v", i+1, gene, r.Score)
		}
		if _, dup := t.scores[gene]; dup {
			return nil, resilience.Newf(resilience.KindDuplicateGeneKey, "gene %s appears more than once", gene)
		}
		t.scores[gene] = r.Score
		t.rows = append(t.rows, GeneScore{Gene: gene, Score: r.Score})
	}
	return t, nil
}

// Score returns the score for gene and whether the gene is present.
func (t *GeneScoreTable) Score(gene string) (float64, bool) {
	if t == nil {
		return 0, false
	}
	s, ok := t.scores[gene]
	return s, ok
}

// Len returns the number of genes in the table.
func (t *GeneScoreTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

// Empty reports whether the table has no genes.
func (t *GeneScoreTable) Empty() bool { return t.Len() == 0 }

// Rows returns the rows sorted by score descending, then gene ascending.
func (t *GeneScoreTable) Rows() []GeneScore {
	if t == nil {
		return nil
	}
	out := make([]GeneScore, len(t.rows))
	copy(out, t.rows)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Gene < out[j].Gene
	})
	return out
}

// Package ranking merges a case's gene-score table into its variant store.
//
// Variants are ordered by clinical-significance tier (most severe first),
// then by the phenotype score of their gene (highest first), then by a
// configurable tie-break column and finally the row identifier. The 1-based
// position in that order is written to the store's ordering column in one
// transaction.
package ranking

import (
	"bytes"
	"sort"
	"strings"

	"github.com/sells-group/phenorank/internal/model"
)

// missingScore ranks variants whose gene is absent from the score table
// (including intergenic variants) after every scored gene in their tier.
const missingScore = -1.0

// geneScore looks up the score used for ordering.
func geneScore(scores *model.GeneScoreTable, gene string) float64 {
	if gene == "" {
		return missingScore
	}
	if s, ok := scores.Score(gene); ok {
		return s
	}
	return missingScore
}

// Order sorts records into their final ranking and assigns OrderKey = 1..n.
// The input slice is not modified. The result depends only on the record
// values, never on input order.
func Order(records []model.VariantRecord, scores *model.GeneScoreTable, tieBreakDesc bool) []model.VariantRecord {
	out := make([]model.VariantRecord, len(records))
	copy(out, records)

	score := make([]float64, len(out))
	idx := make([]int, len(out))
	for i := range out {
		score[i] = geneScore(scores, out[i].Gene)
		idx[i] = i
	}

	sort.Slice(idx, func(a, b int) bool {
		x, y := idx[a], idx[b]
		rx, ry := out[x], out[y]
		if rx.Tier != ry.Tier {
			return rx.Tier < ry.Tier
		}
		if score[x] != score[y] {
			return score[x] > score[y]
		}
		if c := compareValues(rx.TieBreak, ry.TieBreak); c != 0 {
			if tieBreakDesc {
				return c > 0
			}
			return c < 0
		}
		return rx.RowID < ry.RowID
	})

	ranked := make([]model.VariantRecord, len(out))
	for pos, i := range idx {
		r := out[i]
		r.OrderKey = int64(pos + 1)
		ranked[pos] = r
	}
	return ranked
}

// valueClass ranks column values the way SQLite sorts storage classes:
// NULL, then numbers, then text, then blobs.
func valueClass(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case int, int64, float64:
		return 1
	case string:
		return 2
	default:
		return 3
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// compareValues orders two tie-break values and returns -1, 0 or 1.
func compareValues(a, b any) int {
	ca, cb := valueClass(a), valueClass(b)
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}
	switch ca {
	case 1:
		if x, ok := a.(int64); ok {
			if y, ok := b.(int64); ok {
				switch {
				case x < y:
					return -1
				case x > y:
					return 1
				}
				return 0
			}
		}
		x, y := toFloat(a), toFloat(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case 2:
		return strings.Compare(a.(string), b.(string))
	case 3:
		x, _ := a.([]byte)
		y, _ := b.([]byte)
		return bytes.Compare(x, y)
	}
	return 0
}

package model

import (
	"strings"

	"golang.org/x/text/cases"
)

// Tier is a clinical-significance class. Lower values are more severe and
// sort first.
type Tier int

const (
	TierPathogenic Tier = iota
	TierLikelyPathogenic
	TierUncertain
	TierLikelyBenign
	TierBenign
	TierUnknown
)

func (t Tier) String() string {
	switch t {
	case TierPathogenic:
		return "pathogenic"
	case TierLikelyPathogenic:
		return "likely_pathogenic"
	case TierUncertain:
		return "uncertain_significance"
	case TierLikelyBenign:
		return "likely_benign"
	case TierBenign:
		return "benign"
	default:
		return "unknown"
	}
}

var tierFolder = cases.Fold()

// tierAliases maps folded, separator-normalised labels to tiers. It covers
// the InterVar labels written by annotation tools and the ACMG enum names.
var tierAliases = map[string]Tier{
	"pathogenic":             TierPathogenic,
	"likely pathogenic":      TierLikelyPathogenic,
	"uncertain significance": TierUncertain,
	"vus":                    TierUncertain,
	"likely benign":          TierLikelyBenign,
	"benign":                 TierBenign,

	"variant of uncertain significance": TierUncertain,
}

// ParseTier maps a stored clinical-significance label to a Tier. Unknown or
// empty labels yield TierUnknown.
func ParseTier(label string) Tier {
	norm := tierFolder.String(strings.TrimSpace(label))
	norm = strings.NewReplacer("_", " ", "-", " ", "/", " ").Replace(norm)
	norm = strings.Join(strings.Fields(norm), " ")
	if t, ok := tierAliases[norm]; ok {
		return t
	}
	return TierUnknown
}

// VariantRecord is the part of a variant-store row the ranking engine reads.
// Gene is empty for intergenic variants. TieBreak holds the raw value of the
// tie-break column: nil, int64, float64, string or []byte.
type VariantRecord struct {
	RowID     int64  `json:"row_id"`
	Gene      string `json:"gene,omitempty"`
	TierLabel string `json:"tier_label,omitempty"`
	Tier      Tier   `json:"tier"`
	TieBreak  any    `json:"tie_break,omitempty"`
	OrderKey  int64  `json:"order_key"`
}

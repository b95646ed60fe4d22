package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label string
		want  Tier
	}{
		{"Pathogenic", TierPathogenic},
		{"PATHOGENIC", TierPathogenic},
		{"Likely pathogenic", TierLikelyPathogenic},
		{"LIKELY_PATHOGENIC", TierLikelyPathogenic},
		{"Uncertain significance", TierUncertain},
		{"VUS", TierUncertain},
		{"Variant of Uncertain Significance", TierUncertain},
		{"Likely benign", TierLikelyBenign},
		{"likely-benign", TierLikelyBenign},
		{" Benign ", TierBenign},
		{"", TierUnknown},
		{"Conflicting", TierUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseTier(tt.label))
		})
	}
}

func TestTier_SeverityOrder(t *testing.T) {
	t.Parallel()

	order := []Tier{TierPathogenic, TierLikelyPathogenic, TierUncertain, TierLikelyBenign, TierBenign, TierUnknown}
	for i := 1; i < len(order); i++ {
		assert.Less(t, int(order[i-1]), int(order[i]))
	}
	assert.Equal(t, "uncertain_significance", TierUncertain.String())
	assert.Equal(t, "unknown", Tier(42).String())
}

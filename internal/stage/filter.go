package stage

import (
	"bufio"
	"context"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/phenorank/internal/model"
)

const filterPrompt = `Analyse the list of HPO terms below, each given as "name<TAB>code", which were tagged in a patient's clinical note. Follow these rules strictly:
1. Use only terms from the list; never add new ones.
2. Never change HPO codes.
3. Remove terms that do not describe the patient.
4. Answer with one "term name code" per line and nothing else.`

// minTerms is the smallest term set the gene scorer is given.
const minTerms = 2

// fallbackCodes are appended, in order, to undersized term sets.
var fallbackCodes = []string{model.HPOPhenotypicAbnormality, model.HPOAll}

// GuardTermSet returns s topped up with the root phenotype codes until it
// holds at least two distinct codes.
func GuardTermSet(s model.HPOTermSet) model.HPOTermSet {
	out := model.NewHPOTermSet(s.Codes()...)
	for _, code := range fallbackCodes {
		if out.Len() >= minTerms {
			break
		}
		out.Add(code)
	}
	return out
}

// TermFilter asks the language model to drop tagged terms that do not
// describe the patient, restricts the result to an optional whitelist, and
// always applies GuardTermSet.
type TermFilter struct {
	llm         *LLM
	whitelist   *model.HPOTermSet
	temperature float64
}

// NewTermFilter creates a TermFilter. A nil whitelist keeps every code.
func NewTermFilter(llm *LLM, whitelist *model.HPOTermSet, temperature float64) *TermFilter {
	return &TermFilter{llm: llm, whitelist: whitelist, temperature: temperature}
}

// Stage implements Adapter.
func (f *TermFilter) Stage() model.Stage { return model.StageFiltering }

// Apply implements Adapter. An empty raw-term list is valid input: the tagger
// found nothing and the guard supplies the fallback codes.
func (f *TermFilter) Apply(ctx context.Context, c *model.PatientCase, input []byte) ([]byte, error) {
	raw := model.ParseRawTerms(string(input))

	var kept model.HPOTermSet
	if len(raw) > 0 {
		answer, err := f.llm.Ask(ctx, c.ID, string(model.StageFiltering), filterPrompt, model.FormatRawTerms(raw), f.temperature)
		if err != nil {
			return nil, err
		}

		tagged := make(map[string]struct{}, len(raw))
		for _, t := range raw {
			tagged[t.Code] = struct{}{}
		}
		for _, code := range model.FindHPOCodes(answer) {
			if _, ok := tagged[code]; !ok {
				zap.L().Debug("dropping code not produced by the tagger",
					zap.String("case_id", c.ID), zap.String("code", code))
				continue
			}
			if f.whitelist != nil && !f.whitelist.Contains(code) {
				continue
			}
			kept.Add(code)
		}
	}

	guarded := GuardTermSet(kept)
	if guarded.Len() != kept.Len() {
		zap.L().Warn("term set padded with root phenotype codes",
			zap.String("case_id", c.ID),
			zap.Int("kept", kept.Len()),
			zap.Strings("terms", guarded.Codes()),
		)
	}
	return []byte(guarded.Lines()), nil
}

// LoadWhitelist reads HPO codes from a file, one or more per line. An empty
// path returns nil.
func LoadWhitelist(path string) (*model.HPOTermSet, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: open whitelist %s", path)
	}
	defer f.Close() //nolint:errcheck

	set := model.NewHPOTermSet()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		for _, code := range model.FindHPOCodes(sc.Text()) {
			set.Add(code)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "stage: read whitelist %s", path)
	}
	return &set, nil
}

package model

import (
	"regexp"
	"strings"
)

// HPO codes used when a term set is too small to be useful to the scorer.
const (
	HPOPhenotypicAbnormality = "HP:0000118"
	HPOAll                   = "HP:0000001"
)

// hpoPattern matches a Human Phenotype Ontology identifier.
var hpoPattern = regexp.MustCompile(`HP:\d{7}`)

// IsHPOCode reports whether s is exactly one HPO identifier.
func IsHPOCode(s string) bool {
	return len(s) == 10 && hpoPattern.MatchString(s)
}

// FindHPOCodes returns every HPO identifier in text, in order of appearance.
func FindHPOCodes(text string) []string {
	return hpoPattern.FindAllString(text, -1)
}

// HPOTermSet is a de-duplicated set of HPO codes. Insertion order is kept so
// that artifacts are byte-stable across re-runs on identical input.
type HPOTermSet struct {
	codes []string
	seen  map[string]struct{}
}

// NewHPOTermSet builds a set from codes, dropping duplicates and anything
// that is not an HPO identifier.
func NewHPOTermSet(codes ...string) HPOTermSet {
	s := HPOTermSet{seen: make(map[string]struct{}, len(codes))}
	for _, c := range codes {
		s.Add(c)
	}
	return s
}

// Add inserts code if it is a valid, unseen HPO identifier.
func (s *HPOTermSet) Add(code string) bool {
	code = strings.TrimSpace(code)
	if !IsHPOCode(code) {
		return false
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[code]; ok {
		return false
	}
	s.seen[code] = struct{}{}
	s.codes = append(s.codes, code)
	return true
}

// Contains reports whether code is in the set.
func (s HPOTermSet) Contains(code string) bool {
	_, ok := s.seen[code]
	return ok
}

// Len returns the number of distinct codes.
func (s HPOTermSet) Len() int { return len(s.codes) }

// Codes returns a copy of the codes in insertion order.
func (s HPOTermSet) Codes() []string {
	out := make([]string, len(s.codes))
	copy(out, s.codes)
	return out
}

// String joins the codes with commas, the form the gene scorer expects.
func (s HPOTermSet) String() string {
	return strings.Join(s.codes, ",")
}

// Lines renders one code per line, the filtered-terms artifact format.
func (s HPOTermSet) Lines() string {
	if len(s.codes) == 0 {
		return ""
	}
	return strings.Join(s.codes, "\n") + "\n"
}

// ParseHPOTermSet reads a filtered-terms artifact.
func ParseHPOTermSet(content string) HPOTermSet {
	return NewHPOTermSet(FindHPOCodes(content)...)
}

// RawTerm is one tagger hit: the matched phrase and its HPO code.
type RawTerm struct {
	Name string
	Code string
}

// FormatRawTerms renders raw terms as "name<TAB>code" lines.
func FormatRawTerms(terms []RawTerm) string {
	var b strings.Builder
	for _, t := range terms {
		b.WriteString(t.Name)
		b.WriteByte('\t')
		b.WriteString(t.Code)
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseRawTerms reads a raw-terms artifact. Lines without an HPO code are
// skipped.
func ParseRawTerms(content string) []RawTerm {
	var out []RawTerm
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, code, ok := strings.Cut(line, "\t")
		if !ok {
			codes := FindHPOCodes(line)
			if len(codes) == 0 {
				continue
			}
			out = append(out, RawTerm{Code: codes[0]})
			continue
		}
		code = strings.TrimSpace(code)
		if !IsHPOCode(code) {
			continue
		}
		out = append(out, RawTerm{Name: strings.TrimSpace(name), Code: code})
	}
	return out
}

package pipeline

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/phenorank/internal/model"
)

// storeSuffixes are stripped, in order, from a variant-store file name to
// recover the sample name.
var storeSuffixes = []string{".sqlite", ".db", ".gz", ".vcf"}

// CaseIDFromStore derives a sample name from a variant-store path, e.g.
// /data/NA12878.vcf.sqlite → NA12878.
func CaseIDFromStore(path string) string {
	name := filepath.Base(path)
	for _, suffix := range storeSuffixes {
		name = strings.TrimSuffix(name, suffix)
	}
	return name
}

// CaseIDFromNote derives a case id from a note path: the file name without
// its extension.
func CaseIDFromNote(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ResolveVariantStore returns the variant store for caseID. When storePath
// is a directory, each case has its own <case>.sqlite (or <case>.vcf.sqlite)
// inside it; otherwise every case shares storePath.
func ResolveVariantStore(storePath, caseID string) string {
	info, err := os.Stat(storePath)
	if err != nil || !info.IsDir() {
		return storePath
	}
	candidates := []string{
		filepath.Join(storePath, caseID+".sqlite"),
		filepath.Join(storePath, caseID+".vcf.sqlite"),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return candidates[0]
}

// DiscoverCases creates one queued case per note in notesDir matching glob,
// sorted by file name. Case working directories are caseDir(id).
func DiscoverCases(notesDir, glob, storePath string, caseDir func(string) string) ([]*model.PatientCase, error) {
	if glob == "" {
		glob = "*.txt"
	}
	info, err := os.Stat(notesDir)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: notes directory %s", notesDir)
	}
	if !info.IsDir() {
		return nil, eris.Errorf("pipeline: %s is not a directory", notesDir)
	}

	paths, err := filepath.Glob(filepath.Join(notesDir, glob))
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: bad note pattern %q", glob)
	}
	sort.Strings(paths)

	seen := make(map[string]string, len(paths))
	cases := make([]*model.PatientCase, 0, len(paths))
	for _, p := range paths {
		if fi, err := os.Stat(p); err != nil || fi.IsDir() {
			continue
		}
		id := CaseIDFromNote(p)
		if prev, dup := seen[id]; dup {
			return nil, eris.Errorf("pipeline: notes %s and %s map to the same case id %q", prev, p, id)
		}
		seen[id] = p
		cases = append(cases, model.NewPatientCase(id, p, ResolveVariantStore(storePath, id), caseDir(id)))
	}
	return cases, nil
}

// CheckSharedStore rejects a single variant-store file used by several
// cases when its rows cannot be scoped to a case. Each case would otherwise
// re-rank every row of the table, and the last merge would win.
func CheckSharedStore(storePath, caseColumn string, cases int) error {
	if cases < 2 || caseColumn != "" {
		return nil
	}
	if info, err := os.Stat(storePath); err == nil && info.IsDir() {
		return nil
	}
	return eris.Errorf("pipeline: %d cases share variant store %s but variant_store.case_column is not set; "+
		"pass a directory of <case>.sqlite stores or configure the case column", cases, storePath)
}

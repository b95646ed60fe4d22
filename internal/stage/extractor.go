package stage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/phenorank/internal/model"
	"github.com/sells-group/phenorank/internal/resilience"
	"github.com/sells-group/phenorank/pkg/toolrun"
)

// Tool describes how to launch one external tool for a case.
type Tool struct {
	Image   string
	Command string
	Args    []string
	Script  string // optional host file copied into the tool work dir
	Output  string // output file name, may contain {case}
}

// TermExtractor runs the phenotype tagger over the cleaned text.
type TermExtractor struct {
	invoker toolrun.Invoker
	tool    Tool
}

// NewTermExtractor creates a TermExtractor.
func NewTermExtractor(invoker toolrun.Invoker, tool Tool) *TermExtractor {
	return &TermExtractor{invoker: invoker, tool: tool}
}

// Stage implements Adapter.
func (e *TermExtractor) Stage() model.Stage { return model.StageExtracting }

// Apply implements Adapter. The cleaned text is written as a single
// PubTator document; the tagger writes its annotated copy into output/.
func (e *TermExtractor) Apply(ctx context.Context, c *model.PatientCase, input []byte) ([]byte, error) {
	if err := requireInput(model.StageExtracting, input); err != nil {
		return nil, err
	}

	dir, err := toolDir(c, "extractor")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "output"), 0o755); err != nil {
		return nil, eris.Wrap(err, "extracting: create output dir")
	}
	if err := os.WriteFile(filepath.Join(dir, "input.PubTator"), []byte(PubTatorDocument(string(input))), 0o644); err != nil {
		return nil, eris.Wrap(err, "extracting: write tagger input")
	}

	if _, err := e.invoker.Invoke(ctx, toolrun.Invocation{
		Name:    "extractor",
		CaseID:  c.ID,
		Image:   e.tool.Image,
		Command: e.tool.Command,
		Args:    fillArgs(e.tool.Args, c.ID, ""),
		WorkDir: dir,
	}); err != nil {
		return nil, err
	}

	out, err := readSingleOutput(filepath.Join(dir, "output"))
	if err != nil {
		return nil, err
	}
	return []byte(model.FormatRawTerms(ParsePubTator(out))), nil
}

// PubTatorDocument renders text as a one-document PubTator file.
func PubTatorDocument(text string) string {
	flat := strings.Join(strings.Fields(text), " ")
	return "1|t|description\n1|a|" + flat + "\n\n\n"
}

// ParsePubTator reads the annotation lines of a tagged PubTator document:
// "<doc>\t<start>\t<end>\t<mention>\t<type>\t<HP code>[\t<score>]".
// Repeated (mention, code) pairs are kept once.
func ParsePubTator(content string) []model.RawTerm {
	var out []model.RawTerm
	seen := make(map[model.RawTerm]struct{})
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) < 6 {
			continue
		}
		code := strings.TrimSpace(fields[5])
		if !model.IsHPOCode(code) {
			continue
		}
		t := model.RawTerm{Name: strings.TrimSpace(fields[3]), Code: code}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// toolDir recreates a clean scratch directory for one tool under the case
// work dir, so a retry never sees a previous attempt's files.
func toolDir(c *model.PatientCase, name string) (string, error) {
	dir := filepath.Join(c.WorkDir, name)
	if err := os.RemoveAll(dir); err != nil {
		return "", eris.Wrapf(err, "%s: reset work dir", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if resilience.IsResourceExhausted(err) {
			return "", resilience.New(resilience.KindResourceExhausted, err)
		}
		return "", eris.Wrapf(err, "%s: create work dir", name)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", eris.Wrapf(err, "%s: resolve work dir", name)
	}
	return abs, nil
}

// readSingleOutput returns the content of the one file a tool left in dir.
func readSingleOutput(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", resilience.New(resilience.KindMalformedOutput, eris.Wrap(err, "extracting: read tagger output"))
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", resilience.Newf(resilience.KindMalformedOutput, "extracting: tagger produced no output file")
	}
	sort.Strings(names)
	b, err := os.ReadFile(filepath.Join(dir, names[0]))
	if err != nil {
		return "", eris.Wrap(err, "extracting: read tagger output")
	}
	return string(b), nil
}

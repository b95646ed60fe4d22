// Package report renders a BatchReport as JSON, YAML and a console table.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/phenorank/internal/model"
)

// File names written under the batch output root.
const (
	JSONFile = "batch_report.json"
	YAMLFile = "batch_report.yaml"
)

// maxErrorWidth truncates error messages in the console table.
const maxErrorWidth = 60

// WriteJSON encodes r as indented JSON, including every case's transition
// trace.
func WriteJSON(w io.Writer, r *model.BatchReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(r), "report: encode json")
}

// WriteYAML encodes r as YAML. Transition traces are omitted; the JSON
// report carries them.
func WriteYAML(w io.Writer, r *model.BatchReport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return eris.Wrap(err, "report: encode yaml")
	}
	return eris.Wrap(enc.Close(), "report: flush yaml")
}

// WriteFiles writes batch_report.json and batch_report.yaml into dir and
// returns their paths.
func WriteFiles(dir string, r *model.BatchReport) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "report: create %s", dir)
	}
	targets := []struct {
		name  string
		write func(io.Writer, *model.BatchReport) error
	}{
		{JSONFile, WriteJSON},
		{YAMLFile, WriteYAML},
	}

	paths := make([]string, 0, len(targets))
	for _, t := range targets {
		path := filepath.Join(dir, t.name)
		f, err := os.Create(path)
		if err != nil {
			return nil, eris.Wrapf(err, "report: create %s", path)
		}
		if err := t.write(f, r); err != nil {
			f.Close() //nolint:errcheck
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, eris.Wrapf(err, "report: close %s", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// FormatTable writes one row per case followed by a summary line.
func FormatTable(out io.Writer, r *model.BatchReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CASE\tSTATUS\tSTAGE\tERROR_KIND\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "----\t------\t-----\t----------\t--------\t-----")

	for _, o := range r.Cases {
		st := o.Stage
		if o.FailedStage != "" {
			st = o.FailedStage
		}
		msg := o.Error
		if msg == "" && len(o.Diagnostics) > 0 {
			msg = strings.Join(o.Diagnostics, "; ")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			o.CaseID,
			o.Status,
			st,
			dash(o.ErrorKind),
			(time.Duration(o.DurationMs) * time.Millisecond).Round(time.Millisecond).String(),
			truncate(oneLine(msg), maxErrorWidth),
		)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\n%d case(s): %d succeeded, %d failed", len(r.Cases), r.Succeeded, r.Failed)
	if r.Aborted {
		_, _ = fmt.Fprint(out, " (batch aborted: resource exhausted)")
	}
	_, _ = fmt.Fprintln(out)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

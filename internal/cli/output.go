// Package cli renders pipeline results and worker status for the fednlp command.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hyperjump/fednlp/internal/doc"
	"github.com/hyperjump/fednlp/internal/extract"
	"github.com/hyperjump/fednlp/internal/worker"
	"github.com/hyperjump/fednlp/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat accepts "text" or "json".
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, OutputJSON:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format %q; use text or json", s)
}

// RunReport is the printable result of one pipeline run. Remote is set instead of Tokens
// when the document stayed on another worker.
type RunReport struct {
	RunID  string             `json:"run_id"`
	Text   string             `json:"text,omitempty"`
	Tokens []worker.TokenInfo `json:"tokens,omitempty"`
	Attrs  doc.Attributes     `json:"attrs,omitempty"`
	Remote *worker.Ref        `json:"remote,omitempty"`
}

// NewRunReport captures d for output.
func NewRunReport(runID string, d *doc.Document) RunReport {
	r := RunReport{RunID: runID, Text: d.Text(), Attrs: d.Attrs()}
	for _, tok := range d.Tokens() {
		start, end := tok.Offsets()
		r.Tokens = append(r.Tokens, worker.TokenInfo{
			Index:      tok.Index(),
			Text:       tok.Text(),
			SpaceAfter: tok.SpaceAfter(),
			IsSpace:    tok.IsSpace(),
			Start:      start,
			End:        end,
			Attrs:      tok.Meta().Attrs(),
		})
	}
	return r
}

// WriteRun writes a run report to w in the given format.
func WriteRun(w io.Writer, r RunReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, r)
	}
	fmt.Fprintf(w, "Run %s\n", r.RunID)
	if r.Remote != nil {
		fmt.Fprintf(w, "Document %s stays on worker %s\n", r.Remote.ID, r.Remote.Worker)
		return nil
	}
	fmt.Fprintf(w, "%s\n\n", utils.Truncate(r.Text, 200))
	for _, tok := range r.Tokens {
		if tok.IsSpace {
			continue
		}
		fmt.Fprintf(w, "%4d  %-20s %s\n", tok.Index, tok.Text, formatAttrs(tok.Attrs))
	}
	if len(r.Attrs) > 0 {
		fmt.Fprintf(w, "\n%s\n", formatAttrs(r.Attrs))
	}
	return nil
}

// WriteStats writes one line per worker.
func WriteStats(w io.Writer, stats []worker.Stats, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, stats)
	}
	fmt.Fprintf(w, "%-16s %6s %6s %6s %6s %6s %6s\n", "WORKER", "TEXTS", "DOCS", "SPANS", "SUBS", "STATES", "PIPES")
	for _, s := range stats {
		fmt.Fprintf(w, "%-16s %6d %6d %6d %6d %6d %6d\n", s.Worker, s.Texts, s.Documents, s.Spans, s.Subpipelines, s.States, s.Pipelines)
	}
	return nil
}

// WriteIngested lists files registered as texts.
func WriteIngested(w io.Writer, workerID string, files []extract.Ingested, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, map[string]any{"worker": workerID, "texts": files})
	}
	for _, f := range files {
		fmt.Fprintf(w, "%s  %s (%d runes)\n", f.ID, f.Path, f.Runes)
	}
	fmt.Fprintf(w, "%d texts registered on %s\n", len(files), workerID)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatAttrs renders attributes as key=value pairs in key order.
func formatAttrs(attrs doc.Attributes) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, attrs[k])
	}
	return strings.Join(parts, " ")
}

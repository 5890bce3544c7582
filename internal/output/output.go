// Package output formats CLI results as plain text, tables or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Writer writes CLI output. Write errors on the terminal are ignored.
type Writer struct {
	out  io.Writer
	json bool
}

// New creates a text Writer.
func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

// NewFormat creates a Writer for format "text" or "json".
func NewFormat(out io.Writer, format string) (*Writer, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return New(out), nil
	case "json":
		return &Writer{out: out, json: true}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want text or json)", format)
	}
}

// IsJSON reports whether results are written as JSON.
func (w *Writer) IsJSON() bool {
	return w.json
}

// Status prints msg behind a short marker.
func (w *Writer) Status(marker, msg string) {
	if marker == "" {
		_, _ = fmt.Fprintf(w.out, "    %s\n", msg)
		return
	}
	_, _ = fmt.Fprintf(w.out, "%-3s %s\n", marker, msg)
}

// Successf prints a completed step.
func (w *Writer) Successf(format string, args ...any) {
	w.Status("ok", fmt.Sprintf(format, args...))
}

// Warningf prints something that did not stop the command.
func (w *Writer) Warningf(format string, args ...any) {
	w.Status("!", fmt.Sprintf(format, args...))
}

// Errorf prints a failure.
func (w *Writer) Errorf(format string, args ...any) {
	w.Status("x", fmt.Sprintf(format, args...))
}

// JSON writes v as indented JSON.
func (w *Writer) JSON(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table writes rows under headers in aligned columns.
func (w *Writer) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, r := range rows {
		_, _ = fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	_ = tw.Flush()
}

// Progress redraws a progress line in place and ends it once current
// reaches total.
func (w *Writer) Progress(current, total int64, msg string) {
	if total <= 0 {
		return
	}
	pct := float64(current) / float64(total) * 100
	_, _ = fmt.Fprintf(w.out, "\r[%s] %3.0f%% %s", bar(current, total, 30), pct, msg)
	if current >= total {
		_, _ = fmt.Fprintln(w.out)
	}
}

func bar(current, total int64, width int) string {
	filled := int(float64(current) / float64(total) * float64(width))
	filled = max(0, min(filled, width))
	return strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
}

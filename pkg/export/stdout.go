package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// StdoutExporter prints engine events for debugging.
type StdoutExporter struct {
	format string // "text" or "json"
	mu     sync.Mutex
	out    io.Writer
}

// NewStdoutExporter creates an exporter writing to out, or os.Stdout when out
// is nil.
func NewStdoutExporter(format string, out io.Writer) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	if out == nil {
		out = os.Stdout
	}
	return &StdoutExporter{
		format: format,
		out:    out,
	}
}

// ExportEvents prints one line per record.
func (e *StdoutExporter) ExportEvents(ctx context.Context, records []*Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range records {
		if e.format == "json" {
			data, err := json.Marshal(map[string]interface{}{
				"type":     "event",
				"time":     r.Time.Format(time.RFC3339Nano),
				"kind":     r.Kind,
				"severity": r.SeverityText,
				"entry":    r.Entry,
				"module":   r.Module,
				"path":     r.Path,
				"handle":   r.Handle,
				"detail":   r.Detail,
				"pid":      r.PID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, string(data))
			continue
		}

		fmt.Fprintf(e.out, "[EVENT] %s %-5s %-13s %s%s\n",
			r.Time.Format("15:04:05.000"),
			r.SeverityText,
			r.Kind,
			r.Body(),
			formatFields(r),
		)
	}
	return nil
}

// Shutdown is a no-op.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func formatFields(r *Record) string {
	var parts []string
	if r.Entry != "" {
		parts = append(parts, "entry="+r.Entry)
	}
	if r.Handle != "" {
		parts = append(parts, "handle="+r.Handle)
	}
	if r.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%q", r.Path))
	}
	if r.Detail != "" {
		parts = append(parts, fmt.Sprintf("detail=%q", r.Detail))
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}

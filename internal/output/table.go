package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/storage"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatInstance formats a single instance as a table row.
func (f *TableFormatter) FormatInstance(inst *backend.Instance) (string, error) {
	return f.FormatInstances([]*backend.Instance{inst})
}

// FormatInstances formats instances as a table.
func (f *TableFormatter) FormatInstances(list []*backend.Instance) (string, error) {
	if len(list) == 0 {
		return "No instances found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "LABEL\tSTATUS\tIP\tTYPE\tTEMPLATE\tREGION\tAGE")
	}

	for _, inst := range list {
		ip := dash(inst.PrimaryAddress())
		age := "-"
		if !inst.Created.IsZero() {
			age = formatAge(time.Since(inst.Created))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			inst.Label, inst.Status, ip, dash(inst.Type), dash(inst.Template), dash(inst.Region), age)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatTemplates formats templates as a table.
func (f *TableFormatter) FormatTemplates(list []*backend.Template) (string, error) {
	if len(list) == 0 {
		return "No templates found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tID\tDESCRIPTION")
	}
	for _, t := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.ID, dash(t.Description))
	}
	_ = w.Flush()
	return buf.String(), nil
}

// FormatImages formats image volumes as a table.
func (f *TableFormatter) FormatImages(list []storage.VolumeInfo) (string, error) {
	if len(list) == 0 {
		return "No images found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tPOOL\tSIZE\tPATH")
	}
	for i := range list {
		v := &list[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.1f GB\t%s\n", v.Name, v.Pool, v.CapacityGB(), dash(v.Path))
	}
	_ = w.Flush()
	return buf.String(), nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())

	// Less than 1 minute
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	// Less than 1 hour
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	// Less than 1 day
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	// Less than 1 week
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	// Less than ~2 months (8 weeks)
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	// More than 2 months, show in approximate years/days
	years := days / 365
	if years > 0 {
		return fmt.Sprintf("%dy", years)
	}

	return fmt.Sprintf("%dd", days)
}

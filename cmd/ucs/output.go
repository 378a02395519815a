package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sagarc03/ucs"
)

// Formatter formats command results for output.
type Formatter interface {
	FormatRecord(w io.Writer, rec ucs.UploadRecord) error
	FormatList(w io.Writer, result ucs.ListResult) error
	FormatStale(w io.Writer, stale []ucs.StaleObject) error
}

// NewFormatter returns the appropriate formatter based on flags.
func NewFormatter(jsonOutput bool) Formatter {
	if jsonOutput {
		return &JSONFormatter{}
	}
	return &HumanFormatter{}
}

// HumanFormatter outputs human-readable text.
type HumanFormatter struct{}

func (f *HumanFormatter) FormatRecord(w io.Writer, rec ucs.UploadRecord) error {
	_, _ = fmt.Fprintf(w, "File:        %s\n", rec.FileID)
	_, _ = fmt.Fprintf(w, "State:       %s\n", rec.State)
	if rec.FileName != "" {
		_, _ = fmt.Fprintf(w, "Name:        %s\n", rec.FileName)
	}
	if rec.ExpectedSize > 0 {
		_, _ = fmt.Fprintf(w, "Size:        %s\n", formatSize(rec.ExpectedSize))
	}
	_, _ = fmt.Fprintf(w, "Correlation: %s\n", rec.CorrelationID)
	_, _ = fmt.Fprintf(w, "Version:     %d\n", rec.Version)
	_, _ = fmt.Fprintf(w, "Updated:     %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05"))
	if rec.State == ucs.StateDeletionRequested {
		_, _ = fmt.Fprintf(w, "Deleted:     %t\n", rec.DeletionConfirmed)
	}

	if len(rec.Attempts) == 0 {
		return nil
	}

	_, _ = fmt.Fprintln(w, "\nAttempts:")
	for _, a := range rec.Attempts {
		marker := " "
		if a.UploadID == rec.CurrentUploadID {
			marker = "*"
		}
		outcome := string(a.Outcome)
		if outcome == "" {
			outcome = "in_flight"
		}
		_, _ = fmt.Fprintf(w, "%s %-36s  %-10s  %s\n", marker, a.UploadID, outcome, a.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func (f *HumanFormatter) FormatList(w io.Writer, result ucs.ListResult) error {
	if len(result.Items) == 0 {
		_, _ = fmt.Fprintln(w, "No records found")
		return nil
	}

	// Calculate column widths
	maxIDLen := 7 // "FILE ID"
	for i := range result.Items {
		if len(result.Items[i].FileID) > maxIDLen {
			maxIDLen = len(result.Items[i].FileID)
		}
	}
	if maxIDLen > 40 {
		maxIDLen = 40
	}

	_, _ = fmt.Fprintf(w, "%-*s  %-18s  %8s  %s\n", maxIDLen, "FILE ID", "STATE", "ATTEMPTS", "UPDATED")
	_, _ = fmt.Fprintf(w, "%s  %s  %s  %s\n", strings.Repeat("-", maxIDLen), strings.Repeat("-", 18), strings.Repeat("-", 8), strings.Repeat("-", 19))

	for i := range result.Items {
		rec := &result.Items[i]
		id := rec.FileID
		if len(id) > maxIDLen {
			id = id[:maxIDLen-3] + "..."
		}
		_, _ = fmt.Fprintf(w, "%-*s  %-18s  %8d  %s\n",
			maxIDLen,
			id,
			rec.State,
			len(rec.Attempts),
			rec.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}

	_, _ = fmt.Fprintf(w, "\n%d record(s)\n", len(result.Items))

	if result.NextCursor != "" {
		_, _ = fmt.Fprintf(w, "Next page: use --cursor %q\n", result.NextCursor)
	}

	return nil
}

func (f *HumanFormatter) FormatStale(w io.Writer, stale []ucs.StaleObject) error {
	if len(stale) == 0 {
		_, _ = fmt.Fprintln(w, "No stale objects")
		return nil
	}

	var total int64
	for i := range stale {
		s := &stale[i]
		total += s.Object.Size
		_, _ = fmt.Fprintf(w, "%s (%s)\n", s.Object.Key, formatSize(s.Object.Size))
		_, _ = fmt.Fprintf(w, "  Reason: %s\n", s.Reason)
		if s.State != "" {
			_, _ = fmt.Fprintf(w, "  State:  %s\n", s.State)
		}
	}

	_, _ = fmt.Fprintf(w, "\n%d stale object(s) (%s total)\n", len(stale), formatSize(total))
	return nil
}

// JSONFormatter outputs JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) FormatRecord(w io.Writer, rec ucs.UploadRecord) error {
	return writeJSON(w, rec)
}

func (f *JSONFormatter) FormatList(w io.Writer, result ucs.ListResult) error {
	if result.Items == nil {
		result.Items = []ucs.UploadRecord{}
	}
	return writeJSON(w, result)
}

func (f *JSONFormatter) FormatStale(w io.Writer, stale []ucs.StaleObject) error {
	output := struct {
		Stale []ucs.StaleObject `json:"stale"`
	}{Stale: stale}
	if output.Stale == nil {
		output.Stale = []ucs.StaleObject{}
	}
	return writeJSON(w, output)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatSize formats bytes as human-readable size.
func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

package ui

import (
	"fmt"
	"strings"

	"github.com/bamsammich/sitepull/internal/stats"
)

// CompletionSummary formats the one-line summary printed when a pull ends.
func CompletionSummary(snap stats.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pulled %s files (%s)", FormatCount(snap.FilesOK), FormatBytes(snap.BytesTransferred))
	if snap.FilesFailed > 0 {
		fmt.Fprintf(&b, ", %s failed", FormatCount(snap.FilesFailed))
	}
	if snap.FilesSkipped > 0 {
		fmt.Fprintf(&b, ", %s skipped", FormatCount(snap.FilesSkipped))
	}
	if snap.DBRows > 0 {
		fmt.Fprintf(&b, ", %s database rows", FormatCount(snap.DBRows))
	}
	if secs := snap.Elapsed.Seconds(); secs > 0 && snap.BytesTransferred > 0 {
		fmt.Fprintf(&b, " in %s (%s)",
			FormatDuration(snap.Elapsed),
			FormatRate(float64(snap.BytesTransferred)/secs))
	} else {
		fmt.Fprintf(&b, " in %s", FormatDuration(snap.Elapsed))
	}
	return b.String()
}

// Report describes where a pull's output ended up.
type Report struct {
	Archive     string
	ArchiveSize int64
	Checksum    string
	Database    string // completed, failed or skipped
	Uploaded    string // object URL, empty when not uploaded
}

// Lines renders the report as aligned "key  value" lines.
func (r Report) Lines() []string {
	var out []string
	add := func(k, v string) {
		if v != "" {
			out = append(out, fmt.Sprintf("%-9s %s", k+":", v))
		}
	}
	if r.Archive != "" {
		add("archive", fmt.Sprintf("%s (%s)", r.Archive, FormatBytes(r.ArchiveSize)))
	}
	add("blake3", r.Checksum)
	add("database", r.Database)
	add("uploaded", r.Uploaded)
	return out
}

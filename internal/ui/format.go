package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bamsammich/sitepull/internal/stats"
)

// FormatRate formats a bytes-per-second rate, e.g. "1.5 MiB/s".
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bytesPerSec)) + "/s"
}

// FormatETA formats a remaining duration. Zero or negative means unknown.
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return FormatDuration(d)
}

// FormatDuration formats elapsed time concisely: "45s", "3m 17s",
// "1h 02m 03s".
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatCount formats an integer with comma separators.
func FormatCount(n int64) string {
	return humanize.Comma(n)
}

// FormatBytes wraps stats.FormatBytes for UI use.
func FormatBytes(b int64) string {
	return stats.FormatBytes(b)
}

// ProgressBar renders a bar of the given width using ▪/□ characters.
func ProgressBar(pct float64, width int) string {
	if width <= 0 {
		return ""
	}
	pct = min(max(pct, 0), 1)
	filled := min(int(pct*float64(width)), width)
	return strings.Repeat("▪", filled) + strings.Repeat("□", width-filled)
}

// SlotIndicator shows how many transfer slots are busy.
func SlotIndicator(busy, total int) string {
	busy = min(max(busy, 0), total)
	return strings.Repeat("▪", busy) + strings.Repeat("□", total-busy)
}

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders the last width values of data as block characters,
// normalized to their maximum and padded on the left.
func Sparkline(data []float64, width int) string {
	if width <= 0 {
		return ""
	}
	samples := make([]float64, width)
	if len(data) >= width {
		copy(samples, data[len(data)-width:])
	} else {
		copy(samples[width-len(data):], data)
	}

	peak := 0.0
	for _, v := range samples {
		peak = max(peak, v)
	}

	out := make([]rune, width)
	for i, v := range samples {
		if peak <= 0 || v <= 0 {
			out[i] = sparkBlocks[0]
			continue
		}
		idx := min(int(v/peak*float64(len(sparkBlocks)-1)), len(sparkBlocks)-1)
		out[i] = sparkBlocks[idx]
	}
	return string(out)
}

// truncPath shortens a path to at most maxLen bytes, keeping the tail.
func truncPath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	if maxLen <= 3 {
		return path[:maxLen]
	}
	return "..." + path[len(path)-maxLen+3:]
}

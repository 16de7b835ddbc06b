package ui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRate(t *testing.T) {
	tests := []struct {
		want  string
		input float64
	}{
		{want: "0 B/s", input: 0},
		{want: "0 B/s", input: -1},
		{want: "512 B/s", input: 512},
		{want: "1.0 KiB/s", input: 1024},
		{want: "1.5 MiB/s", input: 1.5 * 1024 * 1024},
		{want: "15 KiB/s", input: 15 * 1024},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatRate(tt.input))
		})
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		want  string
		input time.Duration
	}{
		{want: "--", input: 0},
		{want: "--", input: -1 * time.Second},
		{want: "30s", input: 30 * time.Second},
		{want: "1m 30s", input: 90 * time.Second},
		{want: "1h 01m 01s", input: 3661 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatETA(tt.input))
		})
	}
}

func TestFormatCount(t *testing.T) {
	tests := []struct {
		want  string
		input int64
	}{
		{want: "0", input: 0},
		{want: "999", input: 999},
		{want: "1,000", input: 1000},
		{want: "1,000,000", input: 1000000},
		{want: "-1,000", input: -1000},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatCount(tt.input))
		})
	}
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "▪▪▪▪▪□□□□□", ProgressBar(0.5, 10))
	assert.Equal(t, "□□□□□□□□□□", ProgressBar(0, 10))
	assert.Equal(t, "▪▪▪▪▪▪▪▪▪▪", ProgressBar(1.0, 10))

	// Edge cases.
	assert.Equal(t, "", ProgressBar(0.5, 0))
	assert.Equal(t, "▪▪▪▪▪▪▪▪▪▪", ProgressBar(1.5, 10))
	assert.Equal(t, "□□□□", ProgressBar(-1, 4))
}

func TestSlotIndicator(t *testing.T) {
	assert.Equal(t, "▪▪▪□□□", SlotIndicator(3, 6))
	assert.Equal(t, "□□□□", SlotIndicator(0, 4))
	assert.Equal(t, "▪▪▪▪", SlotIndicator(9, 4))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", FormatDuration(0))
	assert.Equal(t, "3m 17s", FormatDuration(3*time.Minute+17*time.Second))
	assert.Equal(t, "1h 02m 03s", FormatDuration(1*time.Hour+2*time.Minute+3*time.Second))
}

func TestSparkline(t *testing.T) {
	assert.Equal(t, "", Sparkline(nil, 0))
	assert.Equal(t, "▁▁▁▁", Sparkline(nil, 4))
	assert.Equal(t, "▁▁▁█", Sparkline([]float64{5}, 4))
	assert.Equal(t, "▁▄█", Sparkline([]float64{0, 50, 100}, 3))
	// Only the tail is shown.
	assert.Equal(t, "█▁", Sparkline([]float64{1, 1, 9, 0}, 2))
}

func TestTruncPath(t *testing.T) {
	assert.Equal(t, "short", truncPath("short", 10))
	assert.Equal(t, "...ds/a.jpg", truncPath("wp-content/uploads/a.jpg", 11))
	assert.Equal(t, "wp", truncPath("wp-content", 2))
}

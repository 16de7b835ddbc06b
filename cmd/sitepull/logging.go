package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bamsammich/sitepull/internal/event"
	"github.com/bamsammich/sitepull/internal/ui"
)

// eventMsg is the message of every event record in the JSON log.
const eventMsg = "sitepull.event"

// setupLogging installs the default logger: text on stderr at a level set
// by --verbose/--quiet, plus a JSON file at debug level when logFile is set.
// The returned func closes the log file.
func setupLogging(stderr io.Writer, verbose, quiet bool, logFile string) (func(), error) {
	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelWarn
	}
	var h slog.Handler = slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	closeLog := func() {}
	if logFile != "" {
		lf, err := os.Create(logFile)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		closeLog = func() { lf.Close() }
		h = ui.NewMultiHandler(h, slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	slog.SetDefault(slog.New(h))
	return closeLog, nil
}

// teeEvents logs every event at debug level before forwarding it. The
// returned channel is closed once in is drained.
func teeEvents(in <-chan event.Event) <-chan event.Event {
	out := make(chan event.Event, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			slog.LogAttrs(context.Background(), slog.LevelDebug, eventMsg, eventAttrs(ev)...)
			out <- ev
		}
	}()
	return out
}

func eventAttrs(ev event.Event) []slog.Attr {
	attrs := []slog.Attr{slog.String("type", ev.Type.String())}
	if ev.Path != "" {
		attrs = append(attrs, slog.String("path", ev.Path))
	}
	if ev.Size != 0 {
		attrs = append(attrs, slog.Int64("size", ev.Size))
	}
	if ev.Rows != 0 {
		attrs = append(attrs, slog.Int64("rows", ev.Rows))
	}
	if ev.Error != nil {
		attrs = append(attrs, slog.String("error", ev.Error.Error()))
	}
	return attrs
}

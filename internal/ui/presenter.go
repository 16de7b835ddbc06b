package ui

import (
	"io"
	"strings"

	"github.com/bamsammich/sitepull/internal/stats"
)

// Presenter consumes events and displays progress.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan Event) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer      io.Writer
	ErrWriter   io.Writer
	Stats       *stats.Collector
	ContentDir  string // stripped from displayed paths
	Concurrency int
	Width       int // terminal columns; 0 means 80
	IsTTY       bool
	Quiet       bool
	NoProgress  bool
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // factory function returns interface by design
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return &quietPresenter{stats: cfg.Stats}
	}
	if !cfg.IsTTY || cfg.NoProgress {
		return &plainPresenter{
			w:          cfg.Writer,
			errW:       cfg.ErrWriter,
			stats:      cfg.Stats,
			contentDir: cfg.ContentDir,
		}
	}
	width := cfg.Width
	if width <= 0 {
		width = 80
	}
	return &hudPresenter{
		w:          cfg.ErrWriter, // HUD renders to stderr (the TTY)
		stats:      cfg.Stats,
		slots:      cfg.Concurrency,
		contentDir: cfg.ContentDir,
		width:      width,
	}
}

// displayPath strips the content root from a manifest path.
func displayPath(contentDir, p string) string {
	if contentDir == "" {
		return p
	}
	if rest, ok := strings.CutPrefix(p, contentDir+"/"); ok {
		return rest
	}
	return p
}

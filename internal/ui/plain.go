package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/sitepull/internal/stats"
)

// plainPresenter outputs one line per finished transfer to stdout,
// and periodic progress to stderr when not a TTY.
type plainPresenter struct {
	w          io.Writer
	errW       io.Writer
	stats      *stats.Collector
	contentDir string

	progressEvery time.Duration // zero means 5s
}

func (p *plainPresenter) Run(events <-chan Event) error {
	every := p.progressEvery
	if every <= 0 {
		every = 5 * time.Second
	}
	progress := time.NewTicker(every)
	defer progress.Stop()
	sec := time.NewTicker(time.Second)
	defer sec.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-sec.C:
			p.stats.Tick()
		case <-progress.C:
			p.printProgress()
		}
	}
}

func (p *plainPresenter) handleEvent(ev Event) {
	path := displayPath(p.contentDir, ev.Path)
	switch ev.Type {
	case ManifestReady:
		fmt.Fprintf(p.w, "manifest: %s files, %s in %d batches\n",
			FormatCount(ev.Total), FormatBytes(ev.TotalSize), ev.Files)
	case FileCompleted:
		speed := p.stats.RollingSpeed(5)
		fmt.Fprintf(p.w, "%s  %s  %s\n", path, FormatBytes(ev.Size), FormatRate(speed))
	case FileFailed:
		fmt.Fprintf(p.w, "%s  failed: %s\n", path, errText(ev.Error))
	case FileSkipped:
		fmt.Fprintf(p.w, "%s  skipped\n", path)
	case BatchCompleted:
		fmt.Fprintf(p.w, "batch  %d files  %s\n", ev.Files, FormatBytes(ev.Size))
	case BatchFailed:
		fmt.Fprintf(p.w, "batch  %d files  failed: %s\n", ev.Files, errText(ev.Error))
	case DBCompleted:
		fmt.Fprintf(p.w, "database  %s\n", FormatBytes(ev.Size))
	case DBFailed:
		fmt.Fprintf(p.w, "database  failed: %s\n", errText(ev.Error))
	case ArchiveBuilt:
		fmt.Fprintf(p.w, "archive  %s  %s\n", ev.Path, FormatBytes(ev.Size))
	case TransferStarted, DBProgress:
		// progress line covers these
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	db := ""
	if snap.DBRowsTotal > 0 || snap.DBRows > 0 {
		db = fmt.Sprintf(" db %s/%s rows", FormatCount(snap.DBRows), FormatCount(snap.DBRowsTotal))
	}
	if snap.BytesTotal > 0 {
		pct := float64(snap.BytesTransferred) / float64(snap.BytesTotal) * 100
		fmt.Fprintf(p.errW, "progress: %.0f%% %s/%s %s/%s files %s eta %s%s\n",
			min(pct, 100),
			FormatBytes(snap.BytesTransferred), FormatBytes(snap.BytesTotal),
			FormatCount(snap.Done()), FormatCount(snap.FilesTotal),
			FormatRate(p.stats.RollingSpeed(10)),
			FormatETA(p.stats.ETA()),
			db,
		)
		return
	}
	fmt.Fprintf(p.errW, "progress: %s transferred %s files%s\n",
		FormatBytes(snap.BytesTransferred),
		FormatCount(snap.Done()),
		db,
	)
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}

func errText(err error) string {
	if err == nil {
		return "error"
	}
	return err.Error()
}

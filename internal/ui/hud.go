package ui

import (
	"fmt"
	"io"
	"path"
	"time"

	"github.com/bamsammich/sitepull/internal/stats"
)

// ANSI escape sequences.
const (
	ansiDim   = "\033[2m"
	ansiBold  = "\033[1m"
	ansiReset = "\033[0m"
)

// hudPresenter provides a TTY display with a scrolling feed of finished
// transfers and a HUD that redraws in place below it.
type hudPresenter struct {
	w          io.Writer
	stats      *stats.Collector
	slots      int
	contentDir string
	width      int

	hudDrawn     bool
	hudLineCount int
	busy         int
	dbActive     bool
	lastHUDDraw  time.Time
}

const (
	sparklineWidth   = 20
	progressBarWidth = 20
	hudMinInterval   = 50 * time.Millisecond
)

func (p *hudPresenter) Run(events <-chan Event) error {
	// Seed the ring buffer quickly, then tick once per second.
	secTicker := time.NewTicker(250 * time.Millisecond)
	defer secTicker.Stop()
	firstTickDone := false

	// Redraw while a large download produces no events.
	redrawTicker := time.NewTicker(100 * time.Millisecond)
	defer redrawTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clearHUD()
				return nil
			}
			p.handleEvent(ev)
			p.maybeDrawHUD()

		case <-redrawTicker.C:
			p.drawHUD()

		case <-secTicker.C:
			p.stats.Tick()
			if !firstTickDone {
				firstTickDone = true
				secTicker.Reset(time.Second)
			}
		}
	}
}

func (p *hudPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case TransferStarted:
		if ev.Path == databaseLabel {
			p.dbActive = true
			return
		}
		p.busy++

	case FileCompleted:
		p.release()
		speed := p.stats.RollingSpeed(5)
		if speed > 0 {
			p.feed("✓  %s  %10s  %s", p.styledPath(ev.Path), FormatBytes(ev.Size), FormatRate(speed))
		} else {
			p.feed("✓  %s  %10s", p.styledPath(ev.Path), FormatBytes(ev.Size))
		}

	case FileFailed:
		p.release()
		p.feed("✗  %s  %s", p.styledPath(ev.Path), errText(ev.Error))

	case FileSkipped:
		p.feed("–  %s  %sskipped%s", p.styledPath(ev.Path), ansiDim, ansiReset)

	case BatchCompleted:
		p.release()
		p.feed("✓  %sbatch%s  %d files  %10s", ansiDim, ansiReset, ev.Files, FormatBytes(ev.Size))

	case BatchFailed:
		p.release()
		p.feed("✗  %sbatch%s  %d files  %s", ansiDim, ansiReset, ev.Files, errText(ev.Error))

	case DBCompleted:
		p.dbActive = false
		p.feed("✓  %sdatabase%s  %10s", ansiBold, ansiReset, FormatBytes(ev.Size))

	case DBFailed:
		p.dbActive = false
		p.feed("✗  %sdatabase%s  %s", ansiBold, ansiReset, errText(ev.Error))

	case ArchiveBuilt:
		p.feed("%sarchive%s  %s  %s", ansiBold, ansiReset, ev.Path, FormatBytes(ev.Size))

	case ManifestReady, DBProgress:
		// reflected in the HUD
	}
}

// databaseLabel is the label the orchestrator gives the DB transfer.
const databaseLabel = "database"

func (p *hudPresenter) release() {
	if p.busy > 0 {
		p.busy--
	}
}

// feed prints one line above the HUD.
func (p *hudPresenter) feed(format string, args ...any) {
	p.clearHUD()
	fmt.Fprintf(p.w, format+"\n", args...)
	p.drawHUD()
}

// maybeDrawHUD redraws the HUD if enough time has passed since the last draw.
func (p *hudPresenter) maybeDrawHUD() {
	if time.Since(p.lastHUDDraw) < hudMinInterval {
		return
	}
	p.drawHUD()
}

func (p *hudPresenter) drawHUD() {
	snap := p.stats.Snapshot()
	p.clearHUD()

	var pct float64
	if snap.BytesTotal > 0 {
		pct = float64(snap.BytesTransferred) / float64(snap.BytesTotal)
	}
	lines := 0

	// Line 1: throughput sparkline, speed and byte totals.
	spark := Sparkline(p.stats.SparklineData(sparklineWidth), sparklineWidth)
	fmt.Fprintf(p.w, "       %s   %s   %s / %s\n",
		spark, FormatRate(p.stats.RollingSpeed(10)),
		FormatBytes(snap.BytesTransferred), FormatBytes(snap.BytesTotal))
	lines++

	// Line 2: progress bar, slots, files and eta.
	fmt.Fprintf(p.w, " %3.0f%%  %s   %s   %s / %s files   eta %s\n",
		min(pct, 1)*100, ProgressBar(pct, progressBarWidth),
		SlotIndicator(p.busy, p.slots),
		FormatCount(snap.Done()), FormatCount(snap.FilesTotal),
		FormatETA(p.stats.ETA()))
	lines++

	// Line 3: database export, only while one is running.
	if p.dbActive {
		var dbPct float64
		if snap.DBRowsTotal > 0 {
			dbPct = float64(snap.DBRows) / float64(snap.DBRowsTotal)
		}
		fmt.Fprintf(p.w, " %3.0f%%  %s   database %s / %s rows\n",
			min(dbPct, 1)*100, ProgressBar(dbPct, progressBarWidth),
			FormatCount(snap.DBRows), FormatCount(snap.DBRowsTotal))
		lines++
	}

	p.hudDrawn = true
	p.hudLineCount = lines
	p.lastHUDDraw = time.Now()
}

func (p *hudPresenter) clearHUD() {
	if !p.hudDrawn {
		return
	}
	// Move cursor up N lines and clear to end of screen.
	fmt.Fprintf(p.w, "\033[%dA\033[J", p.hudLineCount)
	p.hudDrawn = false
}

func (p *hudPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}

// styledPath dims the directory part of a manifest path so the file name
// stands out, shortening it to fit the terminal.
func (p *hudPresenter) styledPath(full string) string {
	rel := truncPath(displayPath(p.contentDir, full), max(p.width-30, 20))
	dir, base := path.Split(rel)
	if dir == "" {
		return base
	}
	return fmt.Sprintf("%s%s%s%s", ansiDim, dir, ansiReset, base)
}

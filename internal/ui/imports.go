package ui

import "github.com/bamsammich/sitepull/internal/event"

// Event is re-exported so presenters read like the engine that feeds them.
type Event = event.Event

// Re-export event types for convenience.
const (
	ManifestReady   = event.ManifestReady
	TransferStarted = event.TransferStarted
	FileCompleted   = event.FileCompleted
	FileFailed      = event.FileFailed
	FileSkipped     = event.FileSkipped
	BatchCompleted  = event.BatchCompleted
	BatchFailed     = event.BatchFailed
	DBProgress      = event.DBProgress
	DBCompleted     = event.DBCompleted
	DBFailed        = event.DBFailed
	ArchiveBuilt    = event.ArchiveBuilt
)

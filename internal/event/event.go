package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	ManifestReady Type = iota + 1
	TransferStarted
	FileCompleted
	FileFailed
	FileSkipped
	BatchCompleted
	BatchFailed
	DBProgress
	DBCompleted
	DBFailed
	ArchiveBuilt
)

var typeNames = [...]string{
	ManifestReady:   "ManifestReady",
	TransferStarted: "TransferStarted",
	FileCompleted:   "FileCompleted",
	FileFailed:      "FileFailed",
	FileSkipped:     "FileSkipped",
	BatchCompleted:  "BatchCompleted",
	BatchFailed:     "BatchFailed",
	DBProgress:      "DBProgress",
	DBCompleted:     "DBCompleted",
	DBFailed:        "DBFailed",
	ArchiveBuilt:    "ArchiveBuilt",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from the engine.
type Event struct {
	Timestamp time.Time
	Error     error
	Type      Type
	Path      string // manifest path, batch label or archive path
	Size      int64  // bytes transferred, or archive size
	Files     int    // files in a batch
	Total     int64  // total files (ManifestReady) or rows (DB events)
	TotalSize int64  // total bytes (ManifestReady)
	Rows      int64  // rows exported so far (DB events)
}

// Emit sends ev on ch, stamping it if needed. A nil channel drops the
// event.
func Emit(ch chan<- Event, ev Event) {
	if ch == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ch <- ev
}

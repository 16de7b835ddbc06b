package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

const ringSize = 60

// Collector tracks transfer progress using lock-free atomic counters. It is
// purely observational; nothing in the engine branches on it.
type Collector struct {
	filesTotal       atomic.Int64
	bytesTotal       atomic.Int64
	filesOK          atomic.Int64
	filesFailed      atomic.Int64
	filesSkipped     atomic.Int64
	batchesOK        atomic.Int64
	batchesFailed    atomic.Int64
	bytesTransferred atomic.Int64
	dbRows           atomic.Int64
	dbRowsTotal      atomic.Int64
	dbExported       atomic.Int64
	startTime        time.Time

	// Ring buffer, written only by Tick.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per tick
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotals records the manifest totals.
func (c *Collector) SetTotals(files, bytes int64) {
	c.filesTotal.Store(files)
	c.bytesTotal.Store(bytes)
}

func (c *Collector) AddFilesOK(n int64)          { c.filesOK.Add(n) }
func (c *Collector) AddFilesFailed(n int64)      { c.filesFailed.Add(n) }
func (c *Collector) AddFilesSkipped(n int64)     { c.filesSkipped.Add(n) }
func (c *Collector) AddBatchesOK(n int64)        { c.batchesOK.Add(n) }
func (c *Collector) AddBatchesFailed(n int64)    { c.batchesFailed.Add(n) }
func (c *Collector) AddBytesTransferred(n int64) { c.bytesTransferred.Add(n) }
func (c *Collector) SetDBRowsTotal(n int64)      { c.dbRowsTotal.Store(n) }

// SetDBProgress records the server-side export counters.
func (c *Collector) SetDBProgress(rows, bytes int64) {
	c.dbRows.Store(rows)
	c.dbExported.Store(bytes)
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	FilesTotal       int64
	BytesTotal       int64
	FilesOK          int64
	FilesFailed      int64
	FilesSkipped     int64
	BatchesOK        int64
	BatchesFailed    int64
	BytesTransferred int64
	DBRows           int64
	DBRowsTotal      int64
	DBExportedBytes  int64
	Elapsed          time.Duration
}

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesTotal:       c.filesTotal.Load(),
		BytesTotal:       c.bytesTotal.Load(),
		FilesOK:          c.filesOK.Load(),
		FilesFailed:      c.filesFailed.Load(),
		FilesSkipped:     c.filesSkipped.Load(),
		BatchesOK:        c.batchesOK.Load(),
		BatchesFailed:    c.batchesFailed.Load(),
		BytesTransferred: c.bytesTransferred.Load(),
		DBRows:           c.dbRows.Load(),
		DBRowsTotal:      c.dbRowsTotal.Load(),
		DBExportedBytes:  c.dbExported.Load(),
		Elapsed:          c.Elapsed(),
	}
}

// Tick records the byte delta since the previous tick. Called once per
// second by the presenter.
func (c *Collector) Tick() {
	current := c.bytesTransferred.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(seconds, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// SparklineData returns up to n recent per-tick byte deltas, oldest first.
func (c *Collector) SparklineData(n int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(n, c.ringCount)
	out := make([]float64, count)
	for i := range count {
		idx := (c.ringIdx - count + i + ringSize) % ringSize
		out[i] = float64(c.throughput[idx])
	}
	return out
}

// ETA estimates remaining time from rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesTransferred.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

// Done reports the number of files that reached a final outcome.
func (s Snapshot) Done() int64 {
	return s.FilesOK + s.FilesFailed + s.FilesSkipped
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"files=%d/%d failed=%d skipped=%d batches=%d/%d bytes=%d db_rows=%d/%d",
		s.FilesOK, s.FilesTotal, s.FilesFailed, s.FilesSkipped,
		s.BatchesOK, s.BatchesOK+s.BatchesFailed, s.BytesTransferred,
		s.DBRows, s.DBRowsTotal,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}

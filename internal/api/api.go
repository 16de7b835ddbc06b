// Package api defines the operations and wire types shared by the sitepull
// server and client.
package api

import (
	"fmt"

	"github.com/bamsammich/sitepull/internal/manifest"
)

// Op identifies one server operation.
type Op int

const (
	OpPing Op = iota
	OpManifestInit
	OpManifestSlice
	OpManifestFinish
	OpDBMeta
	OpDBJobInit
	OpDBJobProcess
	OpDBJobDownload
	OpDBJobFinish
	OpFile
	OpBatchZip
)

var opNames = [...]string{
	OpPing:           "ping",
	OpManifestInit:   "manifest-job-init",
	OpManifestSlice:  "manifest-slice",
	OpManifestFinish: "manifest-job-finish",
	OpDBMeta:         "db-meta",
	OpDBJobInit:      "db-job-init",
	OpDBJobProcess:   "db-job-process",
	OpDBJobDownload:  "db-job-download",
	OpDBJobFinish:    "db-job-finish",
	OpFile:           "file",
	OpBatchZip:       "batch-zip",
}

// Ops lists every operation in declaration order.
func Ops() []Op {
	out := make([]Op, len(opNames))
	for i := range opNames {
		out[i] = Op(i)
	}
	return out
}

func (o Op) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return fmt.Sprintf("Op(%d)", int(o))
	}
	return opNames[o]
}

// Path returns the URL path the operation is served under.
func (o Op) Path() string {
	return PathPrefix + o.String()
}

// ParseOp maps a wire name to its Op.
func ParseOp(name string) (Op, error) {
	for i, n := range opNames {
		if n == name {
			return Op(i), nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", name)
}

const (
	// PathPrefix is prepended to every operation name.
	PathPrefix = "/v1/"
	// KeyHeader carries the shared access key (preferred).
	KeyHeader = "X-Sitepull-Key"
	// KeyParam carries the access key as a query parameter.
	KeyParam = "key"

	// MaxSliceLimit caps the entries returned by one manifest slice.
	MaxSliceLimit = 20000
	// DefaultProcessBudgetMS is the export time slice when none is given.
	DefaultProcessBudgetMS = 5000
	// DBFileName is the export's name at the root of the final archive.
	DBFileName = "db.sql"
)

// Export job states.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

type PingResponse struct {
	Version    string `json:"version"`
	ContentDir string `json:"content_dir"`
	Database   bool   `json:"database"`
}

type ManifestInitResponse struct {
	JobID      string `json:"job_id"`
	TotalFiles int    `json:"total_files"`
	TotalBytes int64  `json:"total_bytes"`
}

type ManifestSliceResponse struct {
	Files      []manifest.FileEntry `json:"files"`
	TotalFiles int                  `json:"total_files"`
	TotalBytes int64                `json:"total_bytes"`
}

type DBMetaResponse struct {
	TotalTables      int   `json:"total_tables"`
	TotalRows        int64 `json:"total_rows"`
	TotalApproxBytes int64 `json:"total_approx_bytes"`
	IsEstimate       bool  `json:"is_estimate"`
}

type DBJobInitResponse struct {
	JobID          string `json:"job_id"`
	BytesWritten   int64  `json:"bytes_written"`
	EstimatedBytes int64  `json:"estimated_bytes"`
	TotalTables    int    `json:"total_tables"`
	TotalRows      int64  `json:"total_rows"`
}

type DBJobProcessResponse struct {
	State           string   `json:"state"`
	BytesWritten    int64    `json:"bytes_written"`
	CompletedTables []string `json:"completed_tables"`
	RowsProcessed   int64    `json:"rows_processed"`
	Done            bool     `json:"done"`
	Warnings        []string `json:"warnings,omitempty"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// BatchZipRequest is the JSON body of a batch-zip request.
type BatchZipRequest struct {
	Paths []string `json:"paths"`
}

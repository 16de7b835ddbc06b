package manifest

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultPageSize is the number of entries requested per manifest slice.
const DefaultPageSize = 5000

// Page is one slice of a server-side manifest job.
type Page struct {
	Files      []FileEntry
	TotalFiles int
	TotalBytes int64
}

// Source serves paginated reads of a cached manifest scan.
type Source interface {
	Slice(ctx context.Context, jobID string, offset, limit int) (Page, error)
}

// Collect pages through a manifest job and partitions it on the fly.
// Duplicate paths are dropped so every path is assigned exactly once.
func Collect(
	ctx context.Context,
	src Source,
	jobID string,
	pageSize int,
	cfg PartitionConfig,
) (Partition, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	p := NewPartitioner(cfg)
	seen := make(map[string]struct{})
	offset := 0
	for {
		page, err := src.Slice(ctx, jobID, offset, pageSize)
		if err != nil {
			return Partition{}, fmt.Errorf("manifest slice at %d: %w", offset, err)
		}
		for _, e := range page.Files {
			if _, dup := seen[e.Path]; dup {
				slog.Debug("duplicate manifest entry dropped", "path", e.Path)
				continue
			}
			seen[e.Path] = struct{}{}
			p.Add(e)
		}
		offset += len(page.Files)
		if len(page.Files) == 0 || offset >= page.TotalFiles {
			break
		}
	}
	return p.Finish(), nil
}

package engine

import (
	"log/slog"
	"os"
	"sync"
)

// partialRegistry tracks destination files that are still being written
// so an aborted run can remove them.
type partialRegistry struct {
	paths map[string]struct{}
	mu    sync.Mutex
}

func newPartialRegistry() *partialRegistry {
	return &partialRegistry{paths: make(map[string]struct{})}
}

func (r *partialRegistry) register(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[path] = struct{}{}
}

func (r *partialRegistry) deregister(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paths, path)
}

func (r *partialRegistry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// cleanup removes every registered path.
func (r *partialRegistry) cleanup() {
	r.mu.Lock()
	paths := make([]string, 0, len(r.paths))
	for p := range r.paths {
		paths = append(paths, p)
	}
	r.paths = make(map[string]struct{})
	r.mu.Unlock()

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove partial download", "path", p, "error", err)
		}
	}
}

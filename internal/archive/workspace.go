// Package archive manages the transfer workspace: creating it, unpacking
// batch zips into it, and packing it into the final artifact.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bamsammich/sitepull/internal/api"
)

// tmpDirName holds in-flight downloads inside the workspace. It is never
// archived.
const tmpDirName = ".incoming"

// Workspace is the temporary directory one pull writes into. Its layout
// matches the final archive: the SQL export at the root and the asset tree
// under the content directory name.
type Workspace struct {
	Root       string
	ContentDir string
}

// CreateWorkspace makes a uniquely named workspace under outputDir.
func CreateWorkspace(outputDir, contentDir string) (Workspace, error) {
	contentDir = strings.Trim(filepath.ToSlash(contentDir), "/")
	if contentDir == "" || strings.Contains(contentDir, "..") {
		return Workspace{}, fmt.Errorf("invalid content directory %q", contentDir)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create output dir: %w", err)
	}
	root, err := os.MkdirTemp(outputDir, ".sitepull-*.tmp")
	if err != nil {
		return Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	ws := Workspace{Root: root, ContentDir: contentDir}
	for _, dir := range []string{ws.MirrorDir(), ws.TempDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			os.RemoveAll(root)
			return Workspace{}, fmt.Errorf("create workspace: %w", err)
		}
	}
	return ws, nil
}

// MirrorDir is where the asset tree is reconstructed.
func (w Workspace) MirrorDir() string {
	return filepath.Join(w.Root, filepath.FromSlash(w.ContentDir))
}

// DBPath is where the SQL export is written.
func (w Workspace) DBPath() string {
	return filepath.Join(w.Root, api.DBFileName)
}

// TempDir holds batch zips while they download.
func (w Workspace) TempDir() string {
	return filepath.Join(w.Root, tmpDirName)
}

// CleanupWorkspace removes the workspace tree unconditionally.
func CleanupWorkspace(root string) error {
	if root == "" {
		return nil
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

package archive

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Checksum returns the hex BLAKE3 digest of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sidecar describes a finished pull. It is written next to the archive as
// <archive>.yaml.
type Sidecar struct {
	CreatedAt time.Time       `yaml:"created_at"`
	Site      string          `yaml:"site"`
	Archive   string          `yaml:"archive"`
	Blake3    string          `yaml:"blake3"`
	Database  SidecarDatabase `yaml:"database"`
	Files     SidecarFiles    `yaml:"files"`
	Size      int64           `yaml:"size"`
}

type SidecarFiles struct {
	OK      int64 `yaml:"ok"`
	Failed  int64 `yaml:"failed"`
	Skipped int64 `yaml:"skipped"`
	Bytes   int64 `yaml:"bytes"`
}

type SidecarDatabase struct {
	Status string `yaml:"status"`
	Tables int    `yaml:"tables,omitempty"`
	Rows   int64  `yaml:"rows,omitempty"`
	Bytes  int64  `yaml:"bytes,omitempty"`
}

// SidecarPath returns the sidecar location for an archive.
func SidecarPath(archivePath string) string {
	return archivePath + ".yaml"
}

// WriteSidecar writes s next to the archive.
func WriteSidecar(archivePath string, s Sidecar) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := os.WriteFile(SidecarPath(archivePath), data, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

// ReadSidecar loads a sidecar written by WriteSidecar.
func ReadSidecar(path string) (Sidecar, error) {
	var s Sidecar
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode sidecar: %w", err)
	}
	return s, nil
}

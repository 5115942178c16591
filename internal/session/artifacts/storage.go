// Package artifacts stores uploaded binary artifacts (screenshots, preview
// bundles) on disk and hands out stable URLs. The artifact event in the log
// is the only in-session record; this store holds the bytes.
package artifacts

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Storage writes artifact files under a per-session directory.
type Storage struct {
	dir     string
	baseURL string
}

// NewStorage creates the root directory if needed.
func NewStorage(dir, baseURL string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &Storage{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Save persists an uploaded file and returns its stable URL. The stored name
// is generated; the original filename survives only in its extension.
func (s *Storage) Save(sessionID string, file *multipart.FileHeader) (string, error) {
	sessionDir := filepath.Join(s.dir, sessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}

	name := uuid.New().String() + filepath.Ext(file.Filename)
	src, err := file.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(filepath.Join(sessionDir, name))
	if err != nil {
		return "", err
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/artifacts/%s/%s", s.baseURL, sessionID, name), nil
}

// FilePath resolves a stored artifact for serving, refusing path escapes.
func (s *Storage) FilePath(sessionID, name string) (string, error) {
	if strings.Contains(sessionID, "..") || strings.Contains(name, "..") ||
		strings.ContainsAny(name, "/\\") || strings.ContainsAny(sessionID, "/\\") {
		return "", fmt.Errorf("invalid artifact path")
	}
	path := filepath.Join(s.dir, sessionID, name)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

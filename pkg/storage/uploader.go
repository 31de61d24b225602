// Package storage holds uploaded file payloads and hands back the URLs
// that file messages carry.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrEmptyName is returned when an upload has no file name.
var ErrEmptyName = errors.New("empty file name")

// Uploader stores an uploaded object and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, name string) (string, error)
}

// DiskUploader writes objects under a local directory.
type DiskUploader struct {
	dir     string
	baseURL string
}

// NewDiskUploader creates dir if needed.
func NewDiskUploader(dir, baseURL string) (*DiskUploader, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &DiskUploader{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Upload writes data as <uuid><ext>. The original name only contributes
// its extension.
func (u *DiskUploader) Upload(ctx context.Context, data []byte, name string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	object := uuid.NewString() + strings.ToLower(filepath.Ext(filepath.Base(name)))
	tmp := filepath.Join(u.dir, object+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(u.dir, object)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to commit object: %w", err)
	}
	return u.baseURL + "/" + object, nil
}

// Path returns the on-disk location of an object returned by Upload.
func (u *DiskUploader) Path(url string) string {
	return filepath.Join(u.dir, filepath.Base(url))
}

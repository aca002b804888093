package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Storage keeps a copy of submitted receipt images
type Storage interface {
	// Save stores data under key
	Save(ctx context.Context, key string, data []byte, contentType string) error
}

// Key builds a date-partitioned object key, e.g. 2025/01/31/<uuid>.jpg
func Key(now time.Time, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%s/%s.%s", now.UTC().Format("2006/01/02"), uuid.NewString(), ext)
}

// Extension maps an image media type to a file extension
func Extension(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "image/heic":
		return "heic"
	case "image/heif":
		return "heif"
	case "application/pdf":
		return "pdf"
	default:
		return "bin"
	}
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Save writes a file below the base path, creating the date directories
func (l *LocalStorage) Save(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(l.basePath, filepath.FromSlash(key))
	if !strings.HasPrefix(path, filepath.Clean(l.basePath)+string(os.PathSeparator)) {
		return fmt.Errorf("invalid key %q", key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}

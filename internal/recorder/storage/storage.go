// Package storage holds the clip sinks and the clip bookkeeping around them:
// the Matroska container writer, the SQL clip catalog and the object-store
// archiver.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInsufficientSpace is returned when the output volume is below the
// configured free-space floor.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// ObjectStore uploads finished clip files.
type ObjectStore interface {
	PutFile(ctx context.Context, key, filePath string) error
}

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsAccessDenied returns true if the error indicates access was denied
func IsAccessDenied(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 403
	}
	return false
}

// CreateExclusive creates path for writing and fails if it already exists.
// dir is checked against minFreeMB first.
func CreateExclusive(path string, minFreeMB uint64) (*os.File, error) {
	if err := CheckFreeSpace(filepath.Dir(path), minFreeMB); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("refusing to overwrite %s: %w", path, err)
		}
		return nil, err
	}
	return f, nil
}

// EnsureAbsent fails if path exists. It is used by sinks whose encoder opens
// the file itself.
func EnsureAbsent(path string, minFreeMB uint64) error {
	if err := CheckFreeSpace(filepath.Dir(path), minFreeMB); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite %s: %w", path, os.ErrExist)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// detectContentType maps a clip file extension to its MIME type
func detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mkv":
		return "video/x-matroska"
	case ".avi":
		return "video/x-msvideo"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

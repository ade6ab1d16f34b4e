//go:build unix

package storage

import (
	"errors"
	"image"
	"path/filepath"
	"testing"

	"github.com/mikeyg42/motionclip/internal/recorder"
)

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()

	if err := CheckFreeSpace(dir, 0); err != nil {
		t.Fatalf("zero floor should always pass: %v", err)
	}
	if err := CheckFreeSpace(dir, 1); err != nil {
		t.Fatalf("1 MB floor: %v", err)
	}
	if err := CheckFreeSpace(dir, 1<<40); !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("expected ErrInsufficientSpace, got %v", err)
	}
	if err := CheckFreeSpace(filepath.Join(dir, "missing"), 1); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestStorageFullIsSinkUnavailable(t *testing.T) {
	sink, err := NewMatroskaSink(MatroskaConfig{Dir: t.TempDir(), MinFreeMB: 1 << 40}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = sink.Create(1, image.Pt(16, 12), 10)
	if !errors.Is(err, recorder.ErrSinkUnavailable) || !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("expected storage-full SinkError, got %v", err)
	}
}

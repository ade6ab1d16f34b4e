package recorder

import (
	"errors"
	"fmt"
	"image"
	"strconv"

	"github.com/mikeyg42/motionclip/internal/frame"
)

// ErrSinkUnavailable is reported when a clip cannot be created or written,
// for example because storage is full or the output path is unwritable. It is
// recoverable: the session skips the clip and keeps detecting.
var ErrSinkUnavailable = errors.New("clip sink unavailable")

// ClipSink creates output clips.
type ClipSink interface {
	// Create opens clip number seq for frames of the given size and rate.
	Create(seq int, size image.Point, fps float64) (Clip, error)
}

// Clip is an open output artifact. Frames are appended in order until
// Finalize is called; no writes are accepted afterwards.
type Clip interface {
	Sequence() int
	Path() string
	Write(f frame.Frame) error
	Finalize() error
}

// SinkError describes a failed sink operation.
type SinkError struct {
	Op       string // create, write, finalize
	Sequence int
	Err      error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("clip %d %s: %v", e.Sequence, e.Op, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// Is makes every SinkError match ErrSinkUnavailable.
func (e *SinkError) Is(target error) bool {
	return target == ErrSinkUnavailable
}

// ClipName returns the file name of clip seq: "<seq>.<ext>".
func ClipName(seq int, ext string) string {
	return strconv.Itoa(seq) + "." + ext
}

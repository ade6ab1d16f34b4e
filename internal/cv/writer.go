package cv

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/motionclip/internal/frame"
	"github.com/mikeyg42/motionclip/internal/recorder"
	"github.com/mikeyg42/motionclip/internal/recorder/recorderlog"
	"github.com/mikeyg42/motionclip/internal/recorder/storage"
)

// WriterConfig configures the AVI clip sink.
type WriterConfig struct {
	Dir       string
	Codec     string // FOURCC, e.g. MJPG
	MinFreeMB uint64
}

// VideoWriterSink writes each clip as <seq>.avi through OpenCV's VideoWriter.
type VideoWriterSink struct {
	cfg    WriterConfig
	logger recorderlog.Logger
}

// NewVideoWriterSink creates the output directory if needed.
func NewVideoWriterSink(cfg WriterConfig, logger recorderlog.Logger) (*VideoWriterSink, error) {
	if len(cfg.Codec) != 4 {
		return nil, fmt.Errorf("codec must be a four character code, got %q", cfg.Codec)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	return &VideoWriterSink{cfg: cfg, logger: logger.Named("avi")}, nil
}

// Create opens <seq>.avi. It refuses to replace an existing file.
func (s *VideoWriterSink) Create(seq int, size image.Point, fps float64) (recorder.Clip, error) {
	path := filepath.Join(s.cfg.Dir, recorder.ClipName(seq, "avi"))
	if err := storage.EnsureAbsent(path, s.cfg.MinFreeMB); err != nil {
		return nil, &recorder.SinkError{Op: "create", Sequence: seq, Err: err}
	}

	vw, err := gocv.VideoWriterFile(path, s.cfg.Codec, fps, size.X, size.Y, true)
	if err != nil {
		return nil, &recorder.SinkError{Op: "create", Sequence: seq, Err: err}
	}
	if !vw.IsOpened() {
		vw.Close()
		os.Remove(path)
		return nil, &recorder.SinkError{Op: "create", Sequence: seq, Err: fmt.Errorf("can't open %s for writing", path)}
	}

	s.logger.Debug("AVI clip created", recorderlog.String("path", path), recorderlog.String("codec", s.cfg.Codec))
	return &aviClip{seq: seq, path: path, size: size, vw: vw}, nil
}

type aviClip struct {
	seq  int
	path string
	size image.Point
	vw   *gocv.VideoWriter
	done bool
}

func (c *aviClip) Sequence() int { return c.seq }
func (c *aviClip) Path() string  { return c.path }

func (c *aviClip) Write(f frame.Frame) error {
	if c.done {
		return &recorder.SinkError{Op: "write", Sequence: c.seq, Err: errors.New("clip already finalized")}
	}
	if f.Size() != c.size {
		return &recorder.SinkError{Op: "write", Sequence: c.seq, Err: fmt.Errorf("frame size %v does not match clip size %v", f.Size(), c.size)}
	}

	mat, err := ToMat(f.Image)
	if err != nil {
		return &recorder.SinkError{Op: "write", Sequence: c.seq, Err: err}
	}
	defer mat.Close()

	if err := c.vw.Write(mat); err != nil {
		return &recorder.SinkError{Op: "write", Sequence: c.seq, Err: err}
	}
	return nil
}

func (c *aviClip) Finalize() error {
	if c.done {
		return nil
	}
	c.done = true
	return c.vw.Close()
}

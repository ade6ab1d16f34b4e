package storage

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/mikeyg42/motionclip/internal/frame"
	"github.com/mikeyg42/motionclip/internal/recorder"
	"github.com/mikeyg42/motionclip/internal/recorder/recorderlog"
)

const (
	matroskaCodecMJPEG = "V_MJPEG"
	trackTypeVideo     = 1

	finalizeTimeout = 10 * time.Second
)

// MatroskaConfig configures the Matroska clip sink.
type MatroskaConfig struct {
	Dir         string
	JPEGQuality int    // 1-100, 0 selects jpeg.DefaultQuality
	MinFreeMB   uint64 // refuse new clips below this much free space
}

// MatroskaSink writes each clip as <seq>.mkv holding a single MJPEG video
// track.
type MatroskaSink struct {
	cfg    MatroskaConfig
	logger recorderlog.Logger
}

// NewMatroskaSink creates the output directory if needed.
func NewMatroskaSink(cfg MatroskaConfig, logger recorderlog.Logger) (*MatroskaSink, error) {
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = jpeg.DefaultQuality
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return nil, fmt.Errorf("jpeg quality must be within 1-100, got %d", cfg.JPEGQuality)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	return &MatroskaSink{cfg: cfg, logger: logger.Named("mkv")}, nil
}

// Create opens a new Matroska file for clip seq.
func (s *MatroskaSink) Create(seq int, size image.Point, fps float64) (recorder.Clip, error) {
	if fps <= 0 {
		return nil, &recorder.SinkError{Op: "create", Sequence: seq, Err: fmt.Errorf("invalid fps %v", fps)}
	}
	path := filepath.Join(s.cfg.Dir, recorder.ClipName(seq, "mkv"))

	f, err := CreateExclusive(path, s.cfg.MinFreeMB)
	if err != nil {
		return nil, &recorder.SinkError{Op: "create", Sequence: seq, Err: err}
	}
	file := &closeNotifier{File: f, closed: make(chan struct{})}

	header := *webm.DefaultEBMLHeader
	header.DocType = "matroska"

	ws, err := webm.NewSimpleBlockWriter(file,
		[]webm.TrackEntry{
			{
				Name:            "Video",
				TrackNumber:     1,
				TrackUID:        uint64(seq),
				CodecID:         matroskaCodecMJPEG,
				TrackType:       trackTypeVideo,
				DefaultDuration: uint64(float64(time.Second) / fps),
				Video: &webm.Video{
					PixelWidth:  uint64(size.X),
					PixelHeight: uint64(size.Y),
				},
			},
		},
		mkvcore.WithEBMLHeader(&header),
	)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, &recorder.SinkError{Op: "create", Sequence: seq, Err: fmt.Errorf("failed to create Matroska writer: %w", err)}
	}

	s.logger.Debug("Matroska clip created",
		recorderlog.String("path", path),
		recorderlog.Int("width", size.X),
		recorderlog.Int("height", size.Y),
		recorderlog.Float64("fps", fps))

	return &matroskaClip{
		seq:     seq,
		path:    path,
		fps:     fps,
		quality: s.cfg.JPEGQuality,
		track:   ws[0],
		file:    file,
	}, nil
}

type matroskaClip struct {
	seq     int
	path    string
	fps     float64
	quality int

	track  webm.BlockWriteCloser
	file   *closeNotifier
	frames int
	buf    bytes.Buffer
	done   bool
}

func (c *matroskaClip) Sequence() int { return c.seq }
func (c *matroskaClip) Path() string  { return c.path }

// Write appends f as a JPEG keyframe. Block timestamps are in milliseconds
// and derived from the frame index, so playback runs at the source rate.
func (c *matroskaClip) Write(f frame.Frame) error {
	if c.done {
		return &recorder.SinkError{Op: "write", Sequence: c.seq, Err: errors.New("clip already finalized")}
	}
	if f.Empty() {
		return &recorder.SinkError{Op: "write", Sequence: c.seq, Err: errors.New("empty frame")}
	}

	c.buf.Reset()
	if err := jpeg.Encode(&c.buf, f.Image, &jpeg.Options{Quality: c.quality}); err != nil {
		return &recorder.SinkError{Op: "write", Sequence: c.seq, Err: fmt.Errorf("jpeg encode: %w", err)}
	}

	ts := int64(math.Round(float64(c.frames) * 1000 / c.fps))
	if _, err := c.track.Write(true, ts, c.buf.Bytes()); err != nil {
		return &recorder.SinkError{Op: "write", Sequence: c.seq, Err: err}
	}
	c.frames++
	return nil
}

// Finalize closes the track and waits for the writer to release the file.
func (c *matroskaClip) Finalize() error {
	if c.done {
		return nil
	}
	c.done = true

	err := c.track.Close()
	select {
	case <-c.file.closed:
	case <-time.After(finalizeTimeout):
		c.file.Close()
		return fmt.Errorf("timed out waiting for Matroska writer to close %s", c.path)
	}
	return errors.Join(err, c.file.err)
}

// closeNotifier lets Finalize observe when the block writer has flushed and
// closed the underlying file.
type closeNotifier struct {
	*os.File
	once   sync.Once
	closed chan struct{}
	err    error
}

func (f *closeNotifier) Close() error {
	f.once.Do(func() {
		f.err = f.File.Close()
		close(f.closed)
	})
	return f.err
}

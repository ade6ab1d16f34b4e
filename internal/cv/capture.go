// Package cv adapts OpenCV (gocv) to the frame pipeline: capture, frame
// differencing, the preview window and AVI clip writing.
package cv

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/motionclip/internal/frame"
	"github.com/mikeyg42/motionclip/internal/recorder/pipeline"
	"github.com/mikeyg42/motionclip/internal/recorder/recorderlog"
)

// Capture reads frames from a camera, file or stream URL.
type Capture struct {
	vc     *gocv.VideoCapture
	info   pipeline.SourceInfo
	logger recorderlog.Logger

	mat     gocv.Mat
	seq     uint64
	pending *frame.Frame // read early to learn the frame size
}

// ParseSource maps a source identifier to what OpenCV expects: an integer
// camera index or a path/URL string.
func ParseSource(identifier string) interface{} {
	if idx, err := strconv.Atoi(identifier); err == nil && idx >= 0 {
		return idx
	}
	return identifier
}

// OpenSource opens identifier. When the container does not report a frame
// rate, fallbackFPS is used.
func OpenSource(identifier string, fallbackFPS float64, logger recorderlog.Logger) (*Capture, error) {
	if logger == nil {
		logger = recorderlog.L()
	}
	logger = logger.Named("capture")

	vc, err := gocv.OpenVideoCapture(ParseSource(identifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", pipeline.ErrSourceUnavailable, identifier, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", pipeline.ErrSourceUnavailable, identifier)
	}

	fps := vc.Get(gocv.VideoCaptureFPS)
	if fps <= 0 {
		logger.Warn("Source did not report a frame rate, using fallback",
			recorderlog.String("source", identifier),
			recorderlog.Float64("fps", fallbackFPS))
		fps = fallbackFPS
	}
	c := &Capture{
		vc:     vc,
		info:   pipeline.SourceInfo{FPS: fps},
		logger: logger,
		mat:    gocv.NewMat(),
	}

	size := image.Pt(int(vc.Get(gocv.VideoCaptureFrameWidth)), int(vc.Get(gocv.VideoCaptureFrameHeight)))
	if size.X <= 0 || size.Y <= 0 {
		// Some streams only report dimensions once decoding starts.
		f, err := c.read()
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("%w: %s: no frames: %v", pipeline.ErrSourceUnavailable, identifier, err)
		}
		c.pending = &f
		size = f.Size()
	}
	c.info.Size = size

	logger.Info("Source opened",
		recorderlog.String("source", identifier),
		recorderlog.Float64("fps", fps),
		recorderlog.Int("width", size.X),
		recorderlog.Int("height", size.Y))
	return c, nil
}

// Info returns the properties queried when the source was opened.
func (c *Capture) Info() pipeline.SourceInfo {
	return c.info
}

// Next reads the next frame. A failed read or an empty frame ends the
// stream.
func (c *Capture) Next(ctx context.Context) (frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frame.Frame{}, err
	}
	if c.pending != nil {
		f := *c.pending
		c.pending = nil
		return f, nil
	}
	return c.read()
}

func (c *Capture) read() (frame.Frame, error) {
	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		return frame.Frame{}, pipeline.ErrEndOfStream
	}

	img, err := c.mat.ToImage()
	if err != nil {
		return frame.Frame{}, fmt.Errorf("converting frame %d: %w", c.seq+1, err)
	}

	c.seq++
	return frame.Frame{
		Seq:       c.seq,
		Timestamp: time.Now(),
		PTS:       PTS(c.seq, c.info.FPS),
		Image:     img,
	}, nil
}

// PTS is the stream position of frame seq (1-based) at fps.
func PTS(seq uint64, fps float64) time.Duration {
	if seq == 0 || fps <= 0 {
		return 0
	}
	return time.Duration(float64(seq-1) / fps * float64(time.Second))
}

// Close releases the capture device.
func (c *Capture) Close() error {
	c.mat.Close()
	return c.vc.Close()
}

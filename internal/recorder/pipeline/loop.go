// Package pipeline drives frames from a source through motion detection and
// region filtering into a recording session, one frame at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/mikeyg42/motionclip/internal/frame"
	"github.com/mikeyg42/motionclip/internal/motion"
	"github.com/mikeyg42/motionclip/internal/recorder"
	"github.com/mikeyg42/motionclip/internal/recorder/recorderlog"
)

var (
	// ErrSourceUnavailable means the frame source could not be opened.
	ErrSourceUnavailable = errors.New("frame source unavailable")
	// ErrEndOfStream is returned by Source.Next when no more frames exist.
	ErrEndOfStream = errors.New("end of stream")
)

// SourceInfo is queried once at startup.
type SourceInfo struct {
	FPS  float64
	Size image.Point
}

// Source produces frames in capture order.
type Source interface {
	Info() SourceInfo
	// Next blocks until the next frame is available. It returns
	// ErrEndOfStream once the stream is exhausted.
	Next(ctx context.Context) (frame.Frame, error)
	Close() error
}

// Detector reports candidate motion regions between two consecutive frames.
type Detector interface {
	Detect(prev, cur frame.Frame) ([]motion.Region, error)
}

// Viewer displays frames and reports stop requests.
type Viewer interface {
	Show(f frame.Frame) error
	// PollStop waits up to timeout for a stop request.
	PollStop(timeout time.Duration) bool
	Close() error
}

// ROIPicker lets the operator choose a region of interest on the first frame.
// A zero rectangle selects the full frame.
type ROIPicker interface {
	Select(initial frame.Frame) (image.Rectangle, error)
}

// LoopConfig holds the per-run detection settings.
type LoopConfig struct {
	MinArea       float64
	ROI           image.Rectangle // zero means the full frame
	PollInterval  time.Duration
	AnnotateClips bool // record frames with motion boxes drawn
	BoxThickness  int
}

// Loop is the frame loop driver.
type Loop struct {
	cfg      LoopConfig
	source   Source
	detector Detector
	viewer   Viewer
	picker   ROIPicker
	session  *recorder.Session
	logger   recorderlog.Logger

	roi image.Rectangle
}

// NewLoop wires the collaborators together. picker may be nil.
func NewLoop(cfg LoopConfig, source Source, detector Detector, viewer Viewer, picker ROIPicker,
	session *recorder.Session, logger recorderlog.Logger) (*Loop, error) {
	if source == nil || detector == nil || viewer == nil || session == nil {
		return nil, fmt.Errorf("source, detector, viewer and session are required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", cfg.PollInterval)
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	return &Loop{
		cfg:      cfg,
		source:   source,
		detector: detector,
		viewer:   viewer,
		picker:   picker,
		session:  session,
		logger:   logger.Named("loop"),
	}, nil
}

// ROI returns the region of interest in effect, once Run has resolved it.
func (l *Loop) ROI() image.Rectangle {
	return l.roi
}

// Run processes frames until the stream ends, the viewer requests a stop or
// ctx is cancelled. Any open clip is finalized before Run returns. Stopping
// is not an error; Run returns nil in all three cases, even when the final
// clip cannot be finalized.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		if err := l.session.Close(); err != nil {
			l.logger.Warn("Final clip was not finalized cleanly", recorderlog.Error(err))
		}
	}()

	first, err := l.source.Next(ctx)
	if err != nil {
		return l.stopErr(err)
	}

	requested := l.cfg.ROI
	if l.picker != nil {
		if requested, err = l.picker.Select(first); err != nil {
			return fmt.Errorf("selecting region of interest: %w", err)
		}
	}
	if l.roi, err = motion.ResolveROI(requested, first.Size()); err != nil {
		return err
	}
	l.logger.Info("Frame loop started",
		recorderlog.Any("roi", l.roi),
		recorderlog.Float64("min_area", l.cfg.MinArea))

	// The first frame has no predecessor to compare against.
	if l.step(first, nil) {
		return nil
	}

	prev := first
	for {
		if ctx.Err() != nil {
			l.logger.Info("Stop requested", recorderlog.Error(ctx.Err()))
			return nil
		}

		cur, err := l.source.Next(ctx)
		if err != nil {
			return l.stopErr(err)
		}

		regions, err := l.detector.Detect(prev, cur)
		if err != nil {
			l.logger.Warn("Motion detection failed, treating frame as still",
				recorderlog.Uint64("frame", cur.Seq),
				recorderlog.Error(err))
			regions = nil
		}

		if l.step(cur, regions) {
			return nil
		}
		prev = cur
	}
}

// step classifies one frame, feeds the session and the viewer, and reports
// whether a stop was requested.
func (l *Loop) step(cur frame.Frame, regions []motion.Region) bool {
	detected, accepted := motion.Classify(regions, l.roi, l.cfg.MinArea)
	boxes := motion.Bounds(accepted)

	rec := cur
	if l.cfg.AnnotateClips && len(boxes) > 0 {
		rec = frame.Annotate(cur, frame.Annotation{Boxes: boxes, Thickness: l.cfg.BoxThickness})
	}
	state := l.session.Process(rec, detected)

	label := "IDLE"
	if state == recorder.Recording {
		label = fmt.Sprintf("REC %d", l.session.ClipSequence())
	}
	shown := frame.Annotate(cur, frame.Annotation{
		Boxes:     boxes,
		Thickness: l.cfg.BoxThickness,
		ROI:       l.roi,
		Label:     label,
	})
	if err := l.viewer.Show(shown); err != nil {
		l.logger.Warn("Failed to display frame", recorderlog.Error(err))
	}

	if l.viewer.PollStop(l.cfg.PollInterval) {
		l.logger.Info("Stop requested from viewer", recorderlog.Uint64("frame", cur.Seq))
		return true
	}
	return false
}

func (l *Loop) stopErr(err error) error {
	switch {
	case errors.Is(err, ErrEndOfStream):
		l.logger.Info("Stream finished")
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		l.logger.Info("Stop requested", recorderlog.Error(err))
		return nil
	default:
		return fmt.Errorf("reading frame: %w", err)
	}
}

// HeadlessViewer discards frames and only stops when its context ends.
type HeadlessViewer struct {
	ctx context.Context
}

// NewHeadlessViewer returns a viewer for runs without a display.
func NewHeadlessViewer(ctx context.Context) *HeadlessViewer {
	return &HeadlessViewer{ctx: ctx}
}

func (v *HeadlessViewer) Show(frame.Frame) error { return nil }

// PollStop reports a stop as soon as the context is done; it does not wait
// for timeout so headless runs proceed at source speed.
func (v *HeadlessViewer) PollStop(time.Duration) bool {
	return v.ctx.Err() != nil
}

func (v *HeadlessViewer) Close() error { return nil }

package cv

import (
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/motionclip/internal/display"
	"github.com/mikeyg42/motionclip/internal/frame"
	"github.com/mikeyg42/motionclip/internal/recorder/recorderlog"
)

const keyEsc = 27

// StopKey reports whether key, as returned by WaitKey, requests a stop.
func StopKey(key int) bool {
	if key < 0 {
		return false
	}
	switch key & 0xFF {
	case keyEsc, 'q', 'Q':
		return true
	}
	return false
}

// Window is the preview window. It also serves as the ROI picker.
type Window struct {
	win    *gocv.Window
	sized  bool
	frac   float64
	logger recorderlog.Logger
}

// NewWindow opens a resizable preview window. screenFraction sizes it
// relative to the X11 screen once the first frame is shown.
func NewWindow(title string, screenFraction float64, logger recorderlog.Logger) *Window {
	if logger == nil {
		logger = recorderlog.L()
	}
	return &Window{
		win:    gocv.NewWindow(title),
		frac:   screenFraction,
		logger: logger.Named("window"),
	}
}

// Show displays f.
func (w *Window) Show(f frame.Frame) error {
	mat, err := ToMat(f.Image)
	if err != nil {
		return err
	}
	defer mat.Close()

	if !w.sized {
		w.resize(f.Size())
	}
	w.win.IMShow(mat)
	return nil
}

func (w *Window) resize(frameSize image.Point) {
	w.sized = true
	screen, err := display.ScreenSize()
	if err != nil {
		w.logger.Debug("Screen size unavailable, using frame size", recorderlog.Error(err))
	}
	size := display.WindowSize(screen, frameSize, w.frac)
	w.win.ResizeWindow(size.X, size.Y)
}

// PollStop waits up to timeout for a key press and reports ESC or q.
func (w *Window) PollStop(timeout time.Duration) bool {
	delay := int(timeout.Milliseconds())
	if delay < 1 {
		delay = 1
	}
	return StopKey(w.win.WaitKey(delay))
}

// Select lets the operator drag a region of interest on the first frame.
// Confirming without a selection returns the zero rectangle (full frame).
func (w *Window) Select(initial frame.Frame) (image.Rectangle, error) {
	mat, err := ToMat(initial.Image)
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("preparing selection frame: %w", err)
	}
	defer mat.Close()

	if !w.sized {
		w.resize(initial.Size())
	}
	roi := w.win.SelectROI(mat)
	if roi.Dx() == 0 && roi.Dy() == 0 {
		w.logger.Info("No region selected, watching the full frame")
		return image.Rectangle{}, nil
	}
	w.logger.Info("Region of interest selected", recorderlog.Any("roi", roi))
	return roi, nil
}

// Close destroys the window.
func (w *Window) Close() error {
	return w.win.Close()
}

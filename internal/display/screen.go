// Package display discovers the local screen so the preview window can be
// sized relative to it.
package display

import (
	"fmt"
	"image"
	"math"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
)

// ScreenSize returns the pixel size of the default X11 screen.
func ScreenSize() (image.Point, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return image.Point{}, fmt.Errorf("failed to connect to X server: %w", err)
	}
	defer conn.Close()

	screen := xproto.Setup(conn).DefaultScreen(conn)
	if screen == nil {
		return image.Point{}, fmt.Errorf("X server reported no default screen")
	}
	return image.Pt(int(screen.WidthInPixels), int(screen.HeightInPixels)), nil
}

// WindowSize fits a window showing frames of size frame into fraction of
// screen, keeping the frame's aspect ratio. Without a usable screen size or
// fraction it returns the frame size.
func WindowSize(screen, frame image.Point, fraction float64) image.Point {
	if frame.X <= 0 || frame.Y <= 0 {
		return frame
	}
	if screen.X <= 0 || screen.Y <= 0 || fraction <= 0 {
		return frame
	}

	maxW := float64(screen.X) * fraction
	maxH := float64(screen.Y) * fraction
	scale := math.Min(maxW/float64(frame.X), maxH/float64(frame.Y))

	w := int(math.Round(float64(frame.X) * scale))
	h := int(math.Round(float64(frame.Y) * scale))
	return image.Pt(max(w, 1), max(h, 1))
}

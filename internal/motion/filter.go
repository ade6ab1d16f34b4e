// Package motion decides, per frame, whether the candidate regions produced by
// a detector amount to motion inside the region of interest.
package motion

import (
	"errors"
	"fmt"
	"image"
)

// ErrInvalidROI is returned for a region of interest that cannot be used.
var ErrInvalidROI = errors.New("invalid region of interest")

// Region is one candidate motion area reported by a detector.
type Region struct {
	Bounds image.Rectangle
	Area   float64 // contour area, not necessarily Bounds' area
}

// Classify returns the regions whose area exceeds minArea and whose bounds
// overlap roi, and whether any were accepted. It has no side effects.
//
// Overlap is tested on the rectangles themselves, so a large region that
// covers the whole ROI (containing none of its corners) still counts. An
// empty roi accepts nothing.
func Classify(regions []Region, roi image.Rectangle, minArea float64) (bool, []Region) {
	var accepted []Region
	for _, r := range regions {
		if r.Area <= minArea {
			continue
		}
		if !r.Bounds.Canon().Overlaps(roi) {
			continue
		}
		accepted = append(accepted, r)
	}
	return len(accepted) > 0, accepted
}

// Bounds returns the rectangles of the given regions, for annotation.
func Bounds(regions []Region) []image.Rectangle {
	if len(regions) == 0 {
		return nil
	}
	out := make([]image.Rectangle, len(regions))
	for i, r := range regions {
		out[i] = r.Bounds
	}
	return out
}

// ResolveROI maps a requested region of interest onto a frame of the given
// size. A zero rectangle means the full frame. A request that is degenerate
// or lies entirely outside the frame is an error.
func ResolveROI(requested image.Rectangle, frameSize image.Point) (image.Rectangle, error) {
	full := image.Rectangle{Max: frameSize}
	if full.Empty() {
		return image.Rectangle{}, fmt.Errorf("frame size %v has no area", frameSize)
	}
	if requested == (image.Rectangle{}) {
		return full, nil
	}
	if requested.Dx() <= 0 || requested.Dy() <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: %v has no area", ErrInvalidROI, requested)
	}
	roi := requested.Intersect(full)
	if roi.Empty() {
		return image.Rectangle{}, fmt.Errorf("%w: %v lies outside the %dx%d frame", ErrInvalidROI, requested, frameSize.X, frameSize.Y)
	}
	return roi, nil
}

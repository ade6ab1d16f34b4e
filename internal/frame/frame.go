// Package frame defines the captured picture that flows through the
// detection and recording pipeline.
package frame

import (
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Frame is a single captured picture. Frames are passed and stored by value;
// Image must not be modified once the frame has been produced.
type Frame struct {
	Seq       uint64        // capture order, starting at 1
	Timestamp time.Time     // wall clock at capture
	PTS       time.Duration // position in the stream
	Image     image.Image
}

// Size returns the frame dimensions.
func (f Frame) Size() image.Point {
	if f.Image == nil {
		return image.Point{}
	}
	return f.Image.Bounds().Size()
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool {
	return f.Image == nil || f.Image.Bounds().Empty()
}

var (
	BoxColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	ROIColor   = color.RGBA{R: 0, G: 128, B: 255, A: 255}
	LabelColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}
)

// Annotation describes what Annotate draws on a frame copy.
type Annotation struct {
	Boxes     []image.Rectangle
	Thickness int
	ROI       image.Rectangle // drawn when non-empty
	Label     string          // drawn top-left when non-empty
}

// Annotate returns a copy of f with the annotation drawn on it. The original
// frame's image is left untouched.
func Annotate(f Frame, a Annotation) Frame {
	if f.Empty() {
		return f
	}
	if len(a.Boxes) == 0 && a.ROI.Empty() && a.Label == "" {
		return f
	}

	b := f.Image.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, f.Image, b.Min, draw.Src)

	thickness := a.Thickness
	if thickness <= 0 {
		thickness = 1
	}
	for _, r := range a.Boxes {
		outline(dst, r, thickness, BoxColor)
	}
	if !a.ROI.Empty() {
		outline(dst, a.ROI, 1, ROIColor)
	}
	if a.Label != "" {
		label(dst, a.Label)
	}

	f.Image = dst
	return f
}

// outline draws the border of r, clipped to the image bounds.
func outline(dst *image.RGBA, r image.Rectangle, thickness int, c color.Color) {
	r = r.Canon()
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		e = e.Intersect(dst.Bounds())
		if e.Empty() {
			continue
		}
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}

func label(dst *image.RGBA, text string) {
	face := basicfont.Face7x13
	b := dst.Bounds()
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(LabelColor),
		Face: face,
		Dot:  fixed.P(b.Min.X+5, b.Min.Y+5+face.Ascent),
	}
	d.DrawString(text)
}

package cv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/motionclip/internal/frame"
	"github.com/mikeyg42/motionclip/internal/motion"
)

// DetectorConfig tunes frame differencing.
type DetectorConfig struct {
	Threshold float64 // binary threshold applied to the blurred difference
	BlurSize  int     // odd Gaussian kernel size
	BlurSigma float64
}

// Detector finds moving regions by differencing consecutive frames: absolute
// difference, grayscale, Gaussian blur, binary threshold, external contours.
type Detector struct {
	config DetectorConfig

	// Mat of the most recent frame, reused as prev on the next call.
	lastSeq uint64
	last    gocv.Mat
	hasLast bool
}

// NewDetector validates config.
func NewDetector(config DetectorConfig) (*Detector, error) {
	if config.BlurSize <= 0 || config.BlurSize%2 == 0 {
		return nil, fmt.Errorf("blur size must be a positive odd number, got %d", config.BlurSize)
	}
	if config.Threshold < 0 || config.Threshold > 255 {
		return nil, fmt.Errorf("threshold must be within 0-255, got %v", config.Threshold)
	}
	return &Detector{config: config}, nil
}

// Detect returns one region per external contour of the difference between
// prev and cur.
func (d *Detector) Detect(prev, cur frame.Frame) ([]motion.Region, error) {
	prevMat, owned, err := d.matFor(prev)
	if err != nil {
		return nil, fmt.Errorf("previous frame: %w", err)
	}
	if owned {
		defer prevMat.Close()
	}

	curMat, err := ToMat(cur.Image)
	if err != nil {
		return nil, fmt.Errorf("current frame: %w", err)
	}
	defer d.remember(cur.Seq, curMat)

	if prevMat.Rows() != curMat.Rows() || prevMat.Cols() != curMat.Cols() {
		return nil, fmt.Errorf("frame size changed from %dx%d to %dx%d",
			prevMat.Cols(), prevMat.Rows(), curMat.Cols(), curMat.Rows())
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(prevMat, curMat, &diff)

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(diff, &gray, gocv.ColorBGRToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: d.config.BlurSize, Y: d.config.BlurSize},
		d.config.BlurSigma, 0, gocv.BorderDefault)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(blurred, &thresh, float32(d.config.Threshold), 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(thresh, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	regions := make([]motion.Region, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		regions = append(regions, motion.Region{
			Bounds: gocv.BoundingRect(c),
			Area:   gocv.ContourArea(c),
		})
	}
	return regions, nil
}

// matFor returns the cached Mat when f was the previous current frame, or a
// fresh conversion the caller must close.
func (d *Detector) matFor(f frame.Frame) (gocv.Mat, bool, error) {
	if d.hasLast && d.lastSeq == f.Seq {
		return d.last, false, nil
	}
	m, err := ToMat(f.Image)
	if err != nil {
		return gocv.NewMat(), false, err
	}
	return m, true, nil
}

// remember caches m as the Mat of frame seq, releasing the previous one.
func (d *Detector) remember(seq uint64, m gocv.Mat) {
	if d.hasLast {
		d.last.Close()
	}
	d.last, d.lastSeq, d.hasLast = m, seq, true
}

// Close releases the cached Mat.
func (d *Detector) Close() error {
	if d.hasLast {
		d.last.Close()
		d.hasLast = false
	}
	return nil
}

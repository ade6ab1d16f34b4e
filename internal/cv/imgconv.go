package cv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// ToMat converts any image.Image to OpenCV Mat in BGR format.
// Returns a Mat you own - caller must Close() it.
func ToMat(img image.Image) (gocv.Mat, error) {
	if img == nil {
		return gocv.NewMat(), fmt.Errorf("cv: nil image")
	}
	if img.Bounds().Empty() {
		return gocv.NewMat(), fmt.Errorf("cv: empty image bounds")
	}

	switch im := img.(type) {
	case *image.RGBA:
		return convertRGBA(im)
	case *image.NRGBA:
		return convertPacked(im.Pix, im.Stride, im.Rect, 4, gocv.MatTypeCV8UC4, gocv.ColorRGBAToBGR)
	case *image.Gray:
		return convertPacked(im.Pix, im.Stride, im.Rect, 1, gocv.MatTypeCV8UC1, gocv.ColorGrayToBGR)
	default:
		return convertGeneric(img)
	}
}

// convertRGBA unpremultiplies alpha so translucent annotation pixels keep
// their colour.
func convertRGBA(im *image.RGBA) (gocv.Mat, error) {
	w, h := im.Rect.Dx(), im.Rect.Dy()
	buf := make([]byte, 4*w*h)
	dst := 0
	y0, x0 := im.Rect.Min.Y, im.Rect.Min.X

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := (y+y0)*im.Stride + (x+x0)*4
			r, g, b, a := im.Pix[idx], im.Pix[idx+1], im.Pix[idx+2], im.Pix[idx+3]
			if a > 0 && a < 255 {
				r = uint8((uint32(r) * 255) / uint32(a))
				g = uint8((uint32(g) * 255) / uint32(a))
				b = uint8((uint32(b) * 255) / uint32(a))
			}
			buf[dst], buf[dst+1], buf[dst+2], buf[dst+3] = r, g, b, a
			dst += 4
		}
	}

	mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC4, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("cv: failed to create Mat from RGBA: %v", err)
	}
	result := gocv.NewMat()
	gocv.CvtColor(mat, &result, gocv.ColorRGBAToBGR)
	mat.Close()
	return result, nil
}

// convertPacked repacks rows when the stride or origin prevents handing the
// pixel slice to OpenCV directly.
func convertPacked(pix []byte, stride int, rect image.Rectangle, bpp int, typ gocv.MatType, code gocv.ColorConversionCode) (gocv.Mat, error) {
	w, h := rect.Dx(), rect.Dy()

	buf := pix[:bpp*w*h]
	if stride != bpp*w || !rect.Min.Eq(image.Point{}) {
		buf = make([]byte, bpp*w*h)
		dst := 0
		for y := 0; y < h; y++ {
			src := (y+rect.Min.Y)*stride + rect.Min.X*bpp
			copy(buf[dst:dst+bpp*w], pix[src:src+bpp*w])
			dst += bpp * w
		}
	}

	mat, err := gocv.NewMatFromBytes(h, w, typ, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("cv: failed to create Mat: %v", err)
	}
	result := gocv.NewMat()
	gocv.CvtColor(mat, &result, code)
	mat.Close()
	return result, nil
}

// convertGeneric handles any image type via the generic At() interface
func convertGeneric(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)

	matData, err := mat.DataPtrUint8()
	if err != nil {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("cv: failed to get Mat data pointer: %v", err)
	}

	idx := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			matData[idx+0] = uint8(b >> 8)
			matData[idx+1] = uint8(g >> 8)
			matData[idx+2] = uint8(r >> 8)
			idx += 3
		}
	}
	return mat, nil
}

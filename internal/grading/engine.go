// HSV colour grading over the reconstructed float image
package grading

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"

	"photo-colorizer/internal/core"
)

// HueShiftScale converts a temperature of 100 into a hue shift in turns
const HueShiftScale = 0.1

// Apply grades a float BGR image in [0, 1] and returns a new clamped image.
// The input is not modified.
func Apply(img gocv.Mat, p Parameters) (gocv.Mat, error) {
	if img.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: grading input", core.ErrEmptyImage)
	}
	if img.Type() != gocv.MatTypeCV32FC3 {
		return gocv.NewMat(), fmt.Errorf("%w: grading needs a float 3-channel image", core.ErrInvalidImage)
	}
	if err := p.Validate(); err != nil {
		return gocv.NewMat(), err
	}

	if p.IsNeutral() {
		return img.Clone(), nil
	}

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(img, &hsv, gocv.ColorBGRToHSV)

	data, err := hsv.DataPtrFloat32()
	if err != nil {
		return gocv.NewMat(), err
	}
	AdjustHSV(data, p)

	out := gocv.NewMat()
	gocv.CvtColor(hsv, &out, gocv.ColorHSVToBGR)
	if err := core.ClampUnit(&out); err != nil {
		out.Close()
		return gocv.NewMat(), err
	}
	return out, nil
}

// Func binds parameters into a grading step for the transform pipeline
func Func(p Parameters) core.GradeFunc {
	return func(img gocv.Mat) (gocv.Mat, error) {
		return Apply(img, p)
	}
}

// AdjustHSV applies intensity, saturation, contrast and temperature, in that
// order, to interleaved float HSV pixels with H in degrees and S, V in [0, 1]
func AdjustHSV(pixels []float32, p Parameters) {
	intensity := p.Intensity / 100
	saturation := p.Saturation / 100
	contrast := 1 + p.Contrast/100
	shift := p.Temperature / 100 * HueShiftScale

	for i := 0; i+2 < len(pixels); i += 3 {
		v := clamp01(float64(pixels[i+2]) * intensity)
		pixels[i+1] = float32(clamp01(float64(pixels[i+1]) * saturation))
		// contrast scales the brightness-adjusted value
		if p.Contrast != 0 {
			v = clamp01(v * contrast)
		}
		pixels[i+2] = float32(v)

		if p.Temperature != 0 {
			pixels[i] = float32(ShiftHue(float64(pixels[i])/360, shift) * 360)
		}
	}
}

// ShiftHue rotates a hue expressed in turns and wraps the result into [0, 1)
func ShiftHue(h, shift float64) float64 {
	h = math.Mod(h+shift, 1)
	if h < 0 {
		h++
	}
	if h >= 1 {
		h = 0
	}
	return h
}

func clamp01(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v >= 0:
		return v
	default:
		return 0
	}
}

// Image validation and value-range conversions shared by the pipeline stages
package core

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"
)

// MaxDimension bounds either side of an accepted image
const MaxDimension = 16384

// ImageMetadata describes an image entering the pipeline
type ImageMetadata struct {
	Width    int          `json:"width"`
	Height   int          `json:"height"`
	Channels int          `json:"channels"`
	Type     gocv.MatType `json:"-"`
	Format   string       `json:"format,omitempty"`
}

// MetadataOf reads the metadata of a Mat
func MetadataOf(mat gocv.Mat, format string) ImageMetadata {
	return ImageMetadata{
		Width:    mat.Cols(),
		Height:   mat.Rows(),
		Channels: mat.Channels(),
		Type:     mat.Type(),
		Format:   format,
	}
}

// ValidateImage checks an 8-bit BGR Mat is usable as pipeline input
func ValidateImage(mat gocv.Mat) error {
	if mat.Empty() || mat.Cols() <= 0 || mat.Rows() <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrEmptyImage, mat.Cols(), mat.Rows())
	}

	if mat.Type() != gocv.MatTypeCV8UC3 {
		return fmt.Errorf("%w: want 8-bit 3-channel image, got %d channels of type %v",
			ErrInvalidImage, mat.Channels(), mat.Type())
	}

	if mat.Cols() > MaxDimension || mat.Rows() > MaxDimension {
		return fmt.Errorf("%w: image too large: %dx%d (max: %d)",
			ErrInvalidImage, mat.Cols(), mat.Rows(), MaxDimension)
	}

	return nil
}

// ToUnitFloat converts an 8-bit Mat to 32-bit floats in [0, 1]
func ToUnitFloat(src gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	src.ConvertToWithParams(&dst, gocv.MatTypeCV32FC3, 1.0/255.0, 0)
	return dst
}

// ClampUnit clamps every value of a float Mat to [0, 1] in place. NaN becomes 0.
func ClampUnit(mat *gocv.Mat) error {
	data, err := mat.DataPtrFloat32()
	if err != nil {
		return err
	}
	for i, v := range data {
		switch {
		case v > 1:
			data[i] = 1
		case v >= 0:
		default:
			// negative or NaN
			data[i] = 0
		}
	}
	return nil
}

// Quantize clamps a float BGR Mat to [0, 1], rescales it to [0, 255] and
// rounds to 8 bits
func Quantize(src gocv.Mat) (gocv.Mat, error) {
	clamped := src.Clone()
	defer clamped.Close()

	if err := ClampUnit(&clamped); err != nil {
		return gocv.NewMat(), err
	}

	dst := gocv.NewMat()
	clamped.ConvertToWithParams(&dst, gocv.MatTypeCV8UC3, 255, 0)
	return dst, nil
}

// FloatRange reports the minimum and maximum of a float Mat, ignoring NaN
func FloatRange(mat gocv.Mat) (lo, hi float32, err error) {
	data, err := mat.DataPtrFloat32()
	if err != nil {
		return 0, 0, err
	}
	lo, hi = math.MaxFloat32, -math.MaxFloat32
	for _, v := range data {
		if v != v {
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi, nil
}

// Concrete implementations of quality metrics
package metrics

import (
	"fmt"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"gocv.io/x/gocv"
)

// LuminancePSNR is the Peak Signal-to-Noise Ratio between the lightness of
// the input and of the output
type LuminancePSNR struct{}

// NewLuminancePSNR creates a new LuminancePSNR metric
func NewLuminancePSNR() *LuminancePSNR {
	return &LuminancePSNR{}
}

// maxPSNR caps identical images so reports stay JSON-encodable
const maxPSNR = 100

func (p *LuminancePSNR) Calculate(original, processed gocv.Mat) (float64, error) {
	if err := checkPair(original, processed); err != nil {
		return 0, err
	}

	gray1 := ensureGrayscale(original)
	defer closeIfConverted(gray1, original)
	gray2 := ensureGrayscale(processed)
	defer closeIfConverted(gray2, processed)

	a, b := gray1.ToBytes(), gray2.ToBytes()
	sumSquaredDiff := 0.0
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sumSquaredDiff += diff * diff
	}
	mse := sumSquaredDiff / float64(len(a))
	if mse == 0 {
		return maxPSNR, nil
	}

	psnr := 20 * math.Log10(255.0/math.Sqrt(mse))
	return math.Min(psnr, maxPSNR), nil
}

func (p *LuminancePSNR) GetName() string { return "Luminance PSNR" }
func (p *LuminancePSNR) GetDescription() string {
	return "Peak Signal-to-Noise Ratio between input and output lightness"
}
func (p *LuminancePSNR) GetRange() (float64, float64) { return 0, maxPSNR }
func (p *LuminancePSNR) IsHigherBetter() bool         { return true }

// LuminanceSSIM is a global structural similarity index over lightness
type LuminanceSSIM struct{}

// NewLuminanceSSIM creates a new LuminanceSSIM metric
func NewLuminanceSSIM() *LuminanceSSIM {
	return &LuminanceSSIM{}
}

func (s *LuminanceSSIM) Calculate(original, processed gocv.Mat) (float64, error) {
	if err := checkPair(original, processed); err != nil {
		return 0, err
	}

	gray1 := ensureGrayscale(original)
	defer closeIfConverted(gray1, original)
	gray2 := ensureGrayscale(processed)
	defer closeIfConverted(gray2, processed)

	f1, f2 := gocv.NewMat(), gocv.NewMat()
	defer f1.Close()
	defer f2.Close()
	gray1.ConvertTo(&f1, gocv.MatTypeCV32F)
	gray2.ConvertTo(&f2, gocv.MatTypeCV32F)

	// (0.01*255)^2, (0.03*255)^2
	const C1, C2 = 6.5025, 58.5225

	mu1 := f1.Mean().Val1
	mu2 := f2.Mean().Val1

	f1Sq, f2Sq, f1f2 := gocv.NewMat(), gocv.NewMat(), gocv.NewMat()
	defer f1Sq.Close()
	defer f2Sq.Close()
	defer f1f2.Close()
	gocv.Multiply(f1, f1, &f1Sq)
	gocv.Multiply(f2, f2, &f2Sq)
	gocv.Multiply(f1, f2, &f1f2)

	sigma1Sq := f1Sq.Mean().Val1 - mu1*mu1
	sigma2Sq := f2Sq.Mean().Val1 - mu2*mu2
	sigma12 := f1f2.Mean().Val1 - mu1*mu2

	num := (2*mu1*mu2 + C1) * (2*sigma12 + C2)
	den := (mu1*mu1 + mu2*mu2 + C1) * (sigma1Sq + sigma2Sq + C2)
	if den == 0 {
		return 1.0, nil
	}
	return num / den, nil
}

func (s *LuminanceSSIM) GetName() string              { return "Luminance SSIM" }
func (s *LuminanceSSIM) GetDescription() string       { return "Structural Similarity Index over lightness" }
func (s *LuminanceSSIM) GetRange() (float64, float64) { return 0, 1 }
func (s *LuminanceSSIM) IsHigherBetter() bool         { return true }

// Colorfulness is the Hasler-Süsstrunk colourfulness of the output
type Colorfulness struct{}

// NewColorfulness creates a new Colorfulness metric
func NewColorfulness() *Colorfulness {
	return &Colorfulness{}
}

func (c *Colorfulness) Calculate(original, processed gocv.Mat) (float64, error) {
	if processed.Empty() {
		return 0, fmt.Errorf("empty images")
	}
	if processed.Type() != gocv.MatTypeCV8UC3 {
		return 0, fmt.Errorf("colorfulness needs an 8-bit BGR image")
	}

	px := processed.ToBytes()
	n := float64(len(px) / 3)
	var sumRG, sumYB, sqRG, sqYB float64
	for i := 0; i+2 < len(px); i += 3 {
		b, g, r := float64(px[i]), float64(px[i+1]), float64(px[i+2])
		rg := r - g
		yb := 0.5*(r+g) - b
		sumRG += rg
		sumYB += yb
		sqRG += rg * rg
		sqYB += yb * yb
	}

	meanRG, meanYB := sumRG/n, sumYB/n
	varRG := math.Max(sqRG/n-meanRG*meanRG, 0)
	varYB := math.Max(sqYB/n-meanYB*meanYB, 0)
	return math.Sqrt(varRG+varYB) + 0.3*math.Sqrt(meanRG*meanRG+meanYB*meanYB), nil
}

func (c *Colorfulness) GetName() string              { return "Colorfulness" }
func (c *Colorfulness) GetDescription() string       { return "Hasler-Süsstrunk colourfulness of the output" }
func (c *Colorfulness) GetRange() (float64, float64) { return 0, 150 }
func (c *Colorfulness) IsHigherBetter() bool         { return true }

// MeanChroma is the CIE LCh chroma of the output's average colour
type MeanChroma struct{}

// NewMeanChroma creates a new MeanChroma metric
func NewMeanChroma() *MeanChroma {
	return &MeanChroma{}
}

func (m *MeanChroma) Calculate(original, processed gocv.Mat) (float64, error) {
	col, err := meanColor(processed)
	if err != nil {
		return 0, err
	}
	_, chroma, _ := col.Hcl()
	return chroma, nil
}

func (m *MeanChroma) GetName() string              { return "Mean Chroma" }
func (m *MeanChroma) GetDescription() string       { return "CIE LCh chroma of the average output colour" }
func (m *MeanChroma) GetRange() (float64, float64) { return 0, 1.5 }
func (m *MeanChroma) IsHigherBetter() bool         { return true }

func meanColor(bgr gocv.Mat) (colorful.Color, error) {
	if bgr.Empty() || bgr.Channels() != 3 {
		return colorful.Color{}, fmt.Errorf("mean colour needs a 3-channel image")
	}
	mean := bgr.Mean()
	return colorful.Color{R: mean.Val3 / 255, G: mean.Val2 / 255, B: mean.Val1 / 255}.Clamped(), nil
}

func checkPair(original, processed gocv.Mat) error {
	if original.Empty() || processed.Empty() {
		return fmt.Errorf("empty images")
	}
	if original.Rows() != processed.Rows() || original.Cols() != processed.Cols() {
		return fmt.Errorf("image dimensions mismatch")
	}
	return nil
}

func ensureGrayscale(input gocv.Mat) gocv.Mat {
	if input.Channels() == 1 {
		return input
	}
	gray := gocv.NewMat()
	gocv.CvtColor(input, &gray, gocv.ColorBGRToGray)
	return gray
}

func closeIfConverted(converted, source gocv.Mat) {
	if converted.Ptr() != source.Ptr() {
		converted.Close()
	}
}

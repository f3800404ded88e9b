// Luminance-chrominance transform pipeline: L in, predicted ab out, recombined
package core

import (
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"
)

const (
	// NetworkSize is the square input size of the colorization network
	NetworkSize = 224

	// LuminanceMean is subtracted from the network input L plane
	LuminanceMean = 50
)

// Stage names reported to a StageObserver
const (
	StageNormalize   = "normalize"
	StageLab         = "lab"
	StageResize      = "resize"
	StageInference   = "inference"
	StageUpsample    = "upsample"
	StageRecombine   = "recombine"
	StageReconstruct = "reconstruct"
	StageGrade       = "grade"
	StageQuantize    = "quantize"
)

// Predictor turns a mean-centred NetworkSize×NetworkSize CV32FC1 L plane into
// a CV32FC2 ab grid. Implementations must be safe for concurrent use.
type Predictor interface {
	PredictAB(l gocv.Mat) (gocv.Mat, error)
}

// GradeFunc post-processes the clamped float BGR reconstruction. It must not
// modify its input and must return a new float BGR Mat in [0, 1].
type GradeFunc func(img gocv.Mat) (gocv.Mat, error)

// StageObserver receives the wall time of every completed stage
type StageObserver func(stage string, elapsed time.Duration)

// Result is the 8-bit output of a pipeline run
type Result struct {
	Image  gocv.Mat
	Width  int
	Height int
}

// Close releases the output image
func (r *Result) Close() error {
	return r.Image.Close()
}

// Pipeline runs the colorization transform. It holds no per-request state
// and is safe for concurrent use.
type Pipeline struct {
	observer StageObserver
}

// NewPipeline creates a new Pipeline. observer may be nil.
func NewPipeline(observer StageObserver) *Pipeline {
	return &Pipeline{observer: observer}
}

// Run colorizes an 8-bit BGR image, grades the reconstruction and quantizes
// the result back to 8 bits. Width and height are preserved.
func (p *Pipeline) Run(src gocv.Mat, net Predictor, grade GradeFunc) (*Result, error) {
	recon, err := p.Reconstruct(src, net)
	if err != nil {
		return nil, err
	}
	defer recon.Close()

	graded := recon
	if grade != nil {
		start := time.Now()
		out, err := grade(recon)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("grade: %w", err)
		}
		defer out.Close()
		if out.Rows() != recon.Rows() || out.Cols() != recon.Cols() {
			return nil, fmt.Errorf("grade changed dimensions from %dx%d to %dx%d",
				recon.Cols(), recon.Rows(), out.Cols(), out.Rows())
		}
		graded = out
		p.observe(StageGrade, start)
	}

	start := time.Now()
	final, err := Quantize(graded)
	if err != nil {
		return nil, fmt.Errorf("quantize: %w", err)
	}
	p.observe(StageQuantize, start)

	return &Result{Image: final, Width: final.Cols(), Height: final.Rows()}, nil
}

// Reconstruct returns the clamped float BGR colorization of src, before
// grading. The caller owns the returned Mat.
func (p *Pipeline) Reconstruct(src gocv.Mat, net Predictor) (gocv.Mat, error) {
	if err := ValidateImage(src); err != nil {
		return gocv.NewMat(), err
	}
	width, height := src.Cols(), src.Rows()

	start := time.Now()
	unit := ToUnitFloat(src)
	defer unit.Close()
	p.observe(StageNormalize, start)

	// full-resolution L, recombined verbatim later
	start = time.Now()
	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(unit, &lab, gocv.ColorBGRToLab)
	labPlanes := gocv.Split(lab)
	defer closeAll(labPlanes)
	p.observe(StageLab, start)

	start = time.Now()
	netL, err := networkInput(unit)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer netL.Close()
	p.observe(StageResize, start)

	start = time.Now()
	ab, err := predict(net, netL)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer ab.Close()
	p.observe(StageInference, start)

	start = time.Now()
	abFull := gocv.NewMat()
	defer abFull.Close()
	gocv.Resize(ab, &abFull, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)
	if abFull.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: upsampled chrominance", ErrEmptyImage)
	}
	abPlanes := gocv.Split(abFull)
	defer closeAll(abPlanes)
	p.observe(StageUpsample, start)

	start = time.Now()
	merged := gocv.NewMat()
	defer merged.Close()
	gocv.Merge([]gocv.Mat{labPlanes[0], abPlanes[0], abPlanes[1]}, &merged)
	p.observe(StageRecombine, start)

	start = time.Now()
	out := gocv.NewMat()
	gocv.CvtColor(merged, &out, gocv.ColorLabToBGR)
	if err := ClampUnit(&out); err != nil {
		out.Close()
		return gocv.NewMat(), fmt.Errorf("clamp reconstruction: %w", err)
	}
	p.observe(StageReconstruct, start)

	return out, nil
}

// networkInput resamples the normalized image to NetworkSize, takes its L
// plane and mean-centres it
func networkInput(unit gocv.Mat) (gocv.Mat, error) {
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(unit, &resized, image.Pt(NetworkSize, NetworkSize), 0, 0,
		resizeInterpolation(unit.Cols(), unit.Rows(), NetworkSize, NetworkSize))
	if resized.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: resized network input", ErrEmptyImage)
	}

	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(resized, &lab, gocv.ColorBGRToLab)

	planes := gocv.Split(lab)
	for _, m := range planes[1:] {
		m.Close()
	}
	l := planes[0]
	l.SubtractFloat(LuminanceMean)
	return l, nil
}

// resizeInterpolation picks area averaging when shrinking in both axes and
// bilinear otherwise
func resizeInterpolation(srcW, srcH, dstW, dstH int) gocv.InterpolationFlags {
	if dstW < srcW && dstH < srcH {
		return gocv.InterpolationArea
	}
	return gocv.InterpolationLinear
}

func predict(net Predictor, l gocv.Mat) (ab gocv.Mat, err error) {
	if net == nil {
		return gocv.NewMat(), fmt.Errorf("%w: no network", ErrInferenceFailure)
	}

	ab, err = net.PredictAB(l)
	if err != nil {
		ab.Close()
		return gocv.NewMat(), fmt.Errorf("%w: %v", ErrInferenceFailure, err)
	}
	if ab.Empty() || ab.Type() != gocv.MatTypeCV32FC2 {
		channels := ab.Channels()
		ab.Close()
		return gocv.NewMat(), fmt.Errorf("%w: network returned %d-channel chrominance, want 2",
			ErrInferenceFailure, channels)
	}
	return ab, nil
}

func (p *Pipeline) observe(stage string, start time.Time) {
	if p.observer != nil {
		p.observer(stage, time.Since(start))
	}
}

func closeAll(mats []gocv.Mat) {
	for _, m := range mats {
		m.Close()
	}
}

package grading

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"photo-colorizer/internal/core"
)

// gradient builds a float BGR image covering a spread of hues and values
func gradient(t *testing.T, w, h int) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(h, w, gocv.MatTypeCV32FC3)
	t.Cleanup(func() { m.Close() })

	data, err := m.DataPtrFloat32()
	require.NoError(t, err)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			data[i] = float32(x) / float32(w)
			data[i+1] = float32(y) / float32(h)
			data[i+2] = float32((x+y)%w) / float32(w)
		}
	}
	return m
}

func floats(t *testing.T, m gocv.Mat) []float32 {
	t.Helper()
	data, err := m.DataPtrFloat32()
	require.NoError(t, err)
	return append([]float32(nil), data...)
}

func TestApplyNeutralIsIdentity(t *testing.T) {
	img := gradient(t, 32, 24)

	out, err := Apply(img, Default())
	require.NoError(t, err)
	defer out.Close()

	assert.Equal(t, floats(t, img), floats(t, out))
}

func TestAdjustHSVNeutralIsIdentity(t *testing.T) {
	pixels := []float32{0, 0, 0, 120, 0.5, 0.25, 359.5, 1, 1}
	want := append([]float32(nil), pixels...)

	AdjustHSV(pixels, Default())
	assert.Equal(t, want, pixels)
}

func TestApplyZeroIntensityIsBlack(t *testing.T) {
	img := gradient(t, 40, 30)

	p := Default()
	p.Intensity = 0
	out, err := Apply(img, p)
	require.NoError(t, err)
	defer out.Close()

	for _, v := range floats(t, out) {
		assert.InDelta(t, 0, v, 1e-6)
	}
}

func TestApplyStaysInUnitRange(t *testing.T) {
	img := gradient(t, 50, 50)

	for _, p := range []Parameters{
		{Intensity: 200, Saturation: 200, Contrast: 100, Temperature: 100},
		{Intensity: 150, Saturation: 0, Contrast: -100, Temperature: -100},
		{Intensity: 5, Saturation: 180, Contrast: 60, Temperature: 37},
	} {
		out, err := Apply(img, p)
		require.NoError(t, err)

		lo, hi, err := core.FloatRange(out)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, lo, float32(0), "params %+v", p)
		assert.LessOrEqual(t, hi, float32(1), "params %+v", p)
		out.Close()
	}
}

func TestApplyDoesNotModifyInput(t *testing.T) {
	img := gradient(t, 16, 16)
	before := floats(t, img)

	out, err := Apply(img, Parameters{Intensity: 50, Saturation: 150, Contrast: 20, Temperature: 40})
	require.NoError(t, err)
	out.Close()

	assert.Equal(t, before, floats(t, img))
}

func TestApplyRejectsBadInput(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()
	_, err := Apply(empty, Default())
	assert.ErrorIs(t, err, core.ErrEmptyImage)

	bytes := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	defer bytes.Close()
	_, err = Apply(bytes, Default())
	assert.ErrorIs(t, err, core.ErrInvalidImage)

	img := gradient(t, 4, 4)
	_, err = Apply(img, Parameters{Intensity: math.NaN(), Saturation: 100})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestContrastAppliesAfterIntensity(t *testing.T) {
	// V=0.8: intensity 150 clamps to 1, contrast -50 then halves it
	pixels := []float32{0, 0, 0.8}
	AdjustHSV(pixels, Parameters{Intensity: 150, Saturation: 100, Contrast: -50})
	assert.InDelta(t, 0.5, pixels[2], 1e-6)

	// contrast first would give 0.8*0.5*1.5 = 0.6
	assert.NotEqual(t, float32(0.6), pixels[2])
}

func TestIntensityBeyondRangeClamps(t *testing.T) {
	pixels := []float32{0, 0.5, 0.6, 200, 0.2, 0}
	AdjustHSV(pixels, Parameters{Intensity: 250, Saturation: 100})
	assert.Equal(t, float32(1), pixels[2])
	assert.Equal(t, float32(0), pixels[5])

	AdjustHSV(pixels, Parameters{Intensity: -50, Saturation: 100})
	assert.Equal(t, float32(0), pixels[2])
}

func TestApplyAcceptsValuesBeyondSliderRange(t *testing.T) {
	img := gradient(t, 16, 12)

	out, err := Apply(img, Parameters{Intensity: 250, Saturation: 300, Contrast: 150, Temperature: 150})
	require.NoError(t, err)
	defer out.Close()

	for _, v := range floats(t, out) {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}
}

func TestSaturationClamps(t *testing.T) {
	pixels := []float32{10, 0.7, 0.5}
	AdjustHSV(pixels, Parameters{Intensity: 100, Saturation: 200})
	assert.Equal(t, float32(1), pixels[1])
	assert.Equal(t, float32(0.5), pixels[2])
}

func TestHueWrapsAndCycles(t *testing.T) {
	shift := 100.0 / 100 * HueShiftScale

	for _, start := range []float64{0, 0.05, 0.5, 0.95, 0.999} {
		h := start
		for i := 0; i < 10; i++ {
			h = ShiftHue(h, shift)
			assert.GreaterOrEqual(t, h, 0.0)
			assert.Less(t, h, 1.0)
		}
		// ten shifts of a tenth is one full turn
		d := math.Abs(h - start)
		assert.True(t, d < 1e-9 || math.Abs(d-1) < 1e-9, "start %v ended at %v", start, h)
	}

	assert.InDelta(t, 0.95, ShiftHue(0.05, -0.1), 1e-12)
	assert.Equal(t, 0.0, ShiftHue(0.9, 0.1))
}

func TestTemperatureShiftsHueDegrees(t *testing.T) {
	pixels := []float32{350, 1, 1, 10, 1, 1}
	AdjustHSV(pixels, Parameters{Intensity: 100, Saturation: 100, Temperature: 100})

	// +36 degrees, wrapping past 360
	assert.InDelta(t, 26, pixels[0], 1e-3)
	assert.InDelta(t, 46, pixels[3], 1e-3)
}

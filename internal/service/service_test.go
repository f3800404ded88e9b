package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"photo-colorizer/internal/core"
	"photo-colorizer/internal/grading"
	"photo-colorizer/internal/imageio"
	"photo-colorizer/internal/metrics"
	"photo-colorizer/internal/model"
	"photo-colorizer/internal/scratch"
)

// flatNetwork predicts the same chrominance everywhere
type flatNetwork struct {
	a, b  float64
	calls atomic.Int32
	panic bool
}

func (f *flatNetwork) PredictAB(l gocv.Mat) (gocv.Mat, error) {
	f.calls.Add(1)
	if f.panic {
		panic("cv::Mat assertion failed")
	}
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(f.a, f.b, 0, 0), 56, 56, gocv.MatTypeCV32FC2), nil
}

func (f *flatNetwork) Info() model.Info {
	return model.Info{Name: "flat", Classes: model.ClusterCount, InputSize: model.InputSize}
}

func (f *flatNetwork) Close() error { return nil }

type recorded struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recorded) ObserveRequest(outcome string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

type fixture struct {
	svc      *Service
	net      *flatNetwork
	manager  *model.Manager
	ws       *scratch.Workspace
	recorder *recorded
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func newFixture(t *testing.T, load bool, opts ...Option) *fixture {
	t.Helper()
	logger := quietLogger()

	net := &flatNetwork{a: 12, b: -8}
	manager := model.NewManager(model.Artifacts{},
		model.WithLogger(logger),
		model.WithLoader(func(ctx context.Context, a model.Artifacts, o model.LoadOptions) (model.Network, error) {
			return net, nil
		}),
	)
	if load {
		require.NoError(t, manager.Load(context.Background()))
	}
	t.Cleanup(func() { manager.Close() })

	ws, err := scratch.New(t.TempDir(), logger)
	require.NoError(t, err)
	codec, err := imageio.NewCodec(logger, imageio.Options{OutputFormat: imageio.FormatPNG})
	require.NoError(t, err)

	rec := &recorded{}
	opts = append([]Option{WithLogger(logger), WithRecorder(rec)}, opts...)
	svc := New(NewLocal(manager, nil), codec, ws, opts...)
	return &fixture{svc: svc, net: net, manager: manager, ws: ws, recorder: rec}
}

func grayPNG(t *testing.T, w, h int, v uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeResponse(t *testing.T, resp *Response) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(resp.Image))
	require.NoError(t, err)
	return img
}

func scratchEntries(t *testing.T, ws *scratch.Workspace) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(ws.Dir())
	require.NoError(t, err)
	return entries
}

func TestColorizeMidGrayNeutral(t *testing.T) {
	f := newFixture(t, true, WithEvaluator(metrics.NewEvaluator()))

	resp, err := f.svc.Colorize(context.Background(), Request{
		Image:    bytes.NewReader(grayPNG(t, 64, 64, 128)),
		Filename: "portrait.png",
		Params:   grading.Default(),
	})
	require.NoError(t, err)

	assert.Equal(t, 64, resp.Width)
	assert.Equal(t, 64, resp.Height)
	assert.Equal(t, "image/png", resp.ContentType)
	assert.Equal(t, "png", resp.InputFormat)
	assert.NotEmpty(t, resp.ID)
	require.NotNil(t, resp.Quality)
	assert.Contains(t, resp.Quality.Metrics, "colorfulness")

	out := decodeResponse(t, resp)
	assert.Equal(t, image.Rect(0, 0, 64, 64), out.Bounds())
	assert.Equal(t, int32(1), f.net.calls.Load())
	assert.Equal(t, []string{"success"}, f.recorder.outcomes)
}

func TestColorizeZeroIntensityIsBlack(t *testing.T) {
	f := newFixture(t, true)

	params := grading.Default()
	params.Intensity = 0
	resp, err := f.svc.Colorize(context.Background(), Request{
		Image:  bytes.NewReader(grayPNG(t, 40, 30, 220)),
		Params: params,
	})
	require.NoError(t, err)

	out := decodeResponse(t, resp)
	b := out.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := color.NRGBAModel.Convert(out.At(x, y)).RGBA()
			require.LessOrEqual(t, max(r, g, bl)>>8, uint32(1), "pixel (%d,%d)", x, y)
		}
	}
}

func TestColorizeUnloadedSkipsInference(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.Colorize(context.Background(), Request{
		Image:  bytes.NewReader(grayPNG(t, 8, 8, 10)),
		Params: grading.Default(),
	})
	require.ErrorIs(t, err, ErrModelUnavailable)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, StageReadiness, failure.Stage)
	assert.Zero(t, f.net.calls.Load())
	assert.Empty(t, scratchEntries(t, f.ws))
	assert.Equal(t, []string{"model_unavailable"}, f.recorder.outcomes)
}

func TestColorizeBadImagesNeverReachGrading(t *testing.T) {
	f := newFixture(t, true)

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty upload", nil, core.ErrEmptyImage},
		{"unreadable", []byte("\x89PNG but truncated"), core.ErrInvalidImage},
		{"text", []byte("hello"), core.ErrInvalidImage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Colorize(context.Background(), Request{
				Image:  bytes.NewReader(tc.data),
				Params: grading.Default(),
			})
			assert.ErrorIs(t, err, tc.want)
		})
	}

	assert.Zero(t, f.net.calls.Load())
	assert.Empty(t, scratchEntries(t, f.ws))
}

func TestColorizeValidation(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.svc.Colorize(context.Background(), Request{
		Image:    bytes.NewReader(grayPNG(t, 8, 8, 10)),
		Filename: "notes.txt",
		Params:   grading.Default(),
	})
	assert.ErrorIs(t, err, core.ErrInvalidImage)

	// finite values past the slider range are clamped or wrapped, not rejected
	wide := grading.Default()
	wide.Temperature = 500
	wide.Intensity = 250
	resp, err := f.svc.Colorize(context.Background(), Request{
		Image:  bytes.NewReader(grayPNG(t, 8, 8, 10)),
		Params: wide,
	})
	require.NoError(t, err)
	assert.Equal(t, 8, resp.Width)

	bad := grading.Default()
	bad.Saturation = math.NaN()
	_, err = f.svc.Colorize(context.Background(), Request{
		Image:  bytes.NewReader(grayPNG(t, 8, 8, 10)),
		Params: bad,
	})
	assert.ErrorIs(t, err, grading.ErrInvalidParameters)
	assert.Equal(t, "invalid_parameters", Outcome(err))

	_, err = f.svc.Colorize(context.Background(), Request{Params: grading.Default()})
	assert.ErrorIs(t, err, core.ErrEmptyImage)
}

func TestColorizeOversizeUpload(t *testing.T) {
	f := newFixture(t, true, WithMaxUploadBytes(64))

	_, err := f.svc.Colorize(context.Background(), Request{
		Image:  strings.NewReader(strings.Repeat("x", 65)),
		Params: grading.Default(),
	})
	assert.ErrorIs(t, err, scratch.ErrTooLarge)
	assert.Equal(t, int64(64), f.svc.MaxUploadBytes())
	assert.Empty(t, scratchEntries(t, f.ws))
}

func TestColorizeRecoversPanics(t *testing.T) {
	f := newFixture(t, true)
	f.net.panic = true

	_, err := f.svc.Colorize(context.Background(), Request{
		Image:  bytes.NewReader(grayPNG(t, 16, 16, 90)),
		Params: grading.Default(),
	})
	require.ErrorIs(t, err, core.ErrInferenceFailure)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, StageColorize, failure.Stage)
	assert.Empty(t, scratchEntries(t, f.ws))

	src := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	defer src.Close()
	_, err = f.svc.ColorizeMat(context.Background(), src, grading.Default())
	assert.ErrorIs(t, err, core.ErrInferenceFailure)
}

func TestColorizeCancelledContext(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Colorize(ctx, Request{
		Image:  bytes.NewReader(grayPNG(t, 16, 16, 90)),
		Params: grading.Default(),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.net.calls.Load())
}

func TestColorizeIsDeterministicAndConcurrent(t *testing.T) {
	f := newFixture(t, true)
	input := grayPNG(t, 50, 35, 140)
	params := grading.Parameters{Intensity: 110, Saturation: 140, Contrast: 20, Temperature: 35}

	const n = 6
	outputs := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.Colorize(context.Background(), Request{Image: bytes.NewReader(input), Params: params})
			if assert.NoError(t, err) {
				outputs[i] = resp.Image
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, outputs[0], outputs[i])
	}
	assert.Empty(t, scratchEntries(t, f.ws))
}

func TestColorizeMat(t *testing.T) {
	f := newFixture(t, true)
	src := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(60, 60, 60, 0), 9, 13, gocv.MatTypeCV8UC3)
	defer src.Close()

	res, err := f.svc.ColorizeMat(context.Background(), src, grading.Default())
	require.NoError(t, err)
	defer res.Close()
	assert.Equal(t, 13, res.Width)
	assert.Equal(t, 9, res.Height)

	require.NoError(t, f.manager.Close())
	_, err = f.svc.ColorizeMat(context.Background(), src, grading.Default())
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "success", Outcome(nil))
	assert.Equal(t, "too_large", Outcome(&Failure{Stage: StageUpload, Err: scratch.ErrTooLarge}))
	assert.Equal(t, "empty_image", Outcome(core.ErrEmptyImage))
	assert.Equal(t, "inference_failure", Outcome(core.ErrInferenceFailure))
	assert.Equal(t, "canceled", Outcome(context.DeadlineExceeded))
	assert.Equal(t, "error", Outcome(errors.New("disk full")))
	assert.Equal(t, "error", Outcome(io.ErrUnexpectedEOF))
}

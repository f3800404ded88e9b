package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"photo-colorizer/internal/imageio"
	"photo-colorizer/internal/model"
	"photo-colorizer/internal/scratch"
	"photo-colorizer/internal/service"
	"photo-colorizer/internal/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type flatNetwork struct{}

func (flatNetwork) PredictAB(l gocv.Mat) (gocv.Mat, error) {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(15, 25, 0, 0), 56, 56, gocv.MatTypeCV32FC2), nil
}

func (flatNetwork) Info() model.Info {
	return model.Info{Name: "flat", Version: "test", Classes: model.ClusterCount, InputSize: model.InputSize}
}

func (flatNetwork) Close() error { return nil }

type harness struct {
	server    *Server
	manager   *model.Manager
	telemetry *telemetry.Collectors
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func newHarness(t *testing.T, load bool, opts Options) *harness {
	t.Helper()
	logger := quietLogger()
	collectors := telemetry.NewWithRegistry(prometheus.NewRegistry())

	manager := model.NewManager(model.Artifacts{},
		model.WithLogger(logger),
		model.WithLoader(func(ctx context.Context, a model.Artifacts, o model.LoadOptions) (model.Network, error) {
			return flatNetwork{}, nil
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

	svc := service.New(service.NewLocal(manager, nil), codec, ws,
		service.WithLogger(logger),
		service.WithMaxUploadBytes(4096),
		service.WithRecorder(collectors),
	)
	return &harness{
		server:    New(svc, manager, collectors, logger, opts),
		manager:   manager,
		telemetry: collectors,
	}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func grayPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func colorizeRequest(t *testing.T, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/colorize", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthReportsModelState(t *testing.T) {
	h := newHarness(t, false, Options{})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["model_loaded"])
	assert.Equal(t, "unloaded", body["state"])
	assert.Equal(t, Version, body["version"])

	require.NoError(t, h.manager.Load(context.Background()))
	body = decodeJSON(t, h.do(httptest.NewRequest(http.MethodGet, "/health", nil)))
	assert.Equal(t, true, body["model_loaded"])
	assert.Equal(t, "ready", body["state"])
}

func TestModelsRequiresReadyModel(t *testing.T) {
	h := newHarness(t, false, Options{})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/models", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, decodeJSON(t, rec)["success"])

	require.NoError(t, h.manager.Load(context.Background()))
	rec = h.do(httptest.NewRequest(http.MethodGet, "/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"flat"`)
}

func TestIndexAndParameters(t *testing.T) {
	h := newHarness(t, true, Options{})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "POST /colorize")

	rec = h.do(httptest.NewRequest(http.MethodGet, "/parameters", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	params, ok := body["parameters"].([]any)
	require.True(t, ok)
	assert.Len(t, params, 4)
	assert.Contains(t, rec.Body.String(), `"temperature"`)
}

func TestColorizeSuccess(t *testing.T) {
	h := newHarness(t, true, Options{})

	req := colorizeRequest(t, "old.png", grayPNG(t, 31, 17), map[string]string{
		"saturation":  "150",
		"temperature": "-20",
	})
	req.Header.Set(requestIDHeader, "trace-42")
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "trace-42", rec.Header().Get(requestIDHeader))

	var resp colorizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "trace-42", resp.RequestID)
	assert.Equal(t, "image/png", resp.ContentType)
	assert.Equal(t, dimensions{Width: 31, Height: 17}, resp.Dimensions)

	raw, err := base64.StdEncoding.DecodeString(resp.Image)
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 31, cfg.Width)
	assert.Equal(t, 17, cfg.Height)
}

func TestColorizeErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		load   bool
		file   string
		data   []byte
		fields map[string]string
		want   int
	}{
		{"model not loaded", false, "a.png", nil, nil, http.StatusServiceUnavailable},
		{"model not loaded without file", false, "", nil, nil, http.StatusServiceUnavailable},
		{"model not loaded with bad parameter", false, "a.png", nil, map[string]string{"contrast": "high"}, http.StatusServiceUnavailable},
		{"missing file", true, "", nil, nil, http.StatusBadRequest},
		{"unreadable image", true, "a.png", []byte("not an image"), nil, http.StatusBadRequest},
		{"disallowed extension", true, "a.exe", nil, nil, http.StatusBadRequest},
		{"non numeric parameter", true, "a.png", nil, map[string]string{"contrast": "high"}, http.StatusBadRequest},
		{"non finite parameter", true, "a.png", nil, map[string]string{"intensity": "NaN"}, http.StatusBadRequest},
		{"oversize", true, "a.png", bytes.Repeat([]byte{0}, 5000), nil, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.load, Options{})
			data := tc.data
			if data == nil {
				data = grayPNG(t, 8, 8)
			}

			rec := h.do(colorizeRequest(t, tc.file, data, tc.fields))
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			body := decodeJSON(t, rec)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestColorizeAcceptsParametersBeyondSliderRange(t *testing.T) {
	h := newHarness(t, true, Options{})

	rec := h.do(colorizeRequest(t, "a.png", grayPNG(t, 12, 9), map[string]string{
		"intensity":   "250",
		"temperature": "150",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeJSON(t, rec)["success"])
}

func TestColorizeRateLimited(t *testing.T) {
	h := newHarness(t, true, Options{RateLimit: 0.001, RateBurst: 1})

	first := h.do(colorizeRequest(t, "a.png", grayPNG(t, 8, 8), nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := h.do(colorizeRequest(t, "a.png", grayPNG(t, 8, 8), nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	// other routes are not limited
	assert.Equal(t, http.StatusOK, h.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.do(colorizeRequest(t, "a.png", grayPNG(t, 8, 8), nil))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `colorizer_requests_total{outcome="success"} 1`))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(&service.Failure{Stage: service.StageReadiness, Err: service.ErrModelUnavailable}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusFor(scratch.ErrTooLarge))
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusFor(&http.MaxBytesError{Limit: 1}))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}

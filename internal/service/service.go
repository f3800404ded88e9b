// Package service drives a colorization request from raw upload bytes to an
// encoded result, owning every scratch file created along the way.
package service

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"photo-colorizer/internal/core"
	"photo-colorizer/internal/grading"
	"photo-colorizer/internal/imageio"
	"photo-colorizer/internal/metrics"
	"photo-colorizer/internal/scratch"
)

// DefaultMaxUploadBytes bounds an upload when no limit is configured
const DefaultMaxUploadBytes = 10 << 20

// Request is one colorize call
type Request struct {
	// ID is used for logging; a random one is assigned when empty
	ID string
	// Image holds the encoded input bytes
	Image io.Reader
	// Filename is optional; when set its extension must be allowed
	Filename string
	Params   grading.Parameters
}

// Response is a successful colorize result
type Response struct {
	ID             string
	Image          []byte
	ContentType    string
	Width          int
	Height         int
	InputFormat    string
	ProcessingTime time.Duration
	Quality        *metrics.QualityReport
}

// Recorder receives the outcome of every request
type Recorder interface {
	ObserveRequest(outcome string, elapsed time.Duration)
}

// Option configures a Service
type Option func(*Service)

// WithMaxUploadBytes sets the upload size limit
func WithMaxUploadBytes(n int64) Option {
	return func(s *Service) { s.maxUpload = n }
}

// WithEvaluator attaches a quality report to every response
func WithEvaluator(e *metrics.Evaluator) Option {
	return func(s *Service) { s.evaluator = e }
}

// WithRecorder reports request outcomes to r
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = logger }
}

// Service is the request orchestrator. It is safe for concurrent use.
type Service struct {
	backend   Backend
	codec     *imageio.Codec
	workspace *scratch.Workspace
	evaluator *metrics.Evaluator
	recorder  Recorder
	logger    logrus.FieldLogger
	maxUpload int64
}

// New creates a new Service
func New(backend Backend, codec *imageio.Codec, workspace *scratch.Workspace, opts ...Option) *Service {
	s := &Service{
		backend:   backend,
		codec:     codec,
		workspace: workspace,
		logger:    logrus.StandardLogger(),
		maxUpload: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the backend requests are routed to
func (s *Service) Backend() Backend {
	return s.backend
}

// MaxUploadBytes returns the upload size limit
func (s *Service) MaxUploadBytes() int64 {
	return s.maxUpload
}

// Colorize validates and decodes the request, runs the backend and encodes
// the result. Every error is a *Failure; panics are recovered into one.
func (s *Service) Colorize(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	log := s.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"backend":    s.backend.Name(),
	})

	stage := StageReadiness
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("Recovered panic during %s: %v", stage, r)
			resp = nil
			err = &Failure{Stage: stage, Err: fmt.Errorf("%w: panic: %v", core.ErrInferenceFailure, r)}
		}

		elapsed := time.Since(start)
		if s.recorder != nil {
			s.recorder.ObserveRequest(Outcome(err), elapsed)
		}
		if err != nil {
			log.WithError(err).WithField("duration_ms", elapsed.Milliseconds()).Warn("Colorize request failed")
		}
	}()

	if !s.backend.Ready() {
		return nil, &Failure{Stage: stage, Err: ErrModelUnavailable}
	}

	stage = StageValidate
	if err := req.Params.Validate(); err != nil {
		return nil, &Failure{Stage: stage, Err: err}
	}
	if req.Image == nil {
		return nil, &Failure{Stage: stage, Err: fmt.Errorf("%w: no image data", core.ErrEmptyImage)}
	}
	if req.Filename != "" && !s.codec.IsSupported(req.Filename) {
		return nil, &Failure{Stage: stage, Err: fmt.Errorf("%w: unsupported file type %q (allowed: %v)",
			core.ErrInvalidImage, req.Filename, s.codec.Extensions())}
	}

	scope := s.workspace.Begin()
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to clean up scratch files")
		}
	}()

	stage = StageUpload
	path, size, err := scope.Spool(req.Image, req.Filename, s.maxUpload)
	if err != nil {
		return nil, &Failure{Stage: stage, Err: err}
	}
	if size == 0 {
		return nil, &Failure{Stage: stage, Err: fmt.Errorf("%w: upload is empty", core.ErrEmptyImage)}
	}

	stage = StageDecode
	src, meta, err := s.codec.DecodeFile(path)
	if err != nil {
		return nil, &Failure{Stage: stage, Err: err}
	}
	defer src.Close()
	log = log.WithFields(logrus.Fields{
		"width":  meta.Width,
		"height": meta.Height,
		"format": meta.Format,
	})

	stage = StageColorize
	if err := ctx.Err(); err != nil {
		return nil, &Failure{Stage: stage, Err: err}
	}
	result, err := s.backend.Colorize(ctx, src, req.Params)
	if err != nil {
		return nil, &Failure{Stage: stage, Err: err}
	}
	defer result.Close()

	stage = StageEncode
	data, contentType, err := s.codec.Encode(result.Image)
	if err != nil {
		return nil, &Failure{Stage: stage, Err: err}
	}

	resp = &Response{
		ID:          req.ID,
		Image:       data,
		ContentType: contentType,
		Width:       result.Width,
		Height:      result.Height,
		InputFormat: meta.Format,
	}
	if s.evaluator != nil {
		report := s.evaluator.GenerateReport(src, result.Image)
		resp.Quality = &report
	}
	resp.ProcessingTime = time.Since(start)

	log.WithFields(logrus.Fields{
		"bytes":       len(data),
		"duration_ms": resp.ProcessingTime.Milliseconds(),
	}).Info("Colorized image")
	return resp, nil
}

// ColorizeMat runs the backend on an already decoded image. The caller owns
// the returned result.
func (s *Service) ColorizeMat(ctx context.Context, img gocv.Mat, params grading.Parameters) (result *core.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("stack", string(debug.Stack())).Errorf("Recovered panic during colorize: %v", r)
			result = nil
			err = &Failure{Stage: StageColorize, Err: fmt.Errorf("%w: panic: %v", core.ErrInferenceFailure, r)}
		}
	}()

	if !s.backend.Ready() {
		return nil, &Failure{Stage: StageReadiness, Err: ErrModelUnavailable}
	}
	if err := params.Validate(); err != nil {
		return nil, &Failure{Stage: StageValidate, Err: err}
	}
	result, err = s.backend.Colorize(ctx, img, params)
	if err != nil {
		return nil, &Failure{Stage: StageColorize, Err: err}
	}
	return result, nil
}

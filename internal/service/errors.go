package service

import (
	"context"
	"errors"
	"fmt"

	"photo-colorizer/internal/core"
	"photo-colorizer/internal/grading"
	"photo-colorizer/internal/scratch"
)

// ErrModelUnavailable is returned when a request arrives before the model is Ready
var ErrModelUnavailable = errors.New("model unavailable")

// Request stages reported in a Failure
const (
	StageReadiness = "readiness"
	StageValidate  = "validate"
	StageUpload    = "upload"
	StageDecode    = "decode"
	StageColorize  = "colorize"
	StageEncode    = "encode"
)

// Failure is the structured error returned by Colorize. It names the stage
// that failed and wraps the cause.
type Failure struct {
	Stage string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("colorize failed at %s: %v", f.Stage, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Outcome classifies err into a short label for metrics and logs
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, scratch.ErrTooLarge):
		return "too_large"
	case errors.Is(err, core.ErrEmptyImage):
		return "empty_image"
	case errors.Is(err, core.ErrInvalidImage):
		return "invalid_image"
	case errors.Is(err, grading.ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, core.ErrInferenceFailure):
		return "inference_failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

package service

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"

	"photo-colorizer/internal/core"
	"photo-colorizer/internal/grading"
	"photo-colorizer/internal/model"
)

// Backend colorizes a decoded 8-bit BGR image. Implementations are
// interchangeable strategies behind the same contract.
type Backend interface {
	Name() string
	Ready() bool
	Colorize(ctx context.Context, img gocv.Mat, params grading.Parameters) (*core.Result, error)
}

// Local runs the pipeline in-process against the managed network
type Local struct {
	manager  *model.Manager
	pipeline *core.Pipeline
}

// NewLocal creates a backend over manager. pipeline may be nil.
func NewLocal(manager *model.Manager, pipeline *core.Pipeline) *Local {
	if pipeline == nil {
		pipeline = core.NewPipeline(nil)
	}
	return &Local{manager: manager, pipeline: pipeline}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Ready() bool { return l.manager.IsReady() }

// Colorize fails with ErrModelUnavailable unless the manager is Ready
func (l *Local) Colorize(ctx context.Context, img gocv.Mat, params grading.Parameters) (*core.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	net, err := l.manager.Network()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	return l.pipeline.Run(img, net, grading.Func(params))
}

package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"photo-colorizer/internal/config"
	"photo-colorizer/internal/core"
	"photo-colorizer/internal/imageio"
	"photo-colorizer/internal/metrics"
	"photo-colorizer/internal/model"
	"photo-colorizer/internal/scratch"
	"photo-colorizer/internal/service"
	"photo-colorizer/internal/telemetry"
)

var modelStates = []string{
	model.Unloaded.String(), model.Loading.String(), model.Ready.String(), model.Failed.String(),
}

// application holds the wired components shared by the commands
type application struct {
	cfg       config.Config
	logger    *logrus.Logger
	telemetry *telemetry.Collectors
	manager   *model.Manager
	codec     *imageio.Codec
	workspace *scratch.Workspace
	service   *service.Service
}

func newApplication(cfg config.Config, logger *logrus.Logger) (*application, error) {
	collectors := telemetry.New()

	manager := model.NewManager(cfg.Artifacts(),
		model.WithLogger(logger),
		model.WithLoadOptions(cfg.LoadOptions()),
		model.WithStateHook(func(s model.State) {
			collectors.SetModelState(s.String(), modelStates...)
		}),
	)

	codec, err := imageio.NewCodec(logger, cfg.CodecOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	workspace, err := scratch.New(cfg.Scratch.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch workspace: %w", err)
	}

	pipeline := core.NewPipeline(func(stage string, elapsed time.Duration) {
		collectors.ObserveStage(stage, elapsed)
		logger.WithFields(logrus.Fields{
			"stage":       stage,
			"duration_ms": float64(elapsed.Microseconds()) / 1000,
		}).Debug("Pipeline stage complete")
	})

	svc := service.New(service.NewLocal(manager, pipeline), codec, workspace,
		service.WithLogger(logger),
		service.WithMaxUploadBytes(cfg.Upload.MaxBytes),
		service.WithEvaluator(metrics.NewEvaluator()),
		service.WithRecorder(collectors),
	)

	return &application{
		cfg:       cfg,
		logger:    logger,
		telemetry: collectors,
		manager:   manager,
		codec:     codec,
		workspace: workspace,
		service:   svc,
	}, nil
}

func (a *application) Close() {
	if err := a.manager.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to release model")
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"photo-colorizer/internal/grading"
)

var colorizeCmd = &cobra.Command{
	Use:   "colorize FILE...",
	Short: "Colorize image files into an output directory",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runColorize,
}

func init() {
	colorizeCmd.Flags().StringP("output", "o", "", "Output directory")
	colorizeCmd.Flags().IntP("jobs", "j", runtime.NumCPU(), "Images processed concurrently")
	for _, info := range grading.Catalogue() {
		colorizeCmd.Flags().Float64(info.Name, info.Default, parameterUsage(info))
	}
	colorizeCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(colorizeCmd)
}

func runColorize(cmd *cobra.Command, args []string) error {
	outDir, _ := cmd.Flags().GetString("output")
	jobs, _ := cmd.Flags().GetInt("jobs")

	var params grading.Parameters
	for _, info := range grading.Catalogue() {
		v, _ := cmd.Flags().GetFloat64(info.Name)
		if err := params.Set(info.Name, v); err != nil {
			return err
		}
	}
	if err := params.Validate(); err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	app, err := newApplication(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := app.manager.Load(ctx); err != nil {
		return fmt.Errorf("loading model: %w", err)
	}

	start := time.Now()
	var failed atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(max(jobs, 1))
	for _, input := range args {
		g.Go(func() error {
			output := outputPath(outDir, input, app.codec.Extension())
			if err := app.colorizeFile(ctx, input, output, params); err != nil {
				failed.Add(1)
				logger.WithError(err).WithField("file", input).Error("Failed to colorize image")
				return fmt.Errorf("%s: %w", input, err)
			}
			logger.WithFields(logrus.Fields{"file": input, "output": output}).Info("Colorized image")
			return nil
		})
	}
	err = g.Wait()

	logger.WithFields(logrus.Fields{
		"files":    len(args),
		"failed":   failed.Load(),
		"duration": time.Since(start),
	}).Info("Batch complete")
	if err != nil {
		return fmt.Errorf("%d of %d images failed, first error: %w", failed.Load(), len(args), err)
	}
	return nil
}

func (a *application) colorizeFile(ctx context.Context, input, output string, params grading.Parameters) error {
	src, _, err := a.codec.DecodeFile(input)
	if err != nil {
		return err
	}
	defer src.Close()

	result, err := a.service.ColorizeMat(ctx, src, params)
	if err != nil {
		return err
	}
	defer result.Close()

	return a.codec.SaveImage(result.Image, output)
}

// parameterUsage describes a grading flag. The range is a suggestion; the
// engine clamps or wraps anything finite.
func parameterUsage(info grading.ParameterInfo) string {
	return fmt.Sprintf("%s (suggested %g to %g)", info.Description, info.Min, info.Max)
}

// outputPath names the result after its input: photo.png -> photo_colorized.jpg
func outputPath(dir, input, ext string) string {
	base := filepath.Base(input)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+"_colorized"+ext)
}

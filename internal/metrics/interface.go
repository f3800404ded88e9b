// Quality assessment of colorized output against its grayscale input
package metrics

import (
	"fmt"
	"sort"
	"time"

	"gocv.io/x/gocv"
)

// Metric defines the interface for quality metrics
type Metric interface {
	// Calculate computes the metric value
	Calculate(original, processed gocv.Mat) (float64, error)

	GetName() string
	GetDescription() string

	// GetRange returns the value range (min, max)
	GetRange() (float64, float64)

	// IsHigherBetter returns true if higher values indicate better quality
	IsHigherBetter() bool
}

// Evaluator manages and calculates multiple metrics
type Evaluator struct {
	metrics map[string]Metric
}

// NewEvaluator creates a new metrics evaluator with the default metrics
func NewEvaluator() *Evaluator {
	e := &Evaluator{
		metrics: make(map[string]Metric),
	}
	e.RegisterDefaultMetrics()
	return e
}

// RegisterDefaultMetrics registers all default metrics
func (e *Evaluator) RegisterDefaultMetrics() {
	e.Register("luminance_psnr", NewLuminancePSNR())
	e.Register("luminance_ssim", NewLuminanceSSIM())
	e.Register("colorfulness", NewColorfulness())
	e.Register("mean_chroma", NewMeanChroma())
}

// Register registers a metric
func (e *Evaluator) Register(name string, metric Metric) {
	e.metrics[name] = metric
}

// Calculate calculates a specific metric
func (e *Evaluator) Calculate(name string, original, processed gocv.Mat) (float64, error) {
	metric, exists := e.metrics[name]
	if !exists {
		return 0, fmt.Errorf("metric not found: %s", name)
	}
	return metric.Calculate(original, processed)
}

// CalculateAll calculates all registered metrics, skipping those that fail
func (e *Evaluator) CalculateAll(original, processed gocv.Mat) map[string]float64 {
	results := make(map[string]float64)
	for name, metric := range e.metrics {
		if value, err := metric.Calculate(original, processed); err == nil {
			results[name] = value
		}
	}
	return results
}

// MetricInfo provides metadata about a metric
type MetricInfo struct {
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Range        [2]float64 `json:"range"`
	HigherBetter bool       `json:"higher_better"`
}

// GetMetricInfo returns information about all metrics
func (e *Evaluator) GetMetricInfo() map[string]MetricInfo {
	info := make(map[string]MetricInfo)
	for name, metric := range e.metrics {
		lo, hi := metric.GetRange()
		info[name] = MetricInfo{
			Name:         metric.GetName(),
			Description:  metric.GetDescription(),
			Range:        [2]float64{lo, hi},
			HigherBetter: metric.IsHigherBetter(),
		}
	}
	return info
}

// QualityReport summarises a colorization result
type QualityReport struct {
	Metrics   map[string]float64 `json:"metrics"`
	MeanColor string             `json:"mean_color"`
	Analysis  QualityAnalysis    `json:"analysis"`
	Timestamp string             `json:"timestamp"`
}

// QualityAnalysis provides interpretation of metrics
type QualityAnalysis struct {
	ColorLevel  string   `json:"color_level"` // "grayscale", "muted", "moderate", "vivid"
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

// GenerateReport evaluates processed (the colorized output) against original
// (the input it was derived from). Both are 8-bit BGR.
func (e *Evaluator) GenerateReport(original, processed gocv.Mat) QualityReport {
	metrics := e.CalculateAll(original, processed)

	hex := ""
	if c, err := meanColor(processed); err == nil {
		hex = c.Hex()
	}

	return QualityReport{
		Metrics:   metrics,
		MeanColor: hex,
		Analysis:  analyzeQuality(metrics),
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
	}
}

// Names lists the registered metric names in sorted order
func (e *Evaluator) Names() []string {
	names := make([]string, 0, len(e.metrics))
	for name := range e.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// analyzeQuality analyzes quality metrics and provides insights
func analyzeQuality(metrics map[string]float64) QualityAnalysis {
	analysis := QualityAnalysis{
		Issues:      make([]string, 0),
		Suggestions: make([]string, 0),
	}

	// Hasler-Süsstrunk bands
	colorfulness := metrics["colorfulness"]
	switch {
	case colorfulness < 5:
		analysis.ColorLevel = "grayscale"
	case colorfulness < 33:
		analysis.ColorLevel = "muted"
	case colorfulness < 59:
		analysis.ColorLevel = "moderate"
	default:
		analysis.ColorLevel = "vivid"
	}

	if analysis.ColorLevel == "grayscale" {
		analysis.Issues = append(analysis.Issues, "Output is almost colourless")
		analysis.Suggestions = append(analysis.Suggestions, "Increase saturation or check the model's cluster table")
	}

	if psnr, exists := metrics["luminance_psnr"]; exists && psnr < 20 {
		analysis.Issues = append(analysis.Issues, "Output lightness drifted far from the input")
		analysis.Suggestions = append(analysis.Suggestions, "Move intensity and contrast closer to neutral")
	}

	if ssim, exists := metrics["luminance_ssim"]; exists && ssim < 0.7 {
		analysis.Issues = append(analysis.Issues, "Low SSIM indicates the input's structure was not preserved")
		analysis.Suggestions = append(analysis.Suggestions, "Reduce contrast to keep tonal detail")
	}

	return analysis
}

// Grading parameters and their catalogue for UI generation
package grading

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParameters is returned for non-finite parameters and unknown names
var ErrInvalidParameters = errors.New("invalid grading parameters")

// Parameters are the four grading knobs. The zero value is not neutral; use
// Default.
type Parameters struct {
	Intensity   float64 `json:"intensity" yaml:"intensity"`
	Saturation  float64 `json:"saturation" yaml:"saturation"`
	Contrast    float64 `json:"contrast" yaml:"contrast"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// Default returns the neutral parameters
func Default() Parameters {
	return Parameters{Intensity: 100, Saturation: 100}
}

// IsNeutral reports whether applying p changes nothing
func (p Parameters) IsNeutral() bool {
	return p == Default()
}

// ParameterInfo describes a parameter for UI generation. Min and Max are the
// suggested slider range; values outside it are still accepted and clamped
// or wrapped by the engine.
type ParameterInfo struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Default     float64 `json:"default"`
	Description string  `json:"description"`
}

var catalogue = []ParameterInfo{
	{Name: "intensity", Type: "float", Min: 0, Max: 200, Default: 100,
		Description: "Brightness as a percentage of the reconstructed value channel"},
	{Name: "saturation", Type: "float", Min: 0, Max: 200, Default: 100,
		Description: "Colour saturation as a percentage"},
	{Name: "contrast", Type: "float", Min: -100, Max: 100, Default: 0,
		Description: "Additional value scaling applied after brightness"},
	{Name: "temperature", Type: "float", Min: -100, Max: 100, Default: 0,
		Description: "Hue rotation; 100 shifts hue by a tenth of the colour wheel"},
}

// Catalogue lists every grading parameter in application order
func Catalogue() []ParameterInfo {
	out := make([]ParameterInfo, len(catalogue))
	copy(out, catalogue)
	return out
}

// Validate rejects NaN and infinities. Any finite value is usable.
func (p Parameters) Validate() error {
	values := []float64{p.Intensity, p.Saturation, p.Contrast, p.Temperature}
	for i, info := range catalogue {
		if v := values[i]; math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidParameters, info.Name)
		}
	}
	return nil
}

// Set assigns a parameter by catalogue name
func (p *Parameters) Set(name string, value float64) error {
	switch name {
	case "intensity":
		p.Intensity = value
	case "saturation":
		p.Saturation = value
	case "contrast":
		p.Contrast = value
	case "temperature":
		p.Temperature = value
	default:
		return fmt.Errorf("%w: unknown parameter %q", ErrInvalidParameters, name)
	}
	return nil
}

// Package colortemp holds the color-temperature value types and the
// elevation to temperature interpolation.
package colortemp

import (
	"fmt"
	"math"
)

// Temperature bounds and granularity, in Kelvin
const (
	MinTemperature     = 3400
	MaxTemperature     = 7000
	NeutralTemperature = 6500
	Step               = 100
)

// Brightness, gamma and transition speed bounds
const (
	MinBrightness = 0.1
	MaxBrightness = 1.0
	MinGamma      = 0.1
	MaxGamma      = 10.0
	MinSpeed      = 0.0
	MaxSpeed      = 1000.0 // Kelvin per second
)

// Period defaults
const (
	DefaultDay            = 6500
	DefaultNight          = 3700
	DefaultSpeed          = 100.0
	DefaultTransitionLow  = -6.0 // Civil twilight
	DefaultTransitionHigh = 3.0
)

// Issue records a value that was clamped or snapped during normalization.
type Issue struct {
	Field string
	Value any
	Used  any
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %v -> %v", i.Field, i.Value, i.Used)
}

// Setting is what gets pushed to a gamma backend.
type Setting struct {
	Temperature int        `json:"temperature"`
	Brightness  float64    `json:"brightness"`
	Gamma       [3]float64 `json:"gamma"`
}

// Neutral returns the identity setting: 6500 K, full brightness, gamma 1.
func Neutral() Setting {
	return Setting{Temperature: NeutralTemperature, Brightness: 1, Gamma: [3]float64{1, 1, 1}}
}

// Normalize returns s with every field inside its bounds and the temperature
// on the Step grid, plus one Issue per adjusted field.
func (s Setting) Normalize() (Setting, []Issue) {
	var issues []Issue

	if t := Clamp(Snap(s.Temperature)); t != s.Temperature {
		issues = append(issues, Issue{Field: "temperature", Value: s.Temperature, Used: t})
		s.Temperature = t
	}
	if b := clampFloat(s.Brightness, MinBrightness, MaxBrightness, MaxBrightness); b != s.Brightness {
		issues = append(issues, Issue{Field: "brightness", Value: s.Brightness, Used: b})
		s.Brightness = b
	}
	for i, g := range s.Gamma {
		if c := clampFloat(g, MinGamma, MaxGamma, 1.0); c != g {
			issues = append(issues, Issue{Field: fmt.Sprintf("gamma[%d]", i), Value: g, Used: c})
			s.Gamma[i] = c
		}
	}
	return s, issues
}

// Snap rounds a temperature to the nearest Step.
func Snap(k int) int {
	return int(math.Round(float64(k)/Step)) * Step
}

// Clamp bounds a temperature to [MinTemperature, MaxTemperature].
func Clamp(k int) int {
	if k < MinTemperature {
		return MinTemperature
	}
	if k > MaxTemperature {
		return MaxTemperature
	}
	return k
}

// clampFloat bounds v to [lo, hi]; NaN becomes fallback.
func clampFloat(v, lo, hi, fallback float64) float64 {
	if math.IsNaN(v) {
		return fallback
	}
	return math.Max(lo, math.Min(hi, v))
}

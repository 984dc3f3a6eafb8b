package colortemp

import "math"

// Period holds the day/night targets and the transition band.
type Period struct {
	Day             int     `json:"day"`
	Night           int     `json:"night"`
	Speed           float64 `json:"speed"` // Kelvin per second, 0 = instantaneous
	Low             float64 `json:"low"`   // Elevation at or below which Night applies
	High            float64 `json:"high"`  // Elevation at or above which Day applies
	DayBrightness   float64 `json:"day_brightness"`
	NightBrightness float64 `json:"night_brightness"`
}

// DefaultPeriod returns the built-in day/night configuration.
func DefaultPeriod() Period {
	return Period{
		Day:             DefaultDay,
		Night:           DefaultNight,
		Speed:           DefaultSpeed,
		Low:             DefaultTransitionLow,
		High:            DefaultTransitionHigh,
		DayBrightness:   MaxBrightness,
		NightBrightness: MaxBrightness,
	}
}

// Normalize clamps and snaps the temperatures, bounds the speed and the
// brightness values, and orders the band so Low <= High.
func (p Period) Normalize() (Period, []Issue) {
	var issues []Issue

	if d := Clamp(Snap(p.Day)); d != p.Day {
		issues = append(issues, Issue{Field: "day_temperature", Value: p.Day, Used: d})
		p.Day = d
	}
	if n := Clamp(Snap(p.Night)); n != p.Night {
		issues = append(issues, Issue{Field: "night_temperature", Value: p.Night, Used: n})
		p.Night = n
	}
	if s := clampFloat(p.Speed, MinSpeed, MaxSpeed, MinSpeed); s != p.Speed {
		issues = append(issues, Issue{Field: "transition_speed", Value: p.Speed, Used: s})
		p.Speed = s
	}
	if math.IsNaN(p.Low) || math.IsNaN(p.High) {
		issues = append(issues, Issue{Field: "transition_band", Value: []float64{p.Low, p.High},
			Used: []float64{DefaultTransitionLow, DefaultTransitionHigh}})
		p.Low, p.High = DefaultTransitionLow, DefaultTransitionHigh
	}
	if p.Low > p.High {
		issues = append(issues, Issue{Field: "transition_band", Value: []float64{p.Low, p.High},
			Used: []float64{p.High, p.Low}})
		p.Low, p.High = p.High, p.Low
	}
	if b := clampFloat(p.DayBrightness, MinBrightness, MaxBrightness, MaxBrightness); b != p.DayBrightness {
		issues = append(issues, Issue{Field: "day_brightness", Value: p.DayBrightness, Used: b})
		p.DayBrightness = b
	}
	if b := clampFloat(p.NightBrightness, MinBrightness, MaxBrightness, MaxBrightness); b != p.NightBrightness {
		issues = append(issues, Issue{Field: "night_brightness", Value: p.NightBrightness, Used: b})
		p.NightBrightness = b
	}
	return p, issues
}

// fraction returns how far into the band elevation is, 0 = night, 1 = day.
// A zero-width band is a hard threshold at that elevation.
func (p Period) fraction(elevation float64) float64 {
	switch {
	case elevation >= p.High:
		return 1
	case elevation <= p.Low, p.High <= p.Low:
		return 0
	}
	return (elevation - p.Low) / (p.High - p.Low)
}

// Interpolate maps a solar elevation to a temperature on the Step grid.
// Inside the band the result stays strictly between Night and Day whenever
// they are at least two steps apart.
func Interpolate(elevation float64, p Period) int {
	f := p.fraction(elevation)
	switch f {
	case 1:
		return p.Day
	case 0:
		return p.Night
	}

	raw := float64(p.Night) + f*float64(p.Day-p.Night)
	k := int(math.Round(raw/Step)) * Step

	lo, hi := p.Night, p.Day
	if lo > hi {
		lo, hi = hi, lo
	}
	if hi-lo >= 2*Step {
		lo += Step
		hi -= Step
	}
	return max(lo, min(hi, k))
}

// InterpolateBrightness maps elevation to brightness with the same band.
func InterpolateBrightness(elevation float64, p Period) float64 {
	f := p.fraction(elevation)
	return p.NightBrightness + f*(p.DayBrightness-p.NightBrightness)
}

// LinearCurve is the built-in elevation curve.
type LinearCurve struct{}

// Target implements the controller's curve contract with Interpolate.
func (LinearCurve) Target(elevation float64, p Period) (int, error) {
	return Interpolate(elevation, p), nil
}

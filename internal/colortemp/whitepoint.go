package colortemp

import "math"

var neutralWhite = kelvinToRGB(NeutralTemperature)

// Whitepoint returns per-channel multipliers in [0, 1] for a temperature,
// scaled so that NeutralTemperature yields exactly {1, 1, 1}.
func Whitepoint(kelvin int) [3]float64 {
	if kelvin == NeutralTemperature {
		return [3]float64{1, 1, 1}
	}
	raw := kelvinToRGB(kelvin)
	var out [3]float64
	for i := range raw {
		out[i] = math.Min(1, raw[i]/neutralWhite[i])
	}
	return out
}

// kelvinToRGB is Tanner Helland's blackbody approximation.
func kelvinToRGB(kelvin int) [3]float64 {
	temp := float64(kelvin) / 100.0
	var r, g, b float64

	if temp <= 66 {
		r = 1.0
		g = (99.4708025861*math.Log(temp) - 161.1195681661) / 255.0
	} else {
		r = 329.698727446 * math.Pow(temp-60, -0.1332047592) / 255.0
		g = 288.1221695283 * math.Pow(temp-60, -0.0755148492) / 255.0
	}

	switch {
	case temp >= 66:
		b = 1.0
	case temp <= 19:
		b = 0.0
	default:
		b = (138.5177312231*math.Log(temp-10) - 305.0447927307) / 255.0
	}

	return [3]float64{
		math.Max(0, math.Min(1, r)),
		math.Max(0, math.Min(1, g)),
		math.Max(0, math.Min(1, b)),
	}
}

package gamma

import (
	"math"
	"slices"

	"github.com/dokzlo13/shiftd/internal/colortemp"
)

// Ramp is a per-channel lookup table of 16-bit output levels.
type Ramp struct {
	Red, Green, Blue []uint16
}

// Size returns the number of entries per channel.
func (r Ramp) Size() int { return len(r.Red) }

// Equal reports whether both ramps hold the same values.
func (r Ramp) Equal(o Ramp) bool {
	return slices.Equal(r.Red, o.Red) && slices.Equal(r.Green, o.Green) && slices.Equal(r.Blue, o.Blue)
}

// BuildRamp computes a ramp of the given size for a setting:
// out = (i/(size-1))^(1/gamma) * brightness * whitepoint * 65535.
// The result depends only on its arguments.
func BuildRamp(size int, s colortemp.Setting) Ramp {
	white := colortemp.Whitepoint(s.Temperature)
	ramp := Ramp{
		Red:   make([]uint16, size),
		Green: make([]uint16, size),
		Blue:  make([]uint16, size),
	}
	channels := [3][]uint16{ramp.Red, ramp.Green, ramp.Blue}

	for i := 0; i < size; i++ {
		x := 1.0
		if size > 1 {
			x = float64(i) / float64(size-1)
		}
		for c := range channels {
			g := s.Gamma[c]
			if g <= 0 {
				g = 1
			}
			v := math.Pow(x, 1/g) * s.Brightness * white[c] * 65535
			channels[c][i] = uint16(math.Max(0, math.Min(65535, math.Round(v))))
		}
	}
	return ramp
}

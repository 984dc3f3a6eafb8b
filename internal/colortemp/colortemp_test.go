package colortemp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnap(t *testing.T) {
	tests := []struct {
		in, out int
	}{
		{4200, 4200},
		{4249, 4200},
		{4250, 4300},
		{4299, 4300},
		{3401, 3400},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, Snap(tt.in), "Snap(%d)", tt.in)
	}
}

func TestSetting_Normalize(t *testing.T) {
	tests := []struct {
		name     string
		in       Setting
		expected Setting
		issues   int
	}{
		{
			name:     "already valid",
			in:       Setting{Temperature: 4200, Brightness: 0.8, Gamma: [3]float64{1, 1, 1}},
			expected: Setting{Temperature: 4200, Brightness: 0.8, Gamma: [3]float64{1, 1, 1}},
		},
		{
			name:     "too warm and dim",
			in:       Setting{Temperature: 1000, Brightness: 0, Gamma: [3]float64{1, 1, 1}},
			expected: Setting{Temperature: MinTemperature, Brightness: MinBrightness, Gamma: [3]float64{1, 1, 1}},
			issues:   2,
		},
		{
			name:     "too cold and snapped",
			in:       Setting{Temperature: 12345, Brightness: 1, Gamma: [3]float64{1, 1, 1}},
			expected: Setting{Temperature: MaxTemperature, Brightness: 1, Gamma: [3]float64{1, 1, 1}},
			issues:   1,
		},
		{
			name:     "off grid",
			in:       Setting{Temperature: 5160, Brightness: 1, Gamma: [3]float64{1, 1, 1}},
			expected: Setting{Temperature: 5200, Brightness: 1, Gamma: [3]float64{1, 1, 1}},
			issues:   1,
		},
		{
			name:     "bad gamma",
			in:       Setting{Temperature: 6500, Brightness: 1, Gamma: [3]float64{0, 20, math.NaN()}},
			expected: Setting{Temperature: 6500, Brightness: 1, Gamma: [3]float64{MinGamma, MaxGamma, 1}},
			issues:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, issues := tt.in.Normalize()
			assert.Equal(t, tt.expected, got)
			assert.Len(t, issues, tt.issues)
		})
	}
}

func TestWhitepoint(t *testing.T) {
	assert.Equal(t, [3]float64{1, 1, 1}, Whitepoint(NeutralTemperature))

	warm := Whitepoint(3400)
	assert.Equal(t, 1.0, warm[0])
	assert.Less(t, warm[1], 1.0)
	assert.Less(t, warm[2], warm[1], "blue drops fastest when warm")

	cold := Whitepoint(MaxTemperature)
	assert.Less(t, cold[0], 1.0)
	assert.Equal(t, 1.0, cold[2])

	// Blue never drops as the temperature rises
	prev := -1.0
	for k := MinTemperature; k <= NeutralTemperature; k += Step {
		b := Whitepoint(k)[2]
		assert.GreaterOrEqual(t, b, prev, "%d K", k)
		prev = b
	}
}

package control

import (
	"testing"
	"time"
)

func TestLimit(t *testing.T) {
	tests := []struct {
		name     string
		prev     int
		target   int
		speed    float64
		elapsed  time.Duration
		expected int
	}{
		{"no limit when speed is zero", 6500, 3700, 0, time.Second, 3700},
		{"capped downward", 6500, 3700, 100, 5 * time.Second, 6000},
		{"capped upward", 3700, 6500, 100, 5 * time.Second, 4200},
		{"gap within budget jumps", 5000, 5300, 100, 5 * time.Second, 5300},
		{"already at target", 5000, 5000, 100, 0, 5000},
		{"fractional budget truncates", 6500, 3700, 10, 1500 * time.Millisecond, 6485},
		{"clock stepped back allows nothing", 6500, 3700, 100, -time.Minute, 6500},
		{"negative speed is unlimited", 6500, 3700, -1, time.Second, 3700},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Limit(tt.prev, tt.target, tt.speed, tt.elapsed)
			if result != tt.expected {
				t.Errorf("Limit(%d, %d, %v, %v) = %d, expected %d",
					tt.prev, tt.target, tt.speed, tt.elapsed, result, tt.expected)
			}
		})
	}
}

func TestLimit_NeverExceedsBudget(t *testing.T) {
	speeds := []float64{1, 7.5, 100, 999}
	elapsed := []time.Duration{time.Millisecond, 333 * time.Millisecond, time.Second, 5 * time.Second}

	for _, s := range speeds {
		for _, e := range elapsed {
			for _, pair := range [][2]int{{3400, 7000}, {7000, 3400}, {5100, 5200}} {
				got := Limit(pair[0], pair[1], s, e)
				moved := float64(abs(got - pair[0]))
				if moved > s*e.Seconds()+1e-9 {
					t.Errorf("moved %v beyond budget %v", moved, s*e.Seconds())
				}
			}
		}
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in       string
		expected Mode
		wantErr  bool
	}{
		{"automatic", Automatic, false},
		{"AUTO", Automatic, false},
		{" manual ", Manual, false},
		{"off", Automatic, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.expected {
			t.Errorf("ParseMode(%q) = %v, expected %v", tt.in, got, tt.expected)
		}
	}
}

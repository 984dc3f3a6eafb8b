package control

import (
	"math"
	"time"
)

// Limit moves prev toward target by at most speed*elapsed Kelvin.
// A speed of zero or less means no limit. Negative elapsed (clock stepped
// back) allows no movement.
func Limit(prev, target int, speed float64, elapsed time.Duration) int {
	if speed <= 0 || prev == target {
		return target
	}
	allowed := speed * math.Max(0, elapsed.Seconds())
	if math.IsInf(allowed, 1) || allowed >= float64(abs(target-prev)) {
		return target
	}
	step := int(allowed) // truncated so the bound always holds
	if target > prev {
		return prev + step
	}
	return prev - step
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

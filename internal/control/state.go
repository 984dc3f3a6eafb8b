package control

import (
	"time"

	"github.com/dokzlo13/shiftd/internal/colortemp"
	"github.com/dokzlo13/shiftd/internal/geo"
)

// State is the control state proper. It is only changed by a successful
// tick or by a command handled on the controller goroutine.
type State struct {
	Mode      Mode              `json:"mode"`
	Applied   colortemp.Setting `json:"applied"`
	Elevation float64           `json:"elevation"`
	PolledAt  time.Time         `json:"polled_at"` // Last successful apply, zero before the first
}

// ClockStatus is the outcome of the latest NTP comparison.
type ClockStatus struct {
	Checked time.Time     `json:"checked"`
	Skew    time.Duration `json:"skew"`
	Healthy bool          `json:"healthy"`
	Error   string        `json:"error,omitempty"`
}

// Status is the read-only view handed to UIs.
type Status struct {
	State
	Target    int              `json:"target"`
	Manual    int              `json:"manual"`
	Rising    bool             `json:"rising"`
	Backend   string           `json:"backend"`
	Degraded  bool             `json:"degraded"`
	LastError string           `json:"last_error,omitempty"`
	Failures  int              `json:"failures"`
	Period    colortemp.Period `json:"period"`
	Location  geo.Location     `json:"location"`
	Clock     *ClockStatus     `json:"clock,omitempty"`
}

// Package gamma defines the display adjustment backends driven by the
// controller, and the concrete implementations selectable by name.
package gamma

import (
	"context"
	"errors"
	"fmt"

	"github.com/dokzlo13/shiftd/internal/colortemp"
)

var (
	// ErrBackendUnavailable is returned when a backend cannot be opened.
	ErrBackendUnavailable = errors.New("gamma backend unavailable")
	// ErrApplyFailed matches every *ApplyError.
	ErrApplyFailed = errors.New("gamma apply failed")
)

// Backend opens sessions against one display adjustment mechanism.
type Backend interface {
	Name() string
	// Open acquires the display. The selector is backend specific
	// (X display name, D-Bus address, Hue group list); empty means default.
	Open(ctx context.Context, selector string) (Session, error)
}

// Session is an open handle. Apply must be idempotent: applying the same
// setting twice leaves the display exactly as applying it once.
type Session interface {
	Apply(ctx context.Context, s colortemp.Setting) error
	// Restore puts the display back to how it was before Open,
	// or to neutral when the original state is unknown.
	Restore(ctx context.Context) error
	Close() error
}

// ApplyError describes a failed Apply.
type ApplyError struct {
	Backend string
	Setting colortemp.Setting
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: apply %dK: %v", e.Backend, e.Setting.Temperature, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrApplyFailed) true for any ApplyError.
func (e *ApplyError) Is(target error) bool { return target == ErrApplyFailed }

// Unavailable wraps an open failure so it matches ErrBackendUnavailable.
func Unavailable(backend string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, backend, err)
}

func applyFailed(backend string, s colortemp.Setting, err error) error {
	return &ApplyError{Backend: backend, Setting: s, Err: err}
}

package reduce

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDeviceUnavailable means no compatible compute device could be used.
	// It is recoverable: callers fall back to the CPU reducer.
	ErrDeviceUnavailable = errors.New("compute device unavailable")

	// ErrBusy is returned by non-blocking reductions while a previous frame is
	// still being processed.
	ErrBusy = errors.New("reducer busy with a previous frame")
)

// LayoutMismatchError reports device results whose layout disagrees with what
// the colorizer expects. It indicates a programming or configuration defect.
type LayoutMismatchError struct {
	Reason string
	Want   string
	Got    string
}

// Error implements error.
func (e *LayoutMismatchError) Error() string {
	return fmt.Sprintf("layout mismatch: %s (want %s, got %s)", e.Reason, e.Want, e.Got)
}

// Package probs - Read-only views over per-pixel class probability tensors.
package probs

import (
	"strings"

	"github.com/pkg/errors"
)

// Float is the set of element types a probability tensor may carry.
type Float interface {
	float32 | float64
}

// Layout describes how the flat probability buffer is ordered.
type Layout int

const (
	// ChannelMajor stores every pixel of class 0, then every pixel of class 1, ...
	// (C, H, W ordering, the usual layout of segmentation model outputs).
	ChannelMajor Layout = iota
	// PixelMajor stores every class of pixel 0, then every class of pixel 1, ...
	// (H, W, C ordering, the layout the GPU kernel consumes).
	PixelMajor
)

// String returns the name of the layout.
func (l Layout) String() string {
	switch l {
	case ChannelMajor:
		return "channel-major"
	case PixelMajor:
		return "pixel-major"
	default:
		return "unknown"
	}
}

// ParseLayout converts a layout name as returned by String.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "channel-major", "chw", "":
		return ChannelMajor, nil
	case "pixel-major", "hwc":
		return PixelMajor, nil
	default:
		return 0, errors.Errorf("unknown layout %q", s)
	}
}

// Valid reports whether l is one of the known layouts.
func (l Layout) Valid() bool {
	return l == ChannelMajor || l == PixelMajor
}

// View is an immutable, shape-aware view over a flat probability buffer.
//
// The view never copies or mutates the buffer it was built from. Callers hand
// over the buffer for the duration of one frame and must not write to it while
// the view is in use.
type View[T Float] struct {
	data    []T
	classes int
	height  int
	width   int
	layout  Layout

	// plane is height*width, cached for the channel-major offset.
	plane int
}

// New creates a view over data with the given shape and layout.
//
// Arguments:
//   - data: The flat probability buffer.
//   - classes: Number of classes (channels), must be >= 1.
//   - height: Number of pixel rows, must be >= 1.
//   - width: Number of pixel columns, must be >= 1.
//   - layout: The ordering of data.
//
// Returns:
//   - *View[T]: The view.
//   - error: A *ShapeError when the dimensions and buffer disagree.
func New[T Float](data []T, classes, height, width int, layout Layout) (*View[T], error) {
	if classes <= 0 || height <= 0 || width <= 0 {
		return nil, newShapeError(classes, height, width, len(data), "dimensions must be positive")
	}
	if !layout.Valid() {
		return nil, newShapeError(classes, height, width, len(data), "unknown layout "+layout.String())
	}
	// Guard the product against overflow before comparing with the buffer length.
	plane := height * width
	if plane/height != width || (plane*classes)/classes != plane {
		return nil, newShapeError(classes, height, width, len(data), "dimensions overflow")
	}
	if plane*classes != len(data) {
		return nil, newShapeError(classes, height, width, len(data), "buffer length does not match classes*height*width")
	}

	return &View[T]{
		data:    data,
		classes: classes,
		height:  height,
		width:   width,
		layout:  layout,
		plane:   plane,
	}, nil
}

// Value returns the probability of class at pixel (row, col).
//
// Indices outside the shape panic the same way an out-of-range slice index does.
func (v *View[T]) Value(class, row, col int) T {
	return v.data[v.Offset(class, row, col)]
}

// Offset returns the flat buffer offset of (class, row, col) for the view's layout.
func (v *View[T]) Offset(class, row, col int) int {
	if class < 0 || class >= v.classes || row < 0 || row >= v.height || col < 0 || col >= v.width {
		panic("probs: index out of range")
	}
	if v.layout == PixelMajor {
		return (row*v.width+col)*v.classes + class
	}
	return class*v.plane + row*v.width + col
}

// Classes returns the number of classes.
func (v *View[T]) Classes() int { return v.classes }

// Height returns the number of pixel rows.
func (v *View[T]) Height() int { return v.height }

// Width returns the number of pixel columns.
func (v *View[T]) Width() int { return v.width }

// Pixels returns height*width.
func (v *View[T]) Pixels() int { return v.plane }

// Len returns the length of the underlying buffer.
func (v *View[T]) Len() int { return len(v.data) }

// Layout returns the layout tag of the view.
func (v *View[T]) Layout() Layout { return v.layout }

// Data exposes the underlying buffer for tight loops. It must be treated as read-only.
func (v *View[T]) Data() []T { return v.data }

// Check validates a view obtained from elsewhere, e.g. a zero value or nil pointer.
func (v *View[T]) Check() error {
	if v == nil {
		return newShapeError(0, 0, 0, 0, "nil view")
	}
	if v.classes <= 0 || v.height <= 0 || v.width <= 0 || v.plane*v.classes != len(v.data) {
		return newShapeError(v.classes, v.height, v.width, len(v.data), "view was not built with New")
	}
	return nil
}

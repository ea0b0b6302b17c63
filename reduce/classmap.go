// Package reduce - Per-pixel argmax over class probability tensors.
package reduce

import (
	"math"

	"github.com/nvr-ai/go-segmentation/probs"
)

// MaxClasses is the largest class count a ClassMap can index.
const MaxClasses = math.MaxUint16 + 1

// ClassMap holds the chosen class index of every pixel, row-major.
//
// A ClassMap belongs to one pipeline invocation. It may be reused for the
// next frame through Reset, which only reallocates when the frame grows.
type ClassMap struct {
	// Height is the number of pixel rows.
	Height int
	// Width is the number of pixel columns.
	Width int
	// Classes is the class count of the tensor the map was reduced from.
	Classes int
	// Index has Height*Width entries; Index[row*Width+col] is the class of (row, col).
	Index []uint16
}

// NewClassMap allocates a map for a height x width frame.
func NewClassMap(height, width, classes int) *ClassMap {
	m := &ClassMap{}
	m.Reset(height, width, classes)
	return m
}

// Reset resizes the map, reusing its storage when large enough.
func (m *ClassMap) Reset(height, width, classes int) {
	n := height * width
	if cap(m.Index) < n {
		m.Index = make([]uint16, n)
	}
	m.Index = m.Index[:n]
	m.Height = height
	m.Width = width
	m.Classes = classes
}

// At returns the class of pixel (row, col).
func (m *ClassMap) At(row, col int) int {
	return int(m.Index[row*m.Width+col])
}

// Set assigns class to pixel (row, col).
func (m *ClassMap) Set(row, col, class int) {
	m.Index[row*m.Width+col] = uint16(class)
}

// Histogram counts the pixels assigned to each class. The result grows past
// m.Classes only when the map holds out-of-range indices.
func (m *ClassMap) Histogram() []int {
	counts := make([]int, m.Classes)
	for _, c := range m.Index {
		if int(c) >= len(counts) {
			grown := make([]int, int(c)+1)
			copy(grown, counts)
			counts = grown
		}
		counts[c]++
	}
	return counts
}

// Equal reports whether two maps have the same shape and indices.
func (m *ClassMap) Equal(o *ClassMap) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.Height != o.Height || m.Width != o.Width || len(m.Index) != len(o.Index) {
		return false
	}
	for i := range m.Index {
		if m.Index[i] != o.Index[i] {
			return false
		}
	}
	return true
}

// checkView validates a view for reduction and returns the shape error if any.
func checkView[T probs.Float](v *probs.View[T]) error {
	if err := v.Check(); err != nil {
		return err
	}
	if v.Classes() > MaxClasses {
		return &probs.ShapeError{
			Classes: v.Classes(),
			Height:  v.Height(),
			Width:   v.Width(),
			Len:     v.Len(),
			Reason:  "too many classes for a 16-bit class map",
		}
	}
	return nil
}

// Package palette - Fixed class index to color tables.
package palette

import (
	"fmt"
	"image/color"

	"github.com/pkg/errors"
)

// RGB is an opaque 8-bit color.
type RGB struct {
	R uint8 `json:"r" yaml:"r"`
	G uint8 `json:"g" yaml:"g"`
	B uint8 `json:"b" yaml:"b"`
}

// RGBA returns the color with an opaque alpha channel.
func (c RGB) RGBA() color.RGBA {
	return color.RGBA{R: c.R, G: c.G, B: c.B, A: 255}
}

// Table maps class indices 0..N-1 to colors.
//
// A Table is immutable after construction and safe to share between
// goroutines. It is a configuration value: build it once at startup and pass
// it to the colorizer.
type Table struct {
	name   string
	colors []RGB
	labels []string
}

// New builds a table from colors. The slice is copied.
//
// Arguments:
//   - name: A human readable name used in logs.
//   - colors: One color per class, index order.
//
// Returns:
//   - Table: The table.
//   - error: If colors is empty.
func New(name string, colors []RGB) (Table, error) {
	return NewLabeled(name, colors, nil)
}

// NewLabeled builds a table with a class name per color. labels may be nil.
func NewLabeled(name string, colors []RGB, labels []string) (Table, error) {
	if len(colors) == 0 {
		return Table{}, errors.New("palette: color table must have at least one entry")
	}
	if labels != nil && len(labels) != len(colors) {
		return Table{}, errors.Errorf("palette: %d labels for %d colors", len(labels), len(colors))
	}

	t := Table{
		name:   name,
		colors: append([]RGB(nil), colors...),
	}
	if labels != nil {
		t.labels = append([]string(nil), labels...)
	}
	return t, nil
}

// MustNew is like New but panics on error. Intended for package-level presets.
func MustNew(name string, colors []RGB, labels []string) Table {
	t, err := NewLabeled(name, colors, labels)
	if err != nil {
		panic(err)
	}
	return t
}

// Name returns the table name.
func (t Table) Name() string { return t.name }

// Len returns the number of classes in the table.
func (t Table) Len() int { return len(t.colors) }

// At returns the color for class i and whether i is inside the table.
func (t Table) At(i int) (RGB, bool) {
	if i < 0 || i >= len(t.colors) {
		return RGB{}, false
	}
	return t.colors[i], true
}

// Label returns the class name for i, or "class-<i>" when the table is unlabeled.
func (t Table) Label(i int) string {
	if i >= 0 && i < len(t.labels) {
		return t.labels[i]
	}
	return fmt.Sprintf("class-%d", i)
}

// Colors returns a copy of the colors.
func (t Table) Colors() []RGB {
	return append([]RGB(nil), t.colors...)
}

// LegendEntry pairs a class with its color.
type LegendEntry struct {
	Class int    `json:"class"`
	Label string `json:"label"`
	Color RGB    `json:"color"`
}

// Legend lists every class of the table in index order.
func (t Table) Legend() []LegendEntry {
	out := make([]LegendEntry, len(t.colors))
	for i, c := range t.colors {
		out[i] = LegendEntry{Class: i, Label: t.Label(i), Color: c}
	}
	return out
}

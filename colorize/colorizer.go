package colorize

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-segmentation/palette"
	"github.com/nvr-ai/go-segmentation/reduce"
)

// ClassOutOfRangeError reports a class index with no entry in the color table.
type ClassOutOfRangeError struct {
	Index     int
	Row       int
	Col       int
	TableSize int
}

// Error implements error.
func (e *ClassOutOfRangeError) Error() string {
	return fmt.Sprintf("class %d at (%d, %d) is outside the %d-entry color table",
		e.Index, e.Row, e.Col, e.TableSize)
}

// Colorizer paints each pixel of a class map with its class color.
type Colorizer struct {
	// Table is the class to color mapping.
	Table palette.Table
	// Parallel splits rows across goroutines.
	Parallel bool
}

// Colorize returns a new frame for m.
func (c *Colorizer) Colorize(m *reduce.ClassMap) (*Frame, error) {
	dst := &Frame{}
	if err := c.ColorizeInto(dst, m); err != nil {
		return nil, err
	}
	return dst, nil
}

// ColorizeInto paints m into dst, resizing dst as needed.
//
// Every pixel gets alpha 255. If any class index is outside the table the
// first such pixel in row-major order is reported and dst must not be
// displayed.
//
// Arguments:
//   - dst: The destination frame.
//   - m: The class map.
//
// Returns:
//   - error: A *ClassOutOfRangeError, or an error for an empty table or map.
func (c *Colorizer) ColorizeInto(dst *Frame, m *reduce.ClassMap) error {
	if dst == nil || m == nil {
		return errors.New("colorize: nil frame or class map")
	}
	if c.Table.Len() == 0 {
		return errors.New("colorize: empty color table")
	}
	if m.Height <= 0 || m.Width <= 0 || len(m.Index) != m.Height*m.Width {
		return errors.Errorf("colorize: malformed class map %dx%d with %d entries", m.Height, m.Width, len(m.Index))
	}
	dst.Reset(m.Width, m.Height)

	lut := lookupTable(c.Table)
	h := m.Height
	if !c.Parallel || h < 4 {
		if bad := paintRows(dst, m, lut, 0, h); bad >= 0 {
			return outOfRange(m, bad, len(lut))
		}
		return nil
	}

	chunk := chooseChunk(h)
	n := (h + chunk - 1) / chunk
	firstBad := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		start := i * chunk
		end := start + chunk
		if end > h {
			end = h
		}
		wg.Add(1)
		go func(i, s, e int) {
			defer wg.Done()
			firstBad[i] = paintRows(dst, m, lut, s, e)
		}(i, start, end)
	}
	wg.Wait()

	for _, bad := range firstBad {
		if bad >= 0 {
			return outOfRange(m, bad, len(lut))
		}
	}
	return nil
}

// lookupTable expands the table into packed RGBA quads.
func lookupTable(t palette.Table) [][4]byte {
	lut := make([][4]byte, t.Len())
	for i := range lut {
		c, _ := t.At(i)
		lut[i] = [4]byte{c.R, c.G, c.B, 255}
	}
	return lut
}

// paintRows fills rows [start, end) and returns the first pixel whose class
// has no color, or -1.
func paintRows(dst *Frame, m *reduce.ClassMap, lut [][4]byte, start, end int) int {
	bad := -1
	for p := start * m.Width; p < end*m.Width; p++ {
		idx := int(m.Index[p])
		o := p * BytesPerPixel
		if idx >= len(lut) {
			if bad < 0 {
				bad = p
			}
			continue
		}
		q := lut[idx]
		copy(dst.Pix[o:o+4:o+4], q[:])
	}
	return bad
}

func outOfRange(m *reduce.ClassMap, p, size int) error {
	return &ClassOutOfRangeError{
		Index:     int(m.Index[p]),
		Row:       p / m.Width,
		Col:       p % m.Width,
		TableSize: size,
	}
}

// chooseChunk picks a row chunk size that balances goroutine overhead and
// cache locality.
func chooseChunk(n int) int {
	switch {
	case n >= 2048:
		return 128
	case n >= 512:
		return 64
	case n >= 64:
		return 16
	default:
		return 4
	}
}

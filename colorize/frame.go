// Package colorize - Class maps to displayable RGBA frames.
package colorize

import (
	"image"
	"image/color"
	"sync"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// BytesPerPixel is the size of one RGBA8 pixel.
const BytesPerPixel = 4

// Frame is a packed RGBA8 image, row-major, alpha always 255.
type Frame struct {
	Width  int
	Height int
	// Stride is Width*BytesPerPixel; rows are not padded.
	Stride int
	// Pix has Height*Stride bytes; pixel (row, col) starts at row*Stride + col*4.
	Pix []byte
}

// NewFrame allocates a width x height frame.
func NewFrame(width, height int) *Frame {
	f := &Frame{}
	f.Reset(width, height)
	return f
}

// Reset resizes the frame, reusing its storage when large enough. The pixel
// contents are unspecified until overwritten.
func (f *Frame) Reset(width, height int) {
	n := width * height * BytesPerPixel
	if cap(f.Pix) < n {
		f.Pix = make([]byte, n)
	}
	f.Pix = f.Pix[:n]
	f.Width = width
	f.Height = height
	f.Stride = width * BytesPerPixel
}

// At returns the color of pixel (row, col).
func (f *Frame) At(row, col int) color.RGBA {
	i := row*f.Stride + col*BytesPerPixel
	p := f.Pix[i : i+4 : i+4]
	return color.RGBA{R: p[0], G: p[1], B: p[2], A: p[3]}
}

// RGBA returns an image.RGBA sharing the frame's pixels.
func (f *Frame) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Stride,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Scale returns a nearest-neighbour resized copy of the frame. Class
// boundaries stay hard edges and no new colors are introduced. A zero width
// or height preserves the aspect ratio.
//
// Arguments:
//   - width: The target width, or 0.
//   - height: The target height, or 0.
//
// Returns:
//   - *Frame: A new frame.
//   - error: If both dimensions are zero.
func (f *Frame) Scale(width, height int) (*Frame, error) {
	if width < 0 || height < 0 || (width == 0 && height == 0) {
		return nil, errors.Errorf("invalid scale target %dx%d", width, height)
	}
	if width == f.Width && height == f.Height {
		return f.Clone(), nil
	}

	img := resize.Resize(uint(width), uint(height), f.RGBA(), resize.NearestNeighbor)
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) || rgba.Stride != rgba.Rect.Dx()*BytesPerPixel {
		b := img.Bounds()
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Copy(rgba, image.Point{}, img, b, draw.Src, nil)
	}
	return &Frame{
		Width:  rgba.Rect.Dx(),
		Height: rgba.Rect.Dy(),
		Stride: rgba.Stride,
		Pix:    rgba.Pix,
	}, nil
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	return &Frame{
		Width:  f.Width,
		Height: f.Height,
		Stride: f.Stride,
		Pix:    append([]byte(nil), f.Pix...),
	}
}

// Pool recycles frames between video frames to reduce GC pressure.
// A nil *Pool allocates.
type Pool struct {
	frames sync.Pool
}

// Get returns a frame of the given size.
func (p *Pool) Get(width, height int) *Frame {
	if p == nil {
		return NewFrame(width, height)
	}
	if v := p.frames.Get(); v != nil {
		f := v.(*Frame)
		f.Reset(width, height)
		return f
	}
	return NewFrame(width, height)
}

// Put returns f to the pool. The caller must not use f afterwards.
func (p *Pool) Put(f *Frame) {
	if p == nil || f == nil {
		return
	}
	p.frames.Put(f)
}

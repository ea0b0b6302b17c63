package colorize

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-segmentation/palette"
)

// Legend renders the table as a vertical strip of swatches, one per class,
// each swatch x swatch pixels, in class order.
func Legend(t palette.Table, swatch int) (*Frame, error) {
	if swatch <= 0 {
		return nil, errors.Errorf("invalid swatch size %d", swatch)
	}
	if t.Len() == 0 {
		return nil, errors.New("colorize: empty color table")
	}

	f := NewFrame(swatch, swatch*t.Len())
	for _, e := range t.Legend() {
		for row := e.Class * swatch; row < (e.Class+1)*swatch; row++ {
			line := f.Pix[row*f.Stride : (row+1)*f.Stride]
			for o := 0; o < len(line); o += BytesPerPixel {
				line[o], line[o+1], line[o+2], line[o+3] = e.Color.R, e.Color.G, e.Color.B, 255
			}
		}
	}
	return f, nil
}

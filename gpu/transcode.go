package gpu

import (
	"github.com/nvr-ai/go-segmentation/probs"
)

// Transcode converts v into the pixel-major float32 buffer the kernel reads,
// reusing dst when it is large enough.
//
// float32 input is copied exactly. float64 input is narrowed, so two classes
// that differ only below float32 precision become a tie and resolve to the
// lower index on the device.
//
// Arguments:
//   - v: The tensor to convert.
//   - dst: Optional destination storage.
//
// Returns:
//   - []float32: A buffer of v.Len() values, offset (row*width+col)*classes+class.
func Transcode[T probs.Float](v *probs.View[T], dst []float32) []float32 {
	n := v.Len()
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]

	data := v.Data()
	if v.Layout() == probs.PixelMajor {
		if src, ok := any(data).([]float32); ok {
			copy(dst, src)
			return dst
		}
		for i, x := range data {
			dst[i] = float32(x)
		}
		return dst
	}

	classes, plane := v.Classes(), v.Pixels()
	for c := 0; c < classes; c++ {
		src := data[c*plane : (c+1)*plane]
		for p, x := range src {
			dst[p*classes+c] = float32(x)
		}
	}
	return dst
}

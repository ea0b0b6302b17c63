package gpu

import (
	"strconv"

	"github.com/nvr-ai/go-segmentation/reduce"
)

// decode validates a readback and copies its class indices into dst.
//
// limit is one past the largest index the policy can produce; a larger value
// means the buffer does not hold what the kernel was asked to write.
func decode(words []uint32, height, width, classes, limit int, dst *reduce.ClassMap) error {
	pixels := height * width
	if len(words) != headerWords+pixels {
		return &reduce.LayoutMismatchError{
			Reason: "readback length",
			Want:   strconv.Itoa(headerWords + pixels),
			Got:    strconv.Itoa(len(words)),
		}
	}
	if int(words[0]) != height || int(words[1]) != width {
		return &reduce.LayoutMismatchError{
			Reason: "readback header",
			Want:   strconv.Itoa(height) + "x" + strconv.Itoa(width),
			Got:    strconv.FormatUint(uint64(words[0]), 10) + "x" + strconv.FormatUint(uint64(words[1]), 10),
		}
	}

	dst.Reset(height, width, classes)
	for p, idx := range words[headerWords:] {
		if int(idx) >= limit {
			return &reduce.LayoutMismatchError{
				Reason: "class index at pixel " + strconv.Itoa(p),
				Want:   "< " + strconv.Itoa(limit),
				Got:    strconv.FormatUint(uint64(idx), 10),
			}
		}
		dst.Index[p] = uint16(idx)
	}
	return nil
}

// indexLimit returns one past the largest class index the policy can produce.
func indexLimit(classes int, p reduce.Policy) int {
	if p.UseThreshold && p.Unlabeled >= classes {
		return p.Unlabeled + 1
	}
	return classes
}

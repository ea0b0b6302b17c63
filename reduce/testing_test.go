package reduce

import (
	"math/rand"

	"github.com/nvr-ai/go-segmentation/probs"
)

// tieFreeChannelMajor builds a channel-major tensor whose classes at every
// pixel are a random permutation of distinct positive values.
func tieFreeChannelMajor(rng *rand.Rand, classes, height, width int) []float32 {
	plane := height * width
	data := make([]float32, classes*plane)
	for p := 0; p < plane; p++ {
		for c, rank := range rng.Perm(classes) {
			data[c*plane+p] = float32(rank+1) / float32(classes+1)
		}
	}
	return data
}

// toPixelMajor interleaves a channel-major buffer.
func toPixelMajor(data []float32, classes, height, width int) []float32 {
	plane := height * width
	out := make([]float32, len(data))
	for c := 0; c < classes; c++ {
		for p := 0; p < plane; p++ {
			out[p*classes+c] = data[c*plane+p]
		}
	}
	return out
}

func mustView[T probs.Float](data []T, classes, height, width int, layout probs.Layout) *probs.View[T] {
	v, err := probs.New(data, classes, height, width, layout)
	if err != nil {
		panic(err)
	}
	return v
}

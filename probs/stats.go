package probs

import (
	"math"

	"github.com/chewxy/math32"
)

// Stats summarises a tensor for debug output.
type Stats struct {
	Min  float64
	Max  float64
	Mean float64
	// NaN counts values that are not numbers. They never win an argmax.
	NaN int
}

// Summarize computes min, max, mean and the NaN count of the view's buffer.
func Summarize[T Float](v *View[T]) Stats {
	s := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	if v == nil || len(v.data) == 0 {
		return Stats{}
	}

	var sum float64
	var n int
	for _, x := range v.data {
		if isNaN(x) {
			s.NaN++
			continue
		}
		f := float64(x)
		if f < s.Min {
			s.Min = f
		}
		if f > s.Max {
			s.Max = f
		}
		sum += f
		n++
	}
	if n == 0 {
		return Stats{NaN: s.NaN}
	}
	s.Mean = sum / float64(n)
	return s
}

func isNaN[T Float](x T) bool {
	switch f := any(x).(type) {
	case float32:
		return math32.IsNaN(f)
	case float64:
		return math.IsNaN(f)
	default:
		return x != x
	}
}

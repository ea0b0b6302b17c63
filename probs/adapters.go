package probs

import (
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// ORTTensor is the subset of an onnxruntime_go tensor that a view needs.
// *ort.Tensor[float32] and *ort.Tensor[float64] satisfy it.
type ORTTensor[T Float] interface {
	GetShape() ort.Shape
	GetData() []T
}

// FromORT wraps the output tensor of an ONNX session without copying.
//
// The shape must be rank 3, or rank 4 with a leading batch dimension of 1. The
// dimension order is read according to layout: [C, H, W] for ChannelMajor and
// [H, W, C] for PixelMajor.
//
// Arguments:
//   - t: The session output tensor.
//   - layout: The layout the model produces.
//
// Returns:
//   - *View[T]: The view over the tensor data.
//   - error: A *ShapeError if the shape cannot be interpreted.
func FromORT[T Float](t ORTTensor[T], layout Layout) (*View[T], error) {
	if t == nil {
		return nil, newShapeError(0, 0, 0, 0, "nil onnx tensor")
	}
	shape := t.GetShape()
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	view, err := fromDims(t.GetData(), dims, layout)
	if err != nil {
		return nil, errors.Wrap(err, "onnx tensor")
	}
	return view, nil
}

// FromDense wraps a gorgonia dense tensor without copying.
//
// The same shape rules as FromORT apply. Views (slices of another tensor) are
// rejected because their backing array is not contiguous.
func FromDense[T Float](d *tensor.Dense, layout Layout) (*View[T], error) {
	if d == nil {
		return nil, newShapeError(0, 0, 0, 0, "nil dense tensor")
	}
	if d.IsView() {
		return nil, newShapeError(0, 0, 0, 0, "dense tensor is a non-contiguous view")
	}
	data, ok := d.Data().([]T)
	if !ok {
		return nil, errors.Errorf("dense tensor has dtype %v, want %T", d.Dtype(), *new(T))
	}
	view, err := fromDims(data, []int(d.Shape()), layout)
	if err != nil {
		return nil, errors.Wrap(err, "dense tensor")
	}
	return view, nil
}

// fromDims interprets a rank-3 (or batch-1 rank-4) shape according to layout.
func fromDims[T Float](data []T, dims []int, layout Layout) (*View[T], error) {
	if len(dims) == 4 {
		if dims[0] != 1 {
			return nil, newShapeError(0, 0, 0, len(data), "batch dimension must be 1")
		}
		dims = dims[1:]
	}
	if len(dims) != 3 {
		return nil, newShapeError(0, 0, 0, len(data), "tensor rank must be 3")
	}

	switch layout {
	case ChannelMajor:
		return New(data, dims[0], dims[1], dims[2], layout)
	case PixelMajor:
		return New(data, dims[2], dims[0], dims[1], layout)
	default:
		return nil, newShapeError(0, 0, 0, len(data), "unknown layout "+layout.String())
	}
}

package gpu

import (
	"fmt"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-segmentation/reduce"
)

// workgroupSize is the number of invocations per workgroup; one per pixel.
const workgroupSize = 256

// headerWords precedes the class indices in the result buffer.
const headerWords = 2

// argmaxShader generates the kernel for policy p.
//
// Bindings:
//   - 0: params [classes, height, width, pitch], pitch being the invocations
//     per dispatch row.
//   - 1: pixel-major f32 probabilities.
//   - 2: result, [height, width] followed by one u32 class index per pixel.
func argmaxShader(p reduce.Policy) (string, error) {
	initMax, initIdx := p.Initial()
	if math.IsNaN(initMax) || math.IsInf(initMax, 0) || math.Abs(initMax) > math.MaxFloat32 {
		return "", errors.Errorf("threshold %v is not representable as f32", initMax)
	}

	return fmt.Sprintf(`
struct Params {
    classes: u32,
    height: u32,
    width: u32,
    pitch: u32,
};

@group(0) @binding(0) var<storage, read> params: Params;
@group(0) @binding(1) var<storage, read> probs: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<u32>;

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let p = gid.x + gid.y * params.pitch;
    if (p == 0u) {
        result[0] = params.height;
        result[1] = params.width;
    }
    if (p >= params.height * params.width) {
        return;
    }

    var best: f32 = %s;
    var idx: u32 = %du;
    let base = p * params.classes;
    for (var c: u32 = 0u; c < params.classes; c = c + 1u) {
        let v = probs[base + c];
        if (v > best) {
            best = v;
            idx = c;
        }
    }
    result[%du + p] = idx;
}
`, workgroupSize, wgslFloat(initMax), initIdx, headerWords), nil
}

// wgslFloat formats f as a WGSL float literal.
func wgslFloat(f float64) string {
	s := strconv.FormatFloat(float64(float32(f)), 'e', -1, 32)
	if f < 0 {
		return "(" + s + ")"
	}
	return s
}

// dispatch is the workgroup grid of one frame.
type dispatch struct {
	X, Y uint32
	// Pitch is the number of invocations in one grid row.
	Pitch uint32
}

// planDispatch lays pixels out over a grid no wider than maxDim workgroups,
// spilling into a second dimension when one row is not enough.
func planDispatch(pixels int, maxDim uint32) (dispatch, error) {
	if pixels <= 0 {
		return dispatch{}, errors.Errorf("invalid pixel count %d", pixels)
	}
	if maxDim == 0 {
		maxDim = math.MaxUint16
	}

	groups := (uint64(pixels) + workgroupSize - 1) / workgroupSize
	if groups <= uint64(maxDim) {
		return dispatch{X: uint32(groups), Y: 1, Pitch: uint32(groups) * workgroupSize}, nil
	}

	rows := (groups + uint64(maxDim) - 1) / uint64(maxDim)
	if rows > uint64(maxDim) {
		return dispatch{}, errors.Errorf("%d pixels exceed the device dispatch limit", pixels)
	}
	return dispatch{X: maxDim, Y: uint32(rows), Pitch: maxDim * workgroupSize}, nil
}

package gpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-segmentation/probs"
	"github.com/nvr-ai/go-segmentation/reduce"
)

// emulate runs the argmax kernel on the host, one loop iteration per
// invocation of the dispatch grid, and returns the result buffer.
func emulate(host []float32, classes, height, width int, grid dispatch, p reduce.Policy) []uint32 {
	pixels := uint32(height * width)
	result := make([]uint32, headerWords+int(pixels))
	initMax, initIdx := p.Initial()

	for gy := uint32(0); gy < grid.Y; gy++ {
		for gx := uint32(0); gx < grid.X*workgroupSize; gx++ {
			pix := gx + gy*grid.Pitch
			if pix == 0 {
				result[0], result[1] = uint32(height), uint32(width)
			}
			if pix >= pixels {
				continue
			}
			best, idx := float32(initMax), uint32(initIdx)
			base := int(pix) * classes
			for c := 0; c < classes; c++ {
				if v := host[base+c]; v > best {
					best, idx = v, uint32(c)
				}
			}
			result[headerWords+int(pix)] = idx
		}
	}
	return result
}

func tieFree(rng *rand.Rand, classes, height, width int) []float32 {
	plane := height * width
	data := make([]float32, classes*plane)
	for p := 0; p < plane; p++ {
		for c, rank := range rng.Perm(classes) {
			data[c*plane+p] = float32(rank+1) / float32(classes+1)
		}
	}
	return data
}

func TestEmulatedKernelMatchesCPU(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	cases := []struct {
		name                   string
		classes, height, width int
		maxDim                 uint32
	}{
		{"single pixel", 3, 1, 1, 65535},
		{"cityscapes sized", 12, 16, 24, 65535},
		{"partial workgroup", 5, 7, 13, 65535},
		{"two dimensional grid", 4, 40, 30, 3},
	}
	cpu, err := reduce.NewCPUReducer(reduce.Options{})
	require.NoError(t, err)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := tieFree(rng, tc.classes, tc.height, tc.width)
			v, err := probs.New(data, tc.classes, tc.height, tc.width, probs.ChannelMajor)
			require.NoError(t, err)

			want, err := reduce.Reduce(cpu, v)
			require.NoError(t, err)

			grid, err := planDispatch(tc.height*tc.width, tc.maxDim)
			require.NoError(t, err)
			if tc.maxDim < 65535 {
				assert.Greater(t, grid.Y, uint32(1), "grid must spill into a second row")
			}
			words := emulate(Transcode(v, nil), tc.classes, tc.height, tc.width, grid, reduce.Policy{})

			got := &reduce.ClassMap{}
			require.NoError(t, decode(words, tc.height, tc.width, tc.classes, tc.classes, got))
			assert.True(t, want.Equal(got))
		})
	}
}

func TestEmulatedKernelThresholdPolicy(t *testing.T) {
	p := reduce.Policy{UseThreshold: true, Threshold: 0.5, Unlabeled: 11}
	// 2 classes, 1x3 frame: confident 0, confident 1, nothing above 0.5.
	data := []float32{0.9, 0.1, 0.1, 0.8, 0.4, 0.3}
	v, err := probs.New(data, 2, 1, 3, probs.PixelMajor)
	require.NoError(t, err)

	grid, err := planDispatch(3, 0)
	require.NoError(t, err)
	words := emulate(Transcode(v, nil), 2, 1, 3, grid, p)

	got := &reduce.ClassMap{}
	require.NoError(t, decode(words, 1, 3, 2, indexLimit(2, p), got))
	assert.Equal(t, []uint16{0, 1, 11}, got.Index)
}

func TestEmulatedKernelNaNNeverWins(t *testing.T) {
	data := []float32{math32.NaN(), 0.2, 0.1}
	v, err := probs.New(data, 3, 1, 1, probs.PixelMajor)
	require.NoError(t, err)

	grid, err := planDispatch(1, 0)
	require.NoError(t, err)
	words := emulate(Transcode(v, nil), 3, 1, 1, grid, reduce.Policy{})
	assert.Equal(t, uint32(1), words[headerWords])
}

func TestPlanDispatch(t *testing.T) {
	d, err := planDispatch(1, 65535)
	require.NoError(t, err)
	assert.Equal(t, dispatch{X: 1, Y: 1, Pitch: workgroupSize}, d)

	d, err = planDispatch(1920*1080, 65535)
	require.NoError(t, err)
	assert.Equal(t, uint32(8100), d.X)
	assert.Equal(t, uint32(1), d.Y)

	d, err = planDispatch(10*workgroupSize+1, 4)
	require.NoError(t, err)
	assert.Equal(t, dispatch{X: 4, Y: 3, Pitch: 4 * workgroupSize}, d)
	assert.GreaterOrEqual(t, int(d.X*d.Y*workgroupSize), 10*workgroupSize+1)

	_, err = planDispatch(0, 65535)
	assert.Error(t, err)

	_, err = planDispatch(100*workgroupSize, 2)
	assert.Error(t, err)
}

func TestArgmaxShaderPolicy(t *testing.T) {
	code, err := argmaxShader(reduce.Policy{})
	require.NoError(t, err)
	assert.Contains(t, code, "var best: f32 = 0e+00;")
	assert.Contains(t, code, "var idx: u32 = 0u;")
	assert.Contains(t, code, "@workgroup_size(256)")

	code, err = argmaxShader(reduce.Policy{UseThreshold: true, Threshold: -0.5, Unlabeled: 7})
	require.NoError(t, err)
	assert.Contains(t, code, "var best: f32 = (-5e-01);")
	assert.Contains(t, code, "var idx: u32 = 7u;")

	_, err = argmaxShader(reduce.Policy{UseThreshold: true, Threshold: math.Inf(1)})
	assert.Error(t, err)
	_, err = argmaxShader(reduce.Policy{UseThreshold: true, Threshold: math.NaN()})
	assert.Error(t, err)
}

func TestDecodeRejectsMismatchedReadback(t *testing.T) {
	dst := &reduce.ClassMap{}
	var lm *reduce.LayoutMismatchError

	err := decode([]uint32{2, 2, 0, 1, 0}, 2, 2, 3, 3, dst)
	require.True(t, errors.As(err, &lm), "short buffer")
	assert.Equal(t, "readback length", lm.Reason)

	err = decode([]uint32{1, 4, 0, 1, 0, 1}, 2, 2, 3, 3, dst)
	require.True(t, errors.As(err, &lm), "transposed header")
	assert.Equal(t, "readback header", lm.Reason)
	assert.Equal(t, "2x2", lm.Want)
	assert.Equal(t, "1x4", lm.Got)

	err = decode([]uint32{2, 2, 0, 1, 3, 1}, 2, 2, 3, 3, dst)
	require.True(t, errors.As(err, &lm), "index out of range")
	assert.Equal(t, "3", lm.Got)

	require.NoError(t, decode([]uint32{2, 2, 0, 1, 2, 1}, 2, 2, 3, 3, dst))
	assert.Equal(t, []uint16{0, 1, 2, 1}, dst.Index)
	assert.Equal(t, 3, dst.Classes)
}

func TestIndexLimit(t *testing.T) {
	assert.Equal(t, 12, indexLimit(12, reduce.Policy{}))
	assert.Equal(t, 12, indexLimit(12, reduce.Policy{UseThreshold: true, Unlabeled: 11}))
	assert.Equal(t, 13, indexLimit(2, reduce.Policy{UseThreshold: true, Unlabeled: 12}))
}

package util

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-segmentation/probs"
)

func writeRaw(t *testing.T, path string, v *probs.View[float32]) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteRawTensor(&buf, v))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func TestListTensorFilesOrdersByFrame(t *testing.T) {
	dir := t.TempDir()
	v, err := probs.New([]float32{0.9, 0.2, 0.1, 0.8}, 2, 1, 2, probs.ChannelMajor)
	require.NoError(t, err)
	for _, name := range []string{"frame-10.bin", "frame-2.bin", "frame-1.bin"} {
		writeRaw(t, filepath.Join(dir, name), v)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "frame-3.bin.d"), 0o700))

	files, err := ListTensorFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{files[0].Frame, files[1].Frame, files[2].Frame})
	assert.Equal(t, FormatRaw, files[0].Format)
}

func TestListTensorFilesRejectsMisnamed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "last.bin"), nil, 0o600))
	_, err := ListTensorFiles(dir)
	assert.Error(t, err)

	_, err = ListTensorFiles(filepath.Join(dir, "absent"))
	assert.Error(t, err)
}

func TestRawTensorRoundTrip(t *testing.T) {
	data := []float32{0.1, 0.9, 0.8, 0.2, 0.5, 0.5}
	v, err := probs.New(data, 2, 1, 3, probs.PixelMajor)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteRawTensor(&buf, v))
	assert.Equal(t, 16+len(data)*4, buf.Len())

	got, err := ReadRawTensor(&buf)
	require.NoError(t, err)
	assert.Equal(t, probs.PixelMajor, got.Layout())
	assert.Equal(t, 2, got.Classes())
	assert.Equal(t, 3, got.Width())
	assert.Equal(t, data, got.Data())
}

func TestReadRawTensorRejectsBadInput(t *testing.T) {
	_, err := ReadRawTensor(bytes.NewReader([]byte{1, 0, 0}))
	assert.Error(t, err, "short header")

	var buf bytes.Buffer
	buf.Write([]byte{2, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 7, 0, 0, 0})
	_, err = ReadRawTensor(&buf)
	assert.Error(t, err, "unknown layout")

	buf.Reset()
	buf.Write([]byte{2, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x80, 0x3f})
	_, err = ReadRawTensor(&buf)
	assert.Error(t, err, "truncated data")

	buf.Reset()
	buf.Write(make([]byte, 16))
	_, err = ReadRawTensor(&buf)
	assert.Error(t, err, "empty shape")
}

func TestLoadNpy(t *testing.T) {
	dir := t.TempDir()
	d := tensor.New(tensor.WithShape(1, 2, 1, 2), tensor.WithBacking([]float64{0.9, 0.2, 0.1, 0.8}))
	var buf bytes.Buffer
	require.NoError(t, d.WriteNpy(&buf))
	path := filepath.Join(dir, "frame-7.npy")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	files, err := ListTensorFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, FormatNpy, files[0].Format)

	v, err := files[0].Load(probs.ChannelMajor)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Classes())
	assert.Equal(t, 1, v.Height())
	assert.Equal(t, 2, v.Width())
	assert.Equal(t, float32(0.8), v.Value(1, 0, 1))
}

func TestLoadRaw(t *testing.T) {
	dir := t.TempDir()
	v, err := probs.New([]float32{0.25, 0.75}, 2, 1, 1, probs.ChannelMajor)
	require.NoError(t, err)
	writeRaw(t, filepath.Join(dir, "frame-0.bin"), v)

	files, err := ListTensorFiles(dir)
	require.NoError(t, err)
	got, err := files[0].Load(probs.PixelMajor)
	require.NoError(t, err)
	assert.Equal(t, probs.ChannelMajor, got.Layout(), "raw dumps keep their own layout")
	assert.Equal(t, []float32{0.25, 0.75}, got.Data())
}

func TestRawHeaderCannotOverstateData(t *testing.T) {
	// 32768 x 32768 x 1 float32 values with no body.
	header := []byte{0, 0x80, 0, 0, 0, 0x80, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0}

	_, err := ReadRawTensor(bytes.NewReader(header))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame-0.bin"), header, 0o600))
	files, err := ListTensorFiles(dir)
	require.NoError(t, err)
	_, err = files[0].Load(probs.ChannelMajor)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dump has 0")
}

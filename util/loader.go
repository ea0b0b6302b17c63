package util

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-segmentation/probs"
)

// Tensor dump formats.
const (
	// FormatRaw is a 16-byte little-endian header (classes, height, width,
	// layout as uint32) followed by little-endian float32 values.
	FormatRaw = ".bin"
	// FormatNpy is a NumPy array of shape [C,H,W] or [H,W,C].
	FormatNpy = ".npy"
)

const rawHeaderWords = 4

// TensorFile is a recorded model output on disk.
type TensorFile struct {
	// Path is the path to the dump.
	Path string
	// Format is FormatRaw or FormatNpy.
	Format string
	// Frame is the frame number parsed from the "frame-<n>" file name.
	Frame int
}

// ListTensorFiles returns the tensor dumps of a directory ordered by frame.
//
// Arguments:
// - dir: Directory path containing frame-<n>.bin or frame-<n>.npy files.
//
// Returns:
// - []TensorFile: The dumps, lowest frame first.
// - error: Error if the directory cannot be read or a dump is misnamed.
func ListTensorFiles(dir string) ([]TensorFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []TensorFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := filepath.Ext(entry.Name())
		switch ext {
		case FormatRaw, FormatNpy:
			frame, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSuffix(entry.Name(), ext), "frame-"))
			if err != nil {
				return nil, errors.Wrapf(err, "tensor dump %s is not named frame-<n>%s", entry.Name(), ext)
			}
			files = append(files, TensorFile{
				Path:   filepath.Join(dir, entry.Name()),
				Format: ext,
				Frame:  frame,
			})
		}
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Frame < files[j].Frame
	})
	return files, nil
}

// Load reads the dump. npyLayout tells how to read the shape of NumPy dumps;
// raw dumps carry their own layout.
func (f TensorFile) Load(npyLayout probs.Layout) (*probs.View[float32], error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var v *probs.View[float32]
	switch f.Format {
	case FormatRaw:
		var fi os.FileInfo
		if fi, err = fh.Stat(); err == nil {
			v, err = readRawTensor(bufio.NewReader(fh), fi.Size())
		}
	case FormatNpy:
		v, err = ReadNpyTensor(fh, npyLayout)
	default:
		err = errors.Errorf("unknown tensor format %q", f.Format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "frame %d", f.Frame)
	}
	return v, nil
}

// ReadRawTensor decodes a FormatRaw dump.
func ReadRawTensor(r io.Reader) (*probs.View[float32], error) {
	return readRawTensor(r, -1)
}

// readRawTensor decodes a FormatRaw dump. A non-negative size is the total
// length of the dump and is checked against the header before reading the body.
func readRawTensor(r io.Reader, size int64) (*probs.View[float32], error) {
	var header [rawHeaderWords]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "read tensor header")
	}
	classes, height, width := int(header[0]), int(header[1]), int(header[2])
	layout := probs.Layout(header[3])
	if !layout.Valid() {
		return nil, errors.Errorf("tensor header has unknown layout %d", header[3])
	}

	n := uint64(header[0]) * uint64(header[1]) * uint64(header[2])
	if n == 0 || n > math.MaxInt32 {
		return nil, errors.Errorf("tensor header has invalid shape %dx%dx%d", classes, height, width)
	}
	want := int64(n) * 4
	if size >= 0 && size-rawHeaderWords*4 < want {
		return nil, errors.Errorf("tensor header wants %d data bytes, dump has %d", want, size-rawHeaderWords*4)
	}

	// The body is only buffered as it arrives, so a lying header cannot force
	// a large allocation.
	body, err := io.ReadAll(io.LimitReader(r, want))
	if err != nil {
		return nil, errors.Wrap(err, "read tensor data")
	}
	if int64(len(body)) != want {
		return nil, errors.Errorf("tensor data truncated: want %d bytes, got %d", want, len(body))
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return probs.New(data, classes, height, width, layout)
}

// WriteRawTensor encodes v as a FormatRaw dump.
func WriteRawTensor(w io.Writer, v *probs.View[float32]) error {
	if err := v.Check(); err != nil {
		return err
	}
	header := [rawHeaderWords]uint32{
		uint32(v.Classes()), uint32(v.Height()), uint32(v.Width()), uint32(v.Layout()),
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return errors.Wrap(err, "write tensor header")
	}
	return errors.Wrap(binary.Write(w, binary.LittleEndian, v.Data()), "write tensor data")
}

// ReadNpyTensor decodes a NumPy dump of float32 or float64 values. float64
// data is narrowed to float32.
func ReadNpyTensor(r io.Reader, layout probs.Layout) (*probs.View[float32], error) {
	d := new(tensor.Dense)
	if err := d.ReadNpy(r); err != nil {
		return nil, errors.Wrap(err, "read npy")
	}

	switch d.Dtype() {
	case tensor.Float32:
		return probs.FromDense[float32](d, layout)
	case tensor.Float64:
		wide, err := probs.FromDense[float64](d, layout)
		if err != nil {
			return nil, err
		}
		narrow := make([]float32, wide.Len())
		for i, x := range wide.Data() {
			narrow[i] = float32(x)
		}
		return probs.New(narrow, wide.Classes(), wide.Height(), wide.Width(), layout)
	default:
		return nil, errors.Errorf("npy dtype %v is not a float type", d.Dtype())
	}
}

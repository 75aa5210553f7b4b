package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// TensorInfo describes a tensor entry in safetensors header
type TensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Dims returns the shape as ints
func (ti TensorInfo) Dims() []int {
	dims := make([]int, len(ti.Shape))
	for i, d := range ti.Shape {
		dims[i] = int(d)
	}
	return dims
}

// Header is the parsed header map: name -> tensor info
type Header map[string]TensorInfo

// File represents an opened safetensors file
type File struct {
	Path   string
	Header Header
	Data   []byte // full file loaded into memory
	offset int64  // start of data payload (after header)
}

// Open opens a .safetensors file and parses its header
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("%s: file too short for safetensors header", path)
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%s: header length %d exceeds file size", path, headerLen)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("parse header json: %w", err)
	}

	header := make(Header)
	for k, v := range raw {
		if k == "__metadata__" {
			continue
		}
		var ti TensorInfo
		if err := json.Unmarshal(v, &ti); err != nil {
			return nil, fmt.Errorf("parse tensor info for %s: %w", k, err)
		}
		header[k] = ti
	}

	return &File{Path: path, Header: header, Data: data, offset: int64(8 + headerLen)}, nil
}

// Names returns the tensor names in sorted order
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Header))
	for k := range f.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Multi represents a collection of shard files under a directory
type Multi struct {
	Files []*File
}

// OpenDir loads all .safetensors files from a directory (sorted)
func OpenDir(dir string) (*Multi, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".safetensors") {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .safetensors files found in %s", dir)
	}
	sort.Strings(paths)
	var files []*File
	for _, p := range paths {
		f, err := Open(p)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return &Multi{Files: files}, nil
}

// OpenPath opens a single file, or every shard when path is a directory
func OpenPath(path string) (*Multi, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return OpenDir(path)
	}
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &Multi{Files: []*File{f}}, nil
}

// Names returns the tensor names across all shards in sorted order
func (m *Multi) Names() []string {
	var names []string
	for _, f := range m.Files {
		names = append(names, f.Names()...)
	}
	sort.Strings(names)
	return names
}

// Find locates a tensor by name across shards, returning file and info
func (m *Multi) Find(name string) (*File, TensorInfo, bool) {
	for _, f := range m.Files {
		if ti, ok := f.Header[name]; ok {
			return f, ti, true
		}
	}
	return nil, TensorInfo{}, false
}

// ReadRaw returns the raw bytes for a tensor by name
func (f *File) ReadRaw(name string) ([]byte, TensorInfo, error) {
	ti, ok := f.Header[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s not found", name)
	}
	start := f.offset + ti.DataOffsets[0]
	end := f.offset + ti.DataOffsets[1]
	if start < f.offset || end < start || end > int64(len(f.Data)) {
		return nil, TensorInfo{}, fmt.Errorf("bad offsets for %s: %v", name, ti.DataOffsets)
	}
	return f.Data[start:end], ti, nil
}

// ReadFloat32 reads and converts tensor to float32 slice (supports F32, F64, F16, BF16)
func (f *File) ReadFloat32(name string) ([]float32, TensorInfo, error) {
	raw, ti, err := f.ReadRaw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	dtype := strings.ToUpper(ti.Dtype)
	size, err := DtypeSize(dtype)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("%s: %w", name, err)
	}
	if len(raw)%size != 0 {
		return nil, TensorInfo{}, fmt.Errorf("%s byte length not multiple of %d: %d", dtype, size, len(raw))
	}

	out := make([]float32, len(raw)/size)
	switch dtype {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F64":
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case "F16":
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "BF16":
		out = bfloat16.DecodeFloat32(raw)
	}
	return out, ti, nil
}

// ReadFloat64 reads a tensor as float64. F64 tensors keep full precision;
// other dtypes are widened from their float32 decoding.
func (f *File) ReadFloat64(name string) ([]float64, TensorInfo, error) {
	raw, ti, err := f.ReadRaw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	if strings.ToUpper(ti.Dtype) != "F64" {
		f32s, ti, err := f.ReadFloat32(name)
		if err != nil {
			return nil, TensorInfo{}, err
		}
		out := make([]float64, len(f32s))
		for i, v := range f32s {
			out[i] = float64(v)
		}
		return out, ti, nil
	}
	if len(raw)%8 != 0 {
		return nil, TensorInfo{}, fmt.Errorf("F64 byte length not multiple of 8: %d", len(raw))
	}

	out := make([]float64, len(raw)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return out, ti, nil
}

// DtypeSize returns the element width in bytes of a supported dtype
func DtypeSize(dtype string) (int, error) {
	switch strings.ToUpper(dtype) {
	case "F64":
		return 8, nil
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

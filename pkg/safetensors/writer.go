package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Tensor is a named tensor to be written. Data is converted to Dtype on write.
// When Data64 is set it is used instead of Data, so F64 tensors keep full
// precision.
type Tensor struct {
	Name   string
	Dtype  string
	Shape  []int
	Data   []float32
	Data64 []float64
}

// Write encodes tensors in safetensors layout: a little-endian uint64 header
// length, a JSON header padded with spaces to 8 bytes, then the payload in
// name order.
func Write(w io.Writer, tensors []Tensor) error {
	sorted := make([]Tensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(Header, len(sorted))
	payloads := make([][]byte, len(sorted))
	var offset int64
	for i, t := range sorted {
		if _, ok := header[t.Name]; ok {
			return fmt.Errorf("duplicate tensor name %q", t.Name)
		}
		n := 1
		shape := make([]int64, len(t.Shape))
		for j, d := range t.Shape {
			n *= d
			shape[j] = int64(d)
		}
		if n != t.count() {
			return fmt.Errorf("tensor %s: shape %v needs %d elements, got %d", t.Name, t.Shape, n, t.count())
		}

		b, err := t.encode()
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		payloads[i] = b
		header[t.Name] = TensorInfo{
			Dtype:       strings.ToUpper(t.Dtype),
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + int64(len(b))},
		}
		offset += int64(len(b))
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if pad := len(hb) % 8; pad != 0 {
		hb = append(hb, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(hb))); err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	for _, b := range payloads {
		if _, err := bw.Write(b); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes tensors to path
func WriteFile(path string, tensors []Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, tensors); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (t Tensor) count() int {
	if t.Data64 != nil {
		return len(t.Data64)
	}
	return len(t.Data)
}

func (t Tensor) encode() ([]byte, error) {
	dtype := strings.ToUpper(t.Dtype)
	if t.Data64 == nil {
		return encode(dtype, t.Data)
	}
	if dtype == "F64" {
		out := make([]byte, len(t.Data64)*8)
		for i, v := range t.Data64 {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
		}
		return out, nil
	}
	data := make([]float32, len(t.Data64))
	for i, v := range t.Data64 {
		data[i] = float32(v)
	}
	return encode(dtype, data)
}

func encode(dtype string, data []float32) ([]byte, error) {
	size, err := DtypeSize(dtype)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data)*size)
	switch dtype {
	case "F32":
		for i, v := range data {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case "F64":
		for i, v := range data {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(float64(v)))
		}
	case "F16":
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
	case "BF16":
		out = bfloat16.EncodeFloat32(data)
	}
	return out, nil
}

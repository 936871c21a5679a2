// Package safetensors reads and writes safetensors checkpoint files: a
// little-endian uint64 header length, a JSON header mapping tensor names to
// dtype, shape, and data offsets, followed by the raw tensor data.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

// Tensor is a single named tensor. Data is produced on demand by WriterTo,
// which for tensors parsed from a file streams the raw section verbatim.
type Tensor struct {
	Name     string
	DataType string
	Shape    []int64

	WriterTo io.WriterTo
}

type tensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// TypeSize returns the byte size of a single element of the given dtype.
func TypeSize(dtype string) (int64, error) {
	switch dtype {
	case "F64", "I64", "U64":
		return 8, nil
	case "F32", "I32", "U32":
		return 4, nil
	case "F16", "BF16", "I16", "U16":
		return 2, nil
	case "I8", "U8", "BOOL":
		return 1, nil
	default:
		return 0, fmt.Errorf("unknown data type: %s", dtype)
	}
}

// Elements returns the number of elements in the tensor.
func (t *Tensor) Elements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Size returns the byte size of the tensor data.
func (t *Tensor) Size() (int64, error) {
	es, err := TypeSize(t.DataType)
	if err != nil {
		return 0, err
	}
	return es * t.Elements(), nil
}

// ReadFile parses every tensor in the named safetensors file.
func ReadFile(p string) ([]*Tensor, error) {
	return Read(os.DirFS(filepath.Dir(p)), filepath.Base(p))
}

// Read parses every tensor in the named safetensors file within fsys. The
// returned tensors hold section references into fsys; their data is read when
// written out.
func Read(fsys fs.FS, name string) ([]*Tensor, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, f, n); err != nil {
		return nil, err
	}

	var headers map[string]tensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, err
	}

	delete(headers, "__metadata__")

	keys := maps.Keys(headers)
	slices.Sort(keys)

	endOfHeader := 8 + n

	ts := make([]*Tensor, 0, len(keys))
	for _, key := range keys {
		value := headers[key]
		if len(value.Offsets) != 2 {
			return nil, fmt.Errorf("invalid offsets for %q: %v", key, value.Offsets)
		}

		begin := endOfHeader + value.Offsets[0]
		end := endOfHeader + value.Offsets[1]
		if err := checkBeginEnd(fi.Size(), begin, end); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", key, err)
		}

		t := &Tensor{
			Name:     key,
			DataType: value.Type,
			Shape:    slices.Clone(value.Shape),
			WriterTo: &section{
				fsys:   fsys,
				path:   name,
				offset: begin,
				size:   end - begin,
			},
		}

		size, err := t.Size()
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", key, err)
		}
		if size != end-begin {
			return nil, fmt.Errorf("tensor %q: offsets span %d bytes, shape %v needs %d", key, end-begin, t.Shape, size)
		}

		ts = append(ts, t)
	}

	return ts, nil
}

func checkBeginEnd(size, begin, end int64) error {
	if begin < 0 {
		return fmt.Errorf("begin must not be negative: %d", begin)
	}
	if end < begin {
		return fmt.Errorf("end must be >= begin: %d < %d", end, begin)
	}
	if end > size {
		return fmt.Errorf("end must be <= size: %d > %d", end, size)
	}
	return nil
}

// section streams a byte range of a file in fsys. The file is reopened on
// every write so a parsed tensor stays valid after its source handle closes.
type section struct {
	fsys   fs.FS
	path   string
	offset int64
	size   int64
}

func (s *section) WriteTo(w io.Writer) (int64, error) {
	f, err := s.fsys.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if seeker, ok := f.(io.Seeker); ok {
		if _, err := seeker.Seek(s.offset, io.SeekStart); err != nil {
			return 0, err
		}
	} else {
		if _, err := io.CopyN(io.Discard, f, s.offset); err != nil {
			return 0, err
		}
	}

	return io.CopyN(w, f, s.size)
}

// Floats buffers the tensor data and decodes it to float32. Only the float
// dtypes are supported. This is a display and verification helper; conversion
// never decodes tensor data.
func (t *Tensor) Floats() ([]float32, error) {
	var b bytes.Buffer
	if _, err := t.WriterTo.WriteTo(&b); err != nil {
		return nil, err
	}

	switch t.DataType {
	case "F32":
		f32s := make([]float32, b.Len()/4)
		if err := binary.Read(&b, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		return f32s, nil
	case "F16":
		u16s := make([]uint16, b.Len()/2)
		if err := binary.Read(&b, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return f32s, nil
	case "BF16":
		return bfloat16.DecodeFloat32(b.Bytes()), nil
	default:
		return nil, fmt.Errorf("unsupported data type: %s", t.DataType)
	}
}

// F32 builds an in-memory float32 tensor.
func F32(name string, shape []int64, data []float32) (*Tensor, error) {
	t := &Tensor{Name: name, DataType: "F32", Shape: slices.Clone(shape)}
	if int64(len(data)) != t.Elements() {
		return nil, fmt.Errorf("tensor %q: %d elements for shape %v", name, len(data), shape)
	}

	t.WriterTo = writerFunc(func(w io.Writer) (int64, error) {
		if err := binary.Write(w, binary.LittleEndian, data); err != nil {
			return 0, err
		}
		return int64(4 * len(data)), nil
	})
	return t, nil
}

// Zeros builds a zero-filled tensor of the given dtype and shape.
func Zeros(name, dtype string, shape []int64) (*Tensor, error) {
	t := &Tensor{Name: name, DataType: dtype, Shape: slices.Clone(shape)}

	size, err := t.Size()
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch dtype {
	case "F16":
		bits := float16.Fromfloat32(0).Bits()
		payload = make([]byte, size)
		for i := 0; i < len(payload); i += 2 {
			binary.LittleEndian.PutUint16(payload[i:], bits)
		}
	case "BF16":
		payload = bfloat16.EncodeFloat32(make([]float32, t.Elements()))
	default:
		// integral types and F32/F64 encode zero as zero bytes
		payload = make([]byte, size)
	}

	t.WriterTo = writerFunc(func(w io.Writer) (int64, error) {
		n, err := w.Write(payload)
		return int64(n), err
	})
	return t, nil
}

type writerFunc func(io.Writer) (int64, error)

func (fn writerFunc) WriteTo(w io.Writer) (int64, error) {
	return fn(w)
}

package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestWriteRead(t *testing.T) {
	ts := []*Tensor{
		mustF32(t, "blk.1.weight", []int64{2, 3}, []float32{1, 2, 3, 4, 5, 6}),
		mustF32(t, "blk.0.weight", []int64{3}, []float32{-1, 0, 1}),
		mustF32(t, "output.weight", []int64{1, 2}, []float32{7, 8}),
	}

	for n := 0; n < 8; n++ {
		rand.Shuffle(len(ts), func(i, j int) {
			ts[i], ts[j] = ts[j], ts[i]
		})

		p := filepath.Join(t.TempDir(), "model.safetensors")
		if err := WriteFile(p, ts); err != nil {
			t.Fatal(err)
		}

		got, err := ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}

		want := []*Tensor{
			{Name: "blk.0.weight", DataType: "F32", Shape: []int64{3}},
			{Name: "blk.1.weight", DataType: "F32", Shape: []int64{2, 3}},
			{Name: "output.weight", DataType: "F32", Shape: []int64{1, 2}},
		}
		if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Tensor{}, "WriterTo")); diff != "" {
			t.Fatalf("unexpected tensors (-want +got):\n%s", diff)
		}

		f32s, err := got[1].Floats()
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, f32s); diff != "" {
			t.Fatalf("unexpected data (-want +got):\n%s", diff)
		}
	}
}

func TestWriteDeterministic(t *testing.T) {
	dir := t.TempDir()

	ts := []*Tensor{
		mustF32(t, "b", []int64{2}, []float32{3, 4}),
		mustF32(t, "a", []int64{2}, []float32{1, 2}),
	}

	first := filepath.Join(dir, "first.safetensors")
	if err := WriteFile(first, ts); err != nil {
		t.Fatal(err)
	}

	second := filepath.Join(dir, "second.safetensors")
	if err := WriteFile(second, []*Tensor{ts[1], ts[0]}); err != nil {
		t.Fatal(err)
	}

	b1, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}

	b2, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(b1, b2) {
		t.Error("tensor order changed the output bytes")
	}
}

func TestWriteDuplicateName(t *testing.T) {
	ts := []*Tensor{
		mustF32(t, "a", []int64{1}, []float32{1}),
		mustF32(t, "a", []int64{1}, []float32{2}),
	}

	p := filepath.Join(t.TempDir(), "model.safetensors")
	if err := WriteFile(p, ts); err == nil {
		t.Fatal("expected error for duplicate tensor name")
	}

	if _, err := os.Stat(p); err == nil {
		t.Error("output file written despite error")
	}
}

func TestZeros(t *testing.T) {
	cases := []struct {
		dtype string
		size  int64
	}{
		{"F32", 24},
		{"F16", 12},
		{"BF16", 12},
		{"I8", 6},
	}

	for _, tt := range cases {
		t.Run(tt.dtype, func(t *testing.T) {
			z, err := Zeros("dummy", tt.dtype, []int64{2, 3})
			if err != nil {
				t.Fatal(err)
			}

			var b bytes.Buffer
			if _, err := z.WriterTo.WriteTo(&b); err != nil {
				t.Fatal(err)
			}

			if got := int64(b.Len()); got != tt.size {
				t.Fatalf("payload size = %d, want %d", got, tt.size)
			}

			for i, c := range b.Bytes() {
				if c != 0 {
					t.Fatalf("payload byte %d = %#x, want 0", i, c)
				}
			}
		})
	}
}

func TestZerosUnknownType(t *testing.T) {
	if _, err := Zeros("dummy", "Q4_0", []int64{2}); err == nil {
		t.Fatal("expected error for unknown dtype")
	}
}

func TestFloatsHalfFormats(t *testing.T) {
	for _, dtype := range []string{"F16", "BF16"} {
		t.Run(dtype, func(t *testing.T) {
			z, err := Zeros("dummy", dtype, []int64{4})
			if err != nil {
				t.Fatal(err)
			}

			f32s, err := z.Floats()
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff([]float32{0, 0, 0, 0}, f32s); diff != "" {
				t.Errorf("unexpected values (-want +got):\n%s", diff)
			}
		})
	}
}

func TestF32LengthMismatch(t *testing.T) {
	if _, err := F32("bad", []int64{2, 2}, []float32{1, 2, 3}); err == nil {
		t.Fatal("expected error for element count mismatch")
	}
}

func TestReadRejectsBadOffsets(t *testing.T) {
	header, err := json.Marshal(map[string]tensorMetadata{
		"t": {Type: "F32", Shape: []int64{1024}, Offsets: []int64{0, 4096}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, uint64(len(header))); err != nil {
		t.Fatal(err)
	}
	b.Write(header)
	b.Write(make([]byte, 16)) // far less data than the offsets claim

	p := filepath.Join(t.TempDir(), "model.safetensors")
	if err := os.WriteFile(p, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadFile(p); err == nil {
		t.Fatal("expected error for out of range offsets")
	}
}

func TestReadRejectsShapeOffsetMismatch(t *testing.T) {
	// header declares two F32 elements but offsets span only one; accepting
	// this would silently zero-pad the missing element on the next write
	header, err := json.Marshal(map[string]tensorMetadata{
		"t": {Type: "F32", Shape: []int64{2}, Offsets: []int64{0, 4}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, uint64(len(header))); err != nil {
		t.Fatal(err)
	}
	b.Write(header)
	if err := binary.Write(&b, binary.LittleEndian, float32(3.5)); err != nil {
		t.Fatal(err)
	}

	p := filepath.Join(t.TempDir(), "model.safetensors")
	if err := os.WriteFile(p, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadFile(p); err == nil {
		t.Fatal("expected error for offsets smaller than the declared shape")
	}
}

func TestWriteRejectsShortData(t *testing.T) {
	t1 := &Tensor{Name: "a", DataType: "F32", Shape: []int64{2}}
	t1.WriterTo = writerFunc(func(w io.Writer) (int64, error) {
		n, err := w.Write([]byte{0, 0, 0, 0}) // 4 bytes, shape needs 8
		return int64(n), err
	})

	p := filepath.Join(t.TempDir(), "model.safetensors")
	if err := WriteFile(p, []*Tensor{t1}); err == nil {
		t.Fatal("expected error for data shorter than the declared shape")
	}

	if _, err := os.Stat(p); err == nil {
		t.Error("output file written despite error")
	}
}

func TestReadSkipsMetadata(t *testing.T) {
	p := filepath.Join(t.TempDir(), "model.safetensors")
	if err := WriteFile(p, []*Tensor{mustF32(t, "a", []int64{1}, []float32{1})}); err != nil {
		t.Fatal(err)
	}

	// rewrite with a __metadata__ entry spliced into the header
	bts, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}

	n := binary.LittleEndian.Uint64(bts[:8])
	var headers map[string]json.RawMessage
	if err := json.Unmarshal(bts[8:8+n], &headers); err != nil {
		t.Fatal(err)
	}
	headers["__metadata__"] = json.RawMessage(`{"format":"pt"}`)

	header, err := json.Marshal(headers)
	if err != nil {
		t.Fatal(err)
	}

	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, uint64(len(header))); err != nil {
		t.Fatal(err)
	}
	b.Write(header)
	b.Write(bts[8+n:])

	if err := os.WriteFile(p, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	ts, err := ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}

	if len(ts) != 1 || ts[0].Name != "a" {
		t.Fatalf("unexpected tensors: %+v", ts)
	}
}

func mustF32(t *testing.T, name string, shape []int64, data []float32) *Tensor {
	t.Helper()

	tensor, err := F32(name, shape, data)
	if err != nil {
		t.Fatal(err)
	}
	return tensor
}

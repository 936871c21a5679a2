package safetensors

import (
	"cmp"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
)

// Write writes ts to f as a safetensors file. Data offsets are assigned in
// sorted name order, and encoding/json emits map keys sorted, so identical
// tensor sets produce byte-identical files.
func Write(f *os.File, ts []*Tensor) error {
	ts = slices.Clone(ts)
	slices.SortFunc(ts, func(a, b *Tensor) int {
		return cmp.Compare(a.Name, b.Name)
	})

	headers := make(map[string]tensorMetadata, len(ts))

	var offset int64
	for _, t := range ts {
		if _, ok := headers[t.Name]; ok {
			return fmt.Errorf("duplicate tensor name %q", t.Name)
		}

		size, err := t.Size()
		if err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}

		headers[t.Name] = tensorMetadata{
			Type:    t.DataType,
			Shape:   slices.Clone(t.Shape),
			Offsets: []int64{offset, offset + size},
		}
		offset += size
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	if err := binary.Write(f, binary.LittleEndian, uint64(len(header))); err != nil {
		return err
	}

	if _, err := f.Write(header); err != nil {
		return err
	}

	dataStart := int64(8 + len(header))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range ts {
		t := t
		meta := headers[t.Name]
		size := meta.Offsets[1] - meta.Offsets[0]
		w := io.NewOffsetWriter(f, dataStart+meta.Offsets[0])
		g.Go(func() error {
			n, err := t.WriterTo.WriteTo(w)
			if err != nil {
				return err
			}
			if n != size {
				return fmt.Errorf("tensor %q: wrote %d bytes, header says %d", t.Name, n, size)
			}
			return nil
		})
	}

	return g.Wait()
}

// WriteFile writes ts to a temporary file next to p, then renames it into
// place, so a failed conversion leaves no partial output behind.
func WriteFile(p string, ts []*Tensor) error {
	f, err := os.CreateTemp(filepath.Dir(p), filepath.Base(p)+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := Write(f, ts); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), p)
}

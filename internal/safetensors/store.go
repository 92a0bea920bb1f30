// Package safetensors reads and writes the safetensors container used for
// representation grids and latents exchanged with the codec commands.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/example/go-musicldm/internal/tensor"
)

const (
	dtypeF32  = "F32"
	dtypeF16  = "F16"
	dtypeBF16 = "BF16"

	metadataKey = "__metadata__"
)

// Tensor is one named float32 tensor of a file.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Dense converts t into a tensor package value.
func (t *Tensor) Dense() (*tensor.Tensor, error) {
	return tensor.New(t.Data, t.Shape)
}

type Store struct {
	raw     []byte
	entries map[string]entry
	names   []string
}

type entry struct {
	DType string
	Shape []int64
	Start int
	End   int
}

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

func OpenStore(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return OpenStoreFromBytes(data)
}

func OpenStoreFromBytes(data []byte) (*Store, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", headerLen, len(data))
	}

	headerEnd := 8 + int(headerLen)

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:headerEnd], &header); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	s := &Store{raw: data, entries: make(map[string]entry, len(header))}

	for name, raw := range header {
		if name == metadataKey {
			continue
		}

		var h headerEntry
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, fmt.Errorf("safetensors: decode header entry %q: %w", name, err)
		}

		e, err := h.resolve(name, headerEnd, len(data))
		if err != nil {
			return nil, err
		}

		s.entries[name] = e
		s.names = append(s.names, name)
	}

	if len(s.names) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}

	sort.Strings(s.names)

	return s, nil
}

func (h headerEntry) resolve(name string, headerEnd, size int) (entry, error) {
	dtype := strings.ToUpper(h.DType)

	width, err := dtypeBytes(dtype)
	if err != nil {
		return entry{}, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	count, err := elementCount(h.Shape)
	if err != nil {
		return entry{}, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	start, end := headerEnd+h.Offsets[0], headerEnd+h.Offsets[1]
	if h.Offsets[0] < 0 || end < start || end > size {
		return entry{}, fmt.Errorf("safetensors: tensor %q data [%d:%d] exceeds file size %d", name, start, end, size)
	}

	if end-start < count*width {
		return entry{}, fmt.Errorf("safetensors: tensor %q needs %d bytes but data has %d", name, count*width, end-start)
	}

	return entry{DType: dtype, Shape: append([]int64(nil), h.Shape...), Start: start, End: end}, nil
}

// Names returns the tensor names in sorted order.
func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

func (s *Store) Tensor(name string) (*Tensor, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, strings.Join(s.names, ", "))
	}

	data, err := decode(s.raw[e.Start:e.End], e.DType, e.Shape)
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q decode: %w", name, err)
	}

	return &Tensor{Name: name, Shape: append([]int64(nil), e.Shape...), Data: data}, nil
}

func (s *Store) TensorWithShape(name string, want []int64) (*Tensor, error) {
	t, err := s.Tensor(name)
	if err != nil {
		return nil, err
	}

	if !equalShape(t.Shape, want) {
		return nil, fmt.Errorf("safetensors: tensor %q shape %v does not match expected %v", name, t.Shape, want)
	}

	return t, nil
}

// Select returns name when set, otherwise the only tensor of the file.
func (s *Store) Select(name string) (*Tensor, error) {
	if name != "" {
		return s.Tensor(name)
	}

	if len(s.names) != 1 {
		return nil, fmt.Errorf("safetensors: file holds %d tensors (%s); name one", len(s.names), strings.Join(s.names, ", "))
	}

	return s.Tensor(s.names[0])
}

func (s *Store) Close() {
	s.raw = nil
	s.entries = nil
	s.names = nil
}

// Load opens path and returns the named (or only) tensor as a dense tensor.
func Load(path, name string) (*tensor.Tensor, error) {
	s, err := OpenStore(path)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	t, err := s.Select(name)
	if err != nil {
		return nil, err
	}

	return t.Dense()
}

func elementCount(shape []int64) (int, error) {
	total := int64(1)

	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}

		if d != 0 && total > math.MaxInt32/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return int(total), nil
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

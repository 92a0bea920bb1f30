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

// EncodeTensors serializes float32 tensors, ordered by name.
func EncodeTensors(tensors []Tensor) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	sorted := append([]Tensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]headerEntry, len(sorted))

	var payload []byte

	for _, t := range sorted {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, errors.New("safetensors: tensor name must not be empty")
		}

		if _, dup := header[name]; dup {
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}

		count, err := elementCount(t.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		if count != len(t.Data) {
			return nil, fmt.Errorf("safetensors: tensor %q shape %v expects %d elements, got %d", name, t.Shape, count, len(t.Data))
		}

		start := len(payload)
		for _, v := range t.Data {
			payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
		}

		header[name] = headerEntry{DType: dtypeF32, Shape: append([]int64(nil), t.Shape...), Offsets: [2]int{start, len(payload)}}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := binary.LittleEndian.AppendUint64(make([]byte, 0, 8+len(headerJSON)+len(payload)), uint64(len(headerJSON)))
	out = append(out, headerJSON...)

	return append(out, payload...), nil
}

func WriteFile(path string, tensors []Tensor) error {
	data, err := EncodeTensors(tensors)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}

// Save writes a single dense tensor under name.
func Save(path, name string, t *tensor.Tensor) error {
	return WriteFile(path, []Tensor{{Name: name, Shape: t.Shape(), Data: t.RawData()}})
}

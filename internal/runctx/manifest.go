package runctx

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the run.yaml record of how a run was produced.
type Manifest struct {
	RunID      string          `yaml:"run_id"`
	Index      int             `yaml:"index"`
	CreatedAt  time.Time       `yaml:"created_at"`
	Seed       uint64          `yaml:"seed"`
	Device     string          `yaml:"device"`
	Backend    string          `yaml:"backend"`
	ImageKey   string          `yaml:"image_key"`
	SampleRate int             `yaml:"sample_rate"`
	Sampler    SamplerRecord   `yaml:"sampler"`
	Candidates int             `yaml:"candidates_per_sample"`
	BatchSize  int             `yaml:"batch_size"`
	Prefix     string          `yaml:"prompt_prefix"`
	Texts      []string        `yaml:"texts"`
	Segments   []SegmentRecord `yaml:"segments,omitempty"`
	Status     string          `yaml:"status"`
	Error      string          `yaml:"error,omitempty"`
}

type SamplerRecord struct {
	Steps         int     `yaml:"steps"`
	Eta           float64 `yaml:"eta"`
	GuidanceScale float64 `yaml:"guidance_scale"`
}

// SegmentRecord is the selection outcome of one segment.
type SegmentRecord struct {
	Index      int       `yaml:"index"`
	Text       string    `yaml:"text"`
	Selected   []int64   `yaml:"selected"`
	Similarity []float32 `yaml:"similarity"`
}

// NewManifest fills the run identity fields from c.
func (c *Context) NewManifest(out *Output) Manifest {
	return Manifest{
		RunID:      c.RunID,
		Index:      out.Index,
		CreatedAt:  time.Now().UTC(),
		Seed:       c.Seed,
		Device:     c.Device,
		SampleRate: c.SampleRate,
		Status:     "running",
	}
}

// WriteManifest rewrites run.yaml.
func (o *Output) WriteManifest(m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("runctx: marshal manifest: %w", err)
	}

	if err := os.WriteFile(filepath.Join(o.Dir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("runctx: write manifest: %w", err)
	}

	return nil
}

// ReadManifest loads run.yaml from a run directory.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest

	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return m, fmt.Errorf("runctx: read manifest: %w", err)
	}

	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("runctx: parse manifest: %w", err)
	}

	return m, nil
}

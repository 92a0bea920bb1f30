package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/example/go-musicldm/internal/config"
)

// Graph names expected in the manifest.
const (
	GraphVAEEncoder  = "vae_encoder"
	GraphVAEDecoder  = "vae_decoder"
	GraphVocoder     = "vocoder"
	GraphWaveDecoder = "wave_decoder"
	GraphUNet        = "unet"
	GraphCLAPText    = "clap_text"
	GraphCLAPAudio   = "clap_audio"
)

// graphIO is the node naming the Engine methods rely on. Exported graphs
// that declare their nodes must match it.
var graphIO = map[string]struct {
	inputs []string
	output string
}{
	GraphVAEEncoder:  {[]string{"x"}, "moments"},
	GraphVAEDecoder:  {[]string{"z"}, "x_rec"},
	GraphVocoder:     {[]string{"mel"}, "waveform"},
	GraphWaveDecoder: {[]string{"spec"}, "waveform"},
	GraphUNet:        {[]string{"x", "timesteps", "context"}, "eps"},
	GraphCLAPText:    {[]string{"input_ids", "attention_mask"}, "embedding"},
	GraphCLAPAudio:   {[]string{"waveform"}, "embedding"},
}

// GraphInputs returns the input names the engine feeds graph, or nil for a
// graph it does not know.
func GraphInputs(graph string) []string {
	return slices.Clone(graphIO[graph].inputs)
}

// NodeInfo is one declared graph input or output. Shape entries are ints or
// symbolic dimension names.
type NodeInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []any  `json:"shape"`
}

// Session is a resolved manifest entry.
type Session struct {
	Name string
	Path string

	Inputs  []NodeInfo
	Outputs []NodeInfo
}

// SessionManager is the parsed graph manifest. It is read-only after
// construction.
type SessionManager struct {
	byName map[string]Session
	names  []string
}

type manifestFile struct {
	Graphs []struct {
		Name     string     `json:"name"`
		Filename string     `json:"filename"`
		Inputs   []NodeInfo `json:"inputs"`
		Outputs  []NodeInfo `json:"outputs"`
	} `json:"graphs"`
}

// NewSessionManager reads the manifest at path. Graph files are resolved
// relative to the manifest directory and must exist.
func NewSessionManager(path string) (*SessionManager, error) {
	if path == "" {
		return nil, errors.New("manifest path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ONNX manifest: %w", err)
	}

	var mf manifestFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("decode ONNX manifest %s: %w", path, err)
	}

	if len(mf.Graphs) == 0 {
		return nil, fmt.Errorf("ONNX manifest %s has no graphs", path)
	}

	sm := &SessionManager{byName: make(map[string]Session, len(mf.Graphs))}
	dir := filepath.Dir(path)

	for i, g := range mf.Graphs {
		s := Session{
			Name:    g.Name,
			Path:    g.Filename,
			Inputs:  slices.Clone(g.Inputs),
			Outputs: slices.Clone(g.Outputs),
		}

		if s.Name == "" || s.Path == "" {
			return nil, fmt.Errorf("manifest graph %d: name and filename are required", i)
		}

		if _, dup := sm.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate session name %q in manifest", s.Name)
		}

		if !filepath.IsAbs(s.Path) {
			s.Path = filepath.Join(dir, s.Path)
		}
		s.Path = filepath.Clean(s.Path)

		if err := checkSession(s); err != nil {
			return nil, err
		}

		sm.byName[s.Name] = s
		sm.names = append(sm.names, s.Name)

		slog.Debug("onnx graph", "name", s.Name, "path", s.Path,
			"inputs", nodeNames(s.Inputs), "outputs", nodeNames(s.Outputs))
	}

	return sm, nil
}

func checkSession(s Session) error {
	if _, err := os.Stat(s.Path); err != nil {
		return fmt.Errorf("session file for %q: %w", s.Name, err)
	}

	for _, n := range slices.Concat(s.Inputs, s.Outputs) {
		if n.DType == "" {
			continue
		}

		if _, err := canonicalDType(n.DType); err != nil {
			return fmt.Errorf("graph %q node %q: %w", s.Name, n.Name, err)
		}
	}

	contract, known := graphIO[s.Name]
	if !known {
		return nil
	}

	if len(s.Inputs) > 0 {
		got := strings.Split(nodeNames(s.Inputs), ",")
		want := slices.Clone(contract.inputs)
		slices.Sort(got)
		slices.Sort(want)

		if !slices.Equal(got, want) {
			return fmt.Errorf("graph %q declares inputs %v, engine feeds %v", s.Name, got, want)
		}
	}

	if len(s.Outputs) > 0 && !slices.ContainsFunc(s.Outputs, func(n NodeInfo) bool { return n.Name == contract.output }) {
		return fmt.Errorf("graph %q does not declare output %q", s.Name, contract.output)
	}

	return nil
}

func (m *SessionManager) Session(name string) (Session, bool) {
	s, ok := m.byName[name]
	return s, ok
}

// Sessions returns the manifest entries in file order.
func (m *SessionManager) Sessions() []Session {
	out := make([]Session, 0, len(m.names))
	for _, name := range m.names {
		s := m.byName[name]
		s.Inputs = slices.Clone(s.Inputs)
		s.Outputs = slices.Clone(s.Outputs)
		out = append(out, s)
	}

	return out
}

// Require reports every graph name missing from the manifest.
func (m *SessionManager) Require(names ...string) error {
	var missing []string
	for _, n := range names {
		if _, ok := m.byName[n]; !ok {
			missing = append(missing, n)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("ONNX manifest is missing graphs: %s", strings.Join(missing, ", "))
	}

	return nil
}

// RequiredGraphs lists the graphs a generation run needs for an image key.
func RequiredGraphs(imageKey string) []string {
	wave := GraphVocoder
	if imageKey == config.ImageKeySTFT {
		wave = GraphWaveDecoder
	}

	return []string{GraphVAEEncoder, GraphVAEDecoder, wave, GraphUNet, GraphCLAPText, GraphCLAPAudio}
}

func nodeNames(nodes []NodeInfo) string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}

	return strings.Join(names, ",")
}

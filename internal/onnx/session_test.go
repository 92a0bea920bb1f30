package onnx

import (
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestNewSessionManagerLoadsManifest(t *testing.T) {
	tmp := t.TempDir()

	for _, name := range []string{"unet.onnx", "vocoder.onnx"} {
		writeFile(t, filepath.Join(tmp, name), "fake")
	}

	manifest := `{
  "graphs": [
    {
      "name": "unet",
      "filename": "unet.onnx",
      "inputs": [
        {"name":"x","dtype":"float","shape":["batch",8,256,16]},
        {"name":"timesteps","dtype":"int64","shape":["batch"]},
        {"name":"context","dtype":"float","shape":["batch",1,512]}
      ],
      "outputs": [{"name":"eps","dtype":"float","shape":["batch",8,256,16]}]
    },
    {
      "name": "vocoder",
      "filename": "vocoder.onnx",
      "inputs": [{"name":"mel","dtype":"tensor(float)","shape":["batch",64,"frames"]}],
      "outputs": [{"name":"waveform","dtype":"float","shape":["batch",1,"samples"]}]
    }
  ]
}`
	manifestPath := filepath.Join(tmp, "manifest.json")
	writeFile(t, manifestPath, manifest)

	sm, err := NewSessionManager(manifestPath)
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}

	all := sm.Sessions()
	if len(all) != 2 || all[0].Name != "unet" || all[1].Name != "vocoder" {
		t.Fatalf("unexpected sessions: %+v", all)
	}

	s, ok := sm.Session("unet")
	if !ok {
		t.Fatal("expected unet session")
	}

	if s.Path != filepath.Join(tmp, "unet.onnx") {
		t.Fatalf("unexpected session path: %s", s.Path)
	}

	if len(s.Inputs) != 3 || s.Inputs[1].Name != "timesteps" {
		t.Fatalf("unexpected inputs: %+v", s.Inputs)
	}

	err = sm.Require(GraphUNet, GraphVocoder, GraphCLAPText)
	if err == nil || !strings.Contains(err.Error(), GraphCLAPText) {
		t.Fatalf("Require() = %v; want missing clap_text", err)
	}

	if err := sm.Require(GraphUNet); err != nil {
		t.Fatalf("Require(unet) = %v", err)
	}
}

func TestNewSessionManagerRejects(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		files    []string
		wantErr  string
	}{
		{
			name:     "missing file",
			manifest: `{"graphs":[{"name":"unet","filename":"unet.onnx"}]}`,
			wantErr:  "session file",
		},
		{
			name:     "no graphs",
			manifest: `{"graphs":[]}`,
			wantErr:  "no graphs",
		},
		{
			name:     "duplicate",
			manifest: `{"graphs":[{"name":"a","filename":"a.onnx"},{"name":"a","filename":"a.onnx"}]}`,
			files:    []string{"a.onnx"},
			wantErr:  "duplicate",
		},
		{
			name:     "bad dtype",
			manifest: `{"graphs":[{"name":"a","filename":"a.onnx","inputs":[{"name":"x","dtype":"complex64"}]}]}`,
			files:    []string{"a.onnx"},
			wantErr:  "unsupported tensor dtype",
		},
		{
			name:     "unet inputs renamed",
			manifest: `{"graphs":[{"name":"unet","filename":"unet.onnx","inputs":[{"name":"sample"},{"name":"timesteps"},{"name":"context"}]}]}`,
			files:    []string{"unet.onnx"},
			wantErr:  "engine feeds",
		},
		{
			name:     "vocoder output renamed",
			manifest: `{"graphs":[{"name":"vocoder","filename":"vocoder.onnx","outputs":[{"name":"audio"}]}]}`,
			files:    []string{"vocoder.onnx"},
			wantErr:  `output "waveform"`,
		},
		{
			name:     "missing name",
			manifest: `{"graphs":[{"filename":"a.onnx"}]}`,
			wantErr:  "name and filename",
		},
		{
			name:     "invalid json",
			manifest: `{graphs`,
			wantErr:  "decode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := t.TempDir()
			for _, f := range tt.files {
				writeFile(t, filepath.Join(tmp, f), "fake")
			}

			manifestPath := filepath.Join(tmp, "manifest.json")
			writeFile(t, manifestPath, tt.manifest)

			_, err := NewSessionManager(manifestPath)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("NewSessionManager() = %v; want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRequiredGraphs(t *testing.T) {
	fbank := RequiredGraphs("fbank")
	stft := RequiredGraphs("stft")

	if !contains(fbank, GraphVocoder) || contains(fbank, GraphWaveDecoder) {
		t.Errorf("fbank graphs = %v", fbank)
	}

	if !contains(stft, GraphWaveDecoder) || contains(stft, GraphVocoder) {
		t.Errorf("stft graphs = %v", stft)
	}
}

func contains(list []string, s string) bool {
	return slices.Contains(list, s)
}

func TestGraphInputs(t *testing.T) {
	if got := GraphInputs(GraphCLAPText); !slices.Equal(got, []string{"input_ids", "attention_mask"}) {
		t.Errorf("GraphInputs(clap_text) = %v", got)
	}

	if got := GraphInputs("custom"); got != nil {
		t.Errorf("GraphInputs(custom) = %v, want nil", got)
	}
}

// Package model acquires the pretrained artifacts a run needs: the pinned
// checkpoint files and bundles of exported ONNX graphs.
package model

import (
	"fmt"
	"strings"
)

// DefaultBaseURL is the record the pinned checkpoints are published under.
const DefaultBaseURL = "https://zenodo.org/records/10643148/files/"

// LockFile is written next to the checkpoints and records what was fetched.
const LockFile = "checkpoints.lock.json"

// Checkpoint is one pinned file. SHA256 is optional; when empty the digest of
// the first download is recorded in the lock file and enforced afterwards.
type Checkpoint struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	SHA256 string `json:"sha256,omitempty"`
}

// PinnedCheckpoints returns the text/audio embedding and diffusion
// checkpoints resolved against baseURL (DefaultBaseURL when empty).
func PinnedCheckpoints(baseURL string) []Checkpoint {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	names := []string{"clap-ckpt.pt", "musicldm-ckpt.ckpt"}

	out := make([]Checkpoint, len(names))
	for i, name := range names {
		out[i] = Checkpoint{Name: name, URL: fmt.Sprintf("%s%s?download=1", baseURL, name)}
	}

	return out
}

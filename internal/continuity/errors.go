package continuity

import "errors"

var (
	// ErrEmptySequence is returned before any work when there is nothing to
	// generate.
	ErrEmptySequence = errors.New("continuity: empty segment sequence")
	// ErrShapeMismatch marks a sampled or decoded tensor whose dimensions do
	// not line up with the previous segment.
	ErrShapeMismatch = errors.New("continuity: shape mismatch")
	// ErrNoValidCandidate is returned when every candidate of a group scored NaN.
	ErrNoValidCandidate = errors.New("continuity: no valid candidate")
	ErrNonFinite        = errors.New("continuity: non-finite output")
)

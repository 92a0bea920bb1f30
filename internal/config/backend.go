package config

import (
	"fmt"
	"log/slog"
	"strings"
)

const (
	BackendONNX      = "onnx"
	BackendSynthetic = "synthetic"
)

const (
	ImageKeyFbank = "fbank"
	ImageKeySTFT  = "stft"
)

func NormalizeBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = BackendONNX
	}
	switch backend {
	case BackendONNX, BackendSynthetic:
		return backend, nil
	case "ort", "onnxruntime":
		return BackendONNX, nil
	case "dry-run", "fake":
		return BackendSynthetic, nil
	default:
		return "", fmt.Errorf("invalid backend %q (expected %s|%s)", raw, BackendONNX, BackendSynthetic)
	}
}

// NormalizeImageKey resolves the autoencoder representation name.
// "mel" is accepted as an alias for the filterbank variant.
func NormalizeImageKey(raw string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	switch key {
	case "", ImageKeyFbank, "mel":
		return ImageKeyFbank, nil
	case ImageKeySTFT:
		return ImageKeySTFT, nil
	default:
		return "", fmt.Errorf("invalid image key %q (expected %s|%s)", raw, ImageKeyFbank, ImageKeySTFT)
	}
}

func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/example/go-musicldm/internal/config"
)

// RuntimeInfo describes the ONNX Runtime shared library a run will load.
type RuntimeInfo struct {
	LibraryPath string
	Version     string
	// Source is where the path came from: config, an env var name, or search.
	Source string
}

// ErrRuntimeNotFound is returned when no library path is configured and
// none of the search directories holds one.
var ErrRuntimeNotFound = errors.New("onnx runtime library not found")

// RuntimeEnvVars name a library path when the config leaves it empty.
var RuntimeEnvVars = []string{"MUSICLDM_ORT_LIB", "ORT_LIBRARY_PATH"}

// SearchDirs are scanned for a library as a last resort.
var SearchDirs = []string{
	"/usr/lib",
	"/usr/local/lib",
	"/usr/lib/x86_64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
	"/opt/homebrew/lib",
	"C:/onnxruntime/lib",
}

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// DetectRuntime resolves the library path and, when possible, its version.
func DetectRuntime(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	info := RuntimeInfo{LibraryPath: cfg.ORTLibraryPath, Source: "config"}

	if info.LibraryPath == "" {
		for _, env := range RuntimeEnvVars {
			if p := os.Getenv(env); p != "" {
				info.LibraryPath, info.Source = p, env
				break
			}
		}
	}

	if info.LibraryPath == "" {
		info.LibraryPath, info.Source = searchLibrary(SearchDirs), "search"
	}

	if info.LibraryPath == "" {
		return RuntimeInfo{Version: "unknown"}, ErrRuntimeNotFound
	}

	if _, err := os.Stat(info.LibraryPath); err != nil {
		info.Version = "unknown"
		return info, fmt.Errorf("onnx runtime library (%s): %w", info.Source, err)
	}

	info.Version = firstNonEmpty(cfg.ORTVersion, os.Getenv("ORT_VERSION"), libraryVersion(info.LibraryPath), "unknown")

	return info, nil
}

// searchLibrary returns the newest library found in dirs. Unversioned names
// rank below versioned ones; earlier dirs win ties.
func searchLibrary(dirs []string) string {
	var (
		best    string
		bestVer []int
	)

	for _, dir := range dirs {
		for _, pattern := range libraryGlobs() {
			matches, _ := filepath.Glob(filepath.Join(dir, pattern))
			for _, m := range matches {
				ver := parseVersion(libraryVersion(m))
				if best == "" || compareVersions(ver, bestVer) > 0 {
					best, bestVer = m, ver
				}
			}
		}
	}

	return best
}

func libraryGlobs() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"libonnxruntime*.dylib"}
	case "windows":
		return []string{"onnxruntime.dll"}
	default:
		return []string{"libonnxruntime.so*"}
	}
}

// libraryVersion reads a version from the file name, following symlinks
// such as libonnxruntime.so -> libonnxruntime.so.1.20.1.
func libraryVersion(path string) string {
	if m := versionPattern.FindString(filepath.Base(path)); m != "" {
		return m
	}

	if target, err := filepath.EvalSymlinks(path); err == nil && target != path {
		return versionPattern.FindString(filepath.Base(target))
	}

	return ""
}

func parseVersion(v string) []int {
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ".")
	out := make([]int, 0, len(parts))

	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil
		}

		out = append(out, n)
	}

	return out
}

func compareVersions(a, b []int) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}

		if x != y {
			if x > y {
				return 1
			}
			return -1
		}
	}

	// A versioned name beats an unversioned one.
	return len(a) - len(b)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}

package runctx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// NextRunDir creates and returns root/<n> for the smallest non-negative n
// that does not exist yet. Creation with os.Mkdir makes the claim atomic, so
// two concurrent runs never share a directory.
func NextRunDir(root string) (string, int, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", 0, fmt.Errorf("runctx: create output root: %w", err)
	}

	for n := 0; ; n++ {
		dir := filepath.Join(root, strconv.Itoa(n))

		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, n, nil
		}

		if !errors.Is(err, fs.ErrExist) {
			return "", 0, fmt.Errorf("runctx: create run dir: %w", err)
		}
	}
}

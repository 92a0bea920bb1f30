package model

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/go-musicldm/internal/onnx"
)

// BundleOptions describes an archive of exported graphs plus manifest.json.
type BundleOptions struct {
	// URL is an http(s) URL, a file:// URL or a local path to a .zip or
	// .tar.gz archive.
	URL    string
	SHA256 string
	OutDir string
	// ImageKey selects which graphs the extracted manifest must provide.
	ImageKey   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// FetchBundle downloads, verifies and unpacks a graph bundle, then checks that
// the manifest declares every graph the configured codec variant needs.
func FetchBundle(ctx context.Context, opts BundleOptions) error {
	if strings.TrimSpace(opts.URL) == "" {
		return errors.New("model: bundle URL is required")
	}

	if strings.TrimSpace(opts.OutDir) == "" {
		return errors.New("model: bundle out dir is required")
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	archive, sum, err := fetchArchive(ctx, opts.HTTPClient, opts.URL)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	if want := strings.ToLower(strings.TrimSpace(opts.SHA256)); want != "" && want != sum {
		return &DownloadError{File: filepath.Base(opts.URL), URL: opts.URL, Err: fmt.Errorf("%w: expected %s got %s", ErrChecksum, want, sum)}
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("model: create bundle dir: %w", err)
	}

	if err := extract(archive, opts.URL, opts.OutDir); err != nil {
		return err
	}

	manifest := filepath.Join(opts.OutDir, "manifest.json")

	sm, err := onnx.NewSessionManager(manifest)
	if err != nil {
		return fmt.Errorf("model: bundle manifest: %w", err)
	}

	if err := sm.Require(onnx.RequiredGraphs(opts.ImageKey)...); err != nil {
		return fmt.Errorf("model: bundle manifest: %w", err)
	}

	opts.Logger.Info("graph bundle installed", "dir", opts.OutDir, "sha256", sum, "graphs", len(sm.Sessions()))

	return nil
}

func fetchArchive(ctx context.Context, client *http.Client, url string) (string, string, error) {
	src, err := openSource(ctx, client, url)
	if err != nil {
		return "", "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "musicldm-bundle-*")
	if err != nil {
		return "", "", fmt.Errorf("model: create temp bundle: %w", err)
	}

	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, h), src)

	if cerr := tmp.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", "", &DownloadError{File: filepath.Base(url), URL: url, Err: err}
	}

	return tmp.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

func openSource(ctx context.Context, client *http.Client, url string) (io.ReadCloser, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		fh, err := os.Open(strings.TrimPrefix(url, "file://"))
		if err != nil {
			return nil, fmt.Errorf("model: open local bundle: %w", err)
		}

		return fh, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &DownloadError{File: filepath.Base(url), URL: url, Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &DownloadError{File: filepath.Base(url), URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &DownloadError{File: filepath.Base(url), URL: url, Status: resp.StatusCode}
	}

	return resp.Body, nil
}

// extract picks the archive format from the source name, falling back to
// trying zip then tar.gz.
func extract(archive, name, outDir string) error {
	lower := strings.ToLower(name)

	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(archive, outDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(archive, outDir)
	}

	if err := extractZip(archive, outDir); err == nil {
		return nil
	}

	if err := extractTarGz(archive, outDir); err == nil {
		return nil
	}

	return fmt.Errorf("model: unsupported bundle format for %s (expected .zip or .tar.gz)", name)
}

func extractZip(archive, outDir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("model: open zip bundle: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			if _, err := safeJoin(outDir, f.Name); err != nil {
				return err
			}

			continue
		}

		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("model: open zip entry %s: %w", f.Name, err)
		}

		err = writeEntry(outDir, f.Name, src)
		src.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

func extractTarGz(archive, outDir string) error {
	fh, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("model: open tar.gz bundle: %w", err)
	}
	defer fh.Close()

	gz, err := gzip.NewReader(fh)
	if err != nil {
		return fmt.Errorf("model: open gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("model: read tar entry: %w", err)
		}

		// Directories are created on demand; links and devices are skipped.
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		if err := writeEntry(outDir, hdr.Name, tr); err != nil {
			return err
		}
	}
}

func writeEntry(outDir, name string, src io.Reader) error {
	target, err := safeJoin(outDir, name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("model: create parent dir for %s: %w", target, err)
	}

	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("model: create %s: %w", target, err)
	}

	//nolint:gosec // Archive digest is checked before extraction when pinned.
	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return fmt.Errorf("model: extract %s: %w", name, err)
	}

	return nil
}

// safeJoin rejects entries that would land outside baseDir.
func safeJoin(baseDir, entry string) (string, error) {
	target := filepath.Join(baseDir, filepath.Clean(strings.TrimPrefix(entry, "/")))

	base := filepath.Clean(baseDir) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), base) {
		return "", fmt.Errorf("model: unsafe archive path %q", entry)
	}

	return target, nil
}

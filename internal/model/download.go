package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"
)

// DownloadError reports a checkpoint that could not be fetched. Downloads are
// not retried.
type DownloadError struct {
	File   string
	URL    string
	Status int
	Err    error
}

func (e *DownloadError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("download %s from %s: HTTP %d", e.File, e.URL, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("download %s from %s: %v", e.File, e.URL, e.Err)
	default:
		return fmt.Sprintf("download %s from %s failed", e.File, e.URL)
	}
}

func (e *DownloadError) Unwrap() error { return e.Err }

// ErrChecksum is wrapped by a DownloadError whose payload digest differs from
// the pinned or locked one.
var ErrChecksum = errors.New("checksum mismatch")

type EnsureOptions struct {
	Dir   string
	Files []Checkpoint
	// Workers bounds concurrent downloads; values below 1 mean 1.
	Workers    int
	HTTPClient *http.Client
	// Progress receives progress bars; nil disables them.
	Progress io.Writer
	Logger   *slog.Logger
}

// EnsureReport lists which files were fetched and which were already present.
type EnsureReport struct {
	Downloaded []string
	Skipped    []string
}

type lockManifest struct {
	Generated string                `json:"generated"`
	Files     map[string]lockRecord `json:"files"`
}

type lockRecord struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Ensure makes every file of opts.Files present in opts.Dir. Files already on
// disk are left alone. Missing files are downloaded concurrently, verified
// against their pinned digest and recorded in the lock manifest.
func Ensure(ctx context.Context, opts EnsureOptions) (EnsureReport, error) {
	var report EnsureReport

	if strings.TrimSpace(opts.Dir) == "" {
		return report, errors.New("model: checkpoint dir is required")
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return report, fmt.Errorf("model: create checkpoint dir: %w", err)
	}

	lockPath := filepath.Join(opts.Dir, LockFile)
	lock := readLock(lockPath)

	var missing []Checkpoint

	for _, f := range opts.Files {
		present, err := fileExists(filepath.Join(opts.Dir, f.Name))
		if err != nil {
			return report, err
		}

		if present {
			opts.Logger.Info("checkpoint present, skipping", "file", f.Name)
			report.Skipped = append(report.Skipped, f.Name)

			continue
		}

		missing = append(missing, f)
	}

	if len(missing) == 0 {
		return report, nil
	}

	progress := mpb.NewWithContext(ctx, mpb.WithOutput(opts.Progress), mpb.WithWidth(48))

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))

	for _, f := range missing {
		expected := strings.ToLower(f.SHA256)
		if rec, ok := lock.Files[f.Name]; ok && expected == "" {
			expected = rec.SHA256
		}

		g.Go(func() error {
			rec, err := fetch(gctx, opts.HTTPClient, progress, f, filepath.Join(opts.Dir, f.Name), expected)
			if err != nil {
				return err
			}

			opts.Logger.Info("checkpoint downloaded", "file", f.Name, "bytes", rec.Size, "sha256", rec.SHA256)

			mu.Lock()
			lock.Files[f.Name] = rec
			report.Downloaded = append(report.Downloaded, f.Name)
			mu.Unlock()

			return nil
		})
	}

	err := g.Wait()
	progress.Wait()

	sort.Strings(report.Downloaded)

	if len(report.Downloaded) > 0 {
		lock.Generated = time.Now().UTC().Format(time.RFC3339)
		if werr := writeLock(lockPath, lock); werr != nil && err == nil {
			err = werr
		}
	}

	return report, err
}

func fetch(ctx context.Context, client *http.Client, progress *mpb.Progress, f Checkpoint, dst, expected string) (lockRecord, error) {
	fail := func(status int, err error) (lockRecord, error) {
		return lockRecord{}, &DownloadError{File: f.Name, URL: f.URL, Status: status, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return fail(0, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, nil)
	}

	bar := progress.AddBar(max(resp.ContentLength, 0),
		mpb.PrependDecorators(
			decor.Name(f.Name+" ", decor.WCSyncSpaceR),
			decor.CountersKibiByte("% .1f / % .1f"),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)

	tmp := dst + ".part"

	out, err := os.Create(tmp)
	if err != nil {
		bar.Abort(true)
		return fail(0, err)
	}

	h := sha256.New()
	body := bar.ProxyReader(resp.Body)
	n, err := io.Copy(io.MultiWriter(out, h), body)
	body.Close()

	if cerr := out.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		bar.Abort(true)
		_ = os.Remove(tmp)

		return fail(0, err)
	}

	bar.SetTotal(-1, true)

	actual := hex.EncodeToString(h.Sum(nil))
	if expected != "" && actual != expected {
		_ = os.Remove(tmp)
		return fail(0, fmt.Errorf("%w: expected %s got %s", ErrChecksum, expected, actual))
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fail(0, err)
	}

	return lockRecord{URL: f.URL, SHA256: actual, Size: n}, nil
}

func fileExists(path string) (bool, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("model: stat %s: %w", path, err)
	}

	if fi.IsDir() {
		return false, fmt.Errorf("model: expected file at %s, found directory", path)
	}

	return true, nil
}

func readLock(path string) lockManifest {
	lock := lockManifest{Files: map[string]lockRecord{}}

	data, err := os.ReadFile(path)
	if err != nil {
		return lock
	}

	if err := json.Unmarshal(data, &lock); err != nil || lock.Files == nil {
		return lockManifest{Files: map[string]lockRecord{}}
	}

	return lock
}

func writeLock(path string, lock lockManifest) error {
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("model: encode lock manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("model: write lock manifest: %w", err)
	}

	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read file for checksum: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// LockStatus is the state of one checkpoint against the lock manifest.
type LockStatus struct {
	Name    string
	Present bool
	Locked  bool
	Match   bool
}

// VerifyLock hashes every present file of files and compares it with the
// digest recorded when it was downloaded.
func VerifyLock(dir string, files []Checkpoint) ([]LockStatus, error) {
	lock := readLock(filepath.Join(dir, LockFile))
	out := make([]LockStatus, 0, len(files))

	for _, f := range files {
		path := filepath.Join(dir, f.Name)
		st := LockStatus{Name: f.Name}

		present, err := fileExists(path)
		if err != nil {
			return nil, err
		}

		st.Present = present
		rec, locked := lock.Files[f.Name]
		st.Locked = locked

		if present && locked {
			sum, err := fileSHA256(path)
			if err != nil {
				return nil, err
			}

			st.Match = sum == rec.SHA256
		}

		out = append(out, st)
	}

	return out, nil
}

package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DefaultHubURL is the HuggingFace endpoint model repositories are fetched from.
const DefaultHubURL = "https://huggingface.co"

// ErrNotFound is returned when a repository does not contain a file.
var ErrNotFound = errors.New("models: file not found in repository")

// Hub downloads files from HuggingFace model repositories into a local cache.
type Hub struct {
	BaseURL  string
	CacheDir string
	Client   *http.Client
	Log      *slog.Logger
}

// NewHub creates a Hub that caches downloads under cacheDir.
func NewHub(cacheDir string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		BaseURL:  DefaultHubURL,
		CacheDir: cacheDir,
		Client:   http.DefaultClient,
		Log:      log,
	}
}

// repoDir maps "org/name" to a cache directory.
func (h *Hub) repoDir(repo string) string {
	return filepath.Join(h.CacheDir, "models--"+strings.ReplaceAll(repo, "/", "--"))
}

// Fetch returns the local path of file in repo, downloading it if it is not
// cached yet.
func (h *Hub) Fetch(ctx context.Context, repo, file string) (string, error) {
	dir := h.repoDir(repo)
	destPath := filepath.Join(dir, file)

	// Check if already downloaded
	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		return destPath, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating models dir: %w", err)
	}

	url := fmt.Sprintf("%s/%s/resolve/main/%s", strings.TrimSuffix(h.BaseURL, "/"), repo, file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", url, err)
	}
	if token := os.Getenv("HF_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, repo, file)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("download of %s/%s failed: HTTP %d", repo, file, resp.StatusCode)
	}

	h.Log.Info("downloading model file", "repo", repo, "file", file, "bytes", resp.ContentLength)

	// Write to temp file first, then rename (atomic)
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	pr := &progressWriter{
		writer: f,
		total:  resp.ContentLength,
		label:  repo + "/" + file,
		log:    h.Log,
	}

	written, err := io.Copy(pr, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing %s: %w", file, err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("moving %s: %w", file, err)
	}

	h.Log.Info("download complete", "file", destPath, "mb", fmt.Sprintf("%.1f", float64(written)/(1024*1024)))
	return destPath, nil
}

// progressWriter wraps an io.Writer and logs download progress every 10%.
type progressWriter struct {
	writer  io.Writer
	total   int64
	written int64
	label   string
	log     *slog.Logger
	lastPct int
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		pct := int(float64(pw.written) / float64(pw.total) * 100)
		if pct/10 > pw.lastPct/10 {
			pw.lastPct = pct
			if pw.log != nil {
				pw.log.Info("download progress",
					"file", pw.label,
					"mb", fmt.Sprintf("%.1f/%.1f", float64(pw.written)/(1024*1024), float64(pw.total)/(1024*1024)),
					"percent", pct)
			}
		}
	}
	return n, err
}

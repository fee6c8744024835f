package modelstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultHubBaseURL = "https://huggingface.co"

// lockFileName records verified file checksums inside a mirror so
// repeated prefetches skip files that are already intact.
const lockFileName = ".voicereader-lock.json"

// Downloader mirrors Hugging Face repos into local directories with
// per-file sha256 verification.
type Downloader struct {
	client  *http.Client
	baseURL string
	log     *slog.Logger
}

// NewDownloader builds a downloader against the public hub. baseURL is
// overridable for tests.
func NewDownloader(baseURL string, log *slog.Logger) *Downloader {
	if baseURL == "" {
		baseURL = defaultHubBaseURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Downloader{
		client:  &http.Client{Timeout: 10 * time.Minute},
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log,
	}
}

type treeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	LFS  *struct {
		OID string `json:"oid"`
	} `json:"lfs"`
}

type lockManifest struct {
	Files map[string]string `json:"files"` // path -> sha256 hex
}

// DownloadRepo mirrors a repo's main revision into destDir. Files whose
// recorded checksum still matches the remote listing are skipped.
func (d *Downloader) DownloadRepo(ctx context.Context, repoID, destDir string) error {
	entries, err := d.listTree(ctx, repoID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("preparing mirror directory: %w", err)
	}

	lock := readLock(destDir)

	for _, entry := range entries {
		if entry.Type != "file" {
			continue
		}
		if err := validateRelPath(entry.Path); err != nil {
			return fmt.Errorf("repo %s: %w", repoID, err)
		}

		wantSum := ""
		if entry.LFS != nil {
			wantSum = entry.LFS.OID
		}
		dest := filepath.Join(destDir, filepath.FromSlash(entry.Path))

		if have, ok := lock.Files[entry.Path]; ok && fileIntact(dest, have, wantSum) {
			continue
		}

		sum, err := d.fetchFile(ctx, repoID, entry.Path, dest)
		if err != nil {
			return err
		}
		if wantSum != "" && sum != wantSum {
			os.Remove(dest)
			return fmt.Errorf("checksum mismatch for %s/%s: got %s, want %s", repoID, entry.Path, sum, wantSum)
		}
		lock.Files[entry.Path] = sum
		d.log.Info("downloaded model file", "repo", repoID, "path", entry.Path, "bytes", entry.Size)
	}

	return writeLock(destDir, lock)
}

func (d *Downloader) listTree(ctx context.Context, repoID string) ([]treeEntry, error) {
	u := fmt.Sprintf("%s/api/models/%s/tree/main?recursive=true", d.baseURL, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing repo %s: %w", repoID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing repo %s: HTTP %d", repoID, resp.StatusCode)
	}

	var entries []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("parsing repo listing for %s: %w", repoID, err)
	}
	return entries, nil
}

func (d *Downloader) fetchFile(ctx context.Context, repoID, relPath, dest string) (string, error) {
	u := fmt.Sprintf("%s/%s/resolve/main/%s", d.baseURL, repoID, url.PathEscape(relPath))
	// PathEscape also escapes the slashes inside nested paths; undo that.
	u = strings.ReplaceAll(u, "%2F", "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s/%s: %w", repoID, relPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s/%s: HTTP %d", repoID, relPath, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("preparing %s: %w", dest, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("placing %s: %w", dest, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func validateRelPath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") {
		return fmt.Errorf("invalid file path %q in repo listing", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid file path %q in repo listing", p)
		}
	}
	return nil
}

func fileIntact(path, recorded, want string) bool {
	if want != "" && recorded != want {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false
	}
	return hex.EncodeToString(hasher.Sum(nil)) == recorded
}

func readLock(dir string) lockManifest {
	lock := lockManifest{Files: make(map[string]string)}
	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		return lock
	}
	if err := json.Unmarshal(data, &lock); err != nil || lock.Files == nil {
		lock.Files = make(map[string]string)
	}
	return lock
}

func writeLock(dir string, lock lockManifest) error {
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, lockFileName), data, 0o644); err != nil {
		return fmt.Errorf("writing lock manifest: %w", err)
	}
	return nil
}

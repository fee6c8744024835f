// Package modelstore manages the Hugging Face cache layout, repo
// mirroring, and checksum-verified prefetch downloads.
package modelstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Environment overrides for the cache layout.
const (
	CacheDirEnv          = "VOICEREADER_HF_CACHE_DIR"
	HubCacheDirEnv       = "VOICEREADER_HF_HUB_CACHE_DIR"
	TransformersCacheEnv = "VOICEREADER_TRANSFORMERS_CACHE_DIR"
)

// CachePaths is the resolved on-disk cache layout.
type CachePaths struct {
	Root            string
	HubDir          string
	TransformersDir string
}

// ConfigureHFCache resolves the cache layout under the data directory
// (honoring env overrides), creates it, and exports the standard Hugging
// Face variables so backend subprocesses share the same cache. The
// deprecated TRANSFORMERS_CACHE variable is cleared so child tooling does
// not warn about it.
func ConfigureHFCache(dataDir string) (CachePaths, error) {
	root := os.Getenv(CacheDirEnv)
	if root == "" {
		root = filepath.Join(dataDir, "hf-cache")
	}
	hub := os.Getenv(HubCacheDirEnv)
	if hub == "" {
		hub = filepath.Join(root, "hub")
	}
	transformers := os.Getenv(TransformersCacheEnv)
	if transformers == "" {
		transformers = filepath.Join(root, "transformers")
	}

	paths := CachePaths{Root: root, HubDir: hub, TransformersDir: transformers}
	for _, dir := range []string{root, hub, transformers} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CachePaths{}, fmt.Errorf("preparing model cache: %w", err)
		}
	}

	os.Setenv("HF_HOME", root)
	os.Setenv("HF_HUB_CACHE", hub)
	os.Setenv("HUGGINGFACE_HUB_CACHE", hub)
	os.Unsetenv("TRANSFORMERS_CACHE")

	return paths, nil
}

// RepoLocalDir maps a repo id like "org/name" to its mirror directory
// under baseDir. Ids must have at least two non-empty segments and no
// path traversal.
func RepoLocalDir(baseDir, repoID string) (string, error) {
	segments := strings.Split(repoID, "/")
	if len(segments) < 2 {
		return "", fmt.Errorf("repo id %q must be org/name", repoID)
	}
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("repo id %q contains an invalid segment", repoID)
		}
	}
	return filepath.Join(baseDir, "models--"+strings.Join(segments, "--")), nil
}

// ResolveModelSource returns a local snapshot directory for the repo when
// one is cached under hubDir, falling back to the repo id so callers can
// let their tooling download on demand.
func ResolveModelSource(hubDir, repoID string) string {
	dir, err := RepoLocalDir(hubDir, repoID)
	if err != nil {
		return repoID
	}

	snapshots := filepath.Join(dir, "snapshots")
	entries, err := os.ReadDir(snapshots)
	if err != nil || len(entries) == 0 {
		// A flat mirror (no snapshot layout) also counts.
		if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
			if hasFiles(dir) {
				return dir
			}
		}
		return repoID
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return repoID
	}
	sort.Strings(names)
	return filepath.Join(snapshots, names[len(names)-1])
}

func hasFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

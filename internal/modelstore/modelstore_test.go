package modelstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRepoLocalDir(t *testing.T) {
	tests := []struct {
		repoID  string
		want    string
		wantErr bool
	}{
		{repoID: "Qwen/Qwen3-TTS-12Hz-0.6B-Base", want: "models--Qwen--Qwen3-TTS-12Hz-0.6B-Base"},
		{repoID: "a/b/c", want: "models--a--b--c"},
		{repoID: "noorg", wantErr: true},
		{repoID: "org/", wantErr: true},
		{repoID: "org/../escape", wantErr: true},
		{repoID: "./x/y", wantErr: true},
	}
	for _, tt := range tests {
		got, err := RepoLocalDir("/base", tt.repoID)
		if (err != nil) != tt.wantErr {
			t.Errorf("RepoLocalDir(%q) error = %v, wantErr %v", tt.repoID, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != filepath.Join("/base", tt.want) {
			t.Errorf("RepoLocalDir(%q) = %q", tt.repoID, got)
		}
	}
}

func TestConfigureHFCache(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv(CacheDirEnv, "")
	t.Setenv("TRANSFORMERS_CACHE", "/stale")

	paths, err := ConfigureHFCache(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	if paths.Root != filepath.Join(dataDir, "hf-cache") {
		t.Errorf("root %q", paths.Root)
	}
	if paths.HubDir != filepath.Join(paths.Root, "hub") {
		t.Errorf("hub %q", paths.HubDir)
	}
	for _, dir := range []string{paths.Root, paths.HubDir, paths.TransformersDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("cache dir %s missing", dir)
		}
	}
	if os.Getenv("HF_HOME") != paths.Root {
		t.Errorf("HF_HOME = %q", os.Getenv("HF_HOME"))
	}
	if os.Getenv("HF_HUB_CACHE") != paths.HubDir {
		t.Errorf("HF_HUB_CACHE = %q", os.Getenv("HF_HUB_CACHE"))
	}
	if _, set := os.LookupEnv("TRANSFORMERS_CACHE"); set {
		t.Error("TRANSFORMERS_CACHE not cleared")
	}
}

func TestConfigureHFCache_envOverride(t *testing.T) {
	override := filepath.Join(t.TempDir(), "custom-cache")
	t.Setenv(CacheDirEnv, override)

	paths, err := ConfigureHFCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if paths.Root != override {
		t.Errorf("root %q, want override %q", paths.Root, override)
	}
}

func TestResolveModelSource(t *testing.T) {
	hub := t.TempDir()

	// No mirror: the repo id passes through.
	if got := ResolveModelSource(hub, "Org/Model"); got != "Org/Model" {
		t.Errorf("uncached resolve = %q", got)
	}

	// Snapshot layout: the newest snapshot directory wins.
	repoDir, err := RepoLocalDir(hub, "Org/Model")
	if err != nil {
		t.Fatal(err)
	}
	snapA := filepath.Join(repoDir, "snapshots", "aaaa")
	snapB := filepath.Join(repoDir, "snapshots", "bbbb")
	for _, d := range []string{snapA, snapB} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if got := ResolveModelSource(hub, "Org/Model"); got != snapB {
		t.Errorf("snapshot resolve = %q, want %q", got, snapB)
	}

	// Invalid ids degrade to passthrough.
	if got := ResolveModelSource(hub, "plain"); got != "plain" {
		t.Errorf("invalid id resolve = %q", got)
	}
}

func TestResolvePrefetchRepos(t *testing.T) {
	tests := []struct {
		mode    string
		want    []string
		wantErr bool
	}{
		{mode: "", want: []string{RepoQwenCustomVoice, RepoQwenBase}},
		{mode: "qwen_all", want: []string{RepoQwenCustomVoice, RepoQwenBase}},
		{mode: "qwen_custom", want: []string{RepoQwenCustomVoice}},
		{mode: "qwen_base", want: []string{RepoQwenBase}},
		{mode: "kyutai", want: []string{RepoKyutaiPocketTTS}},
		{mode: "all", want: []string{RepoQwenCustomVoice, RepoQwenBase, RepoKyutaiPocketTTS}},
		{mode: "everything", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ResolvePrefetchRepos(tt.mode)
		if (err != nil) != tt.wantErr {
			t.Errorf("mode %q error = %v, wantErr %v", tt.mode, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("mode %q repos = %v", tt.mode, got)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("mode %q repos[%d] = %q, want %q", tt.mode, i, got[i], tt.want[i])
			}
		}
	}
}

func TestDownloadRepo(t *testing.T) {
	content := []byte("model weights go here")
	sum := sha256.Sum256(content)
	sumHex := hex.EncodeToString(sum[:])

	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/models/"):
			json.NewEncoder(w).Encode([]map[string]any{
				{"type": "file", "path": "config.json", "size": 2},
				{"type": "file", "path": "weights/model.bin", "size": len(content),
					"lfs": map[string]string{"oid": sumHex}},
				{"type": "directory", "path": "weights"},
			})
		case strings.HasSuffix(r.URL.Path, "/config.json"):
			fetches++
			w.Write([]byte("{}"))
		case strings.HasSuffix(r.URL.Path, "/weights/model.bin"):
			fetches++
			w.Write(content)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dest := t.TempDir()
	d := NewDownloader(srv.URL, nil)

	if err := d.DownloadRepo(context.Background(), "Org/Model", dest); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "weights", "model.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Error("downloaded content mismatch")
	}
	if _, err := os.Stat(filepath.Join(dest, lockFileName)); err != nil {
		t.Error("lock manifest not written")
	}

	// Second run: everything verified against the lock, nothing refetched.
	before := fetches
	if err := d.DownloadRepo(context.Background(), "Org/Model", dest); err != nil {
		t.Fatal(err)
	}
	if fetches != before {
		t.Errorf("repeat prefetch refetched %d files", fetches-before)
	}
}

func TestDownloadRepo_checksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/models/") {
			json.NewEncoder(w).Encode([]map[string]any{
				{"type": "file", "path": "model.bin", "size": 4,
					"lfs": map[string]string{"oid": strings.Repeat("0", 64)}},
			})
			return
		}
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	dest := t.TempDir()
	d := NewDownloader(srv.URL, nil)
	err := d.DownloadRepo(context.Background(), "Org/Model", dest)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("error = %v, want checksum mismatch", err)
	}
	if _, statErr := os.Stat(filepath.Join(dest, "model.bin")); statErr == nil {
		t.Error("corrupt file left in mirror")
	}
}

func TestDownloadRepo_rejectsTraversal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/models/") {
			json.NewEncoder(w).Encode([]map[string]any{
				{"type": "file", "path": "../escape.bin", "size": 1},
			})
			return
		}
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	d := NewDownloader(srv.URL, nil)
	if err := d.DownloadRepo(context.Background(), "Org/Model", t.TempDir()); err == nil {
		t.Fatal("want error for path traversal in listing")
	}
}

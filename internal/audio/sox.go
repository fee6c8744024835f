package audio

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
)

// SoxPathEnv overrides sox discovery with an explicit executable path.
const SoxPathEnv = "VOICEREADER_SOX_PATH"

// Sox shells out to the sox executable for tempo-preserving time-stretch.
type Sox struct {
	path string
}

// NewSox wraps a known sox executable path.
func NewSox(path string) *Sox {
	return &Sox{path: path}
}

// Path returns the resolved sox executable path.
func (s *Sox) Path() string {
	return s.path
}

// FindSox locates a sox executable. Discovery order: the SoxPathEnv
// override, a binary bundled next to the running executable, PATH, then
// platform-specific install locations. Returns nil when nothing is found.
func FindSox() *Sox {
	if p := os.Getenv(SoxPathEnv); p != "" {
		if isExecutableFile(p) {
			return &Sox{path: p}
		}
		return nil
	}

	name := "sox"
	if runtime.GOOS == "windows" {
		name = "sox.exe"
	}

	if exe, err := os.Executable(); err == nil {
		bundled := filepath.Join(filepath.Dir(exe), name)
		if isExecutableFile(bundled) {
			return &Sox{path: bundled}
		}
	}

	if p, err := exec.LookPath(name); err == nil {
		return &Sox{path: p}
	}

	for _, p := range knownSoxLocations() {
		if isExecutableFile(p) {
			return &Sox{path: p}
		}
	}
	return nil
}

func knownSoxLocations() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/opt/homebrew/bin/sox", "/usr/local/bin/sox"}
	case "windows":
		return []string{`C:\Program Files (x86)\sox-14-4-2\sox.exe`, `C:\Program Files\sox-14-4-2\sox.exe`}
	default:
		return []string{"/usr/bin/sox", "/usr/local/bin/sox"}
	}
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}

// Stretch retimes the chunk by the given rate using sox tempo stages,
// preserving pitch. rate > 1 shortens the audio.
func (s *Sox) Stretch(in PCM16, rate float64) (PCM16, error) {
	if s == nil || s.path == "" {
		return PCM16{}, fmt.Errorf("sox executable not configured")
	}
	if in.SampleRate <= 0 || in.Channels <= 0 {
		return PCM16{}, fmt.Errorf("invalid PCM format: rate=%d channels=%d", in.SampleRate, in.Channels)
	}

	rawArgs := []string{
		"-t", "raw",
		"-r", strconv.Itoa(in.SampleRate),
		"-e", "signed-integer",
		"-b", "16",
		"-c", strconv.Itoa(in.Channels),
	}
	args := append(append([]string{}, rawArgs...), "-")
	args = append(args, rawArgs...)
	args = append(args, "-")
	for _, f := range TempoFactors(rate) {
		args = append(args, "tempo", strconv.FormatFloat(f, 'f', -1, 64))
	}

	cmd := exec.Command(s.path, args...)
	cmd.Stdin = bytes.NewReader(in.Data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return PCM16{}, fmt.Errorf("sox tempo: %w (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if stdout.Len() == 0 {
		return PCM16{}, fmt.Errorf("sox tempo produced no output")
	}

	return PCM16{Data: stdout.Bytes(), SampleRate: in.SampleRate, Channels: in.Channels}, nil
}

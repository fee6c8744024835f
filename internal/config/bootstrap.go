package config

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Bootstrap carries the launcher handoff read from stdin when
// --bootstrap-stdin is set. It avoids placing the token in argv or the
// environment of the child process.
type Bootstrap struct {
	Token   string      `json:"token"`
	Port    json.Number `json:"port"`
	DataDir string      `json:"data_dir"`
}

// ReadBootstrap parses a single JSON object from r.
func ReadBootstrap(r io.Reader) (Bootstrap, error) {
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return Bootstrap{}, fmt.Errorf("reading bootstrap payload: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Bootstrap{}, fmt.Errorf("empty bootstrap payload")
	}

	var b Bootstrap
	if err := json.Unmarshal(data, &b); err != nil {
		return Bootstrap{}, fmt.Errorf("parsing bootstrap payload: %w", err)
	}
	return b, nil
}

// ApplyTo overlays the bootstrap values onto cfg.
func (b Bootstrap) ApplyTo(cfg EngineConfig) (EngineConfig, error) {
	if b.Token != "" {
		cfg.Token = b.Token
	}
	if b.Port != "" {
		port, err := b.Port.Int64()
		if err != nil {
			return cfg, fmt.Errorf("bootstrap port: %w", err)
		}
		if port < 1 || port > 65535 {
			return cfg, fmt.Errorf("bootstrap port %d out of range", port)
		}
		cfg.Port = int(port)
	}
	if b.DataDir != "" {
		cfg.DataDir = b.DataDir
	}
	return cfg, nil
}

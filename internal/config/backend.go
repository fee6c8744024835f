package config

import (
	"fmt"
	"strings"
)

// Backend selector names accepted in config and activation requests.
const (
	BackendAuto   = "auto"
	BackendQwen   = "qwen"
	BackendKyutai = "kyutai"
	BackendMock   = "mock"
)

// NormalizeBackend canonicalizes a backend selector. Empty means auto.
func NormalizeBackend(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendAuto:
		return BackendAuto, nil
	case BackendQwen:
		return BackendQwen, nil
	case BackendKyutai:
		return BackendKyutai, nil
	case BackendMock:
		return BackendMock, nil
	default:
		return "", fmt.Errorf("unknown synthesis backend %q (want auto, qwen, kyutai, or mock)", name)
	}
}

// Package voiceprompt validates voice prompt artifacts in safetensors
// format before they are handed to a synthesis backend.
package voiceprompt

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// maxHeaderSize bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderSize = 16 << 20

type tensorEntry struct {
	Dtype       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Validate checks that the file at path is a well-formed safetensors
// container holding at least one float32 tensor.
func Validate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading prompt artifact: %w", err)
	}
	return ValidateBytes(data)
}

// ValidateBytes checks the safetensors container in memory: an 8-byte
// little-endian header length, a JSON header mapping tensor names to
// dtype/shape/data_offsets, and a data section the offsets stay within.
func ValidateBytes(data []byte) error {
	if len(data) < 8 {
		return errors.New("prompt artifact too small for safetensors header")
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen == 0 || headerLen > maxHeaderSize {
		return fmt.Errorf("invalid safetensors header length %d", headerLen)
	}
	if uint64(len(data)-8) < headerLen {
		return fmt.Errorf("truncated safetensors header: need %d bytes, have %d", headerLen, len(data)-8)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return fmt.Errorf("parsing safetensors header: %w", err)
	}

	dataLen := int64(uint64(len(data)) - 8 - headerLen)
	tensors := 0
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var entry tensorEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("tensor %q: %w", name, err)
		}
		if entry.Dtype != "F32" {
			return fmt.Errorf("tensor %q: dtype %q, want F32", name, entry.Dtype)
		}
		if len(entry.DataOffsets) != 2 {
			return fmt.Errorf("tensor %q: malformed data_offsets", name)
		}
		begin, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if begin < 0 || end < begin || end > dataLen {
			return fmt.Errorf("tensor %q: data offsets [%d, %d) outside data section of %d bytes",
				name, begin, end, dataLen)
		}
		elems := int64(1)
		for _, d := range entry.Shape {
			if d < 0 {
				return fmt.Errorf("tensor %q: negative shape dimension %d", name, d)
			}
			elems *= d
		}
		if elems*4 != end-begin {
			return fmt.Errorf("tensor %q: shape %v needs %d bytes, offsets span %d",
				name, entry.Shape, elems*4, end-begin)
		}
		tensors++
	}
	if tensors == 0 {
		return errors.New("prompt artifact contains no tensors")
	}
	return nil
}

package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

// ErrFormatMismatch is returned when a decoded WAV is not mono 16-bit PCM.
var ErrFormatMismatch = errors.New("WAV format mismatch")

// DecodeWAV decodes WAV bytes into a PCM16 block. It accepts any sample
// rate but requires mono 16-bit PCM.
func DecodeWAV(data []byte) (PCM16, error) {
	if len(data) == 0 {
		return PCM16{}, errors.New("empty WAV input")
	}

	r := bytes.NewReader(data)
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return PCM16{}, errors.New("invalid WAV file")
	}

	if dec.NumChans != DefaultChannels {
		return PCM16{}, fmt.Errorf("%w: channels %d, want %d", ErrFormatMismatch, dec.NumChans, DefaultChannels)
	}
	if dec.BitDepth != BitDepth {
		return PCM16{}, fmt.Errorf("%w: bit depth %d, want %d", ErrFormatMismatch, dec.BitDepth, BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM16{}, fmt.Errorf("reading PCM data: %w", err)
	}

	return FromFloat32(buf.Data, int(dec.SampleRate), DefaultChannels), nil
}

// EncodeWAV encodes a PCM16 block as a mono 16-bit WAV byte slice.
func EncodeWAV(p PCM16) ([]byte, error) {
	var buf bytes.Buffer

	// wav.NewEncoder requires an io.WriteSeeker; bytes.Buffer is not one.
	sw := &seekBuffer{buf: &buf}

	enc := wav.NewEncoder(sw, p.SampleRate, BitDepth, DefaultChannels, 1) // 1 = PCM

	pcmBuf := &goaudio.Float32Buffer{
		Data:           p.ToFloat32(),
		Format:         &goaudio.Format{SampleRate: p.SampleRate, NumChannels: DefaultChannels},
		SourceBitDepth: BitDepth,
	}

	if err := enc.Write(pcmBuf); err != nil {
		return nil, fmt.Errorf("writing PCM: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return buf.Bytes(), nil
}

// seekBuffer wraps a bytes.Buffer to satisfy io.WriteSeeker.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n
		return n, err
	}
	// Writing in the middle: overwrite existing bytes, extend if needed.
	data := s.buf.Bytes()
	n := copy(data[s.pos:], p)
	if n < len(p) {
		data = append(data, p[n:]...)
		s.buf.Reset()
		s.buf.Write(data)
		n = len(p)
	}
	s.pos += n
	return n, nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int
	switch whence {
	case 0: // io.SeekStart
		newPos = int(offset)
	case 1: // io.SeekCurrent
		newPos = s.pos + int(offset)
	case 2: // io.SeekEnd
		newPos = s.buf.Len() + int(offset)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("seek before start")
	}
	s.pos = newPos
	return int64(newPos), nil
}

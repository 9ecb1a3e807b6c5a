package asr

import (
	"bytes"
	"encoding/binary"
)

// pcmToWAV wraps PCM in a canonical 44-byte RIFF header.
func pcmToWAV(pcm []byte, cfg AudioConfig) []byte {
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	bits := cfg.BitsPerSample
	if bits <= 0 {
		bits = 16
	}
	blockAlign := channels * bits / 8

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(cfg.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(cfg.SampleRate*blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bits))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

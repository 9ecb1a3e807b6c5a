package audio

import (
	"testing"
)

func TestMuLawRoundTrip(t *testing.T) {
	for _, original := range []int16{0, 100, 1000, 10000, 32000, -100, -1000, -10000, -32000, -32768} {
		decoded := MuLawDecode(MuLawEncode(original))

		diff := int32(original) - int32(decoded)
		if diff < 0 {
			diff = -diff
		}
		abs := int32(original)
		if abs < 0 {
			abs = -abs
		}
		// μ-law quantization step grows with the segment
		maxErr := abs / 20
		if maxErr < 200 {
			maxErr = 200
		}
		if diff > maxErr {
			t.Errorf("round-trip %d -> %d, diff %d > %d", original, decoded, diff, maxErr)
		}
	}
}

func TestMuLawToPCMLength(t *testing.T) {
	mulaw := []byte{0x7F, 0xFF, 0x00, 0x80}
	pcm := MuLawToPCM(mulaw)

	if len(pcm) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(pcm))
	}
	for i, b := range mulaw {
		got := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if got != MuLawDecode(b) {
			t.Errorf("sample %d: expected %d, got %d", i, MuLawDecode(b), got)
		}
	}
}

func TestPCMToMuLawIgnoresTrailingByte(t *testing.T) {
	pcm := []byte{0x10, 0x00, 0xF0, 0xFF, 0x01}
	if got := len(PCMToMuLaw(pcm)); got != 2 {
		t.Errorf("expected 2 μ-law bytes, got %d", got)
	}
}

func TestMuLawSilence(t *testing.T) {
	if MuLawDecode(0xFF) != 0 || MuLawDecode(0x7F) != 0 {
		t.Error("0xFF and 0x7F decode to silence")
	}
	if MuLawDecode(0x00) >= 0 {
		t.Error("0x00 decodes to a negative peak")
	}
	if MuLawDecode(0x80) <= 0 {
		t.Error("0x80 decodes to a positive peak")
	}
}

func BenchmarkMuLawToPCM(b *testing.B) {
	mulaw := make([]byte, 8000)
	for i := range mulaw {
		mulaw[i] = byte(i % 256)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = MuLawToPCM(mulaw)
	}
}

package audio

import (
	"sync"
	"time"
)

// FrameDuration is the default frame length on both legs.
const FrameDuration = 20 * time.Millisecond

// Framer cuts an arbitrary PCM byte stream into fixed-size frames.
//
// Bytes that do not fill a whole frame are kept until the next Write.
// Flush pads the remainder with silence.
type Framer struct {
	mu            sync.Mutex
	buffer        []byte
	bytesPerFrame int
	sampleRate    int
}

// NewFramer creates a framer producing frames of the given duration.
func NewFramer(sampleRate int, frameDuration time.Duration) *Framer {
	if frameDuration <= 0 {
		frameDuration = FrameDuration
	}
	samples := int(int64(sampleRate) * int64(frameDuration) / int64(time.Second))
	bpf := samples * BytesPerSample
	return &Framer{
		buffer:        make([]byte, 0, bpf*4),
		bytesPerFrame: bpf,
		sampleRate:    sampleRate,
	}
}

// Write appends data and returns every complete frame now available.
func (f *Framer) Write(data []byte) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	f.buffer = append(f.buffer, data...)

	var frames [][]byte
	for len(f.buffer) >= f.bytesPerFrame {
		frame := make([]byte, f.bytesPerFrame)
		copy(frame, f.buffer[:f.bytesPerFrame])
		frames = append(frames, frame)
		f.buffer = f.buffer[f.bytesPerFrame:]
	}
	if len(f.buffer) == 0 {
		f.buffer = f.buffer[:0:cap(f.buffer)]
	}
	return frames
}

// Flush returns the buffered remainder padded to a full frame, or nil when
// nothing is buffered.
func (f *Framer) Flush() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.buffer) == 0 {
		return nil
	}
	frame := make([]byte, f.bytesPerFrame)
	copy(frame, f.buffer)
	f.buffer = f.buffer[:0]
	return frame
}

// Reset drops buffered bytes.
func (f *Framer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffer = f.buffer[:0]
}

// Pending returns the number of buffered bytes.
func (f *Framer) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buffer)
}

// BytesPerFrame returns the frame payload size.
func (f *Framer) BytesPerFrame() int {
	return f.bytesPerFrame
}

// SampleRate returns the configured rate.
func (f *Framer) SampleRate() int {
	return f.sampleRate
}

package audio

import (
	"sync"
	"time"
)

// RingBuffer keeps the most recent window of PCM audio. The transcription
// stream uses it as pre-roll so speech onset captured before the VAD fires
// is not lost.
type RingBuffer struct {
	mu       sync.Mutex
	data     []byte
	writePos int
	size     int
}

// NewRingBuffer creates a buffer holding d worth of audio at sampleRate.
func NewRingBuffer(sampleRate int, d time.Duration) *RingBuffer {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return &RingBuffer{data: make([]byte, samples*BytesPerSample)}
}

// Write appends data, overwriting the oldest bytes once full.
func (rb *RingBuffer) Write(p []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.data)
	if len(p) == 0 || capacity == 0 {
		return
	}
	if len(p) >= capacity {
		copy(rb.data, p[len(p)-capacity:])
		rb.writePos = 0
		rb.size = capacity
		return
	}

	n := copy(rb.data[rb.writePos:], p)
	if n < len(p) {
		copy(rb.data, p[n:])
	}
	rb.writePos = (rb.writePos + len(p)) % capacity
	rb.size = min(rb.size+len(p), capacity)
}

// Bytes returns the buffered audio in chronological order without
// consuming it.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.bytesLocked()
}

// Drain returns the buffered audio and empties the buffer.
func (rb *RingBuffer) Drain() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := rb.bytesLocked()
	rb.writePos = 0
	rb.size = 0
	return out
}

func (rb *RingBuffer) bytesLocked() []byte {
	if rb.size == 0 {
		return nil
	}
	out := make([]byte, rb.size)
	if rb.size < len(rb.data) {
		start := (rb.writePos - rb.size + len(rb.data)) % len(rb.data)
		n := copy(out, rb.data[start:min(start+rb.size, len(rb.data))])
		copy(out[n:], rb.data[:rb.size-n])
		return out
	}
	n := copy(out, rb.data[rb.writePos:])
	copy(out[n:], rb.data[:rb.writePos])
	return out
}

// Size returns the number of buffered bytes.
func (rb *RingBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Capacity returns the buffer capacity in bytes.
func (rb *RingBuffer) Capacity() int {
	return len(rb.data)
}

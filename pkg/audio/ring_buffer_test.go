package audio

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferCapacity(t *testing.T) {
	rb := NewRingBuffer(16000, 300*time.Millisecond)
	assert.Equal(t, 9600, rb.Capacity())
	assert.Equal(t, 0, rb.Size())
	assert.Nil(t, rb.Bytes())
}

func TestRingBufferKeepsMostRecent(t *testing.T) {
	rb := NewRingBuffer(16000, 100*time.Millisecond) // 3200 bytes

	rb.Write(bytes.Repeat([]byte{1}, 2000))
	rb.Write(bytes.Repeat([]byte{2}, 2000))

	got := rb.Bytes()
	assert.Len(t, got, 3200)
	assert.Equal(t, bytes.Repeat([]byte{1}, 1200), got[:1200])
	assert.Equal(t, bytes.Repeat([]byte{2}, 2000), got[1200:])
}

func TestRingBufferLargeWrite(t *testing.T) {
	rb := NewRingBuffer(16000, 100*time.Millisecond)

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	rb.Write(data)

	assert.Equal(t, data[len(data)-3200:], rb.Bytes())
}

func TestRingBufferDrain(t *testing.T) {
	rb := NewRingBuffer(16000, 100*time.Millisecond)
	rb.Write([]byte{1, 2, 3, 4})

	assert.Equal(t, []byte{1, 2, 3, 4}, rb.Drain())
	assert.Equal(t, 0, rb.Size())
	assert.Nil(t, rb.Drain())

	rb.Write([]byte{5, 6})
	assert.Equal(t, []byte{5, 6}, rb.Bytes())
}

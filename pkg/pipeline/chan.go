package pipeline

import (
	"log"
	"sync"
)

// ClearableChan is a buffered frame queue whose pending contents can be
// discarded at once, e.g. when the caller barges in.
type ClearableChan struct {
	mu sync.Mutex
	ch chan AudioFrame
}

// NewClearableChan creates a queue holding up to size frames.
func NewClearableChan(size int) *ClearableChan {
	return &ClearableChan{
		ch: make(chan AudioFrame, size),
	}
}

// Send enqueues a frame without blocking. It reports false when the queue
// is full and the frame was dropped.
func (cc *ClearableChan) Send(frame AudioFrame) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	select {
	case cc.ch <- frame:
		return true
	default:
		log.Printf("[ClearableChan] queue full, dropping frame seq=%d response=%d", frame.Seq, frame.ResponseID)
		return false
	}
}

// Chan exposes the receive side.
func (cc *ClearableChan) Chan() <-chan AudioFrame {
	return cc.ch
}

// Len returns the number of queued frames.
func (cc *ClearableChan) Len() int {
	return len(cc.ch)
}

// Clear drops every queued frame and returns how many were dropped.
func (cc *ClearableChan) Clear() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	n := 0
	for {
		select {
		case <-cc.ch:
			n++
		default:
			return n
		}
	}
}

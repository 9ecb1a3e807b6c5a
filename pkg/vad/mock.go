package vad

import "sync"

// MockDetector returns scripted probabilities.
type MockDetector struct {
	// InferFunc is called by Infer. When nil, Infer reports silence.
	InferFunc func(samples []float32) (float32, error)

	mu            sync.Mutex
	inferCalls    int
	resetCalled   bool
	destroyCalled bool
}

// NewMockDetectorWithProb returns a detector that always reports prob.
func NewMockDetectorWithProb(prob float32) *MockDetector {
	return &MockDetector{
		InferFunc: func([]float32) (float32, error) { return prob, nil },
	}
}

// NewMockDetectorWithSequence returns probs in order, then repeats the last one.
func NewMockDetectorWithSequence(probs []float32) *MockDetector {
	var mu sync.Mutex
	idx := 0
	return &MockDetector{
		InferFunc: func([]float32) (float32, error) {
			mu.Lock()
			defer mu.Unlock()
			if len(probs) == 0 {
				return 0, nil
			}
			p := probs[min(idx, len(probs)-1)]
			idx++
			return p, nil
		},
	}
}

func (m *MockDetector) Infer(samples []float32) (float32, error) {
	m.mu.Lock()
	m.inferCalls++
	m.mu.Unlock()

	if m.InferFunc != nil {
		return m.InferFunc(samples)
	}
	return 0, nil
}

func (m *MockDetector) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCalled = true
	return nil
}

func (m *MockDetector) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyCalled = true
	return nil
}

// InferCalls returns how many times Infer ran.
func (m *MockDetector) InferCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inferCalls
}

// ResetCalled reports whether Reset ran.
func (m *MockDetector) ResetCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetCalled
}

// DestroyCalled reports whether Destroy ran.
func (m *MockDetector) DestroyCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyCalled
}

var _ Detector = (*MockDetector)(nil)

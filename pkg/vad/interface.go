// Package vad classifies caller audio as speech or silence and turns the
// per-frame decisions into speech segments.
package vad

// Detector scores a window of audio.
type Detector interface {
	// Infer returns the speech probability in [0, 1] for normalized samples.
	Infer(samples []float32) (float32, error)

	// Reset clears internal state before a new stream.
	Reset() error

	// Destroy releases resources. The detector must not be used afterwards.
	Destroy() error
}

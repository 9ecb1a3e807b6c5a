//go:build !silero

package vad

import "errors"

// ErrSileroUnavailable is returned when the binary was built without the
// silero tag.
var ErrSileroUnavailable = errors.New("silero VAD not compiled in (build with -tags silero)")

// NewSileroDetector always fails in builds without ONNX Runtime.
func NewSileroDetector(SileroConfig) (Detector, error) {
	return nil, ErrSileroUnavailable
}

package vad

// SileroConfig configures the model-based detector.
type SileroConfig struct {
	ModelPath   string
	SampleRate  int
	LibraryPath string // empty: search the usual locations
}

//go:build silero

package vad

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	sileroStateLen   = 2 * 1 * 128
	sileroContextLen = 64
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// initRuntime loads the ONNX Runtime shared library once per process.
func initRuntime(libraryPath string) error {
	runtimeOnce.Do(func() {
		if libraryPath == "" {
			libraryPath = findONNXRuntimeLibrary()
		}
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			runtimeErr = fmt.Errorf("initialize onnx runtime: %w", err)
		}
	})
	return runtimeErr
}

func findONNXRuntimeLibrary() string {
	candidates := []string{
		os.Getenv("ONNXRUNTIME_LIB"),
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/opt/onnxruntime/lib/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	}
	for _, dir := range filepath.SplitList(os.Getenv("LD_LIBRARY_PATH")) {
		candidates = append(candidates, filepath.Join(dir, "libonnxruntime.so"))
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// SileroDetector runs the Silero VAD model.
//
// The model scores fixed windows (512 samples at 16 kHz, 256 at 8 kHz)
// while frames are 20 ms, so samples are accumulated and the latest window
// score is returned for every frame.
type SileroDetector struct {
	session    *ort.DynamicAdvancedSession
	sampleRate int
	window     int

	state     [sileroStateLen]float32
	context   [sileroContextLen]float32
	warm      bool
	pending   []float32
	lastScore float32
}

// NewSileroDetector loads the model at cfg.ModelPath.
func NewSileroDetector(cfg SileroConfig) (Detector, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("silero: model path is empty")
	}
	if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("silero: unsupported sample rate %d", cfg.SampleRate)
	}
	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("silero: session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("silero: intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("silero: inter-op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input", "state", "sr"}, []string{"output", "stateN"}, options)
	if err != nil {
		return nil, fmt.Errorf("silero: create session: %w", err)
	}

	window := 512
	if cfg.SampleRate == 8000 {
		window = 256
	}
	return &SileroDetector{session: session, sampleRate: cfg.SampleRate, window: window}, nil
}

func (d *SileroDetector) Infer(samples []float32) (float32, error) {
	d.pending = append(d.pending, samples...)
	for len(d.pending) >= d.window {
		score, err := d.run(d.pending[:d.window])
		if err != nil {
			return 0, err
		}
		d.lastScore = score
		d.pending = d.pending[d.window:]
	}
	return d.lastScore, nil
}

func (d *SileroDetector) run(window []float32) (float32, error) {
	input := window
	if d.warm {
		input = append(append(make([]float32, 0, sileroContextLen+len(window)), d.context[:]...), window...)
	}
	copy(d.context[:], window[len(window)-sileroContextLen:])
	d.warm = true

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(input))), input)
	if err != nil {
		return 0, fmt.Errorf("silero: input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	stateTensor, err := ort.NewTensor(ort.NewShape(2, 1, 128), d.state[:])
	if err != nil {
		return 0, fmt.Errorf("silero: state tensor: %w", err)
	}
	defer stateTensor.Destroy()

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(d.sampleRate)})
	if err != nil {
		return 0, fmt.Errorf("silero: sr tensor: %w", err)
	}
	defer srTensor.Destroy()

	outTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("silero: output tensor: %w", err)
	}
	defer outTensor.Destroy()

	stateN, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		return 0, fmt.Errorf("silero: stateN tensor: %w", err)
	}
	defer stateN.Destroy()

	if err := d.session.Run([]ort.Value{inputTensor, stateTensor, srTensor}, []ort.Value{outTensor, stateN}); err != nil {
		return 0, fmt.Errorf("silero: run: %w", err)
	}
	copy(d.state[:], stateN.GetData())

	out := outTensor.GetData()
	if len(out) == 0 {
		return 0, fmt.Errorf("silero: empty output")
	}
	return out[0], nil
}

func (d *SileroDetector) Reset() error {
	d.state = [sileroStateLen]float32{}
	d.context = [sileroContextLen]float32{}
	d.warm = false
	d.pending = d.pending[:0]
	d.lastScore = 0
	return nil
}

func (d *SileroDetector) Destroy() error {
	if d.session == nil {
		return nil
	}
	err := d.session.Destroy()
	d.session = nil
	if err != nil {
		return fmt.Errorf("silero: destroy session: %w", err)
	}
	return nil
}

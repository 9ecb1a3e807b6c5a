package audio

import (
	"fmt"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a mono PCM stream between two sample rates.
//
// It keeps filter state between calls, so one Resampler must be used per
// continuous stream (one per call direction).
type Resampler struct {
	mu      sync.Mutex
	inRate  int
	outRate int
	r       resampling.Resampler
}

// NewResampler creates a stateful mono resampler.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 {
		return nil, fmt.Errorf("invalid input sample rate: %d", inRate)
	}
	if outRate <= 0 {
		return nil, fmt.Errorf("invalid output sample rate: %d", outRate)
	}

	res := &Resampler{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return res, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler %d->%d: %w", inRate, outRate, err)
	}
	res.r = r
	return res, nil
}

// Resample converts a chunk of PCM bytes. The output length varies with the
// filter delay; callers frame the result themselves.
func (r *Resampler) Resample(pcm []byte) ([]byte, error) {
	if r.r == nil {
		out := make([]byte, len(pcm)-len(pcm)%BytesPerSample)
		copy(out, pcm)
		return out, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out, err := r.r.Process(BytesToFloat64(pcm))
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	return Float64ToBytes(out), nil
}

// InRate returns the input sample rate.
func (r *Resampler) InRate() int { return r.inRate }

// OutRate returns the output sample rate.
func (r *Resampler) OutRate() int { return r.outRate }

package vad

import (
	"github.com/realtime-ai/callflow/pkg/audio"
)

// EnergyConfig bounds the RMS range mapped onto [0, 1].
type EnergyConfig struct {
	// NoiseFloor is the RMS at or below which a frame scores 0.
	NoiseFloor float64
	// SpeechLevel is the RMS at or above which a frame scores 1.
	SpeechLevel float64
}

// DefaultEnergyConfig suits narrowband telephony audio upsampled to 16 kHz.
func DefaultEnergyConfig() EnergyConfig {
	return EnergyConfig{
		NoiseFloor:  0.01,
		SpeechLevel: 0.05,
	}
}

// EnergyDetector scores frames by their RMS level. It needs no model and no
// warm-up, which makes it the default on phone lines.
type EnergyDetector struct {
	cfg EnergyConfig
}

// NewEnergyDetector creates an RMS detector.
func NewEnergyDetector(cfg EnergyConfig) *EnergyDetector {
	if cfg.SpeechLevel <= cfg.NoiseFloor {
		cfg = DefaultEnergyConfig()
	}
	return &EnergyDetector{cfg: cfg}
}

func (d *EnergyDetector) Infer(samples []float32) (float32, error) {
	rms := audio.RMS(samples)
	switch {
	case rms <= d.cfg.NoiseFloor:
		return 0, nil
	case rms >= d.cfg.SpeechLevel:
		return 1, nil
	default:
		return float32((rms - d.cfg.NoiseFloor) / (d.cfg.SpeechLevel - d.cfg.NoiseFloor)), nil
	}
}

func (d *EnergyDetector) Reset() error   { return nil }
func (d *EnergyDetector) Destroy() error { return nil }

var _ Detector = (*EnergyDetector)(nil)

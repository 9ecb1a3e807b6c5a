package audio

import "math"

// BytesPerSample for 16-bit PCM.
const BytesPerSample = 2

// BytesToFloat32 converts PCM bytes to samples in [-1, 1).
func BytesToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/BytesPerSample)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// BytesToFloat64 converts PCM bytes to samples in [-1, 1).
func BytesToFloat64(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/BytesPerSample)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float64(s) / 32768.0
	}
	return out
}

// Float64ToBytes converts normalized samples back to PCM, clipping at full scale.
func Float64ToBytes(samples []float64) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, v := range samples {
		var s int16
		switch {
		case v >= 1.0:
			s = math.MaxInt16
		case v < -1.0:
			s = math.MinInt16
		default:
			s = int16(v * 32767.0)
		}
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// RMS returns the root-mean-square level of normalized samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

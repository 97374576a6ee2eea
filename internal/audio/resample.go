package audio

import "math"

// ResampleLinear converts src from srcRate to dstRate by linear
// interpolation between neighboring samples at fractional source positions.
// The output length is ceil(len(src) * dstRate / srcRate); positions whose
// right neighbor falls past the end clamp to the last available sample.
func ResampleLinear(src []float32, srcRate, dstRate int) []float32 {
	if len(src) == 0 || srcRate <= 0 || dstRate <= 0 {
		return nil
	}
	if srcRate == dstRate {
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}

	ratio := float64(dstRate) / float64(srcRate)
	outLen := int(math.Ceil(float64(len(src)) * ratio))
	out := make([]float32, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) / ratio
		idx := int(pos)
		if idx >= len(src)-1 {
			out[i] = src[len(src)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = src[idx] + (src[idx+1]-src[idx])*frac
	}
	return out
}

package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Resample converts signed 16-bit little-endian mono PCM between sample rates
// using linear interpolation. Identity rates return the input unchanged.
func Resample(pcm []byte, from, to int) ([]byte, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", from, to)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("odd pcm buffer length %d", len(pcm))
	}
	if from == to || len(pcm) == 0 {
		return pcm, nil
	}

	inSamples := len(pcm) / 2
	outSamples := int(math.Round(float64(inSamples) * float64(to) / float64(from)))
	out := make([]byte, outSamples*2)

	ratio := float64(from) / float64(to)
	for i := 0; i < outSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := readSample(pcm, idx, inSamples)
		s1 := readSample(pcm, idx+1, inSamples)
		v := float64(s0) + (float64(s1)-float64(s0))*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clampSample(v))))
	}
	return out, nil
}

// readSample clamps the index to the final sample so interpolation at the
// buffer edge stays in range.
func readSample(pcm []byte, idx, total int) int16 {
	if idx >= total {
		idx = total - 1
	}
	return int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
}

func clampSample(v float64) float64 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return v
}

// FromFloat32 quantizes [-1, 1] float samples to signed 16-bit little-endian
// PCM, clipping out-of-range values.
func FromFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * 32767.0
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clampSample(v))))
	}
	return out
}

// Silence returns a zeroed PCM buffer covering d at rate.
func Silence(d time.Duration, rate int) []byte {
	if d <= 0 || rate <= 0 {
		return nil
	}
	samples := int(int64(d) * int64(rate) / int64(time.Second))
	return make([]byte, samples*2)
}

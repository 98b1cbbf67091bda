package synth

import (
	"math"
	"math/rand"
)

// DefaultBandwidthHz is used when a burst's bandwidth is unset (spec.md
// 4.B: "bandwidth?" is optional per side), matching
// original_source/octopilot/pi/sound.py's own default.
const DefaultBandwidthHz = 3000.0

// DefaultDurationS is used when a burst's duration is unset, matching
// original_source/octopilot/pi/sound.py's own default.
const DefaultDurationS = 0.010

// BurstParams fully specifies one noise burst (spec.md 4.A).
type BurstParams struct {
	DurationS    float64
	FS           float64
	CenterFreq   float64
	Bandwidth    float64 // 0 => DefaultBandwidthHz
	LogAmplitude float64
	Channel      int // 0 = left, 1 = right
}

func (p BurstParams) bandwidth() float64 {
	if p.Bandwidth <= 0 {
		return DefaultBandwidthHz
	}
	return p.Bandwidth
}

func (p BurstParams) duration() float64 {
	if p.DurationS <= 0 {
		return DefaultDurationS
	}
	return p.DurationS
}

// GenerateBurst draws duration_s*fs uniform samples in [-1,+1], scales
// by 10^log_amplitude, bandpass-filters with a 2nd-order Butterworth
// centered at center_freq +/- bandwidth/2, and optionally applies eq.
// rng must not be shared across concurrent callers.
func GenerateBurst(p BurstParams, eq *EqualizationCurve, rng *rand.Rand) []float64 {
	n := int(math.Round(p.duration() * p.FS))
	if n <= 0 {
		return nil
	}

	raw := make([]float64, n)
	scale := math.Pow(10, p.LogAmplitude)
	for i := range raw {
		raw[i] = (rng.Float64()*2 - 1) * scale
	}

	bq := NewBandpassButterworth(p.CenterFreq, p.bandwidth(), p.FS)
	filtered := bq.ProcessAll(raw)

	if eq != nil {
		filtered = eq.Apply(filtered, p.FS)
	}
	return filtered
}

// PlaceInChannel lays mono samples into the requested stereo channel
// (0=left, 1=right); the other channel is zero, per spec.md 4.A.
func PlaceInChannel(mono []float64, channel int) [][2]float32 {
	stereo := make([][2]float32, len(mono))
	for i, s := range mono {
		var pair [2]float32
		pair[channel] = float32(s)
		stereo[i] = pair
	}
	return stereo
}

// PartitionIntoFrames splits stereo into ceil(len/blockSize) frames of
// exactly blockSize stereo pairs, zero-padding the final frame. Each
// returned frame is independently owned (no aliasing of stereo).
func PartitionIntoFrames(stereo [][2]float32, blockSize int) [][][2]float32 {
	if blockSize <= 0 {
		return nil
	}
	nFrames := (len(stereo) + blockSize - 1) / blockSize
	frames := make([][][2]float32, nFrames)
	for f := 0; f < nFrames; f++ {
		frame := make([][2]float32, blockSize)
		start := f * blockSize
		end := start + blockSize
		if end > len(stereo) {
			end = len(stereo)
		}
		copy(frame, stereo[start:end])
		frames[f] = frame
	}
	return frames
}

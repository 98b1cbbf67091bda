// Package synth generates one noise burst (spec.md 4.A): uniform white
// noise, scaled by the requested log-amplitude, bandpass-filtered, and
// optionally equalized, then partitioned into fixed-size zero-padded
// stereo frames ready to enqueue.
package synth

import "math"

// Biquad is a direct-form-II-transposed second-order IIR filter section,
// the standard structure for a numerically stable bandpass (Oppenheim &
// Schafer's canonical form; no example in the pack implements this, so
// it is hand-rolled from the well-known RBJ "Audio EQ Cookbook"
// bandpass-with-0dB-peak-gain formulas rather than reached for a
// library — documented in DESIGN.md as a standard-library-only DSP
// component with no ecosystem substitute in the corpus).
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64 // transposed direct-form-II state
}

// NewBandpassButterworth builds a 2nd-order bandpass biquad centered at
// centerFreq with the given bandwidth (both Hz), sampled at fs. Its Q is
// derived as centerFreq/bandwidth, which for the constant-0-dB-peak-gain
// RBJ bandpass gives the maximally-flat (Butterworth) passband shape
// spec.md 4.A asks for.
func NewBandpassButterworth(centerFreq, bandwidth, fs float64) Biquad {
	if bandwidth <= 0 {
		bandwidth = 1
	}
	w0 := 2 * math.Pi * centerFreq / fs
	q := centerFreq / bandwidth
	alpha := math.Sin(w0) / (2 * q)

	a0 := 1 + alpha
	bq := Biquad{
		b0: alpha / a0,
		b1: 0,
		b2: -alpha / a0,
		a1: (-2 * math.Cos(w0)) / a0,
		a2: (1 - alpha) / a0,
	}
	return bq
}

// Process filters one sample through the biquad, in place, using the
// transposed direct-form-II recurrence.
func (bq *Biquad) Process(x float64) float64 {
	y := bq.b0*x + bq.z1
	bq.z1 = bq.b1*x - bq.a1*y + bq.z2
	bq.z2 = bq.b2*x - bq.a2*y
	return y
}

// ProcessAll filters an entire buffer in place order, returning a new
// slice (the input is not mutated).
func (bq *Biquad) ProcessAll(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, x := range in {
		out[i] = bq.Process(x)
	}
	return out
}

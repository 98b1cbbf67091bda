package synth

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/dsp/fourier"
)

// EqualizationCurve is a piecewise-linear frequency-domain attenuation
// curve, loaded once at agent start (spec.md 4.A) and applied to every
// burst to compensate for the speaker/amplifier's non-flat response.
type EqualizationCurve struct {
	freqsHz []float64
	gains   []float64 // linear multiplier, same length as freqsHz, sorted by freqsHz
}

// LoadEqualizationCurve reads a two-column "freq_hz,linear_gain" CSV
// file. Lines starting with '#' and blank lines are ignored.
func LoadEqualizationCurve(path string) (*EqualizationCurve, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("synth: open equalization curve: %w", err)
	}
	defer f.Close()

	var curve EqualizationCurve
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 2 {
			return nil, fmt.Errorf("synth: malformed equalization curve line %q", line)
		}
		freq, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("synth: bad frequency in %q: %w", line, err)
		}
		gain, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("synth: bad gain in %q: %w", line, err)
		}
		curve.freqsHz = append(curve.freqsHz, freq)
		curve.gains = append(curve.gains, gain)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("synth: read equalization curve: %w", err)
	}
	if len(curve.freqsHz) < 2 {
		return nil, fmt.Errorf("synth: equalization curve needs at least 2 points")
	}
	return &curve, nil
}

// gainAt linearly interpolates the curve at freqHz, clamping to the
// endpoints outside the curve's domain.
func (c *EqualizationCurve) gainAt(freqHz float64) float64 {
	idx := sort.SearchFloat64s(c.freqsHz, freqHz)
	if idx == 0 {
		return c.gains[0]
	}
	if idx >= len(c.freqsHz) {
		return c.gains[len(c.gains)-1]
	}
	f0, f1 := c.freqsHz[idx-1], c.freqsHz[idx]
	g0, g1 := c.gains[idx-1], c.gains[idx]
	if f1 == f0 {
		return g0
	}
	t := (freqHz - f0) / (f1 - f0)
	return g0 + t*(g1-g0)
}

// Apply attenuates samples (mutating a copy) by transforming to the
// frequency domain with a real FFT, scaling each bin by the curve's
// interpolated gain, and transforming back. Uses gonum's dsp/fourier,
// the same module already pulled in for Gamma-distributed inter-burst
// intervals (SPEC_FULL.md domain stack).
func (c *EqualizationCurve) Apply(samples []float64, fs float64) []float64 {
	n := len(samples)
	if n == 0 {
		return samples
	}

	fft := fourier.NewFFT(n)
	spectrum := fft.Coefficients(nil, samples)

	binHz := fs / float64(n)
	for k := range spectrum {
		freq := float64(k) * binHz
		gain := c.gainAt(freq)
		spectrum[k] *= complex(gain, 0)
	}

	out := fft.Sequence(nil, spectrum)
	for i := range out {
		out[i] /= float64(n)
	}
	return out
}

// DefaultEqualizationCurve returns a flat (unity gain) curve, used when
// no equalization file is configured.
func DefaultEqualizationCurve() *EqualizationCurve {
	return &EqualizationCurve{
		freqsHz: []float64{0, math.MaxFloat64 / 2},
		gains:   []float64{1, 1},
	}
}

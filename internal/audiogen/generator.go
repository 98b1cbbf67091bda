// Package audiogen builds the infinite, deterministic-once-seeded audio
// frame stream described in spec.md 4.B, from per-side burst parameters
// that the agent control loop swaps in atomically on every
// set_trial_parameters command.
package audiogen

import (
	"math"
	"math/rand"
	"sort"
	"sync/atomic"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/rodgers-pac-lab/octopilot/internal/synth"
)

// BlockSize (N_BLOCK) is the fixed stereo frame length, spec.md section 3.
const BlockSize = 1024

// CycleLenS is the window within which burst onsets are kept when
// building one cycle (spec.md 4.B step 3).
const CycleLenS = 10.0

// NGammaDraws is how many inter-burst intervals are drawn per side when
// building a cycle (spec.md 4.B step 2).
const NGammaDraws = 100

// SilenceCycleFrames is how many silent frames make up a cycle when no
// burst events survive (spec.md 4.B step 4 and edge cases).
const SilenceCycleFrames = 100

// Frame is one fixed-size block of interleaved stereo sample pairs
// (spec.md section 3, AudioFrame). Its length is always BlockSize.
type Frame = [][2]float32

// Stream is one acoustic sub-stream's burst parameters, matching 4.B's
// "{rate_hz, temporal_log_std, center_freq, log_amplitude, bandwidth?,
// duration_s?}". A port plays either a target stream or a distracter
// stream, never both at once, matching the reference agent's hard-coded
// one-type-per-port behavior; the wire protocol and per-port trial
// tables still carry distracter fields for other consumers, but the
// audio generator only ever receives a port's target stream.
type Stream struct {
	RateHz         float64
	TemporalLogStd float64
	CenterFreq     float64
	LogAmplitude   float64
	Bandwidth      float64 // 0 => synth.DefaultBandwidthHz
	DurationS      float64 // 0 => synth.DefaultDurationS
}

// SideParams carries one side's target stream (spec.md 4.B). A nil
// *SideParams means that side is entirely absent.
type SideParams struct {
	Target *Stream
}

// Generator produces the infinite frame stream. SetAudioParameters may
// be called concurrently with NextFrame (the control loop calls the
// former, the audio-sink producer goroutine calls the latter), but
// NextFrame itself must only ever be called from one goroutine at a
// time — the single-producer side of the spec.md 4.C ring buffer.
type Generator struct {
	fs        float64
	blockSize int
	eq        *synth.EqualizationCurve
	rng       *rand.Rand // only touched by SetAudioParameters's caller (the control loop)

	current atomic.Pointer[[]Frame]

	// producer-local cursor; reset whenever `current` changes identity.
	seenCycle *[]Frame
	pos       int
}

// NewGenerator constructs a Generator sampling at fs Hz with the given
// block size and optional equalization curve (nil => flat).
func NewGenerator(fs float64, blockSize int, eq *synth.EqualizationCurve, seed int64) *Generator {
	g := &Generator{
		fs:        fs,
		blockSize: blockSize,
		eq:        eq,
		rng:       rand.New(rand.NewSource(seed)),
	}
	empty := make([]Frame, 0)
	g.current.Store(&empty)
	return g
}

// onset is one burst event: its time within the cycle and which
// (side, stream) slot it belongs to, indexing into bursts below.
type onset struct {
	timeS float64
	slot  int
}

// SetAudioParameters replaces the frame cycle atomically. The next call
// to NextFrame returns from the new cycle (spec.md 4.B).
func (g *Generator) SetAudioParameters(left, right *SideParams) {
	cycle := g.buildCycle(left, right)
	g.current.Store(&cycle)
}

// buildCycle implements spec.md 4.B steps 1-4 for up to two concurrent
// streams, one per side.
func (g *Generator) buildCycle(left, right *SideParams) []Frame {
	sides := [2]*SideParams{left, right}

	var bursts [2][]Frame // slot = side
	var onsets []onset

	for side := 0; side < 2; side++ {
		p := sides[side]
		if p == nil || p.Target == nil {
			continue
		}
		stream := p.Target
		slot := side

		mono := synth.GenerateBurst(synth.BurstParams{
			DurationS:    stream.DurationS,
			FS:           g.fs,
			CenterFreq:   stream.CenterFreq,
			Bandwidth:    stream.Bandwidth,
			LogAmplitude: stream.LogAmplitude,
			Channel:      side,
		}, g.eq, g.rng)
		stereo := synth.PlaceInChannel(mono, side)
		bursts[slot] = synth.PartitionIntoFrames(stereo, g.blockSize)

		if stream.RateHz <= 0 {
			// rate == 0 produces an all-silence cycle on that stream
			// (spec.md section 8 boundary behavior): draw no events.
			continue
		}

		mean := 1.0 / stream.RateHz
		logStdLinear := math.Pow(10, stream.TemporalLogStd)
		variance := logStdLinear * logStdLinear
		// Solve Gamma(shape, rate) from mean/variance:
		// shape = mean^2/var, rate = mean/var.
		shape := mean * mean / variance
		rateParam := mean / variance
		gamma := distuv.Gamma{Alpha: shape, Beta: rateParam, Src: g.rng}

		t := 0.0
		for i := 0; i < NGammaDraws; i++ {
			t += gamma.Rand()
			onsets = append(onsets, onset{timeS: t, slot: slot})
		}
	}

	sort.Slice(onsets, func(i, j int) bool { return onsets[i].timeS < onsets[j].timeS })

	var kept []onset
	for _, o := range onsets {
		if o.timeS < CycleLenS {
			kept = append(kept, o)
		}
	}

	if len(kept) == 0 {
		return silentFrames(SilenceCycleFrames, g.blockSize)
	}

	framePeriodS := float64(g.blockSize) / g.fs

	var cycle []Frame
	for i, o := range kept {
		cycle = append(cycle, bursts[o.slot]...)

		var gapS float64
		if i+1 < len(kept) {
			gapS = kept[i+1].timeS - o.timeS
		} else {
			gapS = CycleLenS - o.timeS
		}
		gapFrames := int(gapS / framePeriodS)
		if gapFrames < 1 {
			gapFrames = 1 // floor gap at one frame to avoid distortion
		}
		cycle = append(cycle, silentFrames(gapFrames, g.blockSize)...)
	}

	return cycle
}

// NextFrame returns the next frame of the current cycle, advancing the
// producer's local cursor and wrapping forever. Must be called from a
// single goroutine only.
func (g *Generator) NextFrame() Frame {
	ptr := g.current.Load()
	if ptr != g.seenCycle {
		g.seenCycle = ptr
		g.pos = 0
	}

	frames := *ptr
	if len(frames) == 0 {
		return make(Frame, g.blockSize)
	}

	f := frames[g.pos]
	g.pos++
	if g.pos >= len(frames) {
		g.pos = 0
	}
	return f
}

func silentFrames(n, blockSize int) []Frame {
	out := make([]Frame, n)
	for i := range out {
		out[i] = make(Frame, blockSize)
	}
	return out
}

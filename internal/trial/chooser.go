// Package trial implements the per-trial parameter chooser of spec.md
// 4.H, ported from original_source/octopilot/desktop/trial_chooser.py's
// TrialParameterChooser.choose() rather than from anything in the Go
// example pack, which has no equivalent component. Naming and control
// flow follow that algorithm exactly; only the shape (typed Go structs
// rather than pandas rows) changes.
package trial

import (
	"fmt"
	"math/rand"

	"github.com/rodgers-pac-lab/octopilot/internal/config"
)

// Names of the ranged scalar parameters, matching the original's
// param2range keys.
const (
	TargetRate           = "target_rate"
	TargetTemporalLogStd = "target_temporal_log_std"
	TargetCenterFreq     = "target_center_freq"
	TargetLogAmplitude   = "target_log_amplitude"
	TargetRadius         = "target_radius"

	DistracterRate           = "distracter_rate"
	DistracterTemporalLogStd = "distracter_temporal_log_std"
	DistracterCenterFreq     = "distracter_center_freq"
	DistracterLogAmplitude   = "distracter_log_amplitude"
	NDistracters             = "n_distracters"
)

// PortParams is one row of the per-port table choose() returns.
type PortParams struct {
	Port           string
	IsGoal         bool
	IsRewarded     bool
	AbsDistToGoal  int
	TargetRate     float64 // zero unless play_targets
	DistracterRate float64 // zero unless play_distracters
}

// TrialParams holds the trial-wide scalar draws, keyed by the constants
// above. Per-port columns (target_radius, n_distracters) are consumed
// during choose() and do not appear here, matching the original's pop().
type TrialParams map[string]float64

// Chooser draws trial parameters the way TrialParameterChooser.choose()
// does.
type Chooser struct {
	portNames       []string
	rewardRadius    int
	playTargets     bool
	playDistracters bool
	ranges          map[string]config.ParamRange
	rng             *rand.Rand
}

// RangesFromTaskConfig builds the range map choose() draws from,
// omitting target_* keys when playTargets is false and distracter_*/
// n_distracters keys when playDistracters is false — mirroring the
// original's param2range.pop() calls.
func RangesFromTaskConfig(tc config.TaskConfig) map[string]config.ParamRange {
	ranges := make(map[string]config.ParamRange)
	if tc.PlayTargets {
		ranges[TargetRate] = tc.TargetRate
		ranges[TargetTemporalLogStd] = tc.TargetTemporalLogStd
		ranges[TargetCenterFreq] = tc.TargetCenterFreq
		ranges[TargetLogAmplitude] = tc.TargetLogAmplitude
		ranges[TargetRadius] = tc.TargetRadius
	}
	if tc.PlayDistracters {
		ranges[DistracterRate] = tc.DistracterRate
		ranges[DistracterTemporalLogStd] = tc.DistracterTemporalLogStd
		ranges[DistracterCenterFreq] = tc.DistracterCenterFreq
		ranges[DistracterLogAmplitude] = tc.DistracterLogAmplitude
		ranges[NDistracters] = tc.NDistracters
	}
	return ranges
}

// NewChooser constructs a Chooser. rng should not be shared with
// concurrent callers.
func NewChooser(portNames []string, rewardRadius int, playTargets, playDistracters bool, ranges map[string]config.ParamRange, rng *rand.Rand) *Chooser {
	return &Chooser{
		portNames:       portNames,
		rewardRadius:    rewardRadius,
		playTargets:     playTargets,
		playDistracters: playDistracters,
		ranges:          ranges,
		rng:             rng,
	}
}

func linspace(min, max float64, n int) []float64 {
	if n <= 1 {
		return []float64{min}
	}
	out := make([]float64, n)
	step := (max - min) / float64(n-1)
	for i := range out {
		out[i] = min + step*float64(i)
	}
	return out
}

func (c *Chooser) possibleValues(name string) []float64 {
	r, ok := c.ranges[name]
	if !ok {
		return nil
	}
	if r.NChoices <= 1 {
		return []float64{r.Min}
	}
	return linspace(r.Min, r.Max, r.NChoices)
}

func (c *Chooser) pick(name string) float64 {
	vals := c.possibleValues(name)
	return vals[c.rng.Intn(len(vals))]
}

// ringDistance is min(|i-g|, n-|i-g|), the distance between ring
// positions i and g among n ports (spec.md 4.H step 2).
func ringDistance(i, g, n int) int {
	d := i - g
	if d < 0 {
		d = -d
	}
	if other := n - d; other < d {
		return other
	}
	return d
}

// Choose draws the parameters for one trial. previouslyRewardedPort may
// be "" or any string not in the port list, in which case the exclusion
// has no effect (spec.md 4.H step 1).
func (c *Chooser) Choose(previouslyRewardedPort string) (goalPort string, params TrialParams, table []PortParams, err error) {
	n := len(c.portNames)

	var candidates []string
	for _, p := range c.portNames {
		if p != previouslyRewardedPort {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return "", nil, nil, fmt.Errorf("trial: no candidate ports remain after excluding %q", previouslyRewardedPort)
	}
	goalPort = candidates[c.rng.Intn(len(candidates))]

	goalIdx := -1
	for i, p := range c.portNames {
		if p == goalPort {
			goalIdx = i
			break
		}
	}

	table = make([]PortParams, n)
	anyRewarded := false
	for i, p := range c.portNames {
		d := ringDistance(i, goalIdx, n)
		rewarded := d <= c.rewardRadius && p != previouslyRewardedPort
		if rewarded {
			anyRewarded = true
		}
		table[i] = PortParams{
			Port:          p,
			IsGoal:        p == goalPort,
			AbsDistToGoal: d,
			IsRewarded:    rewarded,
		}
	}
	if !anyRewarded {
		return "", nil, nil, fmt.Errorf("trial: no rewarded port for goal %q with reward_radius=%d", goalPort, c.rewardRadius)
	}

	params = make(TrialParams)
	for name := range c.ranges {
		params[name] = c.pick(name)
	}

	if c.playTargets {
		targetRate := params[TargetRate]
		targetRadius := params[TargetRadius]
		delete(params, TargetRadius)
		for i := range table {
			rate := targetRate * max0((1+targetRadius-float64(table[i].AbsDistToGoal))/(1+targetRadius))
			table[i].TargetRate = rate
		}
	}

	if c.playDistracters {
		distracterRate := params[DistracterRate]
		nDistractersF := params[NDistracters]
		delete(params, NDistracters)

		nDistracters := int(nDistractersF)
		if float64(nDistracters) != nDistractersF {
			return "", nil, nil, fmt.Errorf("trial: n_distracters %v is not representable as an integer", nDistractersF)
		}

		var nonGoal []int
		for i := range table {
			if i != goalIdx {
				nonGoal = append(nonGoal, i)
			}
		}
		if nDistracters > len(nonGoal) {
			return "", nil, nil, fmt.Errorf("trial: n_distracters=%d exceeds %d available non-goal ports", nDistracters, len(nonGoal))
		}
		c.rng.Shuffle(len(nonGoal), func(i, j int) { nonGoal[i], nonGoal[j] = nonGoal[j], nonGoal[i] })

		chosen := make(map[int]bool, nDistracters)
		for _, idx := range nonGoal[:nDistracters] {
			chosen[idx] = true
		}
		for i := range table {
			if chosen[i] {
				table[i].DistracterRate = distracterRate
			}
		}
	}

	return goalPort, params, table, nil
}

func max0(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

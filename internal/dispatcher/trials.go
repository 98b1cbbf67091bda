package dispatcher

import (
	"fmt"

	"github.com/rodgers-pac-lab/octopilot/internal/trial"
	"github.com/rodgers-pac-lab/octopilot/internal/wire"
)

func errQuorumNotMet(connected, expected int) error {
	return fmt.Errorf("dispatcher: quorum not met: %d/%d agents connected", connected, expected)
}

// advanceTrial draws the next trial's parameters and pushes a
// set_trial_parameters message to every agent (spec.md 4.I, 4.H).
func (d *Dispatcher) advanceTrial() error {
	goalPort, params, table, err := d.chooser.Choose(d.previouslyRewardedPort)
	if err != nil {
		return err
	}

	d.trialNumber++
	d.goalPort = goalPort
	d.portsPokedThisTrial = make(map[string]bool)

	portIdx := make(map[string]int, len(table))
	for i, row := range table {
		portIdx[row.Port] = i
	}

	for _, a := range d.agents {
		if !a.connected {
			continue
		}
		msg := d.buildTrialMessage(a, table, portIdx, params)
		if err := d.router.Send(a.identity, wire.Encode(msg)); err != nil {
			d.logger.Error("failed to send set_trial_parameters", "agent", a.spec.Name, "err", err, "kind", "transport")
		}
	}
	return nil
}

func (d *Dispatcher) buildTrialMessage(a *agentState, table []trial.PortParams, portIdx map[string]int, params trial.TrialParams) wire.Message {
	msg := wire.New("set_trial_parameters").
		With("trial_number", wire.Int(int64(d.trialNumber)))

	left := table[portIdx[a.spec.LeftPortName]]
	right := table[portIdx[a.spec.RightPortName]]

	msg = msg.With("left_reward", wire.Bool(left.IsRewarded)).
		With("right_reward", wire.Bool(right.IsRewarded))

	if d.task.PlayTargets {
		msg = msg.
			With("left_target_rate", wire.Float(left.TargetRate)).
			With("right_target_rate", wire.Float(right.TargetRate)).
			With("target_temporal_log_std", wire.Float(params[trial.TargetTemporalLogStd])).
			With("target_center_freq", wire.Float(params[trial.TargetCenterFreq])).
			With("target_log_amplitude", wire.Float(params[trial.TargetLogAmplitude]))
	}

	if d.task.PlayDistracters {
		msg = msg.
			With("left_distracter_rate", wire.Float(left.DistracterRate)).
			With("right_distracter_rate", wire.Float(right.DistracterRate)).
			With("distracter_temporal_log_std", wire.Float(params[trial.DistracterTemporalLogStd])).
			With("distracter_center_freq", wire.Float(params[trial.DistracterCenterFreq])).
			With("distracter_log_amplitude", wire.Float(params[trial.DistracterLogAmplitude]))
	}

	return msg
}

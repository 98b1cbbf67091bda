// Package config loads the box, task, and pi configuration records that
// parameterize a session. Nothing here is shared mutable state: every
// component that needs one of these records receives it at construction,
// the way the teacher threads audio_s/misc_config_s through its call
// sites instead of reading module globals.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentSpec is one entry in a BoxConfig's agent list.
type AgentSpec struct {
	Name               string  `yaml:"name"`
	IP                 string  `yaml:"ip"`
	LeftPortName       string  `yaml:"left_port_name"`
	RightPortName      string  `yaml:"right_port_name"`
	LeftPortPosition   float64 `yaml:"left_port_position"`
	RightPortPosition  float64 `yaml:"right_port_position"`
	SSHUser            string  `yaml:"ssh_user"`
	RemoteWorkDir       string  `yaml:"remote_work_dir"`
	RemoteBinary       string  `yaml:"remote_binary"`
}

// BoxConfig describes the fixed wiring of one experiment box: the
// transport port and the set of agents expected to connect.
type BoxConfig struct {
	ZMQPort int         `yaml:"zmq_port"`
	Agents  []AgentSpec `yaml:"agents"`
}

// PortNames returns the ordered list of port names across all agents,
// left then right per agent, in agent-list order. This is the ordering
// the trial chooser uses for ring-distance computations (spec.md 4.H).
func (b BoxConfig) PortNames() []string {
	names := make([]string, 0, len(b.Agents)*2)
	for _, a := range b.Agents {
		names = append(names, a.LeftPortName, a.RightPortName)
	}
	return names
}

// AgentByPort returns the AgentSpec owning portName and whether it is the
// left or right port of that agent.
func (b BoxConfig) AgentByPort(portName string) (agent AgentSpec, isLeft bool, ok bool) {
	for _, a := range b.Agents {
		if a.LeftPortName == portName {
			return a, true, true
		}
		if a.RightPortName == portName {
			return a, false, true
		}
	}
	return AgentSpec{}, false, false
}

// LoadBoxConfig reads and parses a box configuration YAML file.
func LoadBoxConfig(path string) (BoxConfig, error) {
	var cfg BoxConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read box config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse box config: %w", err)
	}
	return cfg, nil
}

// ParamRange is either a fixed value (Min == Max, NChoices == 1) or a
// {min, max, n_choices} triple yielding NChoices linearly-spaced values,
// per spec.md 4.H.
type ParamRange struct {
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
	NChoices int     `yaml:"n_choices"`
}

// TaskConfig is the fixed-or-ranged parameter spec for one task, plus the
// play_targets/play_distracters/reward_radius scalars spec.md 4.H needs.
type TaskConfig struct {
	Name string `yaml:"name"`

	PlayTargets     bool `yaml:"play_targets"`
	PlayDistracters bool `yaml:"play_distracters"`
	RewardRadius    int  `yaml:"reward_radius"`

	TargetRate            ParamRange `yaml:"target_rate"`
	TargetTemporalLogStd  ParamRange `yaml:"target_temporal_log_std"`
	TargetCenterFreq      ParamRange `yaml:"target_center_freq"`
	TargetLogAmplitude    ParamRange `yaml:"target_log_amplitude"`
	TargetRadius          ParamRange `yaml:"target_radius"`

	DistracterRate           ParamRange `yaml:"distracter_rate"`
	DistracterTemporalLogStd ParamRange `yaml:"distracter_temporal_log_std"`
	DistracterCenterFreq     ParamRange `yaml:"distracter_center_freq"`
	DistracterLogAmplitude   ParamRange `yaml:"distracter_log_amplitude"`
	NDistracters             ParamRange `yaml:"n_distracters"`
}

// LoadTaskConfig reads and parses a task configuration YAML file.
func LoadTaskConfig(path string) (TaskConfig, error) {
	var cfg TaskConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read task config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse task config: %w", err)
	}
	return cfg, nil
}

// GPIOPinSet is the pin assignment for one nosepoke, per spec.md section 6.
type GPIOPinSet struct {
	PokeLine     int `yaml:"poke_line"`
	SolenoidLine int `yaml:"solenoid_line"`
	RedLine      int `yaml:"red_line"`
	GreenLine    int `yaml:"green_line"`
	BlueLine     int `yaml:"blue_line"`
}

// PiConfig is the agent-local hardware configuration: GPIO pin
// assignments for both nosepokes and backend audio parameters.
type PiConfig struct {
	GPIOChip string `yaml:"gpio_chip"`
	Left     GPIOPinSet `yaml:"left"`
	Right    GPIOPinSet `yaml:"right"`

	SampleRateHz   float64 `yaml:"sample_rate_hz"`
	BlockSize      int     `yaml:"block_size"`
	SolenoidPulseMs int    `yaml:"solenoid_pulse_ms"`

	EqualizationCurvePath string `yaml:"equalization_curve_path,omitempty"`
}

// LoadPiConfig reads and parses a pi configuration YAML file.
func LoadPiConfig(path string) (PiConfig, error) {
	var cfg PiConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read pi config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse pi config: %w", err)
	}
	return cfg, nil
}

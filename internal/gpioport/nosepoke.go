// Package gpioport implements the Nosepoke abstraction of spec.md 4.D:
// one poke-input pin, one solenoid output pin, and three LED output
// pins, bound through github.com/warthog618/go-gpiocdev — the teacher's
// own GPIO dependency, previously declared in its go.mod but never
// exercised by its own code (the teacher drives PTT through gpiod's
// predecessor API in ptt.go). The test-double idiom here — an
// OutputLine interface substituted by a recording mock, see
// ptt_test.go's mockGPIODLine — is carried over directly.
package gpioport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// OutputLine is the minimal surface a Nosepoke needs from a GPIO output
// line. *gpiocdev.Line satisfies it; tests substitute a recording mock.
type OutputLine interface {
	SetValue(value int) error
	Close() error
}

// PokeHandler and RewardHandler are the two handler shapes spec.md 4.D
// invokes from the poke-in critical section.
type PokeHandler func(portName string, ts time.Time)
type RewardHandler func(portName string, ts time.Time)

// Nosepoke is bound to one physical port: a poke-input pin, a solenoid,
// and three LED lines.
type Nosepoke struct {
	portName string

	pokeLine             *gpiocdev.Line
	solenoid, red, green, blue OutputLine

	solenoidPulse time.Duration

	rewardArmed atomic.Bool

	mu       sync.Mutex
	onPokeIn []PokeHandler
	onReward []RewardHandler
}

// NewNosepoke constructs a Nosepoke for portName. solenoid/red/green/blue
// may be nil (useful in tests that only exercise the poke-in path).
func NewNosepoke(portName string, solenoid, red, green, blue OutputLine, solenoidPulse time.Duration) *Nosepoke {
	return &Nosepoke{
		portName:      portName,
		solenoid:      solenoid,
		red:           red,
		green:         green,
		blue:          blue,
		solenoidPulse: solenoidPulse,
	}
}

// Bind requests the poke-input line on chip at lineOffset with edge
// detection, wiring each edge event to TriggerPoke.
func (n *Nosepoke) Bind(chip string, lineOffset int, edge gpiocdev.LineReqOption) error {
	line, err := gpiocdev.RequestLine(chip, lineOffset,
		gpiocdev.AsInput,
		edge,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			n.TriggerPoke(time.Now())
		}),
	)
	if err != nil {
		return err
	}
	n.pokeLine = line
	return nil
}

// Close releases the poke-input line and any bound output lines.
func (n *Nosepoke) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.pokeLine != nil {
		record(n.pokeLine.Close())
	}
	for _, l := range []OutputLine{n.solenoid, n.red, n.green, n.blue} {
		if l != nil {
			record(l.Close())
		}
	}
	return firstErr
}

// AddPokeInHandler registers h to run on every poke-in event.
func (n *Nosepoke) AddPokeInHandler(h PokeHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onPokeIn = append(n.onPokeIn, h)
}

// AddRewardHandler registers h to run on every reward event.
func (n *Nosepoke) AddRewardHandler(h RewardHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onReward = append(n.onReward, h)
}

// RemoveAllHandlers clears both handler lists, called on `stop`.
func (n *Nosepoke) RemoveAllHandlers() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onPokeIn = nil
	n.onReward = nil
}

// Arm sets reward_armed so the next poke-in consumes it.
func (n *Nosepoke) Arm() { n.rewardArmed.Store(true) }

// Disarm clears reward_armed without consuming it.
func (n *Nosepoke) Disarm() { n.rewardArmed.Store(false) }

// Armed reports reward_armed, for tests and diagnostics.
func (n *Nosepoke) Armed() bool { return n.rewardArmed.Load() }

// TriggerPoke runs the poke-in critical section of spec.md 4.D. It is
// the GPIO edge callback body, and is also called directly by Autopoke
// for synthetic diagnostic pokes.
func (n *Nosepoke) TriggerPoke(ts time.Time) {
	doReward := n.rewardArmed.CompareAndSwap(true, false)

	n.mu.Lock()
	pokeHandlers := append([]PokeHandler(nil), n.onPokeIn...)
	n.mu.Unlock()
	for _, h := range pokeHandlers {
		h(n.portName, ts)
	}

	if !doReward {
		return
	}

	// The pulse runs on its own goroutine so it cannot block unrelated
	// agent processing, but the reward event still carries the original
	// edge timestamp (spec.md 4.D).
	go n.pulseAndReport(ts)
}

func (n *Nosepoke) pulseAndReport(ts time.Time) {
	if n.solenoid != nil {
		_ = n.solenoid.SetValue(1)
		time.Sleep(n.solenoidPulse)
		_ = n.solenoid.SetValue(0)
	}

	n.mu.Lock()
	rewardHandlers := append([]RewardHandler(nil), n.onReward...)
	n.mu.Unlock()
	for _, h := range rewardHandlers {
		h(n.portName, ts)
	}
}

// PortName returns the port this Nosepoke is bound to.
func (n *Nosepoke) PortName() string { return n.portName }

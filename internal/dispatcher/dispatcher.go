// Package dispatcher implements the dispatcher control loop of spec.md
// 4.I: the connection registry, the Idle/Running session state machine,
// trial advancement via internal/trial, and per-agent bookkeeping. It is
// the ROUTER side of the transport, generalized from the teacher's single
// appserver.go run loop the same way internal/agent generalizes it for
// the DEALER side.
package dispatcher

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/rodgers-pac-lab/octopilot/internal/config"
	"github.com/rodgers-pac-lab/octopilot/internal/events"
	"github.com/rodgers-pac-lab/octopilot/internal/transport"
	"github.com/rodgers-pac-lab/octopilot/internal/trial"
	"github.com/rodgers-pac-lab/octopilot/internal/wire"
)

// TAliveSend is how often the dispatcher broadcasts are_you_alive
// (spec.md 4.I). Per this program's resolved Open Question, a missed
// reply is advisory only: the dispatcher logs it but does not act,
// since an agent's own T_ALIVE_HARD watchdog is what actually tears a
// stalled session down.
const TAliveSend = 3 * time.Second

// pollTimeout bounds one Run iteration, as in internal/agent.
const pollTimeout = 100 * time.Millisecond

// SessionState is the dispatcher's top-level state machine (spec.md 4.I).
type SessionState string

const (
	Idle    SessionState = "idle"
	Running SessionState = "running"
)

// router is the minimal transport surface the dispatcher needs;
// *transport.Router satisfies it.
type router interface {
	Poll(timeout time.Duration) (transport.Envelope, bool)
	Send(to transport.Identity, payload string) error
	Close() error
}

// agentState is the per-agent connection and liveness record.
type agentState struct {
	spec           config.AgentSpec
	identity       transport.Identity
	connected      bool
	lastAliveReply time.Time
}

// Dispatcher owns the registry, the session state machine, and trial
// advancement.
type Dispatcher struct {
	router router
	logger *log.Logger
	eventLog *events.Log

	box  config.BoxConfig
	task config.TaskConfig

	agents map[transport.Identity]*agentState

	chooser *trial.Chooser

	state                  SessionState
	trialNumber            int
	previouslyRewardedPort string
	goalPort               string
	portsPokedThisTrial    map[string]bool

	// Per-port timestamp lists, in session-relative seconds (spec.md
	// 4.I "Event bookkeeping"). sessionStart anchors the relative clock.
	sessionStart           time.Time
	pokesByPort            map[string][]float64
	rewardedCorrectPokes   map[string][]float64
	rewardedIncorrectPokes map[string][]float64

	// portsPokedPerTrial has one entry per completed trial: the count of
	// distinct ports poked on that trial, excluding the port that was
	// rewarded on the trial before it (spec.md 4.I).
	portsPokedPerTrial []int

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

// Config bundles the dependencies New needs.
type Config struct {
	Router   router
	Box      config.BoxConfig
	Task     config.TaskConfig
	Chooser  *trial.Chooser
	EventLog *events.Log
	Logger   *log.Logger
}

// New constructs a Dispatcher in the Idle state with every configured
// agent registered but not yet connected.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		router:   cfg.Router,
		logger:   cfg.Logger,
		eventLog: cfg.EventLog,
		box:      cfg.Box,
		task:     cfg.Task,
		agents:   make(map[transport.Identity]*agentState),
		chooser:  cfg.Chooser,
		state:    Idle,
	}
	d.trialNumber = -1
	for _, a := range cfg.Box.Agents {
		id := transport.Identity(a.Name)
		d.agents[id] = &agentState{spec: a, identity: id}
	}
	d.resetHistory()
	return d
}

// resetHistory clears the per-session bookkeeping (spec.md 4.I, and the
// quorum-loss policy's "reset_history" step).
func (d *Dispatcher) resetHistory() {
	d.trialNumber = -1
	d.previouslyRewardedPort = ""
	d.goalPort = ""
	d.portsPokedThisTrial = make(map[string]bool)
	d.sessionStart = time.Now()
	d.pokesByPort = make(map[string][]float64)
	d.rewardedCorrectPokes = make(map[string][]float64)
	d.rewardedIncorrectPokes = make(map[string][]float64)
	d.portsPokedPerTrial = nil
}

// relativeNow returns the session-relative-seconds timestamp spec.md
// 4.I's event bookkeeping lists are keyed on.
func (d *Dispatcher) relativeNow() float64 {
	return time.Since(d.sessionStart).Seconds()
}

// connectedCount reports how many registered agents are currently marked
// connected.
func (d *Dispatcher) connectedCount() int {
	n := 0
	for _, a := range d.agents {
		if a.connected {
			n++
		}
	}
	return n
}

// quorumMet reports whether every registered agent is connected.
func (d *Dispatcher) quorumMet() bool {
	return d.connectedCount() == len(d.agents)
}

// State reports the current session state, for tests and diagnostics.
func (d *Dispatcher) State() SessionState { return d.state }

// TrialNumber reports the current trial number, for tests and diagnostics.
func (d *Dispatcher) TrialNumber() int { return d.trialNumber }

// RewardedCounts reports (correct, incorrect) reward counts so far.
func (d *Dispatcher) RewardedCounts() (correct, incorrect int) {
	for _, ts := range d.rewardedCorrectPokes {
		correct += len(ts)
	}
	for _, ts := range d.rewardedIncorrectPokes {
		incorrect += len(ts)
	}
	return correct, incorrect
}

// PortsPokedPerTrial reports the completed-trial distinct-port-poked
// counts, for tests and the external UI (spec.md 4.I).
func (d *Dispatcher) PortsPokedPerTrial() []int {
	return append([]int(nil), d.portsPokedPerTrial...)
}

// RewardedCorrectPokes reports port's rewarded-correct timestamp list,
// for tests and the external UI.
func (d *Dispatcher) RewardedCorrectPokes(port string) []float64 {
	return d.rewardedCorrectPokes[port]
}

// RewardedIncorrectPokes reports port's rewarded-incorrect timestamp
// list, for tests and the external UI.
func (d *Dispatcher) RewardedIncorrectPokes(port string) []float64 {
	return d.rewardedIncorrectPokes[port]
}

// Run executes the cooperative main loop, broadcasting are_you_alive
// every TAliveSend, until stop is closed. Closing the router does not
// end the loop.
func (d *Dispatcher) Run(stop <-chan struct{}) {
	d.startHeartbeatBroadcast()
	defer d.stopHeartbeatBroadcast()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if env, ok := d.router.Poll(pollTimeout); ok {
			d.handleEnvelope(env)
		}
	}
}

func (d *Dispatcher) handleEnvelope(env transport.Envelope) {
	msg, err := wire.Decode(env.Payload)
	if err != nil {
		d.logger.Error("dropping malformed message", "peer", env.Peer, "err", err, "kind", "protocol")
		return
	}

	a, known := d.agents[env.Peer]
	if !known {
		d.logger.Error("message from unregistered peer", "peer", env.Peer, "kind", "protocol")
		return
	}

	switch msg.Command {
	case "hello":
		d.handleHello(a)
	case "goodbye":
		d.handleGoodbye(a)
	case "alive":
		a.lastAliveReply = time.Now()
	case "poke":
		d.handlePoke(a, msg)
	case "reward":
		d.handleReward(a, msg)
	case "sound":
		d.handleSound(a, msg)
	default:
		d.logger.Error("unrecognized command", "command", msg.Command, "kind", "protocol")
	}
}

func (d *Dispatcher) handleHello(a *agentState) {
	a.connected = true
	d.appendEvent(events.KindHello, a, "", nil, time.Now())
	d.logger.Info("agent connected", "agent", a.spec.Name, "connected", d.connectedCount(), "expected", len(d.agents))
}

// handleGoodbye implements the strict quorum-loss policy this program
// resolved on: losing any agent mid-session broadcasts stop to the rest
// and resets bookkeeping, rather than trying to continue short-handed.
func (d *Dispatcher) handleGoodbye(a *agentState) {
	a.connected = false
	d.appendEvent(events.KindGoodbye, a, "", nil, time.Now())

	if d.state == Running {
		d.logger.Warn("quorum lost mid-session, stopping", "agent", a.spec.Name, "kind", "liveness")
		d.broadcast(wire.New("stop"))
		d.state = Idle
		d.resetHistory()
	}
}

func (d *Dispatcher) handlePoke(a *agentState, msg wire.Message) {
	port, _ := msg.GetStr("port_name")
	d.pokesByPort[port] = append(d.pokesByPort[port], d.relativeNow())
	d.portsPokedThisTrial[port] = true
	d.appendEvent(events.KindPoke, a, port, d.trialPtr(), time.Now())
}

// handleReward classifies the reward per spec.md 4.I's rule: correct
// iff ports_poked_this_trial \ {port, previously_rewarded_port} is
// empty, i.e. no port other than the rewarded one (or the one excluded
// from this trial's choices) was poked this trial. A reward for a port
// never poked this trial is a state-violation: log it and leave state
// untouched (spec.md section 7).
func (d *Dispatcher) handleReward(a *agentState, msg wire.Message) {
	port, _ := msg.GetStr("port_name")
	d.appendEvent(events.KindReward, a, port, d.trialPtr(), time.Now())

	if !d.portsPokedThisTrial[port] {
		d.logger.Error("reward delivered to a port not poked this trial", "port", port, "kind", "state-violation")
		return
	}

	correct := true
	for p := range d.portsPokedThisTrial {
		if p != port && p != d.previouslyRewardedPort {
			correct = false
			break
		}
	}

	ts := d.relativeNow()
	if correct {
		d.rewardedCorrectPokes[port] = append(d.rewardedCorrectPokes[port], ts)
	} else {
		d.rewardedIncorrectPokes[port] = append(d.rewardedIncorrectPokes[port], ts)
	}

	distinct := 0
	for p := range d.portsPokedThisTrial {
		if p != d.previouslyRewardedPort {
			distinct++
		}
	}
	d.portsPokedPerTrial = append(d.portsPokedPerTrial, distinct)

	d.previouslyRewardedPort = port

	if err := d.advanceTrial(); err != nil {
		d.logger.Error("failed to advance trial", "err", err, "kind", "state-violation")
	}
}

func (d *Dispatcher) handleSound(a *agentState, msg wire.Message) {
	d.appendEvent(events.KindSound, a, "", d.trialPtr(), time.Now())
}

func (d *Dispatcher) trialPtr() *int {
	if d.trialNumber < 0 {
		return nil
	}
	v := d.trialNumber
	return &v
}

func (d *Dispatcher) appendEvent(kind events.Kind, a *agentState, port string, trial *int, ts time.Time) {
	if d.eventLog == nil {
		return
	}
	name := ""
	if a != nil {
		name = a.spec.Name
	}
	if err := d.eventLog.Append(events.Event{
		Kind:      kind,
		Agent:     name,
		Port:      port,
		Trial:     trial,
		Timestamp: ts,
	}); err != nil {
		d.logger.Error("failed to append event", "err", err)
	}
}

// StartSession transitions Idle -> Running and fires the first trial.
// Requires every registered agent to be connected (spec.md 4.I).
func (d *Dispatcher) StartSession() error {
	if !d.quorumMet() {
		return errQuorumNotMet(d.connectedCount(), len(d.agents))
	}
	d.resetHistory()
	d.state = Running
	d.broadcast(wire.New("start"))
	return d.advanceTrial()
}

// StopSession transitions Running -> Idle, broadcasting stop.
func (d *Dispatcher) StopSession() {
	d.broadcast(wire.New("stop"))
	d.state = Idle
}

func (d *Dispatcher) broadcast(msg wire.Message) {
	payload := wire.Encode(msg)
	for _, a := range d.agents {
		if !a.connected {
			continue
		}
		if err := d.router.Send(a.identity, payload); err != nil {
			d.logger.Error("failed to send broadcast", "agent", a.spec.Name, "err", err, "kind", "transport")
		}
	}
}

func (d *Dispatcher) startHeartbeatBroadcast() {
	d.heartbeatStop = make(chan struct{})
	d.heartbeatDone = make(chan struct{})
	go func() {
		defer close(d.heartbeatDone)
		ticker := time.NewTicker(TAliveSend)
		defer ticker.Stop()
		for {
			select {
			case <-d.heartbeatStop:
				return
			case <-ticker.C:
				for _, a := range d.agents {
					if a.connected && !a.lastAliveReply.IsZero() && time.Since(a.lastAliveReply) > 2*TAliveSend {
						d.logger.Error("no alive reply from agent", "agent", a.spec.Name, "since", time.Since(a.lastAliveReply), "kind", "liveness")
					}
				}
				d.broadcast(wire.New("are_you_alive"))
			}
		}
	}()
}

func (d *Dispatcher) stopHeartbeatBroadcast() {
	if d.heartbeatStop == nil {
		return
	}
	close(d.heartbeatStop)
	<-d.heartbeatDone
	d.heartbeatStop = nil
	d.heartbeatDone = nil
}

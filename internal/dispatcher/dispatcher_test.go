package dispatcher

import (
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodgers-pac-lab/octopilot/internal/config"
	"github.com/rodgers-pac-lab/octopilot/internal/transport"
	"github.com/rodgers-pac-lab/octopilot/internal/trial"
	"github.com/rodgers-pac-lab/octopilot/internal/wire"
)

// fakeRouter is an in-memory router double, symmetrical to agent's
// fakeDealer: Enqueue feeds inbound envelopes, Sent captures outbound
// per-identity payloads.
type fakeRouter struct {
	mu     sync.Mutex
	inbox  []transport.Envelope
	Sent   map[transport.Identity][]string
	closed bool
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{Sent: make(map[transport.Identity][]string)}
}

func (f *fakeRouter) Enqueue(peer transport.Identity, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, transport.Envelope{Peer: peer, Payload: payload})
}

func (f *fakeRouter) Poll(timeout time.Duration) (transport.Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return transport.Envelope{}, false
	}
	env := f.inbox[0]
	f.inbox = f.inbox[1:]
	return env, true
}

func (f *fakeRouter) Send(to transport.Identity, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent[to] = append(f.Sent[to], payload)
	return nil
}

func (f *fakeRouter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRouter) lastSentTo(id transport.Identity) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.Sent[id]
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

func testBox() config.BoxConfig {
	return config.BoxConfig{
		Agents: []config.AgentSpec{
			{Name: "rpi01", LeftPortName: "rpi01L", RightPortName: "rpi01R"},
			{Name: "rpi02", LeftPortName: "rpi02L", RightPortName: "rpi02R"},
		},
	}
}

func testTask() config.TaskConfig {
	return config.TaskConfig{
		PlayTargets:  true,
		RewardRadius: 4,
		TargetRate:           config.ParamRange{Min: 5, Max: 5, NChoices: 1},
		TargetTemporalLogStd: config.ParamRange{Min: -1, Max: -1, NChoices: 1},
		TargetCenterFreq:     config.ParamRange{Min: 4000, Max: 4000, NChoices: 1},
		TargetLogAmplitude:   config.ParamRange{Min: -1, Max: -1, NChoices: 1},
		TargetRadius:         config.ParamRange{Min: 1, Max: 1, NChoices: 1},
	}
}

func newTestDispatcher() (*Dispatcher, *fakeRouter) {
	box := testBox()
	task := testTask()
	ranges := trial.RangesFromTaskConfig(task)
	chooser := trial.NewChooser(box.PortNames(), task.RewardRadius, task.PlayTargets, task.PlayDistracters, ranges, rand.New(rand.NewSource(1)))
	r := newFakeRouter()
	d := New(Config{
		Router:  r,
		Box:     box,
		Task:    task,
		Chooser: chooser,
		Logger:  log.New(io.Discard),
	})
	return d, r
}

func TestNew_AllAgentsStartDisconnected(t *testing.T) {
	d, _ := newTestDispatcher()
	assert.Equal(t, 0, d.connectedCount())
	assert.False(t, d.quorumMet())
}

func TestStartSession_FailsWithoutQuorum(t *testing.T) {
	d, _ := newTestDispatcher()
	err := d.StartSession()
	assert.Error(t, err)
	assert.Equal(t, Idle, d.State())
}

func TestStartSession_SucceedsAndAdvancesFirstTrial(t *testing.T) {
	d, r := newTestDispatcher()
	d.handleHello(d.agents["rpi01"])
	d.handleHello(d.agents["rpi02"])

	err := d.StartSession()
	require.NoError(t, err)
	assert.Equal(t, Running, d.State())
	assert.Equal(t, 0, d.TrialNumber())

	for _, id := range []transport.Identity{"rpi01", "rpi02"} {
		payload := r.lastSentTo(id)
		msg, err := wire.Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, "set_trial_parameters", msg.Command)
	}
}

// TestHandleReward_ClassifiesCorrectWhenOnlyGoalPortPoked reproduces
// spec.md section 8 Scenario 1 (happy path): the goal port is poked and
// rewarded with nothing else poked this trial, so it classifies correct
// and ports_poked_per_trial[0] == 1.
func TestHandleReward_ClassifiesCorrectWhenOnlyGoalPortPoked(t *testing.T) {
	d, _ := newTestDispatcher()
	d.handleHello(d.agents["rpi01"])
	d.handleHello(d.agents["rpi02"])
	require.NoError(t, d.StartSession())

	goalPort := d.goalPort
	d.handlePoke(d.agents["rpi01"], wire.New("poke").With("port_name", wire.Str(goalPort)))
	d.handleReward(d.agents["rpi01"], wire.New("reward").With("port_name", wire.Str(goalPort)))

	correct, incorrect := d.RewardedCounts()
	assert.Equal(t, 1, correct)
	assert.Equal(t, 0, incorrect)
	assert.Equal(t, []int{1}, d.PortsPokedPerTrial())
	assert.Equal(t, 1, d.TrialNumber())
	assert.Equal(t, goalPort, d.previouslyRewardedPort)
}

// TestHandleReward_ClassifiesIncorrectWhenOtherPortPokedFirst reproduces
// spec.md section 8 Scenario 2 (incorrect then correct): a non-goal port
// is poked first, then the goal port is poked and rewarded. Despite the
// reward landing on the goal port, ports_poked_this_trial still contains
// the earlier non-goal poke, so spec.md 4.I's set-difference rule
// classifies it incorrect.
func TestHandleReward_ClassifiesIncorrectWhenOtherPortPokedFirst(t *testing.T) {
	d, _ := newTestDispatcher()
	d.handleHello(d.agents["rpi01"])
	d.handleHello(d.agents["rpi02"])
	require.NoError(t, d.StartSession())

	goalPort := d.goalPort
	var otherPort string
	for _, p := range d.box.PortNames() {
		if p != goalPort {
			otherPort = p
			break
		}
	}

	d.handlePoke(d.agents["rpi01"], wire.New("poke").With("port_name", wire.Str(otherPort)))
	d.handlePoke(d.agents["rpi01"], wire.New("poke").With("port_name", wire.Str(goalPort)))
	d.handleReward(d.agents["rpi01"], wire.New("reward").With("port_name", wire.Str(goalPort)))

	correct, incorrect := d.RewardedCounts()
	assert.Equal(t, 0, correct)
	assert.Equal(t, 1, incorrect)
	assert.Equal(t, []int{2}, d.PortsPokedPerTrial())
	assert.Empty(t, d.RewardedCorrectPokes(goalPort))
	assert.Len(t, d.RewardedIncorrectPokes(goalPort), 1)
}

// TestHandleReward_StateViolationForUnpokedPortLeavesStateUntouched
// covers spec.md section 7's state-violation rule: a reward for a port
// not in ports_poked_this_trial must be logged and otherwise ignored.
func TestHandleReward_StateViolationForUnpokedPortLeavesStateUntouched(t *testing.T) {
	d, _ := newTestDispatcher()
	d.handleHello(d.agents["rpi01"])
	d.handleHello(d.agents["rpi02"])
	require.NoError(t, d.StartSession())

	trialBefore := d.TrialNumber()
	d.handleReward(d.agents["rpi01"], wire.New("reward").With("port_name", wire.Str(d.goalPort)))

	correct, incorrect := d.RewardedCounts()
	assert.Equal(t, 0, correct)
	assert.Equal(t, 0, incorrect)
	assert.Equal(t, trialBefore, d.TrialNumber())
	assert.Empty(t, d.PortsPokedPerTrial())
}

func TestHandleGoodbye_DuringRunningBroadcastsStopAndResetsHistory(t *testing.T) {
	d, r := newTestDispatcher()
	d.handleHello(d.agents["rpi01"])
	d.handleHello(d.agents["rpi02"])
	require.NoError(t, d.StartSession())

	d.handleGoodbye(d.agents["rpi01"])

	assert.Equal(t, Idle, d.State())
	assert.EqualValues(t, -1, d.TrialNumber())
	last := r.lastSentTo("rpi02")
	msg, err := wire.Decode(last)
	require.NoError(t, err)
	assert.Equal(t, "stop", msg.Command)
}

func TestHandleGoodbye_WhileIdleDoesNotBroadcast(t *testing.T) {
	d, r := newTestDispatcher()
	d.handleHello(d.agents["rpi01"])
	d.handleGoodbye(d.agents["rpi01"])

	assert.Equal(t, Idle, d.State())
	assert.Empty(t, r.Sent["rpi01"])
}

func TestHandlePoke_TracksPerPortCounts(t *testing.T) {
	d, _ := newTestDispatcher()
	msg := wire.New("poke").With("port_name", wire.Str("rpi01L"))
	d.handlePoke(d.agents["rpi01"], msg)
	d.handlePoke(d.agents["rpi01"], msg)

	assert.Len(t, d.pokesByPort["rpi01L"], 2)
	assert.True(t, d.portsPokedThisTrial["rpi01L"])
}

func TestRun_DispatchesQueuedMessagesAndStopsOnSignal(t *testing.T) {
	d, _ := newTestDispatcher()
	d.handleHello(d.agents["rpi01"])

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		d.Run(stop)
		close(done)
	}()

	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after signal")
	}
}

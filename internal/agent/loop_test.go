package agent

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodgers-pac-lab/octopilot/internal/audiogen"
	"github.com/rodgers-pac-lab/octopilot/internal/audiosink"
	"github.com/rodgers-pac-lab/octopilot/internal/gpioport"
	"github.com/rodgers-pac-lab/octopilot/internal/transport"
	"github.com/rodgers-pac-lab/octopilot/internal/wire"
)

// fakeDealer is an in-memory dealer double: inbound messages are fed
// through Enqueue, sent messages are captured in Sent.
type fakeDealer struct {
	mu     sync.Mutex
	inbox  []string
	Sent   []string
	closed bool
}

func (f *fakeDealer) Enqueue(payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, payload)
}

func (f *fakeDealer) Poll(timeout time.Duration) (transport.Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return transport.Envelope{}, false
	}
	payload := f.inbox[0]
	f.inbox = f.inbox[1:]
	return transport.Envelope{Payload: payload}, true
}

func (f *fakeDealer) Send(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, payload)
	return nil
}

func (f *fakeDealer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDealer) lastSentCommand() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Sent) == 0 {
		return ""
	}
	return strings.SplitN(f.Sent[len(f.Sent)-1], ";", 2)[0]
}

func (f *fakeDealer) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}

// fakeSink records EmptyQueue/Stop calls without touching real audio.
type fakeSink struct {
	mu              sync.Mutex
	emptyQueueCalls int
	stopped         bool
}

func (s *fakeSink) EmptyQueue(retainTailFrames int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emptyQueueCalls++
}

func (s *fakeSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// fakeGenerator records the last SetAudioParameters call.
type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	left  *audiogen.SideParams
	right *audiogen.SideParams
}

func (g *fakeGenerator) SetAudioParameters(left, right *audiogen.SideParams) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.left = left
	g.right = right
}

func newTestLoop() (*Loop, *fakeDealer, *fakeSink, *fakeGenerator) {
	d := &fakeDealer{}
	sk := &fakeSink{}
	gen := &fakeGenerator{}
	left := gpioport.NewNosepoke("left", nil, nil, nil, nil, 0)
	right := gpioport.NewNosepoke("right", nil, nil, nil, nil, 0)

	l := New(Config{
		Name:          "rpi-test",
		LeftPortName:  "left",
		RightPortName: "right",
		Dealer:        d,
		Left:          left,
		Right:         right,
		Generator:     gen,
		Sink:          sk,
		Logger:        log.New(io.Discard),
	})
	return l, d, sk, gen
}

func runUntil(t *testing.T, l *Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestHandleStart_SetsSessionRunningAndResetsTrialNumber(t *testing.T) {
	l, _, _, _ := newTestLoop()
	l.handleStart()
	defer l.stopHeartbeatMonitor()

	assert.True(t, l.IsSessionRunning())
	assert.EqualValues(t, -1, l.TrialNumber())
}

func TestHandleStart_TwiceIsIdempotent(t *testing.T) {
	l, _, _, _ := newTestLoop()
	l.handleStart()
	l.stopHeartbeatMonitor()
	l.handleStart()
	defer l.stopHeartbeatMonitor()

	assert.True(t, l.IsSessionRunning())
}

func TestHandleSetTrialParameters_IgnoredWhenSessionNotRunning(t *testing.T) {
	l, _, _, gen := newTestLoop()
	msg := wire.New("set_trial_parameters").
		With("trial_number", wire.Int(1)).
		With("left_reward", wire.Bool(true)).
		With("right_reward", wire.Bool(false))

	l.handleSetTrialParameters(msg)

	assert.Equal(t, 0, gen.calls)
	assert.EqualValues(t, -1, l.TrialNumber())
}

func TestHandleSetTrialParameters_AppliesParametersAndArmsRewards(t *testing.T) {
	l, _, sk, gen := newTestLoop()
	l.handleStart()
	defer l.stopHeartbeatMonitor()

	msg := wire.New("set_trial_parameters").
		With("trial_number", wire.Int(7)).
		With("left_reward", wire.Bool(true)).
		With("right_reward", wire.Bool(false)).
		With("left_target_rate", wire.Float(3)).
		With("target_temporal_log_std", wire.Float(-1)).
		With("target_center_freq", wire.Float(4000)).
		With("target_log_amplitude", wire.Float(-1))

	l.handleSetTrialParameters(msg)

	assert.EqualValues(t, 7, l.TrialNumber())
	assert.Equal(t, 1, gen.calls)
	require.NotNil(t, gen.left)
	require.NotNil(t, gen.left.Target)
	assert.Equal(t, 3.0, gen.left.Target.RateHz)
	assert.Nil(t, gen.right)
	assert.Equal(t, 1, sk.emptyQueueCalls)
	assert.True(t, l.left.Armed())
	assert.False(t, l.right.Armed())
}

func TestHandleStop_ClearsSessionRunningAndHandlers(t *testing.T) {
	l, _, _, gen := newTestLoop()
	l.handleStart()

	msg := wire.New("set_trial_parameters").
		With("trial_number", wire.Int(1)).
		With("left_reward", wire.Bool(true)).
		With("right_reward", wire.Bool(true))
	l.handleSetTrialParameters(msg)

	l.handleStop()

	assert.False(t, l.IsSessionRunning())
	assert.True(t, l.Shutdown())
	assert.Equal(t, 2, gen.calls) // set_trial_parameters, then the silence reset in doStop
	assert.Nil(t, gen.left)
	assert.Nil(t, gen.right)
}

func TestHandleStop_TwiceIsNoOp(t *testing.T) {
	l, _, _, _ := newTestLoop()
	l.handleStart()
	l.handleStop()
	assert.NotPanics(t, func() { l.handleStop() })
}

func TestHandleExit_ClosesDealerAndSinkAndSetsExitRequested(t *testing.T) {
	l, d, sk, _ := newTestLoop()
	l.handleStart()
	l.handleExit()

	assert.True(t, d.closed)
	assert.True(t, sk.stopped)
	assert.True(t, l.ExitRequested())
}

func TestHandleAreYouAlive_RepliesAlive(t *testing.T) {
	l, d, _, _ := newTestLoop()
	l.handleAreYouAlive()
	assert.Equal(t, "alive", d.lastSentCommand())
}

func TestHandleMessage_MalformedPayloadIsDroppedNotFatal(t *testing.T) {
	l, d, _, _ := newTestLoop()
	assert.NotPanics(t, func() { l.handleMessage("not a valid;;; message=") })
	assert.Equal(t, 0, d.sentCount())
}

func TestRun_AreYouAliveRoundTrip(t *testing.T) {
	l, d, _, _ := newTestLoop()
	l.handleStart()
	defer l.stopHeartbeatMonitor()

	d.Enqueue(wire.Encode(wire.New("are_you_alive")))
	go l.Run()

	runUntil(t, l, func() bool { return d.lastSentCommand() == "alive" })
	l.handleStop()
}

func TestHeartbeat_HardThresholdTripsCriticalShutdownAndGoodbye(t *testing.T) {
	l, d, _, _ := newTestLoop()
	l.handleStart()
	l.stopHeartbeatMonitor()
	l.lastAliveRequest.Store(time.Now().Add(-TAliveHard - time.Second).UnixNano())
	l.startHeartbeatMonitor() // restarted so the immediate check sees the stale timestamp right away

	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after critical shutdown")
	}

	assert.False(t, l.IsSessionRunning())
	found := false
	for _, s := range d.Sent {
		if strings.HasPrefix(s, "goodbye") {
			found = true
		}
	}
	assert.True(t, found, "expected a goodbye message, got %v", d.Sent)
}

func TestReportSound_SendsSoundMessageWithCurrentTrialNumber(t *testing.T) {
	l, d, _, _ := newTestLoop()
	l.trialNumber.Store(4)

	l.reportSound(audiosink.Notification{
		FrameIndex: 99,
		LeftRMS:    0.5,
		RightRMS:   0.25,
		DataHash:   12345,
		Time:       time.Now(),
	})

	require.Equal(t, 1, len(d.Sent))
	msg, err := wire.Decode(d.Sent[0])
	require.NoError(t, err)
	assert.Equal(t, "sound", msg.Command)
	trial, _ := msg.GetInt("trial_number")
	assert.EqualValues(t, 4, trial)
	left, _ := msg.GetFloat("data_left")
	assert.Equal(t, 0.5, left)
}

// Package agent implements the agent control loop of spec.md 4.E: it
// owns the noise synthesizer/frame generator/audio sink/GPIO nosepokes
// and the agent end of the transport, translating dispatcher commands
// into audio and GPIO actions and emitting events back. Grounded on the
// teacher's cooperative single-main-loop shape (appserver.go's run
// loop) generalized from a TNC's frame dispatch to this domain's
// message dispatch.
package agent

import (
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rodgers-pac-lab/octopilot/internal/audiogen"
	"github.com/rodgers-pac-lab/octopilot/internal/audiosink"
	"github.com/rodgers-pac-lab/octopilot/internal/events"
	"github.com/rodgers-pac-lab/octopilot/internal/gpioport"
	"github.com/rodgers-pac-lab/octopilot/internal/transport"
	"github.com/rodgers-pac-lab/octopilot/internal/wire"
)

// notifications is the minimal surface the loop needs from the audio
// sink's sound-event queue (*audiosink.Sink.Notifications satisfies it).
type notifications <-chan audiosink.Notification

// Heartbeat thresholds, spec.md 4.E.
const (
	TAliveCheck = 5 * time.Second
	TAliveSoft  = 5 * time.Second
	TAliveHard  = 15 * time.Second
)

// pollTimeout bounds how long Run blocks on the transport per iteration
// (spec.md 4.E main loop / 4.G "~100ms poll").
const pollTimeout = 100 * time.Millisecond

// emptyQueueRetainTail is the tail length EmptyQueue preserves on a
// parameter change (spec.md 4.C).
const emptyQueueRetainTail = 5

// dealer is the minimal transport surface the loop needs; satisfied by
// *transport.Dealer, substituted by a fake in tests.
type dealer interface {
	Poll(timeout time.Duration) (transport.Envelope, bool)
	Send(payload string) error
	Close() error
}

// sink is the minimal audio-sink surface the loop needs.
type sink interface {
	EmptyQueue(retainTailFrames int)
	Stop() error
}

// generator is the minimal frame-generator surface the loop needs.
type generator interface {
	SetAudioParameters(left, right *audiogen.SideParams)
}

// Loop is the agent control loop: one instance per agent process.
type Loop struct {
	name           string
	leftPortName   string
	rightPortName  string

	dealer dealer
	left   *gpioport.Nosepoke
	right  *gpioport.Nosepoke
	gen    generator
	sink   sink
	notifications notifications
	eventLog *events.Log
	logger   *log.Logger

	sessionRunning   atomic.Bool
	trialNumber      atomic.Int64 // -1 when no trial has begun
	shutdown         atomic.Bool
	criticalShutdown atomic.Bool
	exitRequested    atomic.Bool
	lastAliveRequest atomic.Int64 // unix nanoseconds

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}

	soundReporterStop chan struct{}
	soundReporterDone chan struct{}
}

// Config bundles the dependencies Loop needs at construction.
type Config struct {
	Name          string
	LeftPortName  string
	RightPortName string
	Dealer        dealer
	Left          *gpioport.Nosepoke
	Right         *gpioport.Nosepoke
	Generator     generator
	Sink          sink
	Notifications <-chan audiosink.Notification
	EventLog      *events.Log
	Logger        *log.Logger
}

// New constructs a Loop. trial_number starts at -1 per spec.md 4.E.
func New(cfg Config) *Loop {
	l := &Loop{
		name:          cfg.Name,
		leftPortName:  cfg.LeftPortName,
		rightPortName: cfg.RightPortName,
		dealer:        cfg.Dealer,
		left:          cfg.Left,
		right:         cfg.Right,
		gen:           cfg.Generator,
		sink:          cfg.Sink,
		notifications: cfg.Notifications,
		eventLog:      cfg.EventLog,
		logger:        cfg.Logger,
	}
	l.trialNumber.Store(-1)
	l.startSoundReporter()
	return l
}

// Run executes the cooperative main loop until shutdown or
// critical_shutdown is set. Topping up the audio ring buffer is
// delegated to the sink's own background producer goroutine (see
// audiosink.Sink) rather than stepped from here; that goroutine is this
// program's idiomatic-Go expression of spec.md 4.E step (i), since the
// sink already owns a dedicated non-blocking producer.
func (l *Loop) Run() {
	for {
		if env, ok := l.dealer.Poll(pollTimeout); ok {
			l.handleMessage(env.Payload)
		}

		if l.criticalShutdown.Load() {
			l.logger.Error("critical shutdown: heartbeat hard threshold exceeded", "kind", "liveness")
			l.doStop()
			l.sendGoodbye()
			return
		}
		if l.shutdown.Load() {
			return
		}
	}
}

func (l *Loop) sendGoodbye() {
	if err := l.dealer.Send(wire.Encode(wire.New("goodbye"))); err != nil {
		l.logger.Error("failed to send goodbye", "err", err, "kind", "transport")
	}
}

// IsSessionRunning reports session_running, for tests and diagnostics.
func (l *Loop) IsSessionRunning() bool { return l.sessionRunning.Load() }

// TrialNumber reports the current trial_number, for tests and diagnostics.
func (l *Loop) TrialNumber() int64 { return l.trialNumber.Load() }

// Shutdown reports the shutdown flag, for tests and diagnostics.
func (l *Loop) Shutdown() bool { return l.shutdown.Load() }

// ExitRequested reports whether `exit` set the process-exit flag; the
// owning cmd/ main loop checks this after Run returns.
func (l *Loop) ExitRequested() bool { return l.exitRequested.Load() }

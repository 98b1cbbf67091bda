// Package audiosink implements the single-producer/single-consumer ring
// buffer and portaudio callback of spec.md 4.C: a background goroutine
// tops up whole frames from an audiogen.Generator, and the realtime
// audio callback pops exactly one frame per period with no blocking, no
// allocation and no logging on the hot path.
//
// The ring itself is a fixed-size array indexed by two monotonically
// increasing atomic counters (head/tail), the idiomatic lock-free Go
// SPSC shape: the producer only ever writes at tail and publishes by
// advancing it, the callback only ever reads at head and publishes by
// advancing it, and EmptyQueue (called from the control loop, a third
// actor) advances head with a CAS so a concurrent callback pop never
// gets silently clobbered.
//
// The portaudio callback idiom (fixed-size stream opened against the
// default output device, callback writing interleaved float32 frames)
// has no living example in the teacher's own code — charmbracelet's
// stack never touches audio — so it is grounded on the other_examples/
// portaudio callers in the retrieval pack (chriskillpack-modplayer and
// voxworld-voxaudio) instead.
package audiosink

import (
	"fmt"
	"hash"
	"hash/fnv"
	"math"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"github.com/rodgers-pac-lab/octopilot/internal/audiogen"
)

// TargetQ is the producer's target ring-buffer depth, in frames
// (spec.md 4.C).
const TargetQ = 100

// ringCapacity is the ring's fixed slot count. It must exceed TargetQ
// with headroom so the producer never has to wait on the consumer, and
// is a power of two so slot indexing is a cheap mask instead of a mod.
const ringCapacity = 256
const ringMask = ringCapacity - 1

// silentEpsilon is the threshold under which a channel's sum of squared
// samples over the frame is treated as silence when deciding whether to post a sound notification
// (spec.md 9: only non-silent frames are reported).
const silentEpsilon = 1e-9

// Notification is the compact per-frame summary the callback posts to a
// lock-free queue for the control loop to turn into a `sound` event
// (spec.md 4.E). Only non-silent frames are posted.
type Notification struct {
	FrameIndex int64
	LeftRMS    float64
	RightRMS   float64
	// DataHash is an FNV-1a digest of the frame's raw samples, cheap
	// enough to compute on the realtime callback and useful downstream
	// for detecting duplicate or corrupted reports.
	DataHash int64
	Time     time.Time
}

// source is the minimal surface the sink needs from a frame producer;
// audiogen.Generator satisfies it.
type source interface {
	NextFrame() audiogen.Frame
}

// Sink owns the ring buffer, the background producer goroutine, and the
// portaudio stream.
type Sink struct {
	gen       source
	blockSize int

	ring       [ringCapacity]audiogen.Frame
	head, tail atomic.Int64 // monotonically increasing slot counters

	stopProducer chan struct{}
	producerDone chan struct{}

	stream *portaudio.Stream

	underrunWarned atomic.Bool
	frameIndex     atomic.Int64

	// hasher is reused across callback invocations (Reset, then Write)
	// so computing a frame's DataHash never allocates on the hot path.
	hasher hash.Hash64

	// Notifications carries one entry per non-silent frame popped by the
	// callback. It is a bounded, non-blocking single-producer channel:
	// the callback drops a notification rather than ever blocking.
	Notifications chan Notification
}

// New creates a Sink reading frames from gen. Call Start to open the
// audio stream and begin producing.
func New(gen source, blockSize int) *Sink {
	return &Sink{
		gen:           gen,
		blockSize:     blockSize,
		stopProducer:  make(chan struct{}),
		producerDone:  make(chan struct{}),
		hasher:        fnv.New64a(),
		Notifications: make(chan Notification, 256),
	}
}

// Start opens the default portaudio output stream at the given sample
// rate and launches the background producer.
func (s *Sink) Start(sampleRateHz float64) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audiosink: initialize portaudio: %w", err)
	}

	stream, err := portaudio.OpenDefaultStream(0, 2, sampleRateHz, s.blockSize, s.callback)
	if err != nil {
		return fmt.Errorf("audiosink: open stream: %w", err)
	}
	s.stream = stream

	if err := stream.Start(); err != nil {
		return fmt.Errorf("audiosink: start stream: %w", err)
	}

	go s.runProducer()
	return nil
}

// Stop halts the producer and closes the audio stream.
func (s *Sink) Stop() error {
	close(s.stopProducer)
	<-s.producerDone

	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			return fmt.Errorf("audiosink: stop stream: %w", err)
		}
		if err := s.stream.Close(); err != nil {
			return fmt.Errorf("audiosink: close stream: %w", err)
		}
	}
	return portaudio.Terminate()
}

// runProducer tops up the queue to TargetQ, sleeping briefly between
// passes once full. This is the only goroutine that writes at tail.
func (s *Sink) runProducer() {
	defer close(s.producerDone)
	for {
		select {
		case <-s.stopProducer:
			return
		default:
		}

		s.topUp()

		select {
		case <-s.stopProducer:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// topUp pushes frames until the ring reaches TargetQ depth.
func (s *Sink) topUp() {
	for {
		tail := s.tail.Load()
		head := s.head.Load()
		if tail-head >= TargetQ {
			return
		}

		frame := s.gen.NextFrame()
		s.ring[tail&ringMask] = frame
		// Publish after the write so a consumer that observes the new
		// tail also observes the slot write (Go's atomic ops establish
		// that happens-before the same way a mutex would).
		s.tail.Store(tail + 1)
	}
}

// EmptyQueue drains the ring from the producer side down to
// retainTailFrames already-queued frames, so a parameter change takes
// effect within a few frame periods (spec.md 4.C). It races safely
// against the realtime callback via CAS: if the callback wins, this
// retries against the callback's new head.
func (s *Sink) EmptyQueue(retainTailFrames int) {
	for {
		head := s.head.Load()
		tail := s.tail.Load()
		depth := tail - head
		if depth <= int64(retainTailFrames) {
			return
		}
		newHead := tail - int64(retainTailFrames)
		if s.head.CompareAndSwap(head, newHead) {
			return
		}
	}
}

// callback is invoked by the portaudio backend on a dedicated realtime
// thread. It must not allocate, block, or log; the single exception is
// a rate-limited underrun warning delivered through an atomic flag that
// a non-realtime goroutine polls (see WarnOnUnderrun). The ring pop uses
// a CAS on head rather than a plain store because EmptyQueue may be
// advancing head concurrently from the control-loop goroutine; if the
// CAS loses, this period renders silence rather than double-playing or
// rewinding a frame EmptyQueue already skipped past.
func (s *Sink) callback(out []float32) {
	head := s.head.Load()
	tail := s.tail.Load()

	var frame audiogen.Frame
	if tail > head {
		candidate := s.ring[head&ringMask]
		if s.head.CompareAndSwap(head, head+1) {
			frame = candidate
		}
	}

	if frame == nil {
		for i := range out {
			out[i] = 0
		}
		s.underrunWarned.Store(true)
		return
	}

	n := len(frame)
	if n > len(out)/2 {
		n = len(out) / 2
	}

	var leftSumSq, rightSumSq float64
	for i := 0; i < n; i++ {
		l, r := frame[i][0], frame[i][1]
		out[2*i] = l
		out[2*i+1] = r
		leftSumSq += float64(l) * float64(l)
		rightSumSq += float64(r) * float64(r)
	}

	idx := s.frameIndex.Add(1)
	if n > 0 && (leftSumSq > silentEpsilon || rightSumSq > silentEpsilon) {
		s.hasher.Reset()
		var buf [8]byte
		for i := 0; i < n; i++ {
			lb := math.Float32bits(frame[i][0])
			rb := math.Float32bits(frame[i][1])
			buf[0], buf[1], buf[2], buf[3] = byte(lb), byte(lb>>8), byte(lb>>16), byte(lb>>24)
			buf[4], buf[5], buf[6], buf[7] = byte(rb), byte(rb>>8), byte(rb>>16), byte(rb>>24)
			s.hasher.Write(buf[:])
		}
		note := Notification{
			FrameIndex: idx,
			LeftRMS:    math.Sqrt(leftSumSq / float64(n)),
			RightRMS:   math.Sqrt(rightSumSq / float64(n)),
			DataHash:   int64(s.hasher.Sum64()),
			Time:       time.Now(),
		}
		select {
		case s.Notifications <- note:
		default:
			// Queue full: drop. The hot path must never block.
		}
	}
}

// WarnOnUnderrun must be called from a non-realtime goroutine no more
// than once per second; it logs and clears the underrun flag if the
// callback hit an empty queue since the last call.
func (s *Sink) WarnOnUnderrun(logger *log.Logger) {
	if s.underrunWarned.CompareAndSwap(true, false) {
		logger.Warn("audio ring buffer underrun, wrote silence")
	}
}

// Depth reports the current queue depth, for diagnostics and tests.
func (s *Sink) Depth() int {
	return int(s.tail.Load() - s.head.Load())
}

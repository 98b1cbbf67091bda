package audiosink

import (
	"io"
	"sync/atomic"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodgers-pac-lab/octopilot/internal/audiogen"
)

// constSource hands out a fixed frame and counts how many times it was
// asked for one.
type constSource struct {
	frame audiogen.Frame
	calls atomic.Int64
}

func (c *constSource) NextFrame() audiogen.Frame {
	c.calls.Add(1)
	return c.frame
}

func newFrame(blockSize int, fill float32) audiogen.Frame {
	f := make(audiogen.Frame, blockSize)
	for i := range f {
		f[i] = [2]float32{fill, fill}
	}
	return f
}

// pushFrame writes directly at tail the way topUp does, for tests that
// want to seed the ring without going through the generator.
func pushFrame(s *Sink, f audiogen.Frame) {
	tail := s.tail.Load()
	s.ring[tail&ringMask] = f
	s.tail.Store(tail + 1)
}

func TestTopUp_FillsQueueToTargetQ(t *testing.T) {
	src := &constSource{frame: newFrame(4, 1)}
	s := New(src, 4)
	s.topUp()
	assert.Equal(t, TargetQ, s.Depth())
}

func TestTopUp_StopsAtTargetQWithoutOverfilling(t *testing.T) {
	src := &constSource{frame: newFrame(4, 1)}
	s := New(src, 4)
	s.topUp()
	s.topUp()
	assert.Equal(t, TargetQ, s.Depth())
}

func TestEmptyQueue_RetainsOnlyTailFrames(t *testing.T) {
	src := &constSource{frame: newFrame(4, 1)}
	s := New(src, 4)
	s.topUp()
	require.Equal(t, TargetQ, s.Depth())

	s.EmptyQueue(5)
	assert.Equal(t, 5, s.Depth())
}

func TestEmptyQueue_NoOpWhenAlreadyBelowRetainCount(t *testing.T) {
	src := &constSource{frame: newFrame(4, 1)}
	s := New(src, 4)
	pushFrame(s, newFrame(4, 1))
	pushFrame(s, newFrame(4, 1))

	s.EmptyQueue(5)
	assert.Equal(t, 2, s.Depth())
}

func TestCallback_PopsExactlyOneFrameAndWritesBothChannels(t *testing.T) {
	src := &constSource{}
	s := New(src, 2)
	pushFrame(s, audiogen.Frame{{0.5, -0.5}, {0.25, -0.25}})

	out := make([]float32, 4)
	s.callback(out)

	assert.Equal(t, []float32{0.5, -0.5, 0.25, -0.25}, out)
	assert.Equal(t, 0, s.Depth())
}

func TestCallback_WritesSilenceAndFlagsUnderrunWhenQueueEmpty(t *testing.T) {
	src := &constSource{}
	s := New(src, 2)

	out := []float32{9, 9, 9, 9}
	s.callback(out)

	assert.Equal(t, []float32{0, 0, 0, 0}, out)
	assert.True(t, s.underrunWarned.Load())
}

func TestCallback_DoesNotFlagUnderrunWhenQueueNonEmpty(t *testing.T) {
	src := &constSource{}
	s := New(src, 2)
	pushFrame(s, audiogen.Frame{{0, 0}, {0, 0}})

	out := make([]float32, 4)
	s.callback(out)

	assert.False(t, s.underrunWarned.Load())
}

func TestWarnOnUnderrun_ClearsFlagAfterLogging(t *testing.T) {
	src := &constSource{}
	s := New(src, 2)
	s.underrunWarned.Store(true)
	logger := log.New(io.Discard)

	s.WarnOnUnderrun(logger)
	assert.False(t, s.underrunWarned.Load())
}

func TestCallback_PostsNotificationForNonSilentFrame(t *testing.T) {
	src := &constSource{}
	s := New(src, 2)
	pushFrame(s, audiogen.Frame{{0.5, 0}, {0, 0}})

	out := make([]float32, 4)
	s.callback(out)

	select {
	case note := <-s.Notifications:
		assert.Greater(t, note.LeftRMS, 0.0)
		assert.Equal(t, 0.0, note.RightRMS)
	default:
		t.Fatal("expected a notification for a non-silent frame")
	}
}

func TestCallback_SkipsNotificationForSilentFrame(t *testing.T) {
	src := &constSource{}
	s := New(src, 2)
	pushFrame(s, audiogen.Frame{{0, 0}, {0, 0}})

	out := make([]float32, 4)
	s.callback(out)

	select {
	case <-s.Notifications:
		t.Fatal("did not expect a notification for a silent frame")
	default:
	}
}

func TestWarnOnUnderrun_NoOpWhenNoUnderrunSinceLastCall(t *testing.T) {
	src := &constSource{}
	s := New(src, 2)
	logger := log.New(io.Discard)

	s.WarnOnUnderrun(logger) // must not panic on a clean flag
	assert.False(t, s.underrunWarned.Load())
}

package audiogen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFS = 44100.0

func targetStream(rate, temporalLogStd, centerFreq, logAmplitude float64) *SideParams {
	return &SideParams{Target: &Stream{
		RateHz:         rate,
		TemporalLogStd: temporalLogStd,
		CenterFreq:     centerFreq,
		LogAmplitude:   logAmplitude,
	}}
}

func TestNextFrame_EmptyGeneratorIsSilence(t *testing.T) {
	g := NewGenerator(testFS, BlockSize, nil, 1)
	f := g.NextFrame()
	require.Len(t, f, BlockSize)
	for _, pair := range f {
		assert.Equal(t, [2]float32{0, 0}, pair)
	}
}

func TestSetAudioParameters_BothSidesAbsentIsSilenceForever(t *testing.T) {
	g := NewGenerator(testFS, BlockSize, nil, 1)
	g.SetAudioParameters(nil, nil)

	for i := 0; i < 10; i++ {
		f := g.NextFrame()
		require.Len(t, f, BlockSize)
		for _, pair := range f {
			assert.Equal(t, [2]float32{0, 0}, pair)
		}
	}
}

func TestSetAudioParameters_ZeroRateIsAllSilenceOnThatSide(t *testing.T) {
	g := NewGenerator(testFS, BlockSize, nil, 1)
	g.SetAudioParameters(targetStream(0, 0, 4000, 0), nil)

	for i := 0; i < SilenceCycleFrames; i++ {
		f := g.NextFrame()
		require.Len(t, f, BlockSize)
		for _, pair := range f {
			assert.Equal(t, [2]float32{0, 0}, pair)
		}
	}
}

func TestNextFrame_AlwaysExactlyBlockSize(t *testing.T) {
	g := NewGenerator(testFS, BlockSize, nil, 1)
	g.SetAudioParameters(
		targetStream(5, -0.5, 6000, -1),
		targetStream(3, -0.3, 9000, -1),
	)

	for i := 0; i < 500; i++ {
		f := g.NextFrame()
		require.Len(t, f, BlockSize)
	}
}

func TestNextFrame_CycleWraps(t *testing.T) {
	g := NewGenerator(testFS, BlockSize, nil, 1)
	g.SetAudioParameters(targetStream(20, -1, 4000, 0), nil)

	first := g.NextFrame()
	cycleLen := len(*g.current.Load())
	require.Greater(t, cycleLen, 0)

	for i := 1; i < cycleLen; i++ {
		g.NextFrame()
	}
	wrapped := g.NextFrame()
	assert.Equal(t, first, wrapped)
}

func TestSetAudioParameters_SwapResetsProducerCursor(t *testing.T) {
	g := NewGenerator(testFS, BlockSize, nil, 1)
	g.SetAudioParameters(targetStream(10, -1, 4000, 0), nil)
	g.NextFrame()
	g.NextFrame()
	g.NextFrame()

	g.SetAudioParameters(targetStream(10, -1, 8000, 0), nil)

	first := g.NextFrame()
	cycleLen := len(*g.current.Load())
	for i := 1; i < cycleLen; i++ {
		g.NextFrame()
	}
	wrapped := g.NextFrame()
	assert.Equal(t, first, wrapped)
}

package wirespool

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCounter returns a fixed sequence of raw counts. It cannot be written.
type scriptedCounter struct {
	values []uint32
	i      int
	err    error
}

func (c *scriptedCounter) ReadRawCounter(context.Context) (uint32, error) {
	if c.err != nil {
		return 0, c.err
	}
	v := c.values[min(c.i, len(c.values)-1)]
	c.i++
	return v, nil
}

// settableCounter is a writable counter whose value the test moves directly.
type settableCounter struct {
	value  uint32
	writes int
}

func (c *settableCounter) ReadRawCounter(context.Context) (uint32, error) {
	return c.value, nil
}

func (c *settableCounter) SetRawCounter(_ context.Context, v uint32) error {
	c.value = v
	c.writes++
	return nil
}

func sampleAll(t *testing.T, src PulseSource, n int) []PulseSample {
	t.Helper()
	out := make([]PulseSample, n)
	for i := range out {
		s, err := src.Sample(context.Background())
		require.NoError(t, err)
		out[i] = s
	}
	return out
}

func TestPulseSourceWrap(t *testing.T) {
	cfg := PulseFilterConfig{CounterBits: 16, NoiseThresholdTicks: 2, MaxDeltaPerCycle: 500}
	src := NewCounterPulseSource(&scriptedCounter{values: []uint32{65530, 65534, 2}}, cfg)

	samples := sampleAll(t, src, 3)
	assert.Equal(t, uint32(0), samples[0].DeltaTicks, "first sample only primes")
	assert.Equal(t, uint32(4), samples[1].DeltaTicks)
	assert.False(t, samples[1].Wrapped)
	assert.Equal(t, uint32(4), samples[2].DeltaTicks)
	assert.True(t, samples[2].Wrapped)

	stats := src.Stats()
	assert.Equal(t, uint32(1), stats.OverflowCount)
	assert.Equal(t, uint32(8), stats.LastStableCount)
	assert.Equal(t, uint32(2), stats.RawCount)
}

func TestPulseSourceNoiseRejection(t *testing.T) {
	cfg := PulseFilterConfig{CounterBits: 16, NoiseThresholdTicks: 2, MaxDeltaPerCycle: 500}

	t.Run("sub-threshold movement accumulates", func(t *testing.T) {
		src := NewCounterPulseSource(&scriptedCounter{values: []uint32{100, 101, 103}}, cfg)
		samples := sampleAll(t, src, 3)

		assert.True(t, samples[1].Rejected)
		assert.Equal(t, uint32(0), samples[1].DeltaTicks)
		assert.Equal(t, uint32(3), samples[2].DeltaTicks)
		assert.Equal(t, uint32(1), src.Stats().NoiseRejectCount)
	})

	t.Run("glitch above max delta is dropped", func(t *testing.T) {
		src := NewCounterPulseSource(&scriptedCounter{values: []uint32{100, 900, 105}}, cfg)
		samples := sampleAll(t, src, 3)

		assert.True(t, samples[1].Rejected)
		assert.Equal(t, uint32(5), samples[2].DeltaTicks)
		assert.Equal(t, uint32(5), src.Stats().LastStableCount)
	})

	t.Run("no movement is not noise", func(t *testing.T) {
		src := NewCounterPulseSource(&scriptedCounter{values: []uint32{7, 7, 7}}, cfg)
		samples := sampleAll(t, src, 3)

		for _, s := range samples {
			assert.Equal(t, uint32(0), s.DeltaTicks)
			assert.False(t, s.Rejected)
		}
		assert.Equal(t, uint32(0), src.Stats().NoiseRejectCount)
	})
}

func TestPulseSourceManualReset(t *testing.T) {
	cfg := PulseFilterConfig{CounterBits: 16, NoiseThresholdTicks: 2, MaxDeltaPerCycle: 500}

	t.Run("read-only counter resets by offset", func(t *testing.T) {
		src := NewCounterPulseSource(&scriptedCounter{values: []uint32{100, 150, 65000, 160, 170}}, cfg)
		sampleAll(t, src, 3)
		require.Equal(t, uint32(1), src.Stats().NoiseRejectCount)

		src.RequestReset()
		s, err := src.Sample(context.Background())
		require.NoError(t, err)
		assert.True(t, s.Reset)
		assert.Equal(t, uint32(0), s.DeltaTicks)
		assert.Equal(t, PulseStats{RawCount: 160}, src.Stats())

		s, err = src.Sample(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint32(10), s.DeltaTicks)
		assert.Equal(t, uint32(10), src.Stats().LastStableCount)
	})

	t.Run("writable counter is zeroed", func(t *testing.T) {
		counter := &settableCounter{value: 40}
		src := NewCounterPulseSource(counter, cfg)
		sampleAll(t, src, 1)
		counter.value = 90
		sampleAll(t, src, 1)

		src.RequestReset()
		s := sampleAll(t, src, 1)[0]
		assert.True(t, s.Reset)
		assert.Equal(t, uint32(0), counter.value)
		assert.Equal(t, 1, counter.writes)

		counter.value = 12
		s = sampleAll(t, src, 1)[0]
		assert.Equal(t, uint32(12), s.DeltaTicks)
	})
}

func TestPulseSourceAutoRewind(t *testing.T) {
	cfg := PulseFilterConfig{CounterBits: 16, NoiseThresholdTicks: 1, MaxDeltaPerCycle: 500, AutoResetThreshold: 100}

	t.Run("writable counter", func(t *testing.T) {
		counter := &settableCounter{}
		src := NewCounterPulseSource(counter, cfg)
		sampleAll(t, src, 1)
		for _, v := range []uint32{60, 120} {
			counter.value = v
			s := sampleAll(t, src, 1)[0]
			assert.Equal(t, uint32(60), s.DeltaTicks)
		}

		stats := src.Stats()
		assert.Equal(t, uint32(1), stats.RewindCount)
		assert.Equal(t, uint32(0), stats.OverflowCount)
		assert.Equal(t, uint32(0), stats.LastStableCount)
		assert.Equal(t, uint32(0), counter.value)

		counter.value = 30
		s := sampleAll(t, src, 1)[0]
		assert.Equal(t, uint32(30), s.DeltaTicks)
	})

	t.Run("read-only counter", func(t *testing.T) {
		src := NewCounterPulseSource(&scriptedCounter{values: []uint32{0, 60, 120, 150}}, cfg)
		samples := sampleAll(t, src, 4)

		assert.Equal(t, uint32(30), samples[3].DeltaTicks)
		stats := src.Stats()
		assert.Equal(t, uint32(1), stats.RewindCount)
		assert.Equal(t, uint32(30), stats.LastStableCount)
		assert.Equal(t, uint32(150), stats.RawCount)
	})
}

func TestPulseSourceResync(t *testing.T) {
	cfg := PulseFilterConfig{CounterBits: 16, NoiseThresholdTicks: 2, MaxDeltaPerCycle: 500}
	counter := &settableCounter{value: 10}
	src := NewCounterPulseSource(counter, cfg)
	sampleAll(t, src, 1)

	// movement while the length was being forced is not counted
	counter.value = 400
	require.NoError(t, src.Resync(context.Background()))
	counter.value = 405
	s := sampleAll(t, src, 1)[0]
	assert.Equal(t, uint32(5), s.DeltaTicks)
}

func TestPulseSourceReadError(t *testing.T) {
	src := NewCounterPulseSource(&scriptedCounter{err: errors.New("bus down")}, DefaultPulseFilterConfig)
	_, err := src.Sample(context.Background())
	assert.ErrorContains(t, err, "bus down")
	assert.Error(t, src.Resync(context.Background()))
}

func TestPulseFilterMask(t *testing.T) {
	assert.Equal(t, uint32(0xFFFF), PulseFilterConfig{CounterBits: 16}.mask())
	assert.Equal(t, uint32(0xFFFFFFFF), PulseFilterConfig{CounterBits: 32}.mask())
	assert.Equal(t, uint32(0xFFFFFFFF), PulseFilterConfig{}.mask())
}

package wirespool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// PulseSample is one encoder-task observation of the pulse counter.
type PulseSample struct {
	// DeltaTicks is the accepted forward distance since the last stable count.
	DeltaTicks uint32
	// Wrapped is set when the counter passed its modulus to produce DeltaTicks.
	Wrapped bool
	// Rejected is set when the raw movement was discarded as noise.
	Rejected bool
	// Reset is set on the cycle a manual reset was applied. No delta is
	// computed on that cycle.
	Reset    bool
	RawCount uint32
}

// PulseStats are the diagnostic counters of a pulse source.
type PulseStats struct {
	LastStableCount  uint32
	RawCount         uint32
	NoiseRejectCount uint32
	OverflowCount    uint32
	RewindCount      uint32
}

// PulseSource turns a free-running hardware counter into per-cycle deltas.
// Sample and Resync belong to the encoder task; RequestReset and Stats may be
// called from anywhere.
type PulseSource interface {
	Sample(ctx context.Context) (PulseSample, error)
	Resync(ctx context.Context) error
	RequestReset()
	Stats() PulseStats
}

// RawCounter is anything that exposes a monotonically increasing pulse count.
type RawCounter interface {
	ReadRawCounter(ctx context.Context) (uint32, error)
}

// CounterRewinder is implemented by counters that can be written.
type CounterRewinder interface {
	SetRawCounter(ctx context.Context, value uint32) error
}

// PulseFilterConfig tunes noise rejection and counter width.
type PulseFilterConfig struct {
	CounterBits         uint
	NoiseThresholdTicks uint32
	MaxDeltaPerCycle    uint32
	// AutoResetThreshold rewinds the reported count toward zero once it is
	// reached. Zero disables rewinding.
	AutoResetThreshold uint32
}

// DefaultPulseFilterConfig is sized for a 16-bit hardware counter sampled every 10ms.
var DefaultPulseFilterConfig = PulseFilterConfig{
	CounterBits:         16,
	NoiseThresholdTicks: 2,
	MaxDeltaPerCycle:    500,
	AutoResetThreshold:  30000,
}

func (c PulseFilterConfig) mask() uint32 {
	if c.CounterBits == 0 || c.CounterBits >= 32 {
		return 0xFFFFFFFF
	}
	return uint32(1)<<c.CounterBits - 1
}

// pulseFilter holds the modular delta logic shared by every acquisition path.
type pulseFilter struct {
	cfg    PulseFilterConfig
	mask   uint32
	primed bool

	lastStable uint32
	raw        uint32
	// base is subtracted from the reported count after a virtual rewind.
	base uint32

	noiseRejects uint32
	overflows    uint32
	rewinds      uint32
}

func newPulseFilter(cfg PulseFilterConfig) pulseFilter {
	return pulseFilter{cfg: cfg, mask: cfg.mask()}
}

func (f *pulseFilter) accept(raw uint32) PulseSample {
	raw &= f.mask
	f.raw = raw
	if !f.primed {
		f.lastStable = raw
		f.base = raw
		f.primed = true
		return PulseSample{RawCount: raw}
	}

	delta := (raw - f.lastStable) & f.mask
	if delta == 0 {
		return PulseSample{RawCount: raw}
	}
	if delta > f.cfg.MaxDeltaPerCycle || delta < f.cfg.NoiseThresholdTicks {
		// sub-threshold movement stays pending against lastStable so it is
		// picked up once it accumulates past the threshold
		f.noiseRejects++
		return PulseSample{RawCount: raw, Rejected: true}
	}

	wrapped := raw < f.lastStable
	f.lastStable = raw
	if wrapped {
		f.overflows++
	}
	return PulseSample{DeltaTicks: delta, Wrapped: wrapped, RawCount: raw}
}

func (f *pulseFilter) resync(raw uint32) {
	raw &= f.mask
	f.raw = raw
	f.lastStable = raw
	f.base = raw
	f.primed = true
}

func (f *pulseFilter) clear(raw uint32) {
	f.resync(raw)
	f.noiseRejects = 0
	f.overflows = 0
	f.rewinds = 0
}

// reported is the count exposed on the register interface.
func (f *pulseFilter) reported() uint32 {
	return (f.lastStable - f.base) & f.mask
}

func (f *pulseFilter) stats() PulseStats {
	return PulseStats{
		LastStableCount:  f.reported(),
		RawCount:         f.raw,
		NoiseRejectCount: f.noiseRejects,
		OverflowCount:    f.overflows,
		RewindCount:      f.rewinds,
	}
}

// CounterPulseSource samples any RawCounter. If the counter is also a
// CounterRewinder, manual resets and auto-rewinds zero the hardware count;
// otherwise they are applied as an offset.
type CounterPulseSource struct {
	counter      RawCounter
	resetPending atomic.Bool

	mu     sync.Mutex
	filter pulseFilter
}

// NewCounterPulseSource returns a pulse source over counter. The first sample
// primes the baseline and reports no movement.
func NewCounterPulseSource(counter RawCounter, cfg PulseFilterConfig) *CounterPulseSource {
	return &CounterPulseSource{
		counter: counter,
		filter:  newPulseFilter(cfg),
	}
}

// Sample reads the counter and applies wrap handling and noise rejection.
func (s *CounterPulseSource) Sample(ctx context.Context) (PulseSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resetPending.Swap(false) {
		raw, err := s.zero(ctx)
		s.filter.clear(raw)
		return PulseSample{Reset: true, RawCount: raw & s.filter.mask}, err
	}

	raw, err := s.counter.ReadRawCounter(ctx)
	if err != nil {
		return PulseSample{}, errors.Wrap(err, "reading pulse counter")
	}
	sample := s.filter.accept(raw)
	if sample.DeltaTicks > 0 {
		s.maybeRewind(ctx)
	}
	return sample, nil
}

// Resync moves the baseline to the current raw count without touching the
// diagnostic counters.
func (s *CounterPulseSource) Resync(ctx context.Context) error {
	raw, err := s.counter.ReadRawCounter(ctx)
	if err != nil {
		return errors.Wrap(err, "reading pulse counter for resync")
	}
	s.mu.Lock()
	s.filter.resync(raw)
	s.mu.Unlock()
	return nil
}

// RequestReset zeroes the counter and its trackers at the next sample.
func (s *CounterPulseSource) RequestReset() {
	s.resetPending.Store(true)
}

// Stats returns a copy of the diagnostic counters.
func (s *CounterPulseSource) Stats() PulseStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.stats()
}

// zero clears the hardware count when possible and returns the new baseline.
func (s *CounterPulseSource) zero(ctx context.Context) (uint32, error) {
	if rw, ok := s.counter.(CounterRewinder); ok {
		if err := rw.SetRawCounter(ctx, 0); err == nil {
			return 0, nil
		}
	}
	raw, err := s.counter.ReadRawCounter(ctx)
	if err != nil {
		return s.filter.raw, errors.Wrap(err, "reading pulse counter for reset")
	}
	return raw, nil
}

func (s *CounterPulseSource) maybeRewind(ctx context.Context) {
	threshold := s.filter.cfg.AutoResetThreshold
	if threshold == 0 || s.filter.reported() < threshold {
		return
	}
	s.filter.rewinds++
	if rw, ok := s.counter.(CounterRewinder); ok {
		if err := rw.SetRawCounter(ctx, 0); err == nil {
			s.filter.resync(0)
			return
		}
	}
	s.filter.base = s.filter.lastStable
}

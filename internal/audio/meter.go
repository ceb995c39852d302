package audio

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	// MeterInterval is the metering tick (about 20 Hz).
	MeterInterval = 50 * time.Millisecond
	// MeterDecay is applied to the input level on every tick.
	MeterDecay = 0.95
	// InputGain scales capture RMS before clamping.
	InputGain = 3.0
)

// LevelSource reports the current playback energy in [0,1].
type LevelSource interface {
	Level() float64
}

// Meter combines a decaying capture loudness with playback energy into one
// [0,1] value. The capture side is written by the framing goroutine and read
// by the tick loop.
type Meter struct {
	mu    sync.Mutex
	input float64
	last  float64
}

func NewMeter() *Meter { return &Meter{} }

// ObserveInput stores RMS*InputGain of one capture window, clamped to [0,1].
func (m *Meter) ObserveInput(window []float32) float64 {
	v := math.Min(1, RMS(window)*InputGain)
	m.mu.Lock()
	m.input = v
	m.mu.Unlock()
	return v
}

// Tick decays the input level and returns max(decayed input, output).
func (m *Meter) Tick(output float64) float64 {
	output = math.Max(0, math.Min(1, output))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.input *= MeterDecay
	m.last = math.Max(m.input, output)
	return m.last
}

// Value returns the last computed level.
func (m *Meter) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run ticks every interval until ctx is done, emitting each level. A nil
// source counts as silence.
func (m *Meter) Run(ctx context.Context, interval time.Duration, source LevelSource, emit func(float64)) {
	if interval <= 0 {
		interval = MeterInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out := 0.0
			if source != nil {
				out = source.Level()
			}
			v := m.Tick(out)
			if emit != nil {
				emit(v)
			}
		}
	}
}

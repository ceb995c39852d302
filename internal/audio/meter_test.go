package audio

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeterInputGainAndClamp(t *testing.T) {
	m := NewMeter()
	quiet := []float32{0.1, -0.1, 0.1, -0.1}
	assert.InDelta(t, 0.3, m.ObserveInput(quiet), 1e-6)

	loud := []float32{0.9, -0.9}
	assert.Equal(t, 1.0, m.ObserveInput(loud))
}

func TestMeterDecaysMonotonicallyWithoutInput(t *testing.T) {
	m := NewMeter()
	m.ObserveInput([]float32{0.2, -0.2})
	prev := math.Inf(1)
	for i := 0; i < 200; i++ {
		v := m.Tick(0)
		assert.LessOrEqual(t, v, prev)
		prev = v
	}
	assert.Less(t, prev, 1e-4)
}

func TestMeterReportsLouderSide(t *testing.T) {
	m := NewMeter()
	m.ObserveInput([]float32{0.1, -0.1})
	assert.Equal(t, 0.8, m.Tick(0.8))
	// input side after two ticks of decay
	assert.InDelta(t, 0.3*0.95*0.95, m.Tick(0), 1e-6)
	assert.Equal(t, 1.0, m.Tick(7))
}

type fixedLevel float64

func (f fixedLevel) Level() float64 { return float64(f) }

func TestMeterRunEmitsUntilCancelled(t *testing.T) {
	m := NewMeter()
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var got []float64
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond, fixedLevel(0.25), func(v float64) {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		})
		close(done)
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	mu.Lock()
	defer mu.Unlock()
	for _, v := range got {
		assert.Equal(t, 0.25, v)
	}
}

func TestAnalyserSilenceIsZero(t *testing.T) {
	a := NewAnalyser(DefaultFFTSize, DefaultSmoothing)
	a.Write(make([]float32, 512))
	assert.Equal(t, 0.0, a.Level())
	assert.Equal(t, 128, a.BinCount())
}

func TestAnalyserToneHasEnergy(t *testing.T) {
	a := NewAnalyser(DefaultFFTSize, 0)
	tone := make([]float32, 256)
	for i := range tone {
		tone[i] = float32(0.8 * math.Sin(2*math.Pi*float64(i)*16/256))
	}
	a.Write(tone)
	bins := make([]uint8, a.BinCount())
	a.ByteFrequencyData(bins)
	assert.Greater(t, bins[16], bins[100])
	assert.Greater(t, a.Level(), 0.0)
	assert.LessOrEqual(t, a.Level(), 1.0)
}

func TestAnalyserPeaksAtToneBin(t *testing.T) {
	a := NewAnalyser(256, 0)
	tone := make([]float32, 256)
	for i := range tone {
		tone[i] = float32(0.5 * math.Sin(2*math.Pi*float64(i)*40/256))
	}
	a.Write(tone)
	bins := make([]uint8, a.BinCount())
	a.ByteFrequencyData(bins)
	peak := 0
	for k, b := range bins {
		if b > bins[peak] {
			peak = k
		}
	}
	assert.Equal(t, 40, peak)

	silent := NewAnalyser(0, 0)
	assert.Equal(t, DefaultFFTSize/2, silent.BinCount(), "an invalid size falls back to the default")
	assert.Zero(t, silent.Level())
}

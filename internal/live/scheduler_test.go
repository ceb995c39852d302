package live

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-voice-lab/internal/audio"
)

type fakeHandle struct {
	once    sync.Once
	onEnded func()
	stopped bool
}

func (h *fakeHandle) Stop() {
	h.stopped = true
	h.end()
}

func (h *fakeHandle) end() {
	h.once.Do(func() {
		if h.onEnded != nil {
			h.onEnded()
		}
	})
}

// clockPlayback is an output clock that only moves when the test says so.
type clockPlayback struct {
	mu      sync.Mutex
	now     float64
	starts  []float64
	handles []*fakeHandle
	closed  int
}

func (p *clockPlayback) SampleRate() int { return audio.OutputSampleRate }

func (p *clockPlayback) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

func (p *clockPlayback) setNow(t float64) {
	p.mu.Lock()
	p.now = t
	p.mu.Unlock()
}

func (p *clockPlayback) Schedule(_ audio.Buffer, at float64, onEnded func()) audio.Handle {
	h := &fakeHandle{onEnded: onEnded}
	p.mu.Lock()
	p.starts = append(p.starts, at)
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	return h
}

func (p *clockPlayback) Level() float64 { return 0 }

func (p *clockPlayback) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *clockPlayback) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *clockPlayback) scheduled() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.starts...)
}

func seconds(d float64) audio.Buffer {
	return audio.Buffer{Channels: [][]float32{make([]float32, int(d*1000))}, SampleRate: 1000}
}

func TestSchedulerIsGapless(t *testing.T) {
	out := &clockPlayback{}
	s := NewScheduler(out)

	durations := []float64{0.5, 0.25, 1.0, 0.125}
	var starts []float64
	for _, d := range durations {
		starts = append(starts, s.Enqueue(seconds(d)))
	}
	for i := 1; i < len(starts); i++ {
		assert.InDelta(t, starts[i-1]+durations[i-1], starts[i], 1e-9, "chunk %d", i)
	}
	assert.InDelta(t, 1.875, s.Next(), 1e-9)
	assert.Equal(t, 4, s.Pending())
}

func TestSchedulerStartsAtNowAfterUnderrun(t *testing.T) {
	out := &clockPlayback{}
	s := NewScheduler(out)
	s.Enqueue(seconds(0.5))

	out.setNow(3)
	assert.InDelta(t, 3.0, s.Enqueue(seconds(0.5)), 1e-9, "a late chunk never starts in the past")
	assert.InDelta(t, 3.5, s.Enqueue(seconds(0.5)), 1e-9)
}

func TestSchedulerFlushResetsCursor(t *testing.T) {
	out := &clockPlayback{}
	s := NewScheduler(out)
	for i := 0; i < 3; i++ {
		s.Enqueue(seconds(1))
	}
	out.handles[0].end()
	require.Equal(t, 2, s.Pending())

	out.setNow(1.2)
	assert.Equal(t, 2, s.Flush())
	assert.Zero(t, s.Pending())
	assert.True(t, out.handles[1].stopped)
	assert.True(t, out.handles[2].stopped)
	assert.False(t, out.handles[0].stopped)

	assert.InDelta(t, 1.2, s.Enqueue(seconds(0.5)), 1e-9, "new audio starts immediately after an interruption")
}

func TestSchedulerWithOutputContext(t *testing.T) {
	o := audio.NewOutputContext(1000, nil, audio.WithQuantum(100))
	defer o.Close()
	s := NewScheduler(o)

	s.Enqueue(seconds(0.2))
	s.Enqueue(seconds(0.2))
	assert.Equal(t, 2, o.Active())

	o.Render(250)
	assert.Equal(t, 1, s.Pending(), "first chunk ended")
	o.Render(200)
	assert.Zero(t, s.Pending())
}

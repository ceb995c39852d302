package audio

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// Handle is one scheduled playback unit.
type Handle interface {
	Stop()
}

// Playback is an output clock that schedules buffers on its own timeline and
// exposes the energy of what it is rendering.
type Playback interface {
	SampleRate() int
	// CurrentTime is the output clock in seconds.
	CurrentTime() float64
	// Schedule plays buf starting at time at (seconds). onEnded runs once when
	// the buffer finishes or is stopped.
	Schedule(buf Buffer, at float64, onEnded func()) Handle
	Level() float64
	Close() error
}

// Sink receives rendered mono samples at the context rate.
type Sink interface {
	Write(samples []float32) error
	Close() error
}

// Flusher is implemented by sinks that can drop device-side buffering.
type Flusher interface {
	Flush() error
}

// OutputContext mixes scheduled buffers through a gain stage into an
// analyser and then a sink, advancing its clock in fixed render quanta.
type OutputContext struct {
	mu       sync.Mutex
	rate     int
	gain     float32
	quantum  int
	frame    int64
	sources  map[*source]struct{}
	analyser *Analyser
	sink     Sink

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type source struct {
	ctx     *OutputContext
	samples []float32
	start   int64
	onEnded func()
	once    sync.Once
}

// OutputOption configures an OutputContext.
type OutputOption func(*OutputContext)

func WithGain(g float32) OutputOption { return func(o *OutputContext) { o.gain = g } }

// WithQuantum sets the render block size in frames.
func WithQuantum(frames int) OutputOption {
	return func(o *OutputContext) {
		if frames > 0 {
			o.quantum = frames
		}
	}
}

func WithAnalyser(a *Analyser) OutputOption { return func(o *OutputContext) { o.analyser = a } }

// NewOutputContext creates a stopped context; call Start to render in real
// time, or drive Render directly.
func NewOutputContext(rate int, sink Sink, opts ...OutputOption) *OutputContext {
	o := &OutputContext{
		rate:     rate,
		gain:     1,
		quantum:  rate / 50,
		sources:  make(map[*source]struct{}),
		analyser: NewAnalyser(DefaultFFTSize, DefaultSmoothing),
		sink:     sink,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start runs the real-time render loop until Close.
func (o *OutputContext) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		cancel()
		return
	}
	o.cancel = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()

	go func() {
		defer close(o.done)
		period := time.Duration(float64(o.quantum) / float64(o.rate) * float64(time.Second))
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				block := o.Render(o.quantum)
				if o.sink != nil {
					_ = o.sink.Write(block)
				}
			}
		}
	}()
}

func (o *OutputContext) SampleRate() int { return o.rate }

func (o *OutputContext) CurrentTime() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return float64(o.frame) / float64(o.rate)
}

func (o *OutputContext) Level() float64 { return o.analyser.Level() }

// Analyser exposes the analysis stage for callers that want raw bins.
func (o *OutputContext) Analyser() *Analyser { return o.analyser }

func (o *OutputContext) Schedule(buf Buffer, at float64, onEnded func()) Handle {
	samples := buf.Mono()
	if buf.SampleRate != o.rate {
		samples = Resample(samples, buf.SampleRate, o.rate)
	}
	s := &source{ctx: o, samples: samples, onEnded: onEnded}
	o.mu.Lock()
	start := int64(math.Round(at * float64(o.rate)))
	if start < o.frame {
		start = o.frame
	}
	s.start = start
	o.sources[s] = struct{}{}
	o.mu.Unlock()
	if len(samples) == 0 {
		s.Stop()
	}
	return s
}

// Render mixes the next n frames, advances the clock, and returns the block.
func (o *OutputContext) Render(n int) []float32 {
	block := make([]float32, n)
	var ended []*source
	o.mu.Lock()
	from, to := o.frame, o.frame+int64(n)
	for s := range o.sources {
		end := s.start + int64(len(s.samples))
		lo, hi := max(from, s.start), min(to, end)
		for f := lo; f < hi; f++ {
			block[f-from] += s.samples[f-s.start] * o.gain
		}
		if end <= to {
			delete(o.sources, s)
			ended = append(ended, s)
		}
	}
	o.frame = to
	o.mu.Unlock()

	for i, v := range block {
		if v > 1 {
			block[i] = 1
		} else if v < -1 {
			block[i] = -1
		}
	}
	o.analyser.Write(block)
	for _, s := range ended {
		s.fire()
	}
	return block
}

// Active reports the number of buffers scheduled and not yet ended.
func (o *OutputContext) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sources)
}

// Close stops rendering, drops pending buffers and closes the sink. Only the
// first call has any effect.
func (o *OutputContext) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		cancel, done := o.cancel, o.done
		pending := make([]*source, 0, len(o.sources))
		for s := range o.sources {
			pending = append(pending, s)
		}
		o.sources = make(map[*source]struct{})
		o.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
		for _, s := range pending {
			s.fire()
		}
		if o.sink != nil {
			o.closeErr = o.sink.Close()
		}
	})
	return o.closeErr
}

func (s *source) Stop() {
	o := s.ctx
	o.mu.Lock()
	_, live := o.sources[s]
	delete(o.sources, s)
	remaining := len(o.sources)
	o.mu.Unlock()
	if live && remaining == 0 {
		if f, ok := o.sink.(Flusher); ok {
			_ = f.Flush()
		}
	}
	s.fire()
}

func (s *source) fire() {
	s.once.Do(func() {
		if s.onEnded != nil {
			s.onEnded()
		}
	})
}

// PlayAndWait schedules buf at the current time and blocks until it ends or
// ctx is done, in which case playback is stopped.
func PlayAndWait(ctx context.Context, p Playback, buf Buffer) error {
	if p == nil {
		return errors.New("no playback configured")
	}
	ended := make(chan struct{})
	h := p.Schedule(buf, p.CurrentTime(), func() { close(ended) })
	select {
	case <-ended:
		return nil
	case <-ctx.Done():
		h.Stop()
		return ctx.Err()
	}
}

// Package live manages a full-duplex audio session with a streaming model:
// microphone windows go up, synthesized speech comes back and is played
// gaplessly.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/logging"
	"github.com/nexus-voice-lab/internal/metrics"
)

var (
	ErrCaptureUnavailable = errors.New("capture device unavailable")
	ErrOutputUnavailable  = errors.New("audio output unavailable")
	ErrChannel            = errors.New("streaming channel failure")
	ErrDeviceSwitch       = errors.New("input device switch failed")
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyConnected   = errors.New("session already active")
	ErrDisconnected       = errors.New("disconnected during connect")
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Errored
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "error"
	default:
		return "disconnected"
	}
}

// Callbacks observe one session. OnOpen precedes every data callback
// (OnVolume, OnTranscript). OnError may only be followed by OnClose, and
// OnClose, delivered only for sessions that opened, is always last. All
// callbacks run on a single dispatch goroutine, so they may call back into
// the Client.
type Callbacks struct {
	OnOpen       func()
	OnClose      func()
	OnError      func(error)
	OnVolume     func(float64)
	OnTranscript func(string)
}

type ConnectOptions struct {
	// DeviceID, when set, must match exactly.
	DeviceID string
}

// PlaybackFactory creates the output context for a session.
type PlaybackFactory func(rate int) (audio.Playback, error)

type Option func(*Client)

func WithSetup(s Setup) Option { return func(c *Client) { c.setup = s } }

func WithMeterInterval(d time.Duration) Option { return func(c *Client) { c.meterInterval = d } }

// WithFrameSize sets the capture window length in samples.
func WithFrameSize(n int) Option { return func(c *Client) { c.frameSize = n } }

// WithSendQueue bounds the outgoing window queue; windows beyond it are
// dropped rather than stalling capture.
func WithSendQueue(n int) Option { return func(c *Client) { c.sendQueue = n } }

// Client owns at most one session at a time.
type Client struct {
	dialer        Dialer
	capture       audio.Capture
	newPlayback   PlaybackFactory
	setup         Setup
	meterInterval time.Duration
	frameSize     int
	sendQueue     int

	mu    sync.Mutex
	state ConnectionState
	sess  *session
}

func NewClient(dialer Dialer, capture audio.Capture, playback PlaybackFactory, opts ...Option) *Client {
	c := &Client{
		dialer:        dialer,
		capture:       capture,
		newPlayback:   playback,
		setup:         Setup{ResponseModalities: []string{"AUDIO"}},
		meterInterval: audio.MeterInterval,
		frameSize:     audio.FrameSize,
		sendQueue:     64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Volume is the last combined input/output level of the active session.
func (c *Client) Volume() float64 {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.meter.Value()
}

// SessionID returns the active session id, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// Devices lists capture inputs. The list may be empty before access is
// granted.
func (c *Client) Devices(ctx context.Context) ([]audio.DeviceInfo, error) {
	return c.capture.Devices(ctx)
}

// Connect builds the output graph, acquires capture and opens the channel.
// It returns once the session is open or has failed; failures are also
// reported through OnError and leave nothing allocated.
func (c *Client) Connect(ctx context.Context, cb Callbacks, opts ConnectOptions) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	s := newSession(c, cb)
	c.sess = s
	c.state = Connecting
	c.mu.Unlock()

	logging.InfowCtx(s.ctx, "live: connecting", "device.id", opts.DeviceID)

	// caller cancellation aborts the connect like Disconnect would
	stop := context.AfterFunc(ctx, func() { c.Disconnect() })
	defer stop()

	playback, err := c.newPlayback(audio.OutputSampleRate)
	if err != nil {
		return s.failConnect(fmt.Errorf("%w: %v", ErrOutputUnavailable, err))
	}
	if !s.attach(func() { s.playback = playback; s.sched = NewScheduler(playback) }) {
		_ = playback.Close()
		return ErrDisconnected
	}
	s.startMeter()

	track, err := c.capture.Open(s.ctx, audio.VoiceConstraints(opts.DeviceID, audio.InputSampleRate))
	if err != nil {
		if s.ctx.Err() != nil {
			return ErrDisconnected
		}
		return s.failConnect(fmt.Errorf("%w: %v", ErrCaptureUnavailable, err))
	}
	if !s.attach(func() { s.track = track }) {
		_ = track.Stop()
		return ErrDisconnected
	}

	ch, err := c.dialer.Dial(s.ctx, c.setup)
	if err != nil {
		if s.ctx.Err() != nil {
			return ErrDisconnected
		}
		return s.failConnect(fmt.Errorf("%w: %v", ErrChannel, err))
	}
	// opening happens under the session lock so a concurrent teardown
	// either sees an open session (and reports OnClose after OnOpen) or none
	opened := s.attach(func() {
		s.channel = ch
		s.opened.Store(true)
		metrics.LiveSessionOpened()
		c.mu.Lock()
		if c.sess == s {
			c.state = Connected
		}
		c.mu.Unlock()
		s.dispatch.post(cb.OnOpen)
	})
	if !opened {
		_ = ch.Close()
		return ErrDisconnected
	}
	logging.InfowCtx(s.ctx, "live: connected", "device.id", track.DeviceID())

	s.startSender()
	s.startFramer(track)
	ch.Listen(Handlers{
		OnEvent: s.handleEvent,
		OnError: func(err error) { s.fail(fmt.Errorf("%w: %v", ErrChannel, err)) },
		OnClose: func() { s.shutdown(Disconnected) },
	})
	return nil
}

// SetInputDevice swaps the capture device without touching the channel. On
// failure the session stays open with no capture attached; calling again
// with a working device restores the outgoing stream.
func (c *Client) SetInputDevice(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	s := c.sess
	connected := c.state == Connected
	c.mu.Unlock()
	if s == nil || !connected {
		return ErrNotConnected
	}
	return s.switchDevice(ctx, deviceID)
}

// Disconnect closes the channel and releases every session resource exactly
// once. It is safe at any point, including mid-connect, and repeated calls
// are no-ops.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		s.shutdown(Disconnected)
	}
}

func (c *Client) detach(s *session, final ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == s {
		c.sess = nil
		c.state = final
	}
}

type session struct {
	id       string
	client   *Client
	cb       Callbacks
	ctx      context.Context
	cancel   context.CancelFunc
	meter    *audio.Meter
	dispatch *dispatcher
	sendCh   chan audio.Blob
	opened   atomic.Bool
	failed   atomic.Bool
	wg       sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	playback audio.Playback
	sched    *Scheduler
	track    audio.Track
	framer   *audio.Framer
	channel  Channel

	swapMu   sync.Mutex
	stopOnce sync.Once
}

func newSession(c *Client, cb Callbacks) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(logging.WithFields(context.Background(), logging.SessionFields(id, "")...))
	s := &session{
		id:       id,
		client:   c,
		cb:       cb,
		ctx:      ctx,
		cancel:   cancel,
		meter:    audio.NewMeter(),
		dispatch: newDispatcher(),
		sendCh:   make(chan audio.Blob, c.sendQueue),
	}
	go s.dispatch.run()
	return s
}

// attach stores a newly acquired resource unless teardown already ran.
func (s *session) attach(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	fn()
	return true
}

func (s *session) failConnect(err error) error {
	s.fail(err)
	return err
}

// fail reports err once and tears the session down.
func (s *session) fail(err error) {
	if s.failed.CompareAndSwap(false, true) {
		logging.ErrorwCtx(s.ctx, "live: session failed", "err", err)
		s.dispatch.post(func() {
			if s.cb.OnError != nil {
				s.cb.OnError(err)
			}
		})
	}
	s.shutdown(Errored)
}

func (s *session) shutdown(final ConnectionState) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ch, track, framer := s.channel, s.track, s.framer
		playback, sched := s.playback, s.sched
		s.mu.Unlock()

		if ch != nil {
			if err := ch.Close(); err != nil {
				logging.DebugwCtx(s.ctx, "live: channel close", "err", err)
			}
		}
		s.cancel()
		if framer != nil {
			framer.Stop()
		}
		if track != nil {
			if err := track.Stop(); err != nil {
				logging.DebugwCtx(s.ctx, "live: track stop", "err", err)
			}
		}
		if framer != nil {
			framer.Wait()
		}
		s.wg.Wait()
		if sched != nil {
			sched.Flush()
		}
		if playback != nil {
			if err := playback.Close(); err != nil {
				logging.DebugwCtx(s.ctx, "live: playback close", "err", err)
			}
		}

		if s.failed.Load() {
			final = Errored
		}
		s.client.detach(s, final)
		if s.opened.Load() {
			metrics.LiveSessionClosed()
			s.dispatch.post(s.cb.OnClose)
		}
		s.dispatch.close()
		logging.InfowCtx(s.ctx, "live: session closed", "session.state", final.String())
	})
}

// emit queues a data callback unless the session has failed or closed.
func (s *session) emit(fn func()) {
	if fn == nil || !s.opened.Load() || s.failed.Load() {
		return
	}
	s.dispatch.post(fn)
}

func (s *session) startMeter() {
	s.mu.Lock()
	playback := s.playback
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.meter.Run(s.ctx, s.client.meterInterval, playback, func(v float64) {
			if s.cb.OnVolume != nil {
				s.emit(func() { s.cb.OnVolume(v) })
			}
		})
	}()
}

// startSender drains the outgoing queue in capture order.
func (s *session) startSender() {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case blob := <-s.sendCh:
				if err := ch.SendAudio(s.ctx, blob); err != nil {
					if s.ctx.Err() != nil {
						return
					}
					go s.fail(fmt.Errorf("%w: send: %v", ErrChannel, err))
					return
				}
				metrics.RecordLiveChunk("out")
			}
		}
	}()
}

func (s *session) startFramer(track audio.Track) {
	framer := audio.StartFramer(track, s.client.frameSize, s.onWindow, func(err error) {
		go s.fail(fmt.Errorf("%w: capture ended: %v", ErrCaptureUnavailable, err))
	})
	if !s.attach(func() { s.framer = framer }) {
		framer.Stop()
	}
}

func (s *session) onWindow(window []float32) {
	s.meter.ObserveInput(window)
	blob := audio.EncodePCMBlob(window, audio.InputSampleRate)
	select {
	case s.sendCh <- blob:
	default:
		logging.WarnwCtx(s.ctx, "live: send queue full, dropping capture window")
	}
}

func (s *session) handleEvent(ev ServerEvent) {
	// holding the session lock keeps playback from being scheduled after
	// teardown has closed the output
	s.mu.Lock()
	if s.closed || s.sched == nil {
		s.mu.Unlock()
		return
	}
	for _, data := range ev.Audio {
		buf, err := audio.DecodeBlob(data, audio.OutputSampleRate)
		if err != nil {
			logging.WarnwCtx(s.ctx, "live: dropping undecodable chunk", "err", err)
			continue
		}
		s.sched.Enqueue(buf)
		metrics.RecordLiveChunk("in")
	}
	if ev.Interrupted {
		n := s.sched.Flush()
		metrics.RecordInterruption()
		logging.DebugwCtx(s.ctx, "live: playback interrupted", "dropped", n)
	}
	s.mu.Unlock()
	if ev.Text != "" && s.cb.OnTranscript != nil {
		text := ev.Text
		s.emit(func() { s.cb.OnTranscript(text) })
	}
	if ev.TurnComplete {
		logging.DebugwCtx(s.ctx, "live: turn complete")
	}
}

func (s *session) switchDevice(ctx context.Context, deviceID string) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	oldTrack, oldFramer := s.track, s.framer
	s.track, s.framer = nil, nil
	s.mu.Unlock()

	if oldFramer != nil {
		oldFramer.Stop()
	}
	if oldTrack != nil {
		_ = oldTrack.Stop()
	}
	if oldFramer != nil {
		oldFramer.Wait()
	}

	track, err := s.client.capture.Open(ctx, audio.VoiceConstraints(deviceID, audio.InputSampleRate))
	if err != nil {
		logging.WarnwCtx(s.ctx, "live: device switch failed", append(logging.DeviceFields(deviceID, ""), "err", err)...)
		return fmt.Errorf("%w: %v", ErrDeviceSwitch, err)
	}
	if !s.attach(func() { s.track = track }) {
		_ = track.Stop()
		return ErrNotConnected
	}
	s.startFramer(track)
	logging.InfowCtx(s.ctx, "live: input device switched", logging.DeviceFields(track.DeviceID(), "")...)
	return nil
}

// dispatcher runs callbacks one at a time in post order on its own
// goroutine. The queue is unbounded so posting never blocks.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) post(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

// close lets queued callbacks drain, then stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		fn()
	}
}

package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nexus-voice-lab/internal/config"
	"github.com/nexus-voice-lab/internal/logging"
	"github.com/nexus-voice-lab/internal/metrics"
)

type Mode int

const (
	WaitingForWake Mode = iota
	ListeningForCommand
	Sleeping
)

func (m Mode) String() string {
	switch m {
	case WaitingForWake:
		return "waiting_for_wake"
	case ListeningForCommand:
		return "listening_for_command"
	case Sleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

// Callbacks observe the state machine. They run on the goroutine that
// caused the transition and never while the manager's lock is held.
type Callbacks struct {
	OnWake           func()
	OnCommand        func(text string)
	OnModeChange     func(Mode)
	OnCommandTimeout func()
}

// Defaults for utterance prosody.
const (
	DefaultPitch  = 1.05
	DefaultRate   = 1.15
	DefaultVolume = 1.0
)

// voiceRetryDelays are the delayed voice-inventory reloads after Start.
var voiceRetryDelays = []time.Duration{time.Second, 2500 * time.Millisecond}

type Options struct {
	WakePhrases     []string
	PreferredVoices []string
	// CommandTimeout returns ListeningForCommand to WaitingForWake when no
	// final transcript arrives in time. Zero disables it.
	CommandTimeout time.Duration
	// RestartDelay spaces automatic recognizer restarts.
	RestartDelay time.Duration
	Pitch        float64
	Rate         float64
}

// OptionsFromConfig maps the voice section of the configuration.
func OptionsFromConfig(cfg config.VoiceConfig) Options {
	return Options{
		WakePhrases:     cfg.WakePhrases,
		PreferredVoices: cfg.PreferredVoices,
		CommandTimeout:  cfg.CommandTimeout,
		RestartDelay:    100 * time.Millisecond,
		Pitch:           cfg.Pitch,
		Rate:            cfg.Rate,
	}
}

// Manager is the wake-word turn-taking state machine.
type Manager struct {
	rec   Recognizer
	synth Synthesizer
	wake  *WakeDetector
	opts  Options
	cb    Callbacks

	mu          sync.Mutex
	mode        Mode
	listening   bool // Start called and not stopped
	speaking    bool
	speakGen    uint64
	cancelSpeak context.CancelFunc
	voice       *Voice
	cmdTimer    *time.Timer
	timers      []*time.Timer
	wg          sync.WaitGroup
}

func NewManager(rec Recognizer, synth Synthesizer, opts Options, cb Callbacks) *Manager {
	if len(opts.WakePhrases) == 0 {
		opts.WakePhrases = []string{"nexus", "hey nexus", "ok nexus"}
	}
	if opts.Pitch == 0 {
		opts.Pitch = DefaultPitch
	}
	if opts.Rate == 0 {
		opts.Rate = DefaultRate
	}
	m := &Manager{
		rec:   rec,
		synth: synth,
		wake:  NewWakeDetector(opts.WakePhrases),
		opts:  opts,
		cb:    cb,
	}
	if rec != nil {
		rec.SetHandlers(RecognizerHandlers{
			OnResult: m.handleResult,
			OnEnd:    m.handleEnd,
			OnError:  m.handleError,
		})
	}
	if synth != nil {
		synth.OnVoicesChanged(m.loadVoice)
	}
	return m
}

func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Manager) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

func (m *Manager) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening
}

// Voice returns the selected synthesis voice, if any has been loaded.
func (m *Manager) Voice() (Voice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.voice == nil {
		return Voice{}, false
	}
	return *m.voice, true
}

// Start begins continuous listening.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.listening {
		m.mu.Unlock()
		return nil
	}
	m.listening = true
	if m.mode == Sleeping {
		m.setModeLocked(WaitingForWake)
	}
	first := len(m.timers) == 0
	if first {
		for _, d := range voiceRetryDelays {
			m.timers = append(m.timers, time.AfterFunc(d, m.loadVoice))
		}
	}
	m.mu.Unlock()

	m.loadVoice()
	if err := m.startRecognition(); err != nil {
		m.mu.Lock()
		m.listening = false
		m.mu.Unlock()
		return err
	}
	logging.Infow("voice: listening", "wake_phrases", strings.Join(m.wake.Phrases(), ","))
	return nil
}

// Stop ends listening and cancels any speech in progress.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.listening = false
	m.stopCommandTimerLocked()
	if m.cancelSpeak != nil {
		m.cancelSpeak()
	}
	m.mu.Unlock()
	m.stopRecognition()
	if m.synth != nil {
		m.synth.Cancel()
	}
}

// Close stops the manager, cancels pending timers and waits for in-flight
// speech goroutines.
func (m *Manager) Close() {
	m.Stop()
	m.mu.Lock()
	for _, t := range m.timers {
		t.Stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Sleep suspends wake-word matching and recognition until Wake.
func (m *Manager) Sleep() { m.SetSleepMode(true) }

// Wake leaves Sleeping and resumes listening for the wake word.
func (m *Manager) Wake() error { return m.SetSleepMode(false) }

func (m *Manager) SetSleepMode(sleeping bool) error {
	if sleeping {
		m.mu.Lock()
		m.setModeLocked(Sleeping)
		m.stopCommandTimerLocked()
		m.mu.Unlock()
		m.notifyMode(Sleeping)
		m.Stop()
		logging.Infow("voice: sleeping")
		return nil
	}
	m.mu.Lock()
	changed := m.mode != WaitingForWake
	m.setModeLocked(WaitingForWake)
	m.stopCommandTimerLocked()
	m.mu.Unlock()
	if changed {
		m.notifyMode(WaitingForWake)
	}
	return m.Start()
}

// Speak cancels any utterance in progress, closes the speaking gate and
// synthesizes text in the background. onEnd runs once synthesis finishes,
// fails, or is superseded.
func (m *Manager) Speak(text string, onEnd func()) {
	if m.synth == nil || strings.TrimSpace(text) == "" {
		if onEnd != nil {
			onEnd()
		}
		return
	}
	if _, ok := m.Voice(); !ok {
		m.loadVoice()
	}

	m.mu.Lock()
	if m.cancelSpeak != nil {
		m.cancelSpeak()
	}
	m.speakGen++
	gen := m.speakGen
	m.speaking = true
	m.stopCommandTimerLocked()
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelSpeak = cancel
	u := Utterance{Text: text, Pitch: m.opts.Pitch, Rate: m.opts.Rate, Volume: DefaultVolume}
	if m.voice != nil {
		u.Voice = m.voice.Name
	}
	m.wg.Add(1)
	m.mu.Unlock()

	m.synth.Cancel()
	m.stopRecognition()

	go func() {
		defer m.wg.Done()
		defer cancel()
		err := m.synth.Speak(ctx, u)
		if err != nil && !errors.Is(err, context.Canceled) {
			// synthesis failures are recoverable; listening resumes
			logging.Warnw("voice: synthesis failed", "error", err)
		}
		m.finishSpeaking(gen)
		if onEnd != nil {
			onEnd()
		}
	}()
}

func (m *Manager) finishSpeaking(gen uint64) {
	m.mu.Lock()
	if gen != m.speakGen {
		m.mu.Unlock()
		return
	}
	m.speaking = false
	m.cancelSpeak = nil
	restart := m.listening && m.mode != Sleeping
	if m.mode == ListeningForCommand {
		m.armCommandTimerLocked()
	}
	m.mu.Unlock()
	if restart {
		_ = m.startRecognition()
	}
}

func (m *Manager) handleResult(r Result) {
	m.mu.Lock()
	if m.speaking {
		m.mu.Unlock()
		metrics.RecordDiscardedResult()
		return
	}
	if !m.listening || m.mode == Sleeping {
		m.mu.Unlock()
		return
	}
	switch m.mode {
	case WaitingForWake:
		matched, rest := m.wake.Detect(r.Transcript)
		if !matched {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		// stop first so the wake phrase does not bleed into the command
		m.stopRecognition()
		m.mu.Lock()
		// Sleep, Stop or Speak may have landed while recognition was stopping
		if !m.listening || m.mode != WaitingForWake || m.speaking {
			m.mu.Unlock()
			return
		}
		m.setModeLocked(ListeningForCommand)
		m.armCommandTimerLocked()
		m.mu.Unlock()
		logging.Infow("voice: wake word detected", "transcript", r.Transcript, "trailing", rest)
		m.notifyMode(ListeningForCommand)
		if m.cb.OnWake != nil {
			m.cb.OnWake()
		}
		// "nexus, what time is it" in one final transcript carries its command
		if r.Final && rest != "" {
			m.mu.Lock()
			if m.mode != ListeningForCommand {
				m.mu.Unlock()
				return
			}
			m.endCommandLocked()
			m.mu.Unlock()
			m.emitCommand(rest)
		}
	case ListeningForCommand:
		if !r.Final {
			m.mu.Unlock()
			return
		}
		m.endCommandLocked()
		m.mu.Unlock()
		m.emitCommand(r.Transcript)
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) endCommandLocked() {
	m.stopCommandTimerLocked()
	m.setModeLocked(WaitingForWake)
}

func (m *Manager) emitCommand(text string) {
	text = strings.TrimSpace(text)
	logging.Infow("voice: command captured", "text", text)
	if m.cb.OnCommand != nil {
		m.cb.OnCommand(text)
	}
	m.notifyMode(WaitingForWake)
}

func (m *Manager) handleEnd() {
	m.mu.Lock()
	restart := m.listening && !m.speaking && m.mode != Sleeping
	delay := m.opts.RestartDelay
	m.mu.Unlock()
	if !restart {
		return
	}
	if delay <= 0 {
		_ = m.startRecognition()
		return
	}
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		ok := m.listening && !m.speaking && m.mode != Sleeping
		m.mu.Unlock()
		if ok {
			_ = m.startRecognition()
		}
	})
}

func (m *Manager) handleError(err error) {
	logging.Warnw("voice: recognizer error", "error", err)
}

func (m *Manager) startRecognition() error {
	if m.rec == nil {
		return nil
	}
	if err := m.rec.Start(); err != nil && !errors.Is(err, ErrRecognizerRunning) {
		logging.Warnw("voice: recognizer start failed", "error", err)
		return err
	}
	return nil
}

func (m *Manager) stopRecognition() {
	if m.rec != nil {
		m.rec.Stop()
	}
}

func (m *Manager) loadVoice() {
	if m.synth == nil {
		return
	}
	v, ok := SelectVoice(m.synth.Voices(), m.opts.PreferredVoices)
	if !ok {
		return
	}
	m.mu.Lock()
	changed := m.voice == nil || m.voice.Name != v.Name
	m.voice = &v
	m.mu.Unlock()
	if changed {
		logging.Debugw("voice: selected synthesis voice", "voice", v.Name, "lang", v.Lang)
	}
}

func (m *Manager) setModeLocked(mode Mode) {
	if m.mode != mode {
		metrics.RecordVoiceTransition(mode.String())
	}
	m.mode = mode
}

func (m *Manager) notifyMode(mode Mode) {
	if m.cb.OnModeChange != nil {
		m.cb.OnModeChange(mode)
	}
}

func (m *Manager) armCommandTimerLocked() {
	m.stopCommandTimerLocked()
	if m.opts.CommandTimeout <= 0 {
		return
	}
	m.cmdTimer = time.AfterFunc(m.opts.CommandTimeout, m.commandTimedOut)
}

func (m *Manager) stopCommandTimerLocked() {
	if m.cmdTimer != nil {
		m.cmdTimer.Stop()
		m.cmdTimer = nil
	}
}

func (m *Manager) commandTimedOut() {
	m.mu.Lock()
	if m.mode != ListeningForCommand || m.speaking {
		m.mu.Unlock()
		return
	}
	m.cmdTimer = nil
	m.setModeLocked(WaitingForWake)
	m.mu.Unlock()
	logging.Infow("voice: command capture timed out", "timeout", m.opts.CommandTimeout.String())
	m.notifyMode(WaitingForWake)
	if m.cb.OnCommandTimeout != nil {
		m.cb.OnCommandTimeout()
	}
}

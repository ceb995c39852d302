package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecognizer struct {
	mu      sync.Mutex
	h       RecognizerHandlers
	running bool
	starts  int
	stops   int
}

func (f *fakeRecognizer) SetHandlers(h RecognizerHandlers) {
	f.mu.Lock()
	f.h = h
	f.mu.Unlock()
}

func (f *fakeRecognizer) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return ErrRecognizerRunning
	}
	f.running = true
	f.starts++
	return nil
}

func (f *fakeRecognizer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.running = false
		f.stops++
	}
}

func (f *fakeRecognizer) emit(text string, final bool) {
	f.mu.Lock()
	h := f.h
	f.mu.Unlock()
	h.OnResult(Result{Transcript: text, Final: final})
}

// end simulates the platform closing the recognition session.
func (f *fakeRecognizer) end() {
	f.mu.Lock()
	f.running = false
	h := f.h
	f.mu.Unlock()
	h.OnEnd()
}

func (f *fakeRecognizer) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeRecognizer) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fakeSynth struct {
	voiceInventory
	mu      sync.Mutex
	spoken  []Utterance
	release chan error
}

func newFakeSynth(voices ...Voice) *fakeSynth {
	s := &fakeSynth{release: make(chan error, 4)}
	s.voices = voices
	return s
}

func (s *fakeSynth) Speak(ctx context.Context, u Utterance) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, u)
	s.mu.Unlock()
	select {
	case err := <-s.release:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSynth) Cancel() {}

func (s *fakeSynth) utterances() []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Utterance(nil), s.spoken...)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func newTestManager(t *testing.T, opts Options, cb Callbacks) (*Manager, *fakeRecognizer, *fakeSynth) {
	t.Helper()
	rec := &fakeRecognizer{}
	synth := newFakeSynth(Voice{Name: "Samantha", Lang: "en-US"}, Voice{Name: "Alex", Lang: "en-US"})
	m := NewManager(rec, synth, opts, cb)
	t.Cleanup(m.Close)
	return m, rec, synth
}

func TestWakeThenCommand(t *testing.T) {
	var woke atomic.Int32
	var commands []string
	var modes []Mode
	m, rec, _ := newTestManager(t, Options{}, Callbacks{
		OnWake:       func() { woke.Add(1) },
		OnCommand:    func(text string) { commands = append(commands, text) },
		OnModeChange: func(mode Mode) { modes = append(modes, mode) },
	})
	require.NoError(t, m.Start())
	assert.True(t, rec.isRunning())

	rec.emit("good morning", true)
	assert.Equal(t, WaitingForWake, m.Mode())
	assert.Zero(t, woke.Load())

	rec.emit("Hey Nexus", false)
	assert.Equal(t, int32(1), woke.Load())
	assert.Equal(t, ListeningForCommand, m.Mode())
	assert.False(t, rec.isRunning(), "recognition stops on wake")

	rec.emit("what time", false)
	assert.Empty(t, commands, "interim results never trigger a command")

	rec.emit("what time is it", true)
	assert.Equal(t, []string{"what time is it"}, commands)
	assert.Equal(t, WaitingForWake, m.Mode())
	assert.Equal(t, []Mode{ListeningForCommand, WaitingForWake}, modes)
}

func TestWakeWithTrailingCommand(t *testing.T) {
	var woke atomic.Int32
	var commands []string
	var modes []Mode
	m, rec, _ := newTestManager(t, Options{CommandTimeout: time.Minute}, Callbacks{
		OnWake:       func() { woke.Add(1) },
		OnCommand:    func(text string) { commands = append(commands, text) },
		OnModeChange: func(mode Mode) { modes = append(modes, mode) },
	})
	require.NoError(t, m.Start())

	rec.emit("Nexus, what time is it?", true)
	assert.Equal(t, int32(1), woke.Load())
	assert.Equal(t, []string{"what time is it"}, commands)
	assert.Equal(t, WaitingForWake, m.Mode())
	assert.Equal(t, []Mode{ListeningForCommand, WaitingForWake}, modes)

	m.mu.Lock()
	assert.Nil(t, m.cmdTimer, "no command capture left pending")
	m.mu.Unlock()
}

// sleepyRecognizer puts the manager to sleep from inside its first Stop,
// the window between a wake match and the mode change.
type sleepyRecognizer struct {
	fakeRecognizer
	onFirstStop func()
	fired       atomic.Bool
}

func (r *sleepyRecognizer) Stop() {
	r.fakeRecognizer.Stop()
	if r.onFirstStop != nil && r.fired.CompareAndSwap(false, true) {
		r.onFirstStop()
	}
}

func TestSleepDuringWakeStopHolds(t *testing.T) {
	var woke atomic.Int32
	rec := &sleepyRecognizer{}
	m := NewManager(rec, newFakeSynth(Voice{Name: "Samantha", Lang: "en-US"}),
		Options{CommandTimeout: 20 * time.Millisecond},
		Callbacks{OnWake: func() { woke.Add(1) }})
	t.Cleanup(m.Close)
	rec.onFirstStop = m.Sleep
	require.NoError(t, m.Start())

	rec.emit("hey nexus", true)
	assert.Equal(t, Sleeping, m.Mode())
	assert.False(t, m.Listening())
	assert.Zero(t, woke.Load(), "no acknowledgement after sleep")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Sleeping, m.Mode(), "no command timer was armed")
}

func TestResultsDiscardedWhileSpeaking(t *testing.T) {
	var woke atomic.Int32
	m, rec, synth := newTestManager(t, Options{}, Callbacks{OnWake: func() { woke.Add(1) }})
	require.NoError(t, m.Start())
	require.Equal(t, 1, rec.startCount())

	done := make(chan struct{})
	m.Speak("System check complete.", func() { close(done) })
	assert.True(t, m.Speaking())
	assert.False(t, rec.isRunning(), "recognition stops before synthesis")

	rec.emit("nexus", true)
	rec.emit("hey nexus what time is it", true)
	assert.Zero(t, woke.Load())
	assert.Equal(t, WaitingForWake, m.Mode())

	synth.release <- nil
	waitClosed(t, done)
	assert.False(t, m.Speaking())
	assert.True(t, rec.isRunning(), "recognition resumes after synthesis")
	assert.Equal(t, 2, rec.startCount())

	u := synth.utterances()[0]
	assert.Equal(t, "Samantha", u.Voice)
	assert.InDelta(t, 1.05, u.Pitch, 1e-9)
	assert.InDelta(t, 1.15, u.Rate, 1e-9)
	assert.InDelta(t, 1.0, u.Volume, 1e-9)
}

func TestSynthesisErrorClearsGate(t *testing.T) {
	m, rec, synth := newTestManager(t, Options{}, Callbacks{})
	require.NoError(t, m.Start())

	done := make(chan struct{})
	m.Speak("hello", func() { close(done) })
	synth.release <- errors.New("audio device lost")
	waitClosed(t, done)

	assert.False(t, m.Speaking())
	assert.True(t, rec.isRunning())
}

func TestSpeakSupersedesPreviousUtterance(t *testing.T) {
	m, _, synth := newTestManager(t, Options{}, Callbacks{})
	require.NoError(t, m.Start())

	first := make(chan struct{})
	second := make(chan struct{})
	m.Speak("one", func() { close(first) })
	m.Speak("two", func() { close(second) })

	waitClosed(t, first)
	assert.True(t, m.Speaking(), "the newer utterance still holds the gate")

	synth.release <- nil
	waitClosed(t, second)
	assert.False(t, m.Speaking())
}

func TestRecognitionRestartsWhenSessionEnds(t *testing.T) {
	m, rec, _ := newTestManager(t, Options{}, Callbacks{})
	require.NoError(t, m.Start())

	rec.end()
	assert.True(t, rec.isRunning())
	assert.Equal(t, 2, rec.startCount())

	m.Stop()
	rec.end()
	assert.False(t, rec.isRunning(), "no restart once stopped")
}

func TestSleepSuspendsWakeMatching(t *testing.T) {
	var woke atomic.Int32
	m, rec, _ := newTestManager(t, Options{}, Callbacks{OnWake: func() { woke.Add(1) }})
	require.NoError(t, m.Start())

	m.Sleep()
	assert.Equal(t, Sleeping, m.Mode())
	assert.False(t, rec.isRunning())

	rec.emit("nexus", true)
	rec.end()
	assert.Zero(t, woke.Load())
	assert.False(t, rec.isRunning())

	require.NoError(t, m.Wake())
	assert.Equal(t, WaitingForWake, m.Mode())
	assert.True(t, rec.isRunning())

	rec.emit("ok nexus", true)
	assert.Equal(t, int32(1), woke.Load())
}

func TestCommandTimeoutReturnsToWaiting(t *testing.T) {
	timedOut := make(chan struct{})
	m, rec, _ := newTestManager(t, Options{CommandTimeout: 20 * time.Millisecond}, Callbacks{
		OnCommandTimeout: func() { close(timedOut) },
	})
	require.NoError(t, m.Start())

	rec.emit("nexus", true)
	require.Equal(t, ListeningForCommand, m.Mode())
	waitClosed(t, timedOut)
	assert.Equal(t, WaitingForWake, m.Mode())
}

func TestVoiceLoadedWhenInventoryChanges(t *testing.T) {
	rec := &fakeRecognizer{}
	synth := newFakeSynth()
	m := NewManager(rec, synth, Options{PreferredVoices: []string{"en_US-amy-medium", "Amy"}}, Callbacks{})
	t.Cleanup(m.Close)

	_, ok := m.Voice()
	assert.False(t, ok)

	synth.set([]Voice{{Name: "Fred", Lang: "en-US"}, {Name: "en_US-amy-medium", Lang: "en-US"}})
	v, ok := m.Voice()
	require.True(t, ok)
	assert.Equal(t, "en_US-amy-medium", v.Name)
}

func TestSelectVoiceOrder(t *testing.T) {
	preferred := []string{"en_US-amy-medium", "Amy", "Microsoft Zira", "Google US English", "Samantha"}
	german := Voice{Name: "Google Deutsch", Lang: "de-DE"}
	david := Voice{Name: "Microsoft David", Lang: "en-US"}
	female := Voice{Name: "English Female", Lang: "en-GB"}
	samantha := Voice{Name: "Samantha", Lang: "en-US"}

	v, ok := SelectVoice([]Voice{german, david, female, samantha}, preferred)
	require.True(t, ok)
	assert.Equal(t, samantha, v)

	v, _ = SelectVoice([]Voice{german, david, female}, preferred)
	assert.Equal(t, female, v)

	v, _ = SelectVoice([]Voice{german, david}, preferred)
	assert.Equal(t, david, v)

	v, _ = SelectVoice([]Voice{german}, preferred)
	assert.Equal(t, german, v)

	_, ok = SelectVoice(nil, preferred)
	assert.False(t, ok)
}

func TestWakeDetector(t *testing.T) {
	w := NewWakeDetector([]string{"nexus", "Hey Nexus", "ok nexus"})

	ok, rest := w.Detect("Hey  Nexus, what's the weather?")
	assert.True(t, ok)
	assert.Equal(t, "what's the weather", rest)

	ok, rest = w.Detect("ok nexus")
	assert.True(t, ok)
	assert.Empty(t, rest)

	ok, _ = w.Detect("I said NEXUS.")
	assert.True(t, ok)

	ok, _ = w.Detect("next us")
	assert.False(t, ok)

	ok, _ = w.Detect("")
	assert.False(t, ok)
}

package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/config"
)

type nopHandle struct{}

func (nopHandle) Stop() {}

// instantPlayback finishes every buffer as soon as it is scheduled.
type instantPlayback struct {
	mu     sync.Mutex
	played []audio.Buffer
}

func (p *instantPlayback) SampleRate() int      { return audio.OutputSampleRate }
func (p *instantPlayback) CurrentTime() float64 { return 0 }
func (p *instantPlayback) Level() float64       { return 0 }
func (p *instantPlayback) Close() error         { return nil }

func (p *instantPlayback) Schedule(buf audio.Buffer, _ float64, onEnded func()) audio.Handle {
	p.mu.Lock()
	p.played = append(p.played, buf)
	p.mu.Unlock()
	go onEnded()
	return nopHandle{}
}

func (p *instantPlayback) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.played)
}

func TestHTTPSynthesizerSpeaksWAV(t *testing.T) {
	wav := audio.BuildWAV(audio.Float32ToPCM16(constWindow(0.25, 2205)), 22050, 1)
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	playback := &instantPlayback{}
	s := NewHTTPSynthesizer(config.TTSConfig{URL: srv.URL, AuthToken: "secret"}, playback)
	err := s.Speak(context.Background(), Utterance{Text: "Online.", Voice: "amy", Pitch: 1.05, Rate: 1.15, Volume: 1})
	require.NoError(t, err)

	assert.Equal(t, "Online.", got["text"])
	assert.Equal(t, "amy", got["voice"])
	assert.InDelta(t, 1.15, got["rate"], 1e-9)
	require.Equal(t, 1, playback.count())
	assert.Equal(t, 22050, playback.played[0].SampleRate)
	assert.Equal(t, 2205, playback.played[0].Frames())
}

func TestHTTPSynthesizerErrors(t *testing.T) {
	s := NewHTTPSynthesizer(config.TTSConfig{}, &instantPlayback{})
	assert.ErrorIs(t, s.Speak(context.Background(), Utterance{Text: "hi"}), ErrSynthesis)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not audio"))
	}))
	defer srv.Close()
	s = NewHTTPSynthesizer(config.TTSConfig{URL: srv.URL}, &instantPlayback{})
	assert.ErrorIs(t, s.Speak(context.Background(), Utterance{Text: "hi"}), ErrSynthesis)
}

func TestLoadVoicesAcceptsBothShapes(t *testing.T) {
	for name, body := range map[string]string{
		"array":   `[{"name":"amy","lang":"en-US"},{"name":"thorsten","lang":"de-DE"}]`,
		"wrapped": `{"voices":[{"name":"amy","lang":"en-US"},{"name":"thorsten","lang":"de-DE"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			s := NewHTTPSynthesizer(config.TTSConfig{VoicesURL: srv.URL}, nil)
			changed := 0
			s.OnVoicesChanged(func() { changed++ })
			require.NoError(t, s.LoadVoices(context.Background()))
			assert.Equal(t, 1, changed)
			require.Len(t, s.Voices(), 2)
			assert.Equal(t, Voice{Name: "amy", Lang: "en-US"}, s.Voices()[0])
		})
	}
}

type stubSynth struct {
	voiceInventory
	err    error
	spoken []Utterance
}

func (s *stubSynth) Speak(_ context.Context, u Utterance) error {
	s.spoken = append(s.spoken, u)
	return s.err
}

func (s *stubSynth) Cancel() {}

func TestFallbackSynthesizer(t *testing.T) {
	primary := &stubSynth{err: errors.New("tts down")}
	primary.voices = []Voice{{Name: "amy", Lang: "en-US"}}
	secondary := &stubSynth{}
	secondary.voices = []Voice{{Name: "Puck", Lang: "en-US"}, {Name: "Kore", Lang: "en-US"}}

	f := &FallbackSynthesizer{Primary: primary, Secondary: secondary}
	assert.Equal(t, primary.voices, f.Voices())

	require.NoError(t, f.Speak(context.Background(), Utterance{Text: "hello", Voice: "amy"}))
	require.Len(t, secondary.spoken, 1)
	assert.Equal(t, "Puck", secondary.spoken[0].Voice, "voice re-selected for the secondary")

	primary.err = context.Canceled
	assert.ErrorIs(t, f.Speak(context.Background(), Utterance{Text: "again"}), context.Canceled)
	assert.Len(t, secondary.spoken, 1, "cancellation is not retried")
}

package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/config"
	"github.com/nexus-voice-lab/internal/logging"
)

// inflight tracks cancel functions of running Speak calls so Cancel can
// abort all of them.
type inflight struct {
	mu     sync.Mutex
	next   uint64
	active map[uint64]context.CancelFunc
}

func (f *inflight) begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	if f.active == nil {
		f.active = make(map[uint64]context.CancelFunc)
	}
	id := f.next
	f.next++
	f.active[id] = cancel
	f.mu.Unlock()
	return ctx, func() {
		f.mu.Lock()
		delete(f.active, id)
		f.mu.Unlock()
		cancel()
	}
}

func (f *inflight) cancelAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cancel := range f.active {
		cancel()
	}
}

// voiceInventory is a voice list with change listeners.
type voiceInventory struct {
	mu        sync.RWMutex
	voices    []Voice
	listeners []func()
}

func (v *voiceInventory) Voices() []Voice {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]Voice(nil), v.voices...)
}

func (v *voiceInventory) OnVoicesChanged(fn func()) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

func (v *voiceInventory) set(voices []Voice) {
	v.mu.Lock()
	v.voices = voices
	listeners := append([]func(){}, v.listeners...)
	v.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// HTTPSynthesizer posts text to a local TTS service (for example a Piper
// HTTP server) and plays the WAV it returns.
type HTTPSynthesizer struct {
	voiceInventory
	url       string
	voicesURL string
	authToken string
	timeout   time.Duration
	client    *http.Client
	playback  audio.Playback
	running   inflight
}

func NewHTTPSynthesizer(cfg config.TTSConfig, playback audio.Playback) *HTTPSynthesizer {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSynthesizer{
		url:       cfg.URL,
		voicesURL: cfg.VoicesURL,
		authToken: cfg.AuthToken,
		timeout:   timeout,
		client:    &http.Client{Timeout: timeout},
		playback:  playback,
	}
}

// LoadVoices fetches the voice inventory. The service may answer with a bare
// array or with {"voices": [...]}; listeners fire on success.
func (s *HTTPSynthesizer) LoadVoices(ctx context.Context) error {
	if s.voicesURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.voicesURL, nil)
	if err != nil {
		return err
	}
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("tts: voices: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tts: voices: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("tts: voices returned status %d", resp.StatusCode)
	}
	var voices []Voice
	if err := json.Unmarshal(body, &voices); err != nil {
		var wrapped struct {
			Voices []Voice `json:"voices"`
		}
		if err2 := json.Unmarshal(body, &wrapped); err2 != nil {
			return fmt.Errorf("tts: voices: %w", err)
		}
		voices = wrapped.Voices
	}
	s.set(voices)
	logging.Debugw("tts: voice inventory loaded", "count", len(voices))
	return nil
}

// LoadVoicesAsync loads the inventory in the background.
func (s *HTTPSynthesizer) LoadVoicesAsync(ctx context.Context) {
	go func() {
		if err := s.LoadVoices(ctx); err != nil {
			logging.Warnw("tts: voice inventory unavailable", "err", err)
		}
	}()
}

func (s *HTTPSynthesizer) Speak(ctx context.Context, u Utterance) error {
	if s.url == "" {
		return fmt.Errorf("%w: tts client not configured", ErrSynthesis)
	}
	ctx, done := s.running.begin(ctx)
	defer done()

	cid := uuid.NewString()
	body, _ := json.Marshal(map[string]any{
		"text":  u.Text,
		"voice": u.Voice,
		"pitch": u.Pitch,
		"rate":  u.Rate,
	})
	resp, err := PostWithRetries(ctx, s.client, PostRequest{
		URL:           s.url,
		Body:          body,
		AuthToken:     s.authToken,
		Timeout:       s.timeout,
		Attempts:      2,
		CorrelationID: cid,
	})
	if err != nil {
		logging.Debugw("tts: POST failed", "err", err, "correlation_id", cid)
		return fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		logging.Warnw("tts: returned non-2xx", "status", resp.StatusCode, "correlation_id", cid)
		return fmt.Errorf("%w: status %d", ErrSynthesis, resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	buf, err := audio.ParseWAV(wav)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	logging.Debugw("tts: playing", "correlation_id", cid, "seconds", buf.Seconds())
	return audio.PlayAndWait(ctx, s.playback, buf)
}

func (s *HTTPSynthesizer) Cancel() { s.running.cancelAll() }

// FallbackSynthesizer speaks with Primary and retries with Secondary when
// the primary fails for any reason other than cancellation.
type FallbackSynthesizer struct {
	Primary   Synthesizer
	Secondary Synthesizer
}

func (f *FallbackSynthesizer) Voices() []Voice {
	if v := f.Primary.Voices(); len(v) > 0 {
		return v
	}
	return f.Secondary.Voices()
}

func (f *FallbackSynthesizer) OnVoicesChanged(fn func()) {
	f.Primary.OnVoicesChanged(fn)
	f.Secondary.OnVoicesChanged(fn)
}

func (f *FallbackSynthesizer) Speak(ctx context.Context, u Utterance) error {
	err := f.Primary.Speak(ctx, u)
	if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return err
	}
	logging.Warnw("tts: primary synthesizer failed, falling back", "err", err)
	if !hasVoice(f.Secondary.Voices(), u.Voice) {
		if v, ok := SelectVoice(f.Secondary.Voices(), nil); ok {
			u.Voice = v.Name
		} else {
			u.Voice = ""
		}
	}
	return f.Secondary.Speak(ctx, u)
}

func (f *FallbackSynthesizer) Cancel() {
	f.Primary.Cancel()
	f.Secondary.Cancel()
}

func hasVoice(voices []Voice, name string) bool {
	for _, v := range voices {
		if v.Name == name {
			return true
		}
	}
	return false
}

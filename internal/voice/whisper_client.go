package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/config"
	"github.com/nexus-voice-lab/internal/logging"
)

// Segmenter cuts a stream of capture windows into utterances using an RMS
// threshold: an utterance closes after SilenceMS of quiet following speech,
// or when it reaches MaxMS.
type Segmenter struct {
	Rate      int
	Threshold float64
	SilenceMS int
	MaxMS     int
	MinMS     int

	samples    []float32
	voiced     bool
	silenceRun int
}

func (s *Segmenter) ms(n int) int { return n * 1000 / s.Rate }

// Push adds a window and returns a completed utterance, if any.
func (s *Segmenter) Push(window []float32) []float32 {
	loud := audio.RMS(window) >= s.Threshold
	if !s.voiced && !loud {
		// leading silence is dropped
		return nil
	}
	s.samples = append(s.samples, window...)
	if loud {
		s.voiced = true
		s.silenceRun = 0
	} else {
		s.silenceRun += len(window)
	}
	if s.ms(len(s.samples)) >= s.MaxMS || (s.voiced && s.ms(s.silenceRun) >= s.SilenceMS) {
		return s.Flush()
	}
	return nil
}

// Flush returns the pending utterance if it is long enough and resets.
func (s *Segmenter) Flush() []float32 {
	out := s.samples
	voicedMS := s.ms(len(s.samples) - s.silenceRun)
	s.samples, s.voiced, s.silenceRun = nil, false, 0
	if len(out) == 0 || voicedMS < s.MinMS {
		return nil
	}
	return out
}

// WhisperRecognizer captures audio, segments it and posts each utterance as
// WAV to a whisper-compatible HTTP service. Every transcript is final.
type WhisperRecognizer struct {
	capture  audio.Capture
	deviceID string
	url      string
	client   *http.Client
	timeout  time.Duration
	seg      Segmenter

	mu       sync.Mutex
	handlers RecognizerHandlers
	running  bool
	// starting covers the capture open, which runs without the lock; a Stop
	// in that window sets abort.
	starting bool
	abort    bool
	cancel   context.CancelFunc
	track    audio.Track
	framer   *audio.Framer
	wg       sync.WaitGroup
}

func NewWhisperRecognizer(capture audio.Capture, deviceID string, cfg config.STTConfig) *WhisperRecognizer {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WhisperRecognizer{
		capture:  capture,
		deviceID: deviceID,
		url:      whisperURL(cfg),
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		seg: Segmenter{
			Rate:      audio.InputSampleRate,
			Threshold: cfg.VADThreshold,
			SilenceMS: cfg.SilenceMS,
			MaxMS:     cfg.MaxUtteranceMS,
			MinMS:     cfg.MinUtteranceMS,
		},
	}
}

func whisperURL(cfg config.STTConfig) string {
	u, err := url.Parse(cfg.WhisperURL)
	if err != nil || cfg.Language == "" {
		return cfg.WhisperURL
	}
	q := u.Query()
	q.Set("language", cfg.Language)
	u.RawQuery = q.Encode()
	return u.String()
}

func (w *WhisperRecognizer) SetHandlers(h RecognizerHandlers) {
	w.mu.Lock()
	w.handlers = h
	w.mu.Unlock()
}

// SetDevice changes the capture device used by the next Start.
func (w *WhisperRecognizer) SetDevice(deviceID string) {
	w.mu.Lock()
	w.deviceID = deviceID
	w.mu.Unlock()
}

func (w *WhisperRecognizer) Start() error {
	w.mu.Lock()
	if w.running || w.starting {
		w.mu.Unlock()
		return ErrRecognizerRunning
	}
	if w.url == "" {
		w.mu.Unlock()
		return fmt.Errorf("whisper: WHISPER_URL not set")
	}
	w.starting = true
	deviceID := w.deviceID
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	openCtx, openCancel := context.WithTimeout(ctx, 10*time.Second)
	track, err := w.capture.Open(openCtx, audio.VoiceConstraints(deviceID, audio.InputSampleRate))
	openCancel()

	w.mu.Lock()
	w.starting = false
	if err != nil {
		w.abort = false
		w.mu.Unlock()
		cancel()
		return fmt.Errorf("whisper: open capture: %w", err)
	}
	if w.abort {
		// stopped while opening: release the track and end like a stopped session
		w.abort = false
		onEnd := w.handlers.OnEnd
		w.mu.Unlock()
		cancel()
		_ = track.Stop()
		logging.Debugw("whisper: stopped while opening capture", "device", track.DeviceID())
		if onEnd != nil {
			go onEnd()
		}
		return nil
	}
	w.running = true
	w.cancel = cancel
	w.track = track
	seg := w.seg
	// 100 ms windows keep silence detection responsive
	w.framer = audio.StartFramer(track, audio.InputSampleRate/10, func(window []float32) {
		if utt := seg.Push(window); utt != nil {
			w.transcribeAsync(ctx, utt)
		}
	}, func(err error) {
		logging.Warnw("whisper: capture ended", "err", err)
		w.Stop()
	})
	w.mu.Unlock()
	logging.Debugw("whisper: recognition started", "device", track.DeviceID())
	return nil
}

// Stop ends the session. OnEnd is delivered asynchronously once capture has
// wound down; transcriptions already in flight are abandoned.
func (w *WhisperRecognizer) Stop() {
	w.mu.Lock()
	if !w.running {
		if w.starting {
			w.abort = true
		}
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, track, framer := w.cancel, w.track, w.framer
	w.cancel, w.track, w.framer = nil, nil, nil
	w.mu.Unlock()

	cancel()
	framer.Stop()
	if err := track.Stop(); err != nil {
		logging.Debugw("whisper: track stop", "err", err)
	}
	go func() {
		framer.Wait()
		w.wg.Wait()
		w.mu.Lock()
		onEnd := w.handlers.OnEnd
		w.mu.Unlock()
		if onEnd != nil {
			onEnd()
		}
	}()
}

func (w *WhisperRecognizer) transcribeAsync(ctx context.Context, samples []float32) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		text, err := w.Transcribe(ctx, samples)
		w.mu.Lock()
		h := w.handlers
		w.mu.Unlock()
		if err != nil {
			if ctx.Err() == nil && h.OnError != nil {
				h.OnError(err)
			}
			return
		}
		if text != "" && ctx.Err() == nil && h.OnResult != nil {
			h.OnResult(Result{Transcript: text, Final: true})
		}
	}()
}

// Transcribe posts one utterance and returns the trimmed transcript.
func (w *WhisperRecognizer) Transcribe(ctx context.Context, samples []float32) (string, error) {
	wav := audio.BuildWAV(audio.Float32ToPCM16(samples), audio.InputSampleRate, 1)
	cid := uuid.NewString()
	durationMs := len(samples) * 1000 / audio.InputSampleRate
	logging.Debugw("sending audio to whisper", "url", w.url, "correlation_id", cid, "bytes", len(wav), "duration_ms", durationMs)

	sendTs := time.Now()
	resp, err := PostWithRetries(ctx, w.client, PostRequest{
		URL:           w.url,
		Body:          wav,
		ContentType:   "audio/wav",
		Timeout:       w.timeout,
		Attempts:      3,
		CorrelationID: cid,
	})
	if err != nil {
		return "", fmt.Errorf("whisper: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("whisper: status %d", resp.StatusCode)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whisper: decode: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	logging.Infow("STT response received", "correlation_id", cid, "status", resp.StatusCode,
		"stt_latency_ms", time.Since(sendTs).Milliseconds(), "chars", len(text))
	return text, nil
}

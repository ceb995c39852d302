package voice

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/config"
	"github.com/nexus-voice-lab/internal/logging"
)

// DefaultGeminiVoice is the prebuilt voice used when none is configured.
const DefaultGeminiVoice = "Kore"

// geminiVoices are the prebuilt voices offered to voice selection.
var geminiVoices = []Voice{
	{Name: "Kore", Lang: "en-US", Gender: "female"},
	{Name: "Aoede", Lang: "en-US", Gender: "female"},
	{Name: "Zephyr", Lang: "en-US", Gender: "female"},
	{Name: "Puck", Lang: "en-US", Gender: "male"},
	{Name: "Charon", Lang: "en-US", Gender: "male"},
	{Name: "Fenrir", Lang: "en-US", Gender: "male"},
}

// GeminiSynthesizer renders speech with the Gemini TTS model and plays the
// 24 kHz PCM it returns.
type GeminiSynthesizer struct {
	voiceInventory
	client   *genai.Client
	model    string
	voice    string
	playback audio.Playback
	running  inflight
}

func NewGeminiSynthesizer(ctx context.Context, cfg config.TTSConfig, playback audio.Playback) (*GeminiSynthesizer, error) {
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini tts: %w", err)
	}
	s := &GeminiSynthesizer{
		client:   client,
		model:    cfg.Model,
		voice:    cfg.Voice,
		playback: playback,
	}
	if s.voice == "" {
		s.voice = DefaultGeminiVoice
	}
	s.voices = append([]Voice(nil), geminiVoices...)
	return s, nil
}

// Synthesize returns the raw speech audio for text without playing it.
func (s *GeminiSynthesizer) Synthesize(ctx context.Context, text, voice string) (audio.Buffer, error) {
	if voice == "" || !hasVoice(geminiVoices, voice) {
		voice = s.voice
	}
	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	})
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	var pcm []byte
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil {
				pcm = append(pcm, part.InlineData.Data...)
			}
		}
		if len(pcm) > 0 {
			break
		}
	}
	if len(pcm) == 0 {
		return audio.Buffer{}, fmt.Errorf("%w: response carried no audio", ErrSynthesis)
	}
	return audio.DecodePCM(pcm, audio.OutputSampleRate, 1), nil
}

func (s *GeminiSynthesizer) Speak(ctx context.Context, u Utterance) error {
	ctx, done := s.running.begin(ctx)
	defer done()
	buf, err := s.Synthesize(ctx, u.Text, u.Voice)
	if err != nil {
		return err
	}
	logging.Debugw("gemini tts: playing", "seconds", buf.Seconds(), "voice", u.Voice)
	return audio.PlayAndWait(ctx, s.playback, buf)
}

func (s *GeminiSynthesizer) Cancel() { s.running.cancelAll() }

package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/config"
	"github.com/nexus-voice-lab/internal/logging"
)

const defaultConnectTimeout = 15 * time.Second

// GeminiDialer opens BidiGenerateContent websocket sessions.
type GeminiDialer struct {
	URL    string
	APIKey string
	Dialer *websocket.Dialer
}

func NewGeminiDialer(cfg config.LiveConfig) *GeminiDialer {
	url := cfg.URL
	if url == "" {
		url = config.DefaultLiveURL
	}
	return &GeminiDialer{URL: url, APIKey: cfg.APIKey}
}

type geminiSetup struct {
	Setup struct {
		Model             string           `json:"model"`
		GenerationConfig  generationConfig `json:"generationConfig"`
		SystemInstruction *content         `json:"systemInstruction,omitempty"`
		// empty object enables transcripts of the spoken reply
		OutputAudioTranscription *struct{} `json:"outputAudioTranscription,omitempty"`
	} `json:"setup"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *audio.Blob `json:"inlineData,omitempty"`
}

type realtimeInput struct {
	RealtimeInput struct {
		MediaChunks []audio.Blob `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete"`
	ServerContent *struct {
		ModelTurn           *content `json:"modelTurn"`
		Interrupted         bool     `json:"interrupted"`
		TurnComplete        bool     `json:"turnComplete"`
		OutputTranscription *struct {
			Text string `json:"text"`
		} `json:"outputTranscription"`
	} `json:"serverContent"`
	GoAway *json.RawMessage `json:"goAway"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func buildSetup(s Setup) geminiSetup {
	var msg geminiSetup
	model := s.Model
	if model != "" && !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	msg.Setup.Model = model
	msg.Setup.GenerationConfig.ResponseModalities = s.ResponseModalities
	if len(s.ResponseModalities) == 0 {
		msg.Setup.GenerationConfig.ResponseModalities = []string{"AUDIO"}
	}
	if s.Voice != "" {
		sc := &speechConfig{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = s.Voice
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}
	if s.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: s.SystemInstruction}}}
	}
	msg.Setup.OutputAudioTranscription = &struct{}{}
	return msg
}

func (d *GeminiDialer) Dial(ctx context.Context, setup Setup) (Channel, error) {
	headers := make(http.Header)
	if d.APIKey != "" {
		headers.Set("x-goog-api-key", d.APIKey)
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, d.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gemini live dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("gemini live dial: %w", err)
	}

	// unblock the handshake read if the caller gives up
	stop := context.AfterFunc(dialCtx, func() { _ = conn.Close() })
	err = handshake(dialCtx, conn, buildSetup(setup))
	if !stop() || err != nil {
		_ = conn.Close()
		if err == nil {
			err = dialCtx.Err()
		}
		return nil, err
	}
	logging.Debugw("gemini live: setup complete", "model", setup.Model, "voice", setup.Voice)
	return &geminiChannel{conn: conn}, nil
}

func handshake(ctx context.Context, conn *websocket.Conn, setup geminiSetup) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		_ = conn.SetReadDeadline(dl)
		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	if err := conn.WriteJSON(setup); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode setup reply: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("setup rejected: %s", msg.Error.Message)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

type geminiChannel struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *geminiChannel) SendAudio(ctx context.Context, blob audio.Blob) error {
	if c.closed.Load() {
		return errors.New("gemini live: channel closed")
	}
	var msg realtimeInput
	msg.RealtimeInput.MediaChunks = []audio.Blob{blob}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteJSON(msg)
}

func (c *geminiChannel) Listen(h Handlers) {
	go c.readLoop(h)
}

func (c *geminiChannel) readLoop(h Handlers) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if h.OnClose != nil {
					h.OnClose()
				}
				return
			}
			if h.OnError != nil {
				h.OnError(err)
			}
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warnw("gemini live: undecodable message", "err", err, "bytes", len(data))
			continue
		}
		if msg.Error != nil {
			if h.OnError != nil {
				h.OnError(fmt.Errorf("gemini live: %s", msg.Error.Message))
			}
			return
		}
		if msg.GoAway != nil {
			logging.Infow("gemini live: server requested shutdown")
		}
		if msg.ServerContent == nil {
			continue
		}
		sc := msg.ServerContent
		ev := ServerEvent{Interrupted: sc.Interrupted, TurnComplete: sc.TurnComplete}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil && p.InlineData.Data != "" {
					ev.Audio = append(ev.Audio, p.InlineData.Data)
				}
			}
		}
		if sc.OutputTranscription != nil {
			ev.Text = sc.OutputTranscription.Text
		}
		if h.OnEvent != nil {
			h.OnEvent(ev)
		}
	}
}

func (c *geminiChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

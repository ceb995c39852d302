// Package control exposes the assistant over a small HTTP API: live session
// lifecycle, device selection, the wake-word loop, text chat and metrics.
package control

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/chat"
	"github.com/nexus-voice-lab/internal/live"
	"github.com/nexus-voice-lab/internal/logging"
	"github.com/nexus-voice-lab/internal/metrics"
	"github.com/nexus-voice-lab/internal/voice"
)

// LiveSession is the part of *live.Client the API drives.
type LiveSession interface {
	State() live.ConnectionState
	Volume() float64
	SessionID() string
	Devices(ctx context.Context) ([]audio.DeviceInfo, error)
	Connect(ctx context.Context, cb live.Callbacks, opts live.ConnectOptions) error
	SetInputDevice(ctx context.Context, deviceID string) error
	Disconnect()
}

// VoiceLoop is the part of *voice.Manager the API drives.
type VoiceLoop interface {
	Mode() voice.Mode
	Speaking() bool
	Sleep()
	Wake() error
	Speak(text string, onEnd func())
}

// Chatter answers text turns.
type Chatter interface {
	SendMessage(ctx context.Context, text string) (chat.Reply, error)
}

// Server owns the gin engine. Any of live, voice or chat may be nil; their
// routes then answer 503.
type Server struct {
	engine *gin.Engine
	live   LiveSession
	voice  VoiceLoop
	chat   Chatter
	// base outlives requests; live sessions are bound to it.
	base context.Context

	mu         sync.Mutex
	deviceID   string
	lastError  string
	transcript string
}

type Option func(*Server)

func WithLive(l LiveSession) Option { return func(s *Server) { s.live = l } }
func WithVoice(v VoiceLoop) Option { return func(s *Server) { s.voice = v } }
func WithChat(c Chatter) Option { return func(s *Server) { s.chat = c } }
func WithContext(ctx context.Context) Option { return func(s *Server) { s.base = ctx } }

func New(opts ...Option) *Server {
	s := &Server{base: context.Background()}
	for _, opt := range opts {
		opt(s)
	}
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(), CORS())
	s.engine = r
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Format(time.RFC3339)})
	})
	r.GET("/status", s.status)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	lv := r.Group("/live", s.requireLive)
	lv.POST("/connect", s.connect)
	lv.POST("/disconnect", s.disconnect)

	dev := r.Group("/devices", s.requireLive)
	dev.GET("", s.devices)
	dev.POST("/select", s.selectDevice)

	vc := r.Group("/voice", s.requireVoice)
	vc.POST("/sleep", s.sleep)
	vc.POST("/wake", s.wake)
	vc.POST("/speak", s.speak)

	r.POST("/chat", s.requireChat, s.sendChat)
}

func unavailable(c *gin.Context, what string) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": what + " not enabled"})
}

func (s *Server) requireLive(c *gin.Context) {
	if s.live == nil {
		unavailable(c, "live session")
	}
}

func (s *Server) requireVoice(c *gin.Context) {
	if s.voice == nil {
		unavailable(c, "voice loop")
	}
}

func (s *Server) requireChat(c *gin.Context) {
	if s.chat == nil {
		unavailable(c, "chat")
	}
}

type statusResponse struct {
	Connection string  `json:"connection"`
	SessionID  string  `json:"session_id,omitempty"`
	Volume     float64 `json:"volume"`
	DeviceID   string  `json:"device_id,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
	Transcript string  `json:"transcript,omitempty"`
	VoiceMode  string  `json:"voice_mode,omitempty"`
	Speaking   bool    `json:"speaking"`
}

func (s *Server) status(c *gin.Context) {
	var resp statusResponse
	if s.live != nil {
		resp.Connection = s.live.State().String()
		resp.SessionID = s.live.SessionID()
		resp.Volume = s.live.Volume()
	}
	s.mu.Lock()
	resp.DeviceID, resp.LastError, resp.Transcript = s.deviceID, s.lastError, s.transcript
	s.mu.Unlock()
	if s.voice != nil {
		resp.VoiceMode = s.voice.Mode().String()
		resp.Speaking = s.voice.Speaking()
	}
	c.JSON(http.StatusOK, resp)
}

type connectRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) connect(c *gin.Context) {
	var req connectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s.mu.Lock()
	s.lastError, s.transcript = "", ""
	if req.DeviceID == "" {
		req.DeviceID = s.deviceID
	}
	s.mu.Unlock()

	err := s.live.Connect(s.base, s.callbacks(), live.ConnectOptions{DeviceID: req.DeviceID})
	if err != nil {
		_ = c.Error(err)
		c.JSON(liveStatus(err), gin.H{"error": err.Error(), "connection": s.live.State().String()})
		return
	}
	s.mu.Lock()
	s.deviceID = req.DeviceID
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"connection": s.live.State().String(), "session_id": s.live.SessionID()})
}

func (s *Server) callbacks() live.Callbacks {
	return live.Callbacks{
		OnOpen: func() { logging.Infow("control: live session open") },
		OnClose: func() {
			logging.Infow("control: live session closed")
		},
		OnError: func(err error) {
			s.mu.Lock()
			s.lastError = err.Error()
			s.mu.Unlock()
		},
		OnTranscript: func(text string) {
			s.mu.Lock()
			s.transcript += text
			s.mu.Unlock()
		},
	}
}

func liveStatus(err error) int {
	switch {
	case errors.Is(err, live.ErrAlreadyConnected), errors.Is(err, live.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, live.ErrCaptureUnavailable), errors.Is(err, live.ErrOutputUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, live.ErrDisconnected):
		return http.StatusGone
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) disconnect(c *gin.Context) {
	s.live.Disconnect()
	c.JSON(http.StatusOK, gin.H{"connection": s.live.State().String()})
}

func (s *Server) devices(c *gin.Context) {
	list, err := s.live.Devices(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	selected := s.deviceID
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"devices": list, "selected": selected})
}

type selectRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

func (s *Server) selectDevice(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// an idle session only records the choice for the next connect
	if s.live.State() != live.Connected {
		s.mu.Lock()
		s.deviceID = req.DeviceID
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"selected": req.DeviceID, "applied": false})
		return
	}
	if err := s.live.SetInputDevice(c.Request.Context(), req.DeviceID); err != nil {
		_ = c.Error(err)
		c.JSON(liveStatus(err), gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.deviceID = req.DeviceID
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"selected": req.DeviceID, "applied": true})
}

func (s *Server) sleep(c *gin.Context) {
	s.voice.Sleep()
	c.JSON(http.StatusOK, gin.H{"voice_mode": s.voice.Mode().String()})
}

func (s *Server) wake(c *gin.Context) {
	if err := s.voice.Wake(); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "voice_mode": s.voice.Mode().String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"voice_mode": s.voice.Mode().String()})
}

type textRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) speak(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.voice.Speak(req.Text, nil)
	c.JSON(http.StatusAccepted, gin.H{"speaking": true})
}

func (s *Server) sendChat(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reply, err := s.chat.SendMessage(c.Request.Context(), req.Text)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, reply)
	case errors.Is(err, chat.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrBackendsExhausted):
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": chat.ExhaustedMessage})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

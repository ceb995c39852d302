package live

import (
	"context"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/config"
)

// Setup configures a duplex session with the provider.
type Setup struct {
	Model              string
	Voice              string
	SystemInstruction  string
	ResponseModalities []string
}

// SetupFromConfig returns the audio-only setup for cfg.
func SetupFromConfig(cfg config.LiveConfig) Setup {
	return Setup{
		Model:              cfg.Model,
		Voice:              cfg.Voice,
		SystemInstruction:  cfg.SystemInstruction,
		ResponseModalities: []string{"AUDIO"},
	}
}

// ServerEvent is one decoded provider message.
type ServerEvent struct {
	// Audio holds base64 PCM16 payloads at the output rate, in order.
	Audio        []string
	Text         string
	Interrupted  bool
	TurnComplete bool
}

// Handlers receive channel traffic on the channel's reader goroutine. The
// reader ends with exactly one call to OnError or OnClose.
type Handlers struct {
	OnEvent func(ServerEvent)
	OnError func(error)
	OnClose func()
}

// Channel is an open duplex audio connection.
type Channel interface {
	SendAudio(ctx context.Context, blob audio.Blob) error
	// Listen starts delivering server events. It must be called once.
	Listen(h Handlers)
	// Close is safe to call from inside a handler.
	Close() error
}

// Dialer opens channels. Dial returns once the provider reports ready.
type Dialer interface {
	Dial(ctx context.Context, setup Setup) (Channel, error)
}

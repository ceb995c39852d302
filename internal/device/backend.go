// Package device binds the audio abstractions to real inputs and outputs:
// ffmpeg/ffplay child processes on the host, or a Discord voice channel.
package device

import (
	"context"
	"fmt"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/config"
	"github.com/nexus-voice-lab/internal/logging"
)

// Backend is a microphone plus a factory for speaker outputs.
type Backend struct {
	Name    string
	Capture audio.Capture
	newSink func(rate int) (audio.Sink, error)
	close   func() error
}

// NewBackend assembles a backend from parts; Open is the usual entry point.
func NewBackend(name string, capture audio.Capture, newSink func(rate int) (audio.Sink, error), closeFn func() error) *Backend {
	return &Backend{Name: name, Capture: capture, newSink: newSink, close: closeFn}
}

// Open builds the backend selected by cfg.Audio.Backend.
func Open(ctx context.Context, cfg config.Config) (*Backend, error) {
	switch cfg.Audio.Backend {
	case "", "ffmpeg":
		capture := NewFFmpegCapture(cfg.Audio)
		b := NewBackend("ffmpeg", capture, func(rate int) (audio.Sink, error) {
			return NewFFplaySink(cfg.Audio.FFplayPath, rate), nil
		}, nil)
		logging.Infow("audio backend ready", "backend", b.Name, "format", capture.Format, "device", capture.DefaultDevice)
		return b, nil
	case "discord":
		dv, err := JoinDiscord(ctx, cfg.Discord)
		if err != nil {
			return nil, err
		}
		logging.Infow("audio backend ready", "backend", "discord", "channel", cfg.Discord.VoiceChannelID)
		return NewBackend("discord", dv.Capture, dv.NewSink, dv.Close), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Audio.Backend)
	}
}

// NewPlayback starts a real-time output context rendering into a new sink.
// It matches live.PlaybackFactory.
func (b *Backend) NewPlayback(rate int) (audio.Playback, error) {
	sink, err := b.newSink(rate)
	if err != nil {
		return nil, err
	}
	out := audio.NewOutputContext(rate, sink)
	out.Start()
	return out, nil
}

func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nexus-voice-lab/internal/assistant"
	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/chat"
	"github.com/nexus-voice-lab/internal/config"
	"github.com/nexus-voice-lab/internal/device"
	"github.com/nexus-voice-lab/internal/logging"
	"github.com/nexus-voice-lab/internal/mcp"
	"github.com/nexus-voice-lab/internal/memory"
	"github.com/nexus-voice-lab/internal/tools"
	"github.com/nexus-voice-lab/internal/voice"
)

// newStore opens the configured memory backend. The returned closer is
// never nil.
func newStore(ctx context.Context, cfg config.MemoryConfig) (memory.Store, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Backend {
	case "memory":
		return memory.NewMapStore(), nop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nop, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return memory.NewRedisStore(client, memory.WithPrefix("nexus")), client.Close, nil
	default:
		fs := memory.NewFileStore(cfg.Dir)
		logging.Debugw("memory file", "path", fs.Path())
		return fs, nop, nil
	}
}

// toolbox is the sandbox plus the MCP clients feeding it.
type toolbox struct {
	sandbox *tools.Sandbox
	remotes []mcp.Connector
	closers []func() error
}

func (t *toolbox) Close() error {
	var errs []error
	for _, c := range t.remotes {
		errs = append(errs, c.Close())
	}
	for _, c := range t.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// newToolbox builds the sandbox over the memory store and, unless
// withRemotes is false, imports tools from every enabled MCP server.
func newToolbox(ctx context.Context, cfg config.Config, manifest string, withRemotes bool) (*toolbox, error) {
	store, closeStore, err := newStore(ctx, cfg.Memory)
	if err != nil {
		return nil, err
	}
	tb := &toolbox{sandbox: tools.NewSandbox(store), closers: []func() error{closeStore}}
	if !withRemotes {
		return tb, nil
	}
	set, err := mcp.LoadManifests(manifest)
	if err != nil {
		// bad manifests never keep the assistant from starting
		logging.Warnw("mcp manifests unreadable", "error", err)
		return tb, nil
	}
	tb.remotes = mcp.ImportTools(ctx, tb.sandbox, set, func(string) mcp.Connector {
		return mcp.NewClientWrapper(cfg.MCP.ServiceName, version)
	})
	return tb, nil
}

func newOrchestrator(cfg config.ChatConfig, tb *toolbox) *chat.Orchestrator {
	return chat.New(chat.NewClient(cfg), tb.sandbox, tb.sandbox.Store(),
		chat.FromConfig(cfg),
		chat.WithToolObserver(func(name string) {
			logging.Debugw("chat: tool requested", "tool", name)
		}),
	)
}

// newSynthesizer prefers the HTTP TTS service when configured and falls
// back to Gemini TTS.
func newSynthesizer(ctx context.Context, cfg config.TTSConfig, playback audio.Playback) (voice.Synthesizer, error) {
	var primary *voice.HTTPSynthesizer
	if cfg.URL != "" {
		primary = voice.NewHTTPSynthesizer(cfg, playback)
		primary.LoadVoicesAsync(ctx)
	}
	if cfg.APIKey == "" {
		if primary == nil {
			return nil, errors.New("no speech synthesizer configured: set TTS_URL or GEMINI_API_KEY")
		}
		return primary, nil
	}
	gemini, err := voice.NewGeminiSynthesizer(ctx, cfg, playback)
	switch {
	case err != nil && primary == nil:
		return nil, err
	case err != nil:
		logging.Warnw("gemini tts unavailable, using http tts only", "error", err)
		return primary, nil
	case primary == nil:
		return gemini, nil
	}
	return &voice.FallbackSynthesizer{Primary: primary, Secondary: gemini}, nil
}

// voiceLoop is the wake-word manager driven by the assistant.
type voiceLoop struct {
	manager   *voice.Manager
	assistant *assistant.Assistant
	playback  audio.Playback
}

func (v *voiceLoop) Close() {
	v.assistant.Close()
	v.manager.Close()
	_ = v.playback.Close()
}

func newVoiceLoop(ctx context.Context, cfg config.Config, backend *device.Backend, orch *chat.Orchestrator) (*voiceLoop, error) {
	playback, err := backend.NewPlayback(audio.OutputSampleRate)
	if err != nil {
		return nil, fmt.Errorf("tts output: %w", err)
	}
	synth, err := newSynthesizer(ctx, cfg.TTS, playback)
	if err != nil {
		_ = playback.Close()
		return nil, err
	}
	rec := voice.NewWhisperRecognizer(backend.Capture, inputDevice(cfg, backend), cfg.STT)

	a := assistant.New(orch, assistant.OptionsFromConfig(cfg.Voice))
	a.OnReply = func(command string, reply chat.Reply) {
		logging.Infow("assistant: turn complete", "command", command, "reply", reply.Text, "tool", reply.ToolUsed)
	}
	m := voice.NewManager(rec, synth, voice.OptionsFromConfig(cfg.Voice), a.Callbacks())
	a.Bind(m)
	return &voiceLoop{manager: m, assistant: a, playback: playback}, nil
}

// inputDevice is the configured microphone. The Discord backend has a
// single input, so any value there would fail the exact-match rule.
func inputDevice(cfg config.Config, backend *device.Backend) string {
	if backend.Name == "discord" {
		return ""
	}
	return cfg.Audio.InputDevice
}

// Package assistant joins the wake-word voice loop to the chat orchestrator:
// it acknowledges the wake word, answers each spoken command aloud and puts
// the loop to sleep when the model asks for it.
package assistant

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-voice-lab/internal/chat"
	"github.com/nexus-voice-lab/internal/config"
	"github.com/nexus-voice-lab/internal/logging"
	"github.com/nexus-voice-lab/internal/tools"
	"github.com/nexus-voice-lab/internal/voice"
)

// Speaker is the part of *voice.Manager the assistant drives.
type Speaker interface {
	Speak(text string, onEnd func())
	Sleep()
}

// Chatter answers one text turn.
type Chatter interface {
	SendMessage(ctx context.Context, text string) (chat.Reply, error)
}

type Options struct {
	WakeAck       string
	FailureNotice string
	// TurnTimeout bounds one chat turn including tool calls.
	TurnTimeout time.Duration
}

func OptionsFromConfig(cfg config.VoiceConfig) Options {
	return Options{WakeAck: cfg.WakeAck, FailureNotice: cfg.FailureNotice, TurnTimeout: 30 * time.Second}
}

// Assistant handles the callbacks of a voice.Manager. Construct it first,
// pass Callbacks to voice.NewManager, then Bind the manager.
type Assistant struct {
	chat Chatter
	opts Options

	mu      sync.Mutex
	speaker Speaker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// OnReply observes completed turns; set before use.
	OnReply func(command string, reply chat.Reply)
}

func New(c Chatter, opts Options) *Assistant {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Assistant{chat: c, opts: opts, ctx: ctx, cancel: cancel}
}

func (a *Assistant) Bind(s Speaker) {
	a.mu.Lock()
	a.speaker = s
	a.mu.Unlock()
}

func (a *Assistant) Callbacks() voice.Callbacks {
	return voice.Callbacks{
		OnWake:    a.HandleWake,
		OnCommand: a.HandleCommand,
		OnModeChange: func(m voice.Mode) {
			logging.Debugw("assistant: voice mode", "mode", m.String())
		},
		OnCommandTimeout: func() {
			logging.Infow("assistant: no command heard, waiting for wake word")
		},
	}
}

func (a *Assistant) speakerOrNil() Speaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speaker
}

// HandleWake speaks the acknowledgement, if one is configured.
func (a *Assistant) HandleWake() {
	s := a.speakerOrNil()
	if s == nil || a.opts.WakeAck == "" {
		return
	}
	s.Speak(a.opts.WakeAck, nil)
}

// HandleCommand runs the turn on its own goroutine so the recognizer is
// never blocked on the network.
func (a *Assistant) HandleCommand(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	if a.ctx.Err() != nil {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	go func() {
		defer a.wg.Done()
		a.turn(text)
	}()
}

func (a *Assistant) turn(text string) {
	ctx, cancel := context.WithTimeout(a.ctx, a.opts.TurnTimeout)
	defer cancel()
	ctx = logging.WithFields(ctx, "utterance.id", uuid.NewString())

	reply, err := a.chat.SendMessage(ctx, text)
	s := a.speakerOrNil()
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) || a.ctx.Err() != nil {
			return
		}
		if errors.Is(err, chat.ErrBackendsExhausted) {
			logging.WarnwCtx(ctx, "assistant: every chat backend failed", "error", err)
		} else {
			logging.ErrorwCtx(ctx, "assistant: chat turn failed", "error", err)
		}
		if s != nil && a.opts.FailureNotice != "" {
			s.Speak(a.opts.FailureNotice, nil)
		}
		return
	}
	logging.InfowCtx(ctx, "assistant: reply", "tool", reply.ToolUsed, "chars", len(reply.Text))
	if a.OnReply != nil {
		a.OnReply(text, reply)
	}
	if s == nil {
		return
	}
	if reply.ToolUsed == tools.SleepTool {
		// sleep first so the end of the reply does not reopen the microphone
		s.Sleep()
		s.Speak(reply.Text, nil)
		return
	}
	s.Speak(reply.Text, nil)
}

// Close cancels turns in flight and waits for them.
func (a *Assistant) Close() {
	a.mu.Lock()
	a.cancel()
	a.mu.Unlock()
	a.wg.Wait()
}

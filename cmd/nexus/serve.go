package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-voice-lab/internal/chat"
	"github.com/nexus-voice-lab/internal/control"
	"github.com/nexus-voice-lab/internal/device"
	"github.com/nexus-voice-lab/internal/live"
	"github.com/nexus-voice-lab/internal/logging"
)

const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	addr    string
	noLive  bool
	noVoice bool
}

func newServeCmd(a *app) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant with its control API",
		Long: `serve opens the audio backend and starts whichever paths are configured:
the live session (GEMINI_API_KEY), the wake-word loop (WHISPER_URL plus a
chat key) and text chat (CEREBRAS_API_KEY). The control API drives them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.addr == "" {
				f.addr = a.cfg.Control.Addr
			}
			return a.serve(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "", "control API listen address (default from CONTROL_ADDR)")
	cmd.Flags().BoolVar(&f.noLive, "no-live", false, "do not offer live sessions")
	cmd.Flags().BoolVar(&f.noVoice, "no-voice", false, "do not start the wake-word loop")
	return cmd
}

func (a *app) serve(parent context.Context, f serveFlags) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg := a.cfg

	backend, err := device.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logging.Warnw("audio backend close error", "error", err)
		}
	}()

	tb, err := newToolbox(ctx, cfg, a.flags.mcpConfig, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := tb.Close(); err != nil {
			logging.Warnw("toolbox close error", "error", err)
		}
	}()

	opts := []control.Option{control.WithContext(ctx)}

	var orch *chat.Orchestrator
	if cfg.Chat.APIKey != "" {
		orch = newOrchestrator(cfg.Chat, tb)
		opts = append(opts, control.WithChat(orch))
		logging.Infow("chat ready", "models", orch.Models(), "tools", len(tb.sandbox.Catalog()))
	} else {
		logging.Warnw("chat disabled: CEREBRAS_API_KEY not set")
	}

	if !f.noLive && cfg.Live.APIKey != "" {
		lc := live.NewClient(live.NewGeminiDialer(cfg.Live), backend.Capture, backend.NewPlayback,
			live.WithSetup(live.SetupFromConfig(cfg.Live)))
		defer lc.Disconnect()
		opts = append(opts, control.WithLive(lc))
		logging.Infow("live sessions available", "model", cfg.Live.Model, "voice", cfg.Live.Voice)
	}

	if !f.noVoice && cfg.STT.WhisperURL != "" && orch != nil {
		vl, err := newVoiceLoop(ctx, cfg, backend, orch)
		if err != nil {
			logging.Warnw("wake-word loop disabled", "error", err)
		} else {
			defer vl.Close()
			if err := vl.manager.Start(); err != nil {
				logging.Warnw("wake-word loop failed to start", "error", err)
			}
			opts = append(opts, control.WithVoice(vl.manager))
		}
	}

	srv := &http.Server{
		Addr:              f.addr,
		Handler:           control.New(opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Infow("control api listening", "addr", f.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logging.Infow("shutdown signal received, closing resources")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnw("control api shutdown error", "error", err)
	}
	logging.Infow("shutdown complete")
	return nil
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexus-voice-lab/internal/chat"
)

func newChatCmd(a *app) *cobra.Command {
	var noRemote bool
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send text turns to the chat orchestrator",
		Long: `chat answers one message given as arguments, or reads messages line by
line from stdin until EOF. History carries across lines.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Chat.APIKey == "" {
				return errors.New("chat needs CEREBRAS_API_KEY")
			}
			tb, err := newToolbox(cmd.Context(), a.cfg, a.flags.mcpConfig, !noRemote)
			if err != nil {
				return err
			}
			defer tb.Close()
			orch := newOrchestrator(a.cfg.Chat, tb)
			if len(args) > 0 {
				return chatOnce(cmd.Context(), orch, strings.Join(args, " "), cmd.OutOrStdout())
			}
			return chatLines(cmd.Context(), orch, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&noRemote, "no-mcp", false, "skip MCP tool servers")
	return cmd
}

type sender interface {
	SendMessage(ctx context.Context, text string) (chat.Reply, error)
}

func chatOnce(ctx context.Context, s sender, text string, out io.Writer) error {
	reply, err := s.SendMessage(ctx, text)
	if err != nil {
		if errors.Is(err, chat.ErrBackendsExhausted) {
			return errors.New(chat.ExhaustedMessage)
		}
		return err
	}
	if reply.ToolUsed != "" {
		fmt.Fprintf(out, "[%s] ", reply.ToolUsed)
	}
	fmt.Fprintln(out, reply.Text)
	return nil
}

// chatLines keeps going after a failed turn; only read errors stop it.
func chatLines(ctx context.Context, s sender, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := chatOnce(ctx, s, line, out); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return sc.Err()
}

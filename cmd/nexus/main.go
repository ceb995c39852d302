package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexus-voice-lab/internal/config"
	"github.com/nexus-voice-lab/internal/logging"
)

const version = "0.3.0"

type globalFlags struct {
	configPath string
	mcpConfig  string
	logLevel   string
}

// state shared by subcommands, filled by the root pre-run.
type app struct {
	flags globalFlags
	cfg   config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "nexus",
		Short:         "Nexus voice assistant",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Nexus is a voice assistant with two conversation paths: a realtime
speech session against the Gemini Live API, and a wake-word loop that
transcribes commands, answers them through a chat model with tools, and
speaks the reply.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "YAML config file (overrides NEXUS_CONFIG)")
	pf.StringVar(&a.flags.mcpConfig, "mcp-config", os.Getenv("MCP_CONFIG_PATH"), "MCP manifest to use instead of the workspace and user manifests")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newServeCmd(a),
		newChatCmd(a),
		newDevicesCmd(a),
		newToolsCmd(a),
	)
	return root
}

func (a *app) setup() error {
	if a.flags.configPath != "" {
		os.Setenv("NEXUS_CONFIG", a.flags.configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if a.flags.logLevel != "" {
		cfg.LogLevel = a.flags.logLevel
	}
	if os.Getenv("LOG_LEVEL") == "" || a.flags.logLevel != "" {
		os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}
	logging.Init()
	a.cfg = cfg
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "nexus:", err)
		_ = logging.Sync()
		os.Exit(1)
	}
	_ = logging.Sync()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-voice-lab/internal/logging"
	"github.com/nexus-voice-lab/internal/mcp"
	"github.com/nexus-voice-lab/internal/tools"
)

func newToolsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect or export the tool sandbox",
	}
	cmd.AddCommand(newToolsListCmd(a), newToolsServeCmd(a))
	return cmd
}

func newToolsListCmd(a *app) *cobra.Command {
	var noRemote bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the tool catalog the chat model sees",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tb, err := newToolbox(cmd.Context(), a.cfg, a.flags.mcpConfig, !noRemote)
			if err != nil {
				return err
			}
			defer tb.Close()
			return printCatalog(tb.sandbox.Catalog(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&noRemote, "no-mcp", false, "built-in tools only")
	return cmd
}

func printCatalog(defs []tools.Definition, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, d := range defs {
		fmt.Fprintf(tw, "%s\t%s\n", d.Name, d.Description)
	}
	return tw.Flush()
}

func newToolsServeCmd(a *app) *cobra.Command {
	var port, advertise string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Export the built-in tools as an MCP server over WebSocket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port == "" {
				port = a.cfg.MCP.ToolsPort
			}
			if advertise == "" {
				advertise = "http://localhost:" + port
			}
			return a.serveTools(cmd.Context(), port, advertise)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (default from PORT)")
	cmd.Flags().StringVar(&advertise, "advertise", "", "URL announced to the MCP hub")
	return cmd
}

func (a *app) serveTools(parent context.Context, port, advertise string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tb, err := newToolbox(ctx, a.cfg, "", false)
	if err != nil {
		return err
	}
	defer tb.Close()

	ts := mcp.NewToolServer(tb.sandbox, a.cfg.MCP.ServiceName+"-tools", version)
	srv := &http.Server{Addr: ":" + port, Handler: ts.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logging.Infow("mcp tool server listening", "port", port, "tools", ts.Exported())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if err := mcp.Register(ctx, a.cfg.MCP.ServerURL, a.cfg.MCP.ServiceName, advertise); err != nil {
		logging.Warnw("mcp hub registration failed", "hub", a.cfg.MCP.ServerURL, "error", err)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

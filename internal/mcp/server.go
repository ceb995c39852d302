package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nexus-voice-lab/internal/logging"
	"github.com/nexus-voice-lab/internal/tools"
)

// ToolServer publishes the sandbox's built-in tools over MCP. system_sleep
// only makes sense inside the local voice loop and is not exported.
type ToolServer struct {
	server   *sdk.Server
	upgrader websocket.Upgrader
	exported []string
}

func NewToolServer(sandbox *tools.Sandbox, name, version string) *ToolServer {
	srv := sdk.NewServer(&sdk.Implementation{Name: name, Version: version}, nil)
	ts := &ToolServer{
		server:   srv,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	for _, def := range sandbox.Builtins() {
		if def.Name == tools.SleepTool {
			continue
		}
		srv.AddTool(&sdk.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Parameters,
		}, sandboxHandler(sandbox, def.Name))
		ts.exported = append(ts.exported, def.Name)
	}
	return ts
}

func sandboxHandler(sandbox *tools.Sandbox, name string) sdk.ToolHandler {
	return func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		args := map[string]any{}
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return &sdk.CallToolResult{
					Content: []sdk.Content{&sdk.TextContent{Text: "invalid arguments: " + err.Error()}},
					IsError: true,
				}, nil
			}
		}
		out := sandbox.Execute(ctx, name, args)
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: out}}}, nil
	}
}

// Exported lists the tool names the server advertises.
func (s *ToolServer) Exported() []string { return append([]string(nil), s.exported...) }

// ServeWebSocket upgrades the request and runs one MCP session on it until
// the peer disconnects.
func (s *ToolServer) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("mcp ws upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	go func() {
		sess, err := s.server.Connect(context.Background(), newWebSocketTransport(conn), nil)
		if err != nil {
			logging.Warnw("mcp server connect failed", "error", err)
			_ = conn.Close()
			return
		}
		logging.Debugw("mcp session started", "remote", r.RemoteAddr)
		if err := sess.Wait(); err != nil {
			logging.Debugw("mcp session ended", "remote", r.RemoteAddr, "error", err)
		}
	}()
}

// Handler routes /mcp/ws and /health.
func (s *ToolServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/mcp/ws", s.ServeWebSocket)
	return mux
}

// Command cmdserver is a stdio MCP server used by the client tests.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type shoutArgs struct {
	Text string `json:"text"`
}

func main() {
	server := sdk.NewServer(&sdk.Implementation{Name: "shout", Version: "1.0.0"}, nil)
	sdk.AddTool(server, &sdk.Tool{Name: "shout", Description: "upper-cases text"}, func(ctx context.Context, req *sdk.CallToolRequest, args shoutArgs) (*sdk.CallToolResult, any, error) {
		return &sdk.CallToolResult{
			Content: []sdk.Content{&sdk.TextContent{Text: strings.ToUpper(args.Text)}},
		}, nil, nil
	})
	if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		fmt.Fprintf(os.Stderr, "server exited: %v\n", err)
	}
}

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nexus-voice-lab/internal/logging"
)

// Register announces a service to an MCP hub's /mcp/register endpoint. An
// empty hubURL disables registration.
func Register(ctx context.Context, hubURL, name, serviceURL string) error {
	if hubURL == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"name": name, "url": serviceURL})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(hubURL, "/")+"/mcp/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp register failed: %s", resp.Status)
	}
	logging.Infow("registered with mcp hub", "service", name, "hub", hubURL)
	return nil
}

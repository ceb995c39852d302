package voice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nexus-voice-lab/internal/logging"
)

// PostRequest describes one POST made by PostWithRetries.
type PostRequest struct {
	URL           string
	Body          []byte
	ContentType   string
	AuthToken     string
	Timeout       time.Duration
	Attempts      int
	CorrelationID string
}

// PostWithRetries posts body to url, retrying transport errors and 5xx
// responses with exponential backoff. The final response is returned as is;
// the caller must close resp.Body.
func PostWithRetries(ctx context.Context, client *http.Client, r PostRequest) (*http.Response, error) {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	if client == nil {
		client = &http.Client{Timeout: r.Timeout}
	}
	contentType := r.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			backoff := time.Duration(200*(1<<(i-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		resp, err := postOnce(ctx, client, r, contentType)
		if err != nil {
			lastErr = err
			logging.Debugw("post attempt failed", "url", r.URL, "attempt", i+1, "err", err, "correlation_id", r.CorrelationID)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if resp.StatusCode >= 500 && i < attempts-1 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("server error status=%d", resp.StatusCode)
			logging.Debugw("post attempt got server error", "url", r.URL, "attempt", i+1, "status", resp.StatusCode, "correlation_id", r.CorrelationID)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func postOnce(ctx context.Context, client *http.Client, r PostRequest, contentType string) (*http.Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	if r.Timeout > 0 {
		cancel()
		reqCtx, cancel = context.WithTimeout(ctx, r.Timeout)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if r.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.AuthToken)
	}
	if r.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", r.CorrelationID)
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the request context once the caller closes the body.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordChatRequest(t *testing.T) {
	chatRequestsTotal.Reset()
	RecordChatRequest("llama3.1-8b", "success", 0.2)
	RecordChatRequest("llama3.1-8b", "error", 0.1)
	RecordChatRequest("llama3.1-8b", "success", 0.3)

	assert.Equal(t, 2.0, testutil.ToFloat64(chatRequestsTotal.WithLabelValues("llama3.1-8b", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(chatRequestsTotal.WithLabelValues("llama3.1-8b", "error")))
}

func TestRecordToolCall(t *testing.T) {
	toolCallsTotal.Reset()
	RecordToolCall("memorize", "success", 0.001)
	assert.Equal(t, 1.0, testutil.ToFloat64(toolCallsTotal.WithLabelValues("memorize", "success")))
}

func TestLiveSessionGauge(t *testing.T) {
	liveSessionsActive.Set(0)
	LiveSessionOpened()
	LiveSessionOpened()
	LiveSessionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(liveSessionsActive))
}

func TestHandlerExposesRuntimeMetrics(t *testing.T) {
	RecordInterruption()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nexus_live_interruptions_total")
	assert.Same(t, Registry(), Registry())
}

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-voice-lab/internal/memory"
	"github.com/nexus-voice-lab/internal/tools"
)

type sentMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id"`
}

type sentRequest struct {
	Model       string            `json:"model"`
	Messages    []sentMessage     `json:"messages"`
	Tools       []json.RawMessage `json:"tools"`
	ToolChoice  any               `json:"tool_choice"`
	Temperature float64           `json:"temperature"`
	MaxTokens   int               `json:"max_tokens"`
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []sentRequest
	respond  func(n int, req sentRequest) (int, string)
}

func (f *fakeBackend) Requests() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.requests...)
}

func newBackend(t *testing.T, respond func(n int, req sentRequest) (int, string)) (*fakeBackend, *openai.Client) {
	t.Helper()
	fb := &fakeBackend{respond: respond}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req sentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fb.mu.Lock()
		fb.requests = append(fb.requests, req)
		n := len(fb.requests)
		fb.mu.Unlock()

		status, body := fb.respond(n, req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL
	return fb, openai.NewClientWithConfig(cfg)
}

func textReply(text string) string {
	return fmt.Sprintf(`{"id":"cmpl","object":"chat.completion","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":%q}}]}`, text)
}

func toolReply(name, args string) string {
	return fmt.Sprintf(`{"id":"cmpl","object":"chat.completion","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":%q,"arguments":%q}}]}}]}`, name, args)
}

const serverError = `{"error":{"message":"backend down","type":"server_error"}}`

var testModels = []string{"gpt-oss-120b", "llama3.1-8b", "llama-3.3-70b", "qwen-3-32b"}

func TestSendMessageFallsBackUntilSuccess(t *testing.T) {
	fb, client := newBackend(t, func(n int, _ sentRequest) (int, string) {
		if n <= 2 {
			return http.StatusInternalServerError, serverError
		}
		return http.StatusOK, textReply("Online.")
	})
	o := New(client, tools.NewSandbox(nil), memory.NewMapStore(), WithModels(testModels...))

	reply, err := o.SendMessage(context.Background(), "status report")
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: "Online."}, reply)

	reqs := fb.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, testModels[:3], []string{reqs[0].Model, reqs[1].Model, reqs[2].Model})
}

func TestSendMessageExhaustsBackends(t *testing.T) {
	fb, client := newBackend(t, func(int, sentRequest) (int, string) {
		return http.StatusServiceUnavailable, serverError
	})
	o := New(client, tools.NewSandbox(nil), memory.NewMapStore(), WithModels(testModels...))

	_, err := o.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendsExhausted)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Len(t, exhausted.Attempts, len(testModels))
	assert.Len(t, fb.Requests(), len(testModels))

	// the user turn stays on record
	turns := o.History().Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, RoleUser, turns[0].Role)
}

func TestRequestShape(t *testing.T) {
	store := memory.NewMapStore()
	require.NoError(t, store.Set(context.Background(), "user_name", "Johan"))
	fb, client := newBackend(t, func(int, sentRequest) (int, string) {
		return http.StatusOK, textReply("Hello Johan.")
	})
	sandbox := tools.NewSandbox(store)
	o := New(client, sandbox, store)

	_, err := o.SendMessage(context.Background(), "who am I")
	require.NoError(t, err)

	req := fb.Requests()[0]
	assert.Equal(t, "gpt-oss-120b", req.Model)
	assert.Equal(t, "auto", req.ToolChoice)
	assert.InDelta(t, 0.7, req.Temperature, 1e-6)
	assert.Equal(t, 500, req.MaxTokens)
	assert.Len(t, req.Tools, len(sandbox.Catalog()))

	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, `MEMORY CONTEXT: {"user_name":"Johan"}`)
	assert.Contains(t, req.Messages[0].Content, "DO NOT narrate your actions.")
	assert.Equal(t, sentMessage{Role: "user", Content: "who am I"}, req.Messages[1])
}

func TestMemorizeRoundTrip(t *testing.T) {
	store := memory.NewMapStore()
	fb, client := newBackend(t, func(n int, _ sentRequest) (int, string) {
		if n == 1 {
			return http.StatusOK, toolReply("memorize", `{"key":"color","value":"blue"}`)
		}
		return http.StatusOK, textReply("Noted.")
	})
	var observed []string
	o := New(client, tools.NewSandbox(store), store,
		WithModels(testModels...),
		WithToolObserver(func(name string) { observed = append(observed, name) }))

	reply, err := o.SendMessage(context.Background(), "remember my favorite color is blue")
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: "Noted.", ToolUsed: "memorize"}, reply)
	assert.Equal(t, []string{"memorize"}, observed)

	v, ok, err := store.Get(context.Background(), "color")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "blue", v)

	reqs := fb.Requests()
	require.Len(t, reqs, 2)
	followUp := reqs[1]
	assert.Equal(t, "llama3.1-8b", followUp.Model)
	assert.Empty(t, followUp.Tools)
	msgs := followUp.Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Equal(t, sentMessage{Role: "tool", Content: "Memory stored: [color] = blue", ToolCallID: "call_1"}, msgs[3])

	roles := []Role{}
	for _, turn := range o.History().Turns() {
		roles = append(roles, turn.Role)
	}
	assert.Equal(t, []Role{RoleUser, RoleAssistant, RoleTool, RoleAssistant}, roles)
}

func TestSleepToolShortCircuits(t *testing.T) {
	fb, client := newBackend(t, func(int, sentRequest) (int, string) {
		return http.StatusOK, toolReply(tools.SleepTool, `{}`)
	})
	o := New(client, tools.NewSandbox(nil), nil)

	reply, err := o.SendMessage(context.Background(), "sleep")
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: SleepReply, ToolUsed: tools.SleepTool}, reply)
	assert.Len(t, fb.Requests(), 1)
}

func TestMalformedToolArgumentsFailTheTurn(t *testing.T) {
	store := memory.NewMapStore()
	fb, client := newBackend(t, func(int, sentRequest) (int, string) {
		return http.StatusOK, toolReply("memorize", `{"key": "color", `)
	})
	o := New(client, tools.NewSandbox(store), store)

	_, err := o.SendMessage(context.Background(), "remember blue")
	assert.ErrorIs(t, err, ErrToolArguments)
	assert.Len(t, fb.Requests(), 1)
	assert.Equal(t, "{}", memory.Snapshot(context.Background(), store))
	assert.Equal(t, RoleUser, o.History().Turns()[0].Role)
}

func TestFollowUpFailure(t *testing.T) {
	_, client := newBackend(t, func(n int, _ sentRequest) (int, string) {
		if n == 1 {
			return http.StatusOK, toolReply("get_current_time", "")
		}
		return http.StatusInternalServerError, serverError
	})
	o := New(client, tools.NewSandbox(nil), nil)

	reply, err := o.SendMessage(context.Background(), "what time is it")
	assert.ErrorIs(t, err, ErrFollowUp)
	assert.Equal(t, "get_current_time", reply.ToolUsed)
}

func TestEmptyMessageRejected(t *testing.T) {
	o := New(nil, nil, nil)
	_, err := o.SendMessage(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(Turn{Role: RoleUser, Content: fmt.Sprint(i)})
	}
	turns := h.Turns()
	require.Len(t, turns, 3)
	assert.Equal(t, []string{"2", "3", "4"}, []string{turns[0].Content, turns[1].Content, turns[2].Content})
	for _, turn := range turns {
		assert.NotEmpty(t, turn.ID)
		assert.False(t, turn.CreatedAt.IsZero())
	}
}

func TestHistoryBoundedAcrossTurns(t *testing.T) {
	_, client := newBackend(t, func(int, sentRequest) (int, string) {
		return http.StatusOK, textReply("ok")
	})
	o := New(client, tools.NewSandbox(nil), nil)
	for i := 0; i < 30; i++ {
		_, err := o.SendMessage(context.Background(), fmt.Sprintf("message %d", i))
		require.NoError(t, err)
		assert.LessOrEqual(t, o.History().Len(), DefaultHistoryLimit)
	}
	turns := o.History().Turns()
	assert.Equal(t, "message 20", turns[0].Content)
}

// Package chat runs text turns against an OpenAI-compatible chat completion
// endpoint, with tool calling and ordered fallback across backend models.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nexus-voice-lab/internal/config"
	"github.com/nexus-voice-lab/internal/logging"
	"github.com/nexus-voice-lab/internal/memory"
	"github.com/nexus-voice-lab/internal/metrics"
	"github.com/nexus-voice-lab/internal/tools"
)

// SleepReply is returned, without a follow-up request, when the model asks
// the assistant to go to sleep.
const SleepReply = "System offline."

// ExhaustedMessage is the user-facing text of ErrBackendsExhausted.
const ExhaustedMessage = "All neural models unreachable."

var (
	ErrBackendsExhausted = errors.New("all neural models unreachable")
	ErrToolArguments     = errors.New("malformed tool arguments")
	ErrFollowUp          = errors.New("follow-up completion failed")
	ErrEmptyMessage      = errors.New("message is empty")

	errNoChoices = errors.New("response has no choices")
)

// ExhaustedError lists every backend attempted during a failed turn.
type ExhaustedError struct {
	Attempts []Attempt
}

type Attempt struct {
	Model string
	Err   error
}

func (e *ExhaustedError) Error() string {
	models := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		models[i] = a.Model
	}
	return fmt.Sprintf("%s (tried %s)", ErrBackendsExhausted, strings.Join(models, ", "))
}

func (e *ExhaustedError) Unwrap() error { return ErrBackendsExhausted }

// Completer is the part of *openai.Client the orchestrator uses.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Reply is the outcome of one user turn.
type Reply struct {
	Text     string `json:"text"`
	ToolUsed string `json:"tool_used,omitempty"`
}

// NewClient builds a go-openai client pointed at the configured endpoint.
func NewClient(cfg config.ChatConfig) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.TimeoutMS > 0 {
		oc.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	}
	return openai.NewClientWithConfig(oc)
}

type Orchestrator struct {
	client  Completer
	tools   tools.Executor
	store   memory.Store
	history *History

	models      []string
	followUp    string
	temperature float32
	maxTokens   int
	persona     string
	onToolUse   func(name string)

	// one turn at a time; history order depends on it
	turnMu sync.Mutex
}

type Option func(*Orchestrator)

func WithModels(models ...string) Option {
	return func(o *Orchestrator) {
		if len(models) > 0 {
			o.models = append([]string(nil), models...)
		}
	}
}

func WithFollowUpModel(model string) Option {
	return func(o *Orchestrator) {
		if model != "" {
			o.followUp = model
		}
	}
}

func WithSampling(temperature float64, maxTokens int) Option {
	return func(o *Orchestrator) {
		o.temperature = float32(temperature)
		if maxTokens > 0 {
			o.maxTokens = maxTokens
		}
	}
}

func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) { o.history = NewHistory(n) }
}

// WithToolObserver registers a callback fired with the name of every tool
// the model invokes, before it runs.
func WithToolObserver(fn func(name string)) Option {
	return func(o *Orchestrator) { o.onToolUse = fn }
}

// FromConfig applies the chat section of the configuration.
func FromConfig(cfg config.ChatConfig) Option {
	return func(o *Orchestrator) {
		WithModels(cfg.Models...)(o)
		WithFollowUpModel(cfg.FollowUpModel)(o)
		WithSampling(cfg.Temperature, cfg.MaxTokens)(o)
		if cfg.HistoryLimit > 0 {
			WithHistoryLimit(cfg.HistoryLimit)(o)
		}
	}
}

func New(client Completer, exec tools.Executor, store memory.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:      client,
		tools:       exec,
		store:       store,
		history:     NewHistory(DefaultHistoryLimit),
		models:      append([]string(nil), config.DefaultModels...),
		followUp:    "llama3.1-8b",
		temperature: 0.7,
		maxTokens:   500,
		persona:     "You are Nexus.",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) History() *History { return o.history }

func (o *Orchestrator) Models() []string { return append([]string(nil), o.models...) }

// SystemPrompt renders the instruction block sent ahead of the history,
// including the current memory snapshot.
func (o *Orchestrator) SystemPrompt(ctx context.Context) string {
	var b strings.Builder
	b.WriteString(o.persona)
	b.WriteString("\n\nCRITICAL INSTRUCTIONS:\n")
	b.WriteString("1. OUTPUT THE DIRECT ANSWER ONLY.\n")
	b.WriteString("2. DO NOT narrate your actions.\n")
	b.WriteString("3. NEVER say \"I am checking\", \"Let me look\", \"Accessing memory\", or \"I will do that\".\n")
	b.WriteString("4. If the user asks a question, answer it immediately.\n")
	b.WriteString("5. If the user gives a command, execute it silently and confirm with a single word if necessary.\n")
	b.WriteString("6. Use '" + tools.SleepTool + "' ONLY if user explicitly says \"shutdown\" or \"sleep\".\n")
	b.WriteString("\nMEMORY CONTEXT: ")
	b.WriteString(memory.Snapshot(ctx, o.store))
	return b.String()
}

// SendMessage runs one user turn to completion.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	turn := o.history.Append(Turn{Role: RoleUser, Content: text})
	messages := o.buildMessages(ctx)
	msg, err := o.complete(ctx, turn.ID, messages)
	if err != nil {
		return Reply{}, err
	}
	ctx = logging.WithFields(ctx, "turn.id", turn.ID)

	if len(msg.ToolCalls) == 0 {
		o.history.Append(Turn{Role: RoleAssistant, Content: msg.Content})
		return Reply{Text: msg.Content}, nil
	}
	return o.runTools(ctx, messages, msg)
}

func (o *Orchestrator) runTools(ctx context.Context, messages []openai.ChatCompletionMessage, msg openai.ChatCompletionMessage) (Reply, error) {
	args := make([]map[string]any, len(msg.ToolCalls))
	for i, call := range msg.ToolCalls {
		parsed, err := parseArguments(call.Function.Arguments)
		if err != nil {
			o.history.Append(Turn{Role: RoleAssistant, ToolName: call.Function.Name, Content: call.Function.Arguments})
			logging.WarnwCtx(ctx, "tool arguments rejected", "tool", call.Function.Name, "error", err)
			return Reply{ToolUsed: call.Function.Name}, fmt.Errorf("%w: %s: %v", ErrToolArguments, call.Function.Name, err)
		}
		args[i] = parsed
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
	})

	toolUsed := msg.ToolCalls[0].Function.Name
	for i, call := range msg.ToolCalls {
		name := call.Function.Name
		if o.onToolUse != nil {
			o.onToolUse(name)
		}
		o.history.Append(Turn{Role: RoleAssistant, ToolName: name, Content: call.Function.Arguments})

		result := o.tools.Execute(ctx, name, args[i])
		o.history.Append(Turn{Role: RoleTool, ToolName: name, Content: result})
		logging.InfowCtx(ctx, "tool call completed", "tool", name, "call_id", call.ID)

		if name == tools.SleepTool {
			o.history.Append(Turn{Role: RoleAssistant, Content: SleepReply})
			return Reply{Text: SleepReply, ToolUsed: tools.SleepTool}, nil
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    result,
			Name:       name,
			ToolCallID: call.ID,
		})
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.followUp,
		Messages:    messages,
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	})
	if err != nil {
		metrics.RecordChatRequest(o.followUp, "error", time.Since(start).Seconds())
		logging.WarnwCtx(ctx, "follow-up completion failed", "model", o.followUp, "error", err)
		return Reply{ToolUsed: toolUsed}, fmt.Errorf("%w: %v", ErrFollowUp, err)
	}
	metrics.RecordChatRequest(o.followUp, "success", time.Since(start).Seconds())

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	o.history.Append(Turn{Role: RoleAssistant, Content: text})
	return Reply{Text: text, ToolUsed: toolUsed}, nil
}

// complete tries each model in order and returns the first success.
func (o *Orchestrator) complete(ctx context.Context, turnID string, messages []openai.ChatCompletionMessage) (openai.ChatCompletionMessage, error) {
	catalog := o.catalog()
	var attempts []Attempt
	for i, model := range o.models {
		if err := ctx.Err(); err != nil {
			return openai.ChatCompletionMessage{}, err
		}
		start := time.Now()
		resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Messages:    messages,
			Tools:       catalog,
			ToolChoice:  "auto",
			Temperature: o.temperature,
			MaxTokens:   o.maxTokens,
		})
		elapsed := time.Since(start).Seconds()
		if err == nil && len(resp.Choices) == 0 {
			err = errNoChoices
		}
		if err == nil {
			metrics.RecordChatRequest(model, "success", elapsed)
			logging.DebugwCtx(ctx, "chat completion succeeded", logging.TurnFields(turnID, model, i+1)...)
			return resp.Choices[0].Message, nil
		}
		metrics.RecordChatRequest(model, "error", elapsed)
		logging.WarnwCtx(ctx, "chat backend failed, trying next",
			append(logging.TurnFields(turnID, model, i+1), "error", err)...)
		attempts = append(attempts, Attempt{Model: model, Err: err})
	}
	metrics.RecordBackendsExhausted()
	logging.ErrorwCtx(ctx, "all chat backends failed", "turn.id", turnID, "attempts", len(attempts))
	return openai.ChatCompletionMessage{}, &ExhaustedError{Attempts: attempts}
}

func (o *Orchestrator) catalog() []openai.Tool {
	if o.tools == nil {
		return nil
	}
	defs := o.tools.Catalog()
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

func (o *Orchestrator) buildMessages(ctx context.Context) []openai.ChatCompletionMessage {
	turns := o.history.Turns()
	out := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	out = append(out, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: o.SystemPrompt(ctx),
	})
	for _, t := range turns {
		if t.Role == RoleTool || t.ToolName != "" {
			continue
		}
		out = append(out, openai.ChatCompletionMessage{Role: string(t.Role), Content: t.Content})
	}
	return out
}

func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

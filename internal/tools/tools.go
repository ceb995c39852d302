// Package tools holds the catalog of functions the chat model may call and
// the sandbox that executes them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexus-voice-lab/internal/logging"
	"github.com/nexus-voice-lab/internal/memory"
	"github.com/nexus-voice-lab/internal/metrics"
)

// Tool names the orchestrator and assistant loop care about.
const (
	SleepTool   = "system_sleep"
	UnknownTool = "Tool execution failed: Unknown tool."
)

// Definition describes one callable function. Parameters is a JSON schema
// object and is passed through to the model API untouched.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Executor is what the chat orchestrator needs from a tool source.
type Executor interface {
	Catalog() []Definition
	Execute(ctx context.Context, name string, args map[string]any) string
}

// Remote is a tool source living outside the process, typically an MCP
// server.
type Remote interface {
	Tools(ctx context.Context) ([]Definition, error)
	Call(ctx context.Context, name string, args map[string]any) (string, error)
}

type handler func(ctx context.Context, args map[string]any) (string, error)

type builtin struct {
	def Definition
	fn  handler
}

// Sandbox executes built-in tools in-process and forwards everything else to
// registered remotes. Execute never returns an error; failures become the
// result string the model sees.
type Sandbox struct {
	store memory.Store
	now   func() time.Time

	mu       sync.RWMutex
	builtins map[string]builtin
	order    []string
	remote   map[string]remoteTool
}

type remoteTool struct {
	def    Definition
	source Remote
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sandbox) { s.now = now }
}

func NewSandbox(store memory.Store, opts ...Option) *Sandbox {
	if store == nil {
		store = memory.NewMapStore()
	}
	s := &Sandbox{
		store:    store,
		now:      time.Now,
		builtins: make(map[string]builtin),
		remote:   make(map[string]remoteTool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerBuiltins()
	return s
}

// Store returns the memory store the sandbox writes to.
func (s *Sandbox) Store() memory.Store { return s.store }

func (s *Sandbox) register(def Definition, fn handler) {
	if def.Parameters == nil {
		def.Parameters = Object(nil)
	}
	s.builtins[def.Name] = builtin{def: def, fn: fn}
	s.order = append(s.order, def.Name)
}

// AddRemote imports every tool a remote source advertises. Names that
// collide with a built-in are skipped; the built-in wins.
func (s *Sandbox) AddRemote(ctx context.Context, r Remote) (int, error) {
	defs, err := r.Tools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list remote tools: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, d := range defs {
		if _, ok := s.builtins[d.Name]; ok {
			logging.Warnw("remote tool shadowed by built-in", "tool", d.Name)
			continue
		}
		if d.Parameters == nil {
			d.Parameters = Object(nil)
		}
		s.remote[d.Name] = remoteTool{def: d, source: r}
		added++
	}
	return added, nil
}

// Catalog lists built-ins in registration order followed by remote tools
// sorted by name.
func (s *Sandbox) Catalog() []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Definition, 0, len(s.order)+len(s.remote))
	for _, name := range s.order {
		out = append(out, s.builtins[name].def)
	}
	names := make([]string, 0, len(s.remote))
	for name := range s.remote {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, s.remote[name].def)
	}
	return out
}

// Builtins lists only the in-process tools.
func (s *Sandbox) Builtins() []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Definition, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.builtins[name].def)
	}
	return out
}

// Execute runs the named tool and returns its result string.
func (s *Sandbox) Execute(ctx context.Context, name string, args map[string]any) string {
	start := time.Now()
	s.mu.RLock()
	b, isBuiltin := s.builtins[name]
	r, isRemote := s.remote[name]
	s.mu.RUnlock()

	var (
		out string
		err error
	)
	switch {
	case isBuiltin:
		out, err = b.fn(ctx, args)
	case isRemote:
		out, err = r.source.Call(ctx, name, args)
		if err != nil {
			out = "Tool execution failed: " + err.Error()
		}
	default:
		metrics.RecordToolCall(name, "unknown", time.Since(start).Seconds())
		logging.Warnw("unknown tool requested", "tool", name)
		return UnknownTool
	}

	status := "success"
	if err != nil {
		status = "error"
		logging.Warnw("tool failed", "tool", name, "error", err)
	}
	metrics.RecordToolCall(name, status, time.Since(start).Seconds())
	logging.Debugw("tool executed", "tool", name, "status", status)
	return out
}

// Object builds a JSON schema object with the given properties, all of which
// are required.
func Object(props map[string]map[string]any) map[string]any {
	schema := map[string]any{"type": "object"}
	properties := map[string]any{}
	required := make([]string, 0, len(props))
	for name, p := range props {
		properties[name] = p
		required = append(required, name)
	}
	sort.Strings(required)
	schema["properties"] = properties
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// StringArg returns args[key] rendered as a string. Non-string JSON values
// are re-encoded so that numbers and booleans survive.
func StringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return strings.Trim(string(b), `"`)
	}
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Fixed replies of the simulated device tools.
const (
	KnowledgeRecord = "[FOUND RECORD]: Johan is the Supreme Architect and Creator of the Nexus System. Access Level: OMNI."
	CalcError       = "Error evaluating expression"
	SleepAck        = "SLEEP_PROTOCOL_INITIATED"
	NoRecord        = "No record found."
	KeyNotFound     = "Key not found."
	MemoryWiped     = "Memory core wiped."

	timeLayout = "1/2/2006, 3:04:05 PM"
)

type diagnostic struct {
	Status          string `json:"status"`
	CPULoad         string `json:"cpu_load"`
	Memory          string `json:"memory"`
	Battery         string `json:"battery"`
	Network         string `json:"network"`
	ThreatsDetected int    `json:"threats_detected"`
}

func (s *Sandbox) registerBuiltins() {
	s.register(Definition{
		Name:        "get_current_time",
		Description: "Get the current local time and date.",
	}, func(context.Context, map[string]any) (string, error) {
		return s.now().Format(timeLayout), nil
	})

	s.register(Definition{
		Name:        "system_diagnostic",
		Description: "Run a full system diagnostic scan on the mobile device infrastructure.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"scan_type": map[string]any{
					"type":        "string",
					"enum":        []string{"quick", "full", "network"},
					"description": "The depth of the scan.",
				},
			},
		},
	}, func(context.Context, map[string]any) (string, error) {
		b, err := json.Marshal(diagnostic{
			Status:  "OPTIMAL",
			CPULoad: "12%",
			Memory:  "4.2GB / 8GB",
			Battery: "88%",
			Network: "SECURE_TUNNEL_ACTIVE",
		})
		return string(b), err
	})

	s.register(Definition{
		Name:        "calculator",
		Description: "Perform mathematical calculations.",
		Parameters: Object(map[string]map[string]any{
			"expression": stringProp("The mathematical expression to evaluate (e.g., \"2 + 2\", \"sqrt(16)\")."),
		}),
	}, func(_ context.Context, args map[string]any) (string, error) {
		v, err := Evaluate(StringArg(args, "expression"))
		if err != nil {
			return CalcError, err
		}
		return FormatNumber(v), nil
	})

	s.register(Definition{
		Name:        "search_knowledge_base",
		Description: "Search the internal encrypted knowledge base for data.",
		Parameters: Object(map[string]map[string]any{
			"query": stringProp("The search query."),
		}),
	}, func(context.Context, map[string]any) (string, error) {
		return KnowledgeRecord, nil
	})

	s.register(Definition{
		Name:        "memorize",
		Description: "Store a piece of information in long-term memory.",
		Parameters: Object(map[string]map[string]any{
			"key":   stringProp("A short, unique identifier for the memory (e.g., \"user_name\", \"favorite_color\")."),
			"value": stringProp("The information to remember."),
		}),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		key, value := strings.TrimSpace(StringArg(args, "key")), StringArg(args, "value")
		if err := s.store.Set(ctx, key, value); err != nil {
			return "Tool execution failed: " + err.Error(), err
		}
		return fmt.Sprintf("Memory stored: [%s] = %s", key, value), nil
	})

	s.register(Definition{
		Name:        "recall",
		Description: "Retrieve a specific piece of information from long-term memory.",
		Parameters: Object(map[string]map[string]any{
			"key": stringProp("The identifier of the memory to retrieve."),
		}),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		key := strings.TrimSpace(StringArg(args, "key"))
		if key == "" {
			return NoRecord, nil
		}
		v, ok, err := s.store.Get(ctx, key)
		if err != nil {
			return NoRecord, err
		}
		if !ok || v == "" {
			return NoRecord, nil
		}
		return v, nil
	})

	s.register(Definition{
		Name:        "forget",
		Description: "Delete a piece of information from long-term memory.",
		Parameters: Object(map[string]map[string]any{
			"key": stringProp("The identifier of the memory to delete."),
		}),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		key := strings.TrimSpace(StringArg(args, "key"))
		if key == "" {
			return KeyNotFound, nil
		}
		ok, err := s.store.Delete(ctx, key)
		if err != nil {
			return KeyNotFound, err
		}
		if !ok {
			return KeyNotFound, nil
		}
		return fmt.Sprintf("Memory deleted: [%s]", key), nil
	})

	s.register(Definition{
		Name:        "clear_memory",
		Description: "Erase everything stored in long-term memory.",
	}, func(ctx context.Context, _ map[string]any) (string, error) {
		if err := s.store.Clear(ctx); err != nil {
			return "Tool execution failed: " + err.Error(), err
		}
		return MemoryWiped, nil
	})

	s.register(Definition{
		Name:        SleepTool,
		Description: "Enter low-power sleep mode. Use this when the user says 'shutdown' or 'sleep'.",
	}, func(context.Context, map[string]any) (string, error) {
		return SleepAck, nil
	})
}

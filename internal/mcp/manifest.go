package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nexus-voice-lab/internal/logging"
	"github.com/nexus-voice-lab/internal/tools"
)

// Manifest is the mcpServers document shared with other MCP hosts.
type Manifest struct {
	Servers map[string]ServerConfig `json:"mcpServers" yaml:"mcpServers"`
}

// ServerConfig describes how to reach one MCP server: either a command to
// spawn or a remote transport.
type ServerConfig struct {
	Transport *TransportConfig  `json:"transport,omitempty" yaml:"transport,omitempty"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

type TransportConfig struct {
	Type string `json:"type" yaml:"type"`
	URL  string `json:"url,omitempty" yaml:"url,omitempty"`
}

// ManifestSet is the merge of every manifest found, with servers in name
// order.
type ManifestSet struct {
	Servers map[string]ServerConfig
	Order   []string
	Sources []string
}

// EnabledValue reports whether the server should be used; unset means yes.
func (s ServerConfig) EnabledValue() bool {
	return s.Enabled == nil || *s.Enabled
}

// LoadManifests reads the manifest named by overridePath, or otherwise merges
// the workspace manifest (.nexus/mcp.json) with the user manifest
// ($XDG_CONFIG_HOME/nexus/mcp.json). Later sources win per server name.
func LoadManifests(overridePath string) (ManifestSet, error) {
	set := ManifestSet{Servers: make(map[string]ServerConfig)}

	if overridePath != "" {
		path, err := expandPath(overridePath)
		if err != nil {
			return set, err
		}
		m, err := readManifest(path)
		if err != nil {
			return set, err
		}
		set.merge(path, m)
		return set, nil
	}

	for _, locate := range []func() (string, error){workspaceManifestPath, userManifestPath} {
		path, err := locate()
		if err != nil {
			return set, err
		}
		m, err := readManifest(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return set, err
		}
		set.merge(path, m)
	}
	return set, nil
}

func (s *ManifestSet) merge(source string, m Manifest) {
	for name, cfg := range m.Servers {
		s.Servers[name] = normalizeConfig(cfg)
	}
	s.Sources = append(s.Sources, source)
	s.Order = s.Order[:0]
	for name := range s.Servers {
		s.Order = append(s.Order, name)
	}
	sort.Strings(s.Order)
}

func normalizeConfig(cfg ServerConfig) ServerConfig {
	if cfg.Args != nil {
		out := make([]string, len(cfg.Args))
		for i, arg := range cfg.Args {
			out[i] = expandOrKeep(arg)
		}
		cfg.Args = out
	}
	cfg.Command = expandOrKeep(cfg.Command)
	if len(cfg.Env) > 0 {
		env := make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			env[k] = expandOrKeep(v)
		}
		cfg.Env = env
	}
	if cfg.Transport != nil {
		t := *cfg.Transport
		t.URL = expandOrKeep(t.URL)
		cfg.Transport = &t
	}
	return cfg
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if m.Servers == nil {
		m.Servers = make(map[string]ServerConfig)
	}
	return m, nil
}

func workspaceManifestPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, ".nexus", "mcp.json"), nil
}

func userManifestPath() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "nexus", "mcp.json"), nil
}

func expandOrKeep(v string) string {
	if out, err := expandPath(v); err == nil {
		return out
	}
	return v
}

func expandPath(value string) (string, error) {
	if !strings.HasPrefix(value, "~") {
		return value, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return value, err
	}
	if value == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(value, "~"), "/")), nil
}

// Connector attaches MCP clients; tests replace it.
type Connector interface {
	ConnectWebSocket(ctx context.Context, rawurl string) error
	ConnectCommand(ctx context.Context, serverName, command string, args []string, env map[string]string) error
	tools.Remote
	Close() error
}

// ImportTools connects to every enabled server in the set and adds its
// tools to the sandbox. A server that fails to connect is logged and
// skipped. The returned clients must be closed by the caller.
func ImportTools(ctx context.Context, sandbox *tools.Sandbox, set ManifestSet, newClient func(name string) Connector) []Connector {
	var clients []Connector
	for _, name := range set.Order {
		cfg := set.Servers[name]
		if !cfg.EnabledValue() {
			logging.Debugw("mcp server disabled", "server", name)
			continue
		}
		c := newClient(name)
		var err error
		switch {
		case cfg.Transport != nil && cfg.Transport.URL != "":
			err = c.ConnectWebSocket(ctx, cfg.Transport.URL)
		case cfg.Command != "":
			err = c.ConnectCommand(ctx, name, cfg.Command, cfg.Args, cfg.Env)
		default:
			err = errors.New("neither transport.url nor command set")
		}
		if err != nil {
			logging.Warnw("mcp server unavailable", "server", name, "error", err)
			_ = c.Close()
			continue
		}
		n, err := sandbox.AddRemote(ctx, c)
		if err != nil {
			logging.Warnw("mcp tool import failed", "server", name, "error", err)
			_ = c.Close()
			continue
		}
		logging.Infow("mcp tools imported", "server", name, "count", n)
		clients = append(clients, c)
	}
	return clients
}

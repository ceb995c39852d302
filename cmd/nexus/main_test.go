package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/chat"
	"github.com/nexus-voice-lab/internal/config"
	"github.com/nexus-voice-lab/internal/memory"
)

func TestNewStoreBackends(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := newStore(ctx, config.MemoryConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &memory.MapStore{}, s)
	assert.NoError(t, closeFn())

	dir := t.TempDir()
	s, _, err = newStore(ctx, config.MemoryConfig{Backend: "file", Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "name", "Ada"))
	assert.FileExists(t, filepath.Join(dir, memory.StorageKey+".json"))

	mr := miniredis.RunT(t)
	s, closeFn, err = newStore(ctx, config.MemoryConfig{Backend: "redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "city", "Oslo"))
	assert.Equal(t, "Oslo", mr.HGet("nexus:"+memory.StorageKey, "city"))
	assert.NoError(t, closeFn())

	mr.Close()
	_, _, err = newStore(ctx, config.MemoryConfig{Backend: "redis", RedisAddr: mr.Addr()})
	assert.Error(t, err)
}

func TestToolsListCommand(t *testing.T) {
	t.Setenv("MEMORY_BACKEND", "memory")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("NEXUS_CONFIG", "")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"tools", "list", "--no-mcp"})
	require.NoError(t, root.Execute())

	text := out.String()
	for _, name := range []string{"get_current_time", "calculator", "memorize", "system_sleep"} {
		assert.Contains(t, text, name)
	}
}

func TestChatCommandNeedsKey(t *testing.T) {
	t.Setenv("MEMORY_BACKEND", "memory")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("CEREBRAS_API_KEY", "")
	t.Setenv("NEXUS_CONFIG", "")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"chat", "hello"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CEREBRAS_API_KEY")
}

func TestBadConfigFails(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("NEXUS_CONFIG", "")
	root := newRootCmd()
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "tools", "list"})
	assert.Error(t, root.Execute())
}

type senderFunc func(ctx context.Context, text string) (chat.Reply, error)

func (f senderFunc) SendMessage(ctx context.Context, text string) (chat.Reply, error) {
	return f(ctx, text)
}

func TestChatLines(t *testing.T) {
	var seen []string
	s := senderFunc(func(_ context.Context, text string) (chat.Reply, error) {
		seen = append(seen, text)
		switch text {
		case "down":
			return chat.Reply{}, &chat.ExhaustedError{}
		case "broken":
			return chat.Reply{}, errors.New("boom")
		case "time?":
			return chat.Reply{Text: "Noon.", ToolUsed: "get_current_time"}, nil
		}
		return chat.Reply{Text: "Hi."}, nil
	})

	var out bytes.Buffer
	in := strings.NewReader("hello\n\n  \ndown\nbroken\ntime?\n")
	require.NoError(t, chatLines(context.Background(), s, in, &out))

	assert.Equal(t, []string{"hello", "down", "broken", "time?"}, seen)
	assert.Equal(t, "Hi.\nerror: "+chat.ExhaustedMessage+"\nerror: boom\n[get_current_time] Noon.\n", out.String())
}

type listCapture struct{ devices []audio.DeviceInfo }

func (c listCapture) Open(context.Context, audio.Constraints) (audio.Track, error) {
	return nil, errors.New("not used")
}

func (c listCapture) Devices(context.Context) ([]audio.DeviceInfo, error) { return c.devices, nil }

func TestListDevices(t *testing.T) {
	var out bytes.Buffer
	c := listCapture{devices: []audio.DeviceInfo{{DeviceID: "mic-a", Label: "USB"}, {DeviceID: "mic-b", Label: "Headset"}}}
	require.NoError(t, listDevices(context.Background(), c, "mic-b", &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "mic-a")
	assert.NotContains(t, lines[1], "*")
	assert.True(t, strings.HasPrefix(lines[2], "*"))

	out.Reset()
	require.NoError(t, listDevices(context.Background(), listCapture{}, "", &out))
	assert.Equal(t, "no input devices found\n", out.String())
}

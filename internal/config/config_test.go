package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultModels, cfg.Chat.Models)
	assert.Equal(t, "llama3.1-8b", cfg.Chat.FollowUpModel)
	assert.Equal(t, 20, cfg.Chat.HistoryLimit)
	assert.Equal(t, []string{"nexus", "hey nexus", "ok nexus"}, cfg.Voice.WakePhrases)
	assert.Equal(t, "Zephyr", cfg.Live.Voice)
	assert.Equal(t, "Kore", cfg.TTS.Voice)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "nexus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chat:
  models: [a, b]
voice:
  command_timeout: 3s
memory:
  backend: memory
`), 0o644))

	t.Setenv("NEXUS_CONFIG", path)
	t.Setenv("WAKE_PHRASES", "Computer, Hey Computer")
	t.Setenv("CHAT_MAX_TOKENS", "123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cfg.Chat.Models)
	assert.Equal(t, 3*time.Second, cfg.Voice.CommandTimeout)
	assert.Equal(t, "memory", cfg.Memory.Backend)
	assert.Equal(t, []string{"computer", "hey computer"}, cfg.Voice.WakePhrases)
	assert.Equal(t, 123, cfg.Chat.MaxTokens)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LIVE_VOICE=Puck\n"), 0o644))
	t.Setenv("NEXUS_CONFIG", "")
	// godotenv never overrides variables that are already set, so make sure
	// the key starts out unset and is cleaned up afterwards.
	t.Setenv("LIVE_VOICE", "")
	require.NoError(t, os.Unsetenv("LIVE_VOICE"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "Puck", cfg.Live.Voice)
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	cfg := Default()
	cfg.Memory.Backend = "sqlite"
	cfg.Audio.Backend = "alsa"
	cfg.Chat.Models = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
	assert.Contains(t, err.Error(), "alsa")
	assert.Contains(t, err.Error(), "chat.models")
}

func TestEnvDurationAcceptsMilliseconds(t *testing.T) {
	t.Setenv("X_TIMEOUT", "1500")
	assert.Equal(t, 1500*time.Millisecond, envDuration(time.Second, "X_TIMEOUT"))
	t.Setenv("X_TIMEOUT", "2m")
	assert.Equal(t, 2*time.Minute, envDuration(time.Second, "X_TIMEOUT"))
	t.Setenv("X_TIMEOUT", "bogus")
	assert.Equal(t, time.Second, envDuration(time.Second, "X_TIMEOUT"))
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration. Values come from, in order of
// increasing precedence: defaults, the YAML file named by NEXUS_CONFIG, and
// environment variables (optionally seeded from a .env file).
type Config struct {
	Live     LiveConfig    `yaml:"live"`
	Chat     ChatConfig    `yaml:"chat"`
	Voice    VoiceConfig   `yaml:"voice"`
	TTS      TTSConfig     `yaml:"tts"`
	STT      STTConfig     `yaml:"stt"`
	Memory   MemoryConfig  `yaml:"memory"`
	Audio    AudioConfig   `yaml:"audio"`
	Discord  DiscordConfig `yaml:"discord"`
	Control  ControlConfig `yaml:"control"`
	MCP      MCPConfig     `yaml:"mcp"`
	LogLevel string        `yaml:"log_level"`
}

type LiveConfig struct {
	APIKey            string `yaml:"api_key"`
	URL               string `yaml:"url"`
	Model             string `yaml:"model"`
	Voice             string `yaml:"voice"`
	SystemInstruction string `yaml:"system_instruction"`
}

type ChatConfig struct {
	APIKey        string   `yaml:"api_key"`
	BaseURL       string   `yaml:"base_url"`
	Models        []string `yaml:"models"`
	FollowUpModel string   `yaml:"follow_up_model"`
	Temperature   float64  `yaml:"temperature"`
	MaxTokens     int      `yaml:"max_tokens"`
	HistoryLimit  int      `yaml:"history_limit"`
	TimeoutMS     int      `yaml:"timeout_ms"`
}

type VoiceConfig struct {
	WakePhrases     []string      `yaml:"wake_phrases"`
	PreferredVoices []string      `yaml:"preferred_voices"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	WakeAck         string        `yaml:"wake_ack"`
	FailureNotice   string        `yaml:"failure_notice"`
	Pitch           float64       `yaml:"pitch"`
	Rate            float64       `yaml:"rate"`
}

type TTSConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	Voice     string `yaml:"voice"`
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
	VoicesURL string `yaml:"voices_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type STTConfig struct {
	WhisperURL     string  `yaml:"whisper_url"`
	TimeoutMS      int     `yaml:"timeout_ms"`
	Language       string  `yaml:"language"`
	VADThreshold   float64 `yaml:"vad_rms_threshold"`
	SilenceMS      int     `yaml:"vad_silence_ms"`
	MaxUtteranceMS int     `yaml:"max_utterance_ms"`
	MinUtteranceMS int     `yaml:"min_utterance_ms"`
}

type MemoryConfig struct {
	Backend       string `yaml:"backend"`
	Dir           string `yaml:"dir"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type AudioConfig struct {
	Backend     string `yaml:"backend"`
	InputFormat string `yaml:"input_format"`
	InputDevice string `yaml:"input_device"`
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFplayPath  string `yaml:"ffplay_path"`
}

type DiscordConfig struct {
	Token          string `yaml:"token"`
	GuildID        string `yaml:"guild_id"`
	VoiceChannelID string `yaml:"voice_channel_id"`
}

type ControlConfig struct {
	Addr string `yaml:"addr"`
}

type MCPConfig struct {
	ServiceName string `yaml:"service_name"`
	ServerURL   string `yaml:"server_url"`
	ToolsPort   string `yaml:"tools_port"`
}

const (
	DefaultLiveURL   = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultLiveModel = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultPersona   = "You are Nexus, a futuristic, helpful AI. Speak concisely and clearly."
	DefaultChatURL   = "https://api.cerebras.ai/v1"
)

// DefaultModels is the ordered backend fallback list for chat turns.
var DefaultModels = []string{
	"gpt-oss-120b",
	"llama3.1-8b",
	"llama-3.3-70b",
	"qwen-3-32b",
	"qwen-3-235b-a22b-instruct",
	"zai-glm-4.7",
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Live: LiveConfig{
			URL:               DefaultLiveURL,
			Model:             DefaultLiveModel,
			Voice:             "Zephyr",
			SystemInstruction: DefaultPersona,
		},
		Chat: ChatConfig{
			BaseURL:       DefaultChatURL,
			Models:        append([]string(nil), DefaultModels...),
			FollowUpModel: "llama3.1-8b",
			Temperature:   0.7,
			MaxTokens:     500,
			HistoryLimit:  20,
			TimeoutMS:     20000,
		},
		Voice: VoiceConfig{
			WakePhrases:     []string{"nexus", "hey nexus", "ok nexus"},
			PreferredVoices: []string{"en_US-amy-medium", "Amy", "Microsoft Zira", "Google US English", "Samantha", "Kore"},
			CommandTimeout:  8 * time.Second,
			WakeAck:         "Yes?",
			FailureNotice:   "Neural link unavailable. Please try again.",
			Pitch:           1.05,
			Rate:            1.15,
		},
		TTS: TTSConfig{
			Model:     "gemini-2.5-flash-preview-tts",
			Voice:     "Kore",
			TimeoutMS: 10000,
		},
		STT: STTConfig{
			TimeoutMS:      15000,
			VADThreshold:   0.02,
			SilenceMS:      700,
			MaxUtteranceMS: 15000,
			MinUtteranceMS: 250,
		},
		Memory: MemoryConfig{
			Backend: "file",
			Dir:     defaultDataDir(),
		},
		Audio: AudioConfig{
			Backend:     "ffmpeg",
			InputFormat: defaultInputFormat(),
			InputDevice: "default",
			FFmpegPath:  "ffmpeg",
			FFplayPath:  "ffplay",
		},
		Control:  ControlConfig{Addr: ":8080"},
		MCP:      MCPConfig{ServiceName: "nexus", ToolsPort: "9001"},
		LogLevel: "info",
	}
}

// Load reads .env (if present), the optional YAML file named by NEXUS_CONFIG,
// and then applies environment overrides.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("NEXUS_CONFIG")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Live.APIKey = envString(c.Live.APIKey, "GEMINI_API_KEY", "API_KEY")
	c.Live.URL = envString(c.Live.URL, "LIVE_URL")
	c.Live.Model = envString(c.Live.Model, "LIVE_MODEL")
	c.Live.Voice = envString(c.Live.Voice, "LIVE_VOICE")

	c.Chat.APIKey = envString(c.Chat.APIKey, "CEREBRAS_API_KEY")
	c.Chat.BaseURL = envString(c.Chat.BaseURL, "CEREBRAS_BASE_URL")
	c.Chat.Models = envList(c.Chat.Models, "CHAT_MODELS")
	c.Chat.FollowUpModel = envString(c.Chat.FollowUpModel, "CHAT_FOLLOW_UP_MODEL")
	c.Chat.MaxTokens = envInt(c.Chat.MaxTokens, "CHAT_MAX_TOKENS")

	c.Voice.WakePhrases = lower(envList(c.Voice.WakePhrases, "WAKE_PHRASES"))
	c.Voice.PreferredVoices = envList(c.Voice.PreferredVoices, "PREFERRED_VOICES")
	c.Voice.CommandTimeout = envDuration(c.Voice.CommandTimeout, "COMMAND_TIMEOUT")
	c.Voice.WakeAck = envString(c.Voice.WakeAck, "WAKE_ACK")

	c.TTS.APIKey = envString(c.TTS.APIKey, "GEMINI_API_KEY", "API_KEY")
	c.TTS.BaseURL = envString(c.TTS.BaseURL, "GEMINI_BASE_URL")
	c.TTS.Model = envString(c.TTS.Model, "TTS_MODEL")
	c.TTS.Voice = envString(c.TTS.Voice, "TTS_VOICE")
	c.TTS.URL = envString(c.TTS.URL, "TTS_URL")
	c.TTS.AuthToken = envString(c.TTS.AuthToken, "TTS_AUTH_TOKEN")
	c.TTS.VoicesURL = envString(c.TTS.VoicesURL, "TTS_VOICES_URL")
	c.TTS.TimeoutMS = envInt(c.TTS.TimeoutMS, "TTS_TIMEOUT_MS")

	c.STT.WhisperURL = envString(c.STT.WhisperURL, "WHISPER_URL")
	c.STT.TimeoutMS = envInt(c.STT.TimeoutMS, "WHISPER_TIMEOUT_MS")
	c.STT.Language = envString(c.STT.Language, "STT_LANGUAGE")
	c.STT.VADThreshold = envFloat(c.STT.VADThreshold, "VAD_RMS_THRESHOLD")
	c.STT.SilenceMS = envInt(c.STT.SilenceMS, "VAD_SILENCE_MS")
	c.STT.MaxUtteranceMS = envInt(c.STT.MaxUtteranceMS, "MAX_UTTERANCE_MS")

	c.Memory.Backend = strings.ToLower(envString(c.Memory.Backend, "MEMORY_BACKEND"))
	c.Memory.Dir = envString(c.Memory.Dir, "MEMORY_DIR")
	c.Memory.RedisAddr = envString(c.Memory.RedisAddr, "REDIS_ADDR")
	c.Memory.RedisPassword = envString(c.Memory.RedisPassword, "REDIS_PASSWORD")
	c.Memory.RedisDB = envInt(c.Memory.RedisDB, "REDIS_DB")

	c.Audio.Backend = strings.ToLower(envString(c.Audio.Backend, "AUDIO_BACKEND"))
	c.Audio.InputFormat = envString(c.Audio.InputFormat, "FFMPEG_INPUT_FORMAT")
	c.Audio.InputDevice = envString(c.Audio.InputDevice, "INPUT_DEVICE")

	c.Discord.Token = envString(c.Discord.Token, "DISCORD_BOT_TOKEN")
	c.Discord.GuildID = envString(c.Discord.GuildID, "GUILD_ID")
	c.Discord.VoiceChannelID = envString(c.Discord.VoiceChannelID, "VOICE_CHANNEL_ID")

	c.Control.Addr = envString(c.Control.Addr, "CONTROL_ADDR")
	c.MCP.ServiceName = envString(c.MCP.ServiceName, "MCP_SERVICE_NAME")
	c.MCP.ServerURL = envString(c.MCP.ServerURL, "MCP_SERVER_URL")
	c.MCP.ToolsPort = envString(c.MCP.ToolsPort, "PORT")
	c.LogLevel = envString(c.LogLevel, "LOG_LEVEL")
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c Config) Validate() error {
	var errs []error
	if len(c.Chat.Models) == 0 {
		errs = append(errs, errors.New("chat.models must not be empty"))
	}
	if c.Chat.HistoryLimit <= 0 {
		errs = append(errs, errors.New("chat.history_limit must be positive"))
	}
	if len(c.Voice.WakePhrases) == 0 {
		errs = append(errs, errors.New("voice.wake_phrases must not be empty"))
	}
	switch c.Memory.Backend {
	case "file", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown memory backend %q", c.Memory.Backend))
	}
	if c.Memory.Backend == "redis" && c.Memory.RedisAddr == "" {
		errs = append(errs, errors.New("memory.redis_addr required for redis backend"))
	}
	switch c.Audio.Backend {
	case "ffmpeg", "discord":
	default:
		errs = append(errs, fmt.Errorf("unknown audio backend %q", c.Audio.Backend))
	}
	return errors.Join(errs...)
}

func envString(def string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return def
}

func envInt(def int, key string) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(def float64, key string) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// envDuration accepts Go durations ("8s") or bare milliseconds ("8000").
func envDuration(def time.Duration, key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func envList(def []string, key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func defaultDataDir() string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, "nexus")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "nexus")
	}
	return ".nexus"
}

func defaultInputFormat() string {
	if runtime.GOOS == "darwin" {
		return "avfoundation"
	}
	return "pulse"
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime settings for the bridge. Everything is read from
// the environment once at startup; components receive the values they need
// through constructors rather than reading os.Getenv themselves.
type Config struct {
	// Discord
	DiscordToken   string
	GuildID        string
	VoiceChannelID string
	TargetUserID   string

	// Speech agent link
	AgentURL       string
	AgentAuthToken string
	IdleClose      time.Duration
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	MaxReconnects  int

	// Capture / voice activity gate
	VADThreshold int
	Hangover     time.Duration
	ChunkMs      int

	// Utterance reassembly
	AssemblerGap time.Duration

	// Playback
	PlaybackQueue int

	// Command surface (MCP). Empty disables the listener.
	CommandAddr string
}

// Load reads configuration from the environment. Missing credentials are a
// hard error; tuning knobs fall back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DiscordToken:   strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
		GuildID:        strings.TrimSpace(os.Getenv("GUILD_ID")),
		VoiceChannelID: strings.TrimSpace(os.Getenv("VOICE_CHANNEL_ID")),
		TargetUserID:   strings.TrimSpace(os.Getenv("TARGET_USER_ID")),
		AgentURL:       strings.TrimSpace(os.Getenv("AGENT_WS_URL")),
		AgentAuthToken: strings.TrimSpace(os.Getenv("AGENT_AUTH_TOKEN")),
		IdleClose:      envDurationMs("AGENT_IDLE_CLOSE_MS", 90_000),
		ReconnectDelay: envDurationMs("AGENT_RECONNECT_DELAY_MS", 2_000),
		ConnectTimeout: envDurationMs("AGENT_CONNECT_TIMEOUT_MS", 15_000),
		MaxReconnects:  envInt("AGENT_MAX_RECONNECTS", 0),
		VADThreshold:   envInt("VAD_RMS_THRESHOLD", 500),
		Hangover:       envDurationMs("VAD_HANGOVER_MS", 300),
		ChunkMs:        envInt("CAPTURE_CHUNK_MS", 20),
		AssemblerGap:   envDurationMs("ASSEMBLER_IDLE_FLUSH_MS", 1_000),
		PlaybackQueue:  envInt("PLAYBACK_QUEUE", 8),
		CommandAddr:    strings.TrimSpace(os.Getenv("COMMAND_LISTEN_ADDR")),
	}

	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_BOT_TOKEN required")
	}
	if cfg.AgentURL == "" {
		return nil, fmt.Errorf("AGENT_WS_URL required")
	}
	if cfg.VADThreshold <= 0 {
		return nil, fmt.Errorf("VAD_RMS_THRESHOLD must be positive, got %d", cfg.VADThreshold)
	}
	if cfg.ChunkMs <= 0 {
		return nil, fmt.Errorf("CAPTURE_CHUNK_MS must be positive, got %d", cfg.ChunkMs)
	}
	return cfg, nil
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationMs(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}

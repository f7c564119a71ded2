package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/discord-agent-bridge/internal/bridge"
	"github.com/discord-agent-bridge/internal/command"
	"github.com/discord-agent-bridge/internal/config"
	"github.com/discord-agent-bridge/internal/logging"
)

func main() {
	sugar := logging.Init()
	if sugar == nil {
		l, _ := zap.NewProduction()
		defer l.Sync()
		sugar = l.Sugar()
	}

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		sugar.Fatalf("discordgo.New: %v", err)
	}

	// Guilds + GuildVoiceStates are enough to join voice channels and track
	// who is in them; anything beyond that would be a privileged intent.
	if dg.Identify.Intents == 0 {
		dg.Identify = discordgo.Identify{Intents: discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates}
	}
	sugar.Infow("using gateway intents", "intents", dg.Identify.Intents)

	if err := dg.Open(); err != nil {
		sugar.Fatalf("discord session open failed: %v", err)
	}
	sugar.Infow("discord session opened")

	registry := bridge.NewRegistry(dg, cfg)

	cmdSrv := command.NewServer(cfg.CommandAddr, registry)
	if err := cmdSrv.Start(); err != nil {
		sugar.Fatalf("command server: %v", err)
	}

	// If configured, bring the bridge up in a channel immediately; otherwise
	// the command surface is the only way in.
	if cfg.GuildID != "" && cfg.VoiceChannelID != "" {
		if _, err := registry.Join(cfg.GuildID, cfg.VoiceChannelID, cfg.TargetUserID); err != nil {
			sugar.Warnf("auto-join failed: %v", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	sugar.Infow("shutdown signal received, closing resources")

	registry.CloseAll()
	if err := cmdSrv.Shutdown(context.Background()); err != nil {
		sugar.Warnf("command server shutdown error: %v", err)
	}
	if err := dg.Close(); err != nil {
		sugar.Warnf("discord session close error: %v", err)
	}

	if l := zap.L(); l != nil {
		_ = l.Sync()
	}
	sugar.Info("shutdown complete")
}

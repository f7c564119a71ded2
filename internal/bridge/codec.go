package bridge

import (
	"fmt"

	"github.com/hraban/opus"

	"github.com/discord-agent-bridge/internal/audio"
)

// The Opus codec is an opaque transform with a known byte-rate on both
// sides of the bridge. These interfaces keep the pipeline testable without a
// real codec behind them.

type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

func newOpusDecoder() (opusDecoder, error) {
	dec, err := opus.NewDecoder(audio.DiscordSampleRate, audio.DiscordChannels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return dec, nil
}

func newOpusEncoder() (opusEncoder, error) {
	enc, err := opus.NewEncoder(audio.DiscordSampleRate, audio.DiscordChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return enc, nil
}

package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-agent-bridge/internal/assembler"
	"github.com/discord-agent-bridge/internal/audio"
	"github.com/discord-agent-bridge/internal/config"
	"github.com/discord-agent-bridge/internal/link"
	"github.com/discord-agent-bridge/internal/logging"
)

// agentLink is the outbound socket supervisor as the session sees it.
// Satisfied by *link.Supervisor.
type agentLink interface {
	Connect() error
	Close()
	SendAudioChunk(pcm []byte) error
	SendEndOfUtterance() error
	SendText(text string) error
	SendContext(text string) error
	State() link.State
}

// Session is the per-channel aggregate wiring capture → agent link →
// assembler → playback, and coordinating their shared lifecycle. At most one
// capture pipeline and one playback pipeline live per session.
type Session struct {
	guildID   string
	channelID string
	cfg       *config.Config

	link       agentLink
	asm        *assembler.Assembler
	playback   *playbackSession
	vc         *discordgo.VoiceConnection
	recv       <-chan *discordgo.Packet
	newDecoder func() (opusDecoder, error)

	mu       sync.Mutex
	ssrcMap  map[uint32]string
	capture  *captureSession
	targetID string
	leaving  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Join connects the bot to a voice channel and builds the full bridge:
// playback pipeline (once), agent link, and, when targetUserID is set, the
// capture pipeline. A setup error tears down whatever already started.
func Join(dg *discordgo.Session, cfg *config.Config, guildID, channelID, targetUserID string) (*Session, error) {
	vc, err := dg.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("join voice channel %s: %w", channelID, err)
	}

	enc, err := newOpusEncoder()
	if err != nil {
		_ = vc.Disconnect()
		return nil, err
	}

	linkFactory := func(ev link.Events) agentLink {
		return link.New(link.Config{
			URL:            cfg.AgentURL,
			AuthToken:      cfg.AgentAuthToken,
			IdleClose:      cfg.IdleClose,
			ReconnectDelay: cfg.ReconnectDelay,
			ConnectTimeout: cfg.ConnectTimeout,
			MaxReconnects:  cfg.MaxReconnects,
		}, ev)
	}

	s := newSession(cfg, guildID, channelID, linkFactory, enc, &discordSink{vc: vc}, vc.OpusRecv, newOpusDecoder)
	s.vc = vc

	// Speaking updates arrive on the voice websocket and map SSRC → user so
	// the receive loop can filter for the capture target.
	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		s.handleSpeaking(uint32(su.SSRC), su.UserID)
	})

	if err := s.start(targetUserID); err != nil {
		// Leave is the single teardown funnel; it also reaps the receive
		// loop when start failed partway through.
		_ = s.Leave()
		return nil, err
	}
	logging.Infow("session: joined", "guild_id", guildID, "channel_id", channelID, "target", targetUserID)
	return s, nil
}

// newSession wires the owned components. The link is built through a factory
// so its inbound dispatch lands in this session's assembler. The voice
// connection itself is attached by Join; tests drive the session through recv
// directly.
func newSession(cfg *config.Config, guildID, channelID string, newLink func(link.Events) agentLink,
	enc opusEncoder, sink playbackSink, recv <-chan *discordgo.Packet,
	newDecoder func() (opusDecoder, error)) *Session {

	s := &Session{
		guildID:    guildID,
		channelID:  channelID,
		cfg:        cfg,
		recv:       recv,
		newDecoder: newDecoder,
		ssrcMap:    make(map[uint32]string),
		done:       make(chan struct{}),
	}
	s.playback = newPlaybackSession(enc, sink, cfg.PlaybackQueue)
	s.asm = assembler.New(cfg.AssemblerGap, func(pcm []byte) {
		if err := s.playback.write(pcm); err != nil {
			logging.Debugw("session: playback write aborted", "err", err)
		}
	})
	s.link = newLink(link.Events{Audio: s.routeAudio, AudioEnd: s.asm.End})
	return s
}

func (s *Session) start(targetUserID string) error {
	s.playback.ensureStarted()
	if err := s.link.Connect(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.receiveLoop()
	if targetUserID != "" {
		if err := s.Retarget(targetUserID); err != nil {
			return err
		}
	}
	return nil
}

// routeAudio feeds inbound agent audio into the assembler: sequenced
// fragments through the reordering path, deltas through arrival-order append.
func (s *Session) routeAudio(pcm []byte, seq *int) {
	if seq != nil {
		s.asm.SubmitSequenced(*seq, pcm)
		return
	}
	s.asm.SubmitDelta(pcm)
}

// Retarget switches the capture pipeline to a new user. The previous
// pipeline is torn down first; there is never more than one live capture per
// session.
func (s *Session) Retarget(userID string) error {
	if userID == "" {
		return fmt.Errorf("target user id required")
	}
	s.mu.Lock()
	if s.leaving {
		s.mu.Unlock()
		return fmt.Errorf("session is closing")
	}
	old := s.capture
	s.capture = nil
	s.mu.Unlock()
	if old != nil {
		old.stop()
	}

	dec, err := s.newDecoder()
	if err != nil {
		return fmt.Errorf("build capture pipeline: %w", err)
	}
	hangoverMs := int(s.cfg.Hangover.Milliseconds())
	gate := audio.NewGate(s.cfg.VADThreshold, hangoverMs, s.cfg.ChunkMs)
	cs := newCaptureSession(userID, dec, gate, s.link, s.handleCaptureFailure)

	s.mu.Lock()
	if s.leaving {
		s.mu.Unlock()
		cs.stop()
		return fmt.Errorf("session is closing")
	}
	s.capture = cs
	s.targetID = userID
	s.mu.Unlock()
	logging.Infow("session: capture targeted", "channel_id", s.channelID, "user_id", userID)
	return nil
}

// handleCaptureFailure recovers from a pipeline stage fault by rebuilding
// the capture pipeline for the current target. The session itself stays up.
func (s *Session) handleCaptureFailure(err error) {
	s.mu.Lock()
	target := s.targetID
	leaving := s.leaving
	s.mu.Unlock()
	if leaving || target == "" {
		return
	}
	logging.Warnw("session: capture fault, rebuilding", "channel_id", s.channelID, "err", err)
	go func() {
		if rerr := s.Retarget(target); rerr != nil {
			logging.Errorw("session: capture rebuild failed", "channel_id", s.channelID, "err", rerr)
		}
	}()
}

// Say forwards a text prompt to the agent. The caller gets a reason when the
// link cannot take it.
func (s *Session) Say(text string) error {
	if s.link.State() != link.StateReady {
		return fmt.Errorf("link not ready")
	}
	return s.link.SendText(text)
}

// UpdateContext pushes contextual text to the agent.
func (s *Session) UpdateContext(text string) error {
	if s.link.State() != link.StateReady {
		return fmt.Errorf("link not ready")
	}
	return s.link.SendContext(text)
}

// ConnectLink re-opens the agent link after an idle close.
func (s *Session) ConnectLink() error { return s.link.Connect() }

// Target returns the current capture target, if any.
func (s *Session) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetID
}

// Leave tears the whole session down: capture, agent link (intentionally, so
// no reconnect fires), assembler and playback, then the voice connection.
// All teardown funnels through here and the method is idempotent.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.leaving {
		s.mu.Unlock()
		return nil
	}
	s.leaving = true
	cs := s.capture
	s.capture = nil
	s.mu.Unlock()

	if cs != nil {
		cs.stop()
	}
	close(s.done)
	s.teardown()
	s.wg.Wait()
	if s.vc != nil {
		if err := s.vc.Disconnect(); err != nil {
			logging.Warnw("session: voice disconnect failed", "channel_id", s.channelID, "err", err)
		}
	}
	logging.Infow("session: left", "channel_id", s.channelID)
	return nil
}

func (s *Session) teardown() {
	s.link.Close()
	s.asm.Close()
	s.playback.close()
}

func (s *Session) handleSpeaking(ssrc uint32, userID string) {
	s.mu.Lock()
	s.ssrcMap[ssrc] = userID
	s.mu.Unlock()
	logging.Debugw("session: mapped ssrc", "ssrc", ssrc, "user_id", userID)
}

// receiveLoop drains inbound Opus packets and forwards the capture target's
// frames. When the upstream stream ends, the capture pipeline is stopped so
// nothing writes to a finalized stage.
func (s *Session) receiveLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case pkt, ok := <-s.recv:
			if !ok {
				s.mu.Lock()
				cs := s.capture
				s.capture = nil
				s.mu.Unlock()
				if cs != nil {
					cs.stop()
				}
				logging.Infow("session: inbound audio stream ended", "channel_id", s.channelID)
				return
			}
			if pkt == nil {
				continue
			}
			s.mu.Lock()
			uid := s.ssrcMap[uint32(pkt.SSRC)]
			cs := s.capture
			target := s.targetID
			s.mu.Unlock()
			if cs != nil && uid != "" && uid == target {
				cs.handleOpusFrame(pkt.Opus)
			}
		}
	}
}

// discordSink adapts a live voice connection to the playback sink. Sends
// honor the channel's natural backpressure: OpusSend blocks when Discord
// isn't draining.
type discordSink struct {
	vc *discordgo.VoiceConnection
}

func (d *discordSink) Speaking(b bool) error { return d.vc.Speaking(b) }

func (d *discordSink) SendOpus(ctx context.Context, frame []byte) error {
	select {
	case d.vc.OpusSend <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

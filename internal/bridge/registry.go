package bridge

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-agent-bridge/internal/config"
	"github.com/discord-agent-bridge/internal/logging"
)

// Registry owns every live bridge session, keyed by voice channel ID.
// Sessions are inserted on join and removed on leave; there are no ambient
// singletons, the registry is the only holder.
type Registry struct {
	dg  *discordgo.Session
	cfg *config.Config

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(dg *discordgo.Session, cfg *config.Config) *Registry {
	return &Registry{
		dg:       dg,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Join brings the bridge into a voice channel. Joining a channel that
// already has a session is an error surfaced to the caller.
func (r *Registry) Join(guildID, channelID, targetUserID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[channelID]; ok {
		return nil, fmt.Errorf("already joined channel %s", channelID)
	}
	s, err := Join(r.dg, r.cfg, guildID, channelID, targetUserID)
	if err != nil {
		return nil, err
	}
	r.sessions[channelID] = s
	return s, nil
}

// Leave removes and tears down the channel's session.
func (r *Registry) Leave(channelID string) error {
	r.mu.Lock()
	s, ok := r.sessions[channelID]
	delete(r.sessions, channelID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("not in channel %s", channelID)
	}
	return s.Leave()
}

// Retarget points the channel's capture pipeline at a new user.
func (r *Registry) Retarget(channelID, userID string) error {
	s, err := r.lookup(channelID)
	if err != nil {
		return err
	}
	return s.Retarget(userID)
}

// Say forwards a text prompt to the channel's agent.
func (r *Registry) Say(channelID, text string) error {
	s, err := r.lookup(channelID)
	if err != nil {
		return err
	}
	return s.Say(text)
}

// UpdateContext pushes contextual text to the channel's agent.
func (r *Registry) UpdateContext(channelID, text string) error {
	s, err := r.lookup(channelID)
	if err != nil {
		return err
	}
	return s.UpdateContext(text)
}

// Reconnect re-opens the channel's agent link after an idle close.
func (r *Registry) Reconnect(channelID string) error {
	s, err := r.lookup(channelID)
	if err != nil {
		return err
	}
	return s.ConnectLink()
}

func (r *Registry) lookup(channelID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channelID]
	if !ok {
		return nil, fmt.Errorf("not in channel %s", channelID)
	}
	return s, nil
}

// Get returns the channel's session, if present.
func (r *Registry) Get(channelID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channelID]
	return s, ok
}

// CloseAll leaves every channel; used on process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Leave(); err != nil {
			logging.Warnw("registry: leave failed during shutdown", "channel_id", s.channelID, "err", err)
		}
	}
}

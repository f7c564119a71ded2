// Package command exposes the bridge's control surface as an MCP server over
// websocket: join, leave, retarget, say, context and reconnect tools, so an
// operator or an agent-side process can steer sessions at runtime.
package command

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-agent-bridge/internal/bridge"
	"github.com/discord-agent-bridge/internal/logging"
)

// Controller is the session registry as the command surface sees it.
// Satisfied by *bridge.Registry.
type Controller interface {
	Join(guildID, channelID, targetUserID string) (*bridge.Session, error)
	Leave(channelID string) error
	Retarget(channelID, userID string) error
	Say(channelID, text string) error
	UpdateContext(channelID, text string) error
	Reconnect(channelID string) error
}

// Server serves the MCP command tools on an HTTP listener with a /mcp/ws
// upgrade endpoint plus a /health probe.
type Server struct {
	addr string
	mcp  *mcp.Server
	http *http.Server
}

type joinArgs struct {
	GuildID      string `json:"guild_id"`
	ChannelID    string `json:"channel_id"`
	TargetUserID string `json:"target_user_id,omitempty"`
}

type channelArgs struct {
	ChannelID string `json:"channel_id"`
}

type retargetArgs struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

type textArgs struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

func NewServer(addr string, ctrl Controller) *Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "discord-agent-bridge", Version: "v0.1.0"}, nil)

	mcp.AddTool(srv, &mcp.Tool{Name: "join", Description: "join a voice channel and bridge it to the agent"},
		func(ctx context.Context, req *mcp.CallToolRequest, args joinArgs) (*mcp.CallToolResult, any, error) {
			if args.GuildID == "" || args.ChannelID == "" {
				return nil, nil, errors.New("guild_id and channel_id required")
			}
			if _, err := ctrl.Join(args.GuildID, args.ChannelID, args.TargetUserID); err != nil {
				return nil, nil, err
			}
			return textResult(fmt.Sprintf("joined channel %s", args.ChannelID)), nil, nil
		})

	mcp.AddTool(srv, &mcp.Tool{Name: "leave", Description: "leave a voice channel and tear the bridge down"},
		func(ctx context.Context, req *mcp.CallToolRequest, args channelArgs) (*mcp.CallToolResult, any, error) {
			if err := ctrl.Leave(args.ChannelID); err != nil {
				return nil, nil, err
			}
			return textResult(fmt.Sprintf("left channel %s", args.ChannelID)), nil, nil
		})

	mcp.AddTool(srv, &mcp.Tool{Name: "retarget", Description: "switch audio capture to another user in the channel"},
		func(ctx context.Context, req *mcp.CallToolRequest, args retargetArgs) (*mcp.CallToolResult, any, error) {
			if err := ctrl.Retarget(args.ChannelID, args.UserID); err != nil {
				return nil, nil, err
			}
			return textResult(fmt.Sprintf("capturing user %s", args.UserID)), nil, nil
		})

	mcp.AddTool(srv, &mcp.Tool{Name: "say", Description: "send a text prompt to the channel's agent"},
		func(ctx context.Context, req *mcp.CallToolRequest, args textArgs) (*mcp.CallToolResult, any, error) {
			if err := ctrl.Say(args.ChannelID, args.Text); err != nil {
				return nil, nil, err
			}
			return textResult("sent"), nil, nil
		})

	mcp.AddTool(srv, &mcp.Tool{Name: "context", Description: "push contextual text to the channel's agent"},
		func(ctx context.Context, req *mcp.CallToolRequest, args textArgs) (*mcp.CallToolResult, any, error) {
			if err := ctrl.UpdateContext(args.ChannelID, args.Text); err != nil {
				return nil, nil, err
			}
			return textResult("updated"), nil, nil
		})

	mcp.AddTool(srv, &mcp.Tool{Name: "reconnect", Description: "re-open the channel's agent link after an idle close"},
		func(ctx context.Context, req *mcp.CallToolRequest, args channelArgs) (*mcp.CallToolResult, any, error) {
			if err := ctrl.Reconnect(args.ChannelID); err != nil {
				return nil, nil, err
			}
			return textResult("reconnecting"), nil, nil
		})

	return &Server{addr: addr, mcp: srv}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// Handler returns the HTTP mux so tests can serve it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux.HandleFunc("/mcp/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("command: ws upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		go func() {
			session, err := s.mcp.Connect(context.Background(), newWebSocketTransport(conn), nil)
			if err != nil {
				logging.Warnw("command: mcp connect failed", "err", err)
				_ = conn.Close()
				return
			}
			if err := session.Wait(); err != nil {
				logging.Debugw("command: session ended", "err", err)
			}
		}()
	})
	return mux
}

// Start binds the listener and serves in the background. An empty address
// disables the command surface entirely.
func (s *Server) Start() error {
	if s.addr == "" {
		logging.Infow("command: surface disabled, no listen address")
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("command listen on %s: %w", s.addr, err)
	}
	s.http = &http.Server{Handler: s.Handler()}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorw("command: http server failed", "err", err)
		}
	}()
	logging.Infow("command: listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown stops the listener; live MCP sessions are cut.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

package link

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/discord-agent-bridge/internal/logging"
)

// State is the supervisor's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosingIntentional
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosingIntentional:
		return "closing"
	default:
		return "unknown"
	}
}

// Events are the inbound dispatch callbacks. Audio receives decoded PCM with
// an optional sequence number (nil for streaming deltas); AudioEnd fires on
// the explicit end marker. Both are called from the supervisor's single read
// goroutine, so handlers never interleave.
type Events struct {
	Audio    func(pcm []byte, seq *int)
	AudioEnd func()
}

// Config tunes the supervisor.
type Config struct {
	URL            string
	AuthToken      string
	IdleClose      time.Duration // Ready→Disconnected after this much silence
	ReconnectDelay time.Duration // fixed delay between reconnect attempts
	ConnectTimeout time.Duration
	MaxReconnects  int // consecutive automatic retries before giving up; 0 means unlimited
}

// Supervisor owns the single persistent websocket to the speech agent for one
// bridge session. It implements the connect/idle-close/reconnect state
// machine; at most one live socket exists per supervisor, and Connect is a
// no-op while a connection is already in flight or established.
type Supervisor struct {
	cfg    Config
	events Events
	dialer *websocket.Dialer

	mu        sync.Mutex
	state     State
	desired   bool // owner still wants a live link
	closing   bool // explicit leave; suppresses all future connects
	conn      *websocket.Conn
	gen       int // connection generation, guards stale callbacks
	idleTimer *time.Timer
	reconnect *time.Timer
	attempts  int

	writeMu sync.Mutex

	droppedSends int64
}

// New builds a supervisor. Connect must be called to bring the link up.
func New(cfg Config, events Events) *Supervisor {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		events: events,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DroppedSends reports how many outbound audio messages were discarded
// because the socket was not ready.
func (s *Supervisor) DroppedSends() int64 { return atomic.LoadInt64(&s.droppedSends) }

// Connect brings the link up. It is a no-op while a connection attempt is in
// flight or a socket is already ready, and an error after an explicit Close.
// The dial itself runs in the background. An explicit Connect resets the
// automatic retry budget; the reconnect timer goes through the internal path
// that preserves it.
func (s *Supervisor) Connect() error { return s.connect(true) }

func (s *Supervisor) connect(resetBudget bool) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return errSupervisorClosed
	}
	if s.state == StateConnecting || s.state == StateReady {
		s.mu.Unlock()
		return nil
	}
	s.desired = true
	s.state = StateConnecting
	if resetBudget {
		s.attempts = 0
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	go s.dial(gen)
	return nil
}

// Close is the explicit leave path: it clears the desired-connected flag,
// cancels pending timers and tears down any live socket. Idempotent.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.desired = false
	s.state = StateClosingIntentional
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		s.closeConn(conn)
	}
	logging.Infow("link: closed intentionally")
}

// SendAudioChunk forwards one captured PCM chunk. A chunk sent while the
// socket is not ready is dropped, not queued; audio captured while
// disconnected is intentionally lost.
func (s *Supervisor) SendAudioChunk(pcm []byte) error {
	return s.sendWhenReady(clientMessage{
		Type:  typeInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendEndOfUtterance commits the appended audio and requests a response.
func (s *Supervisor) SendEndOfUtterance() error {
	if err := s.sendWhenReady(clientMessage{Type: typeInputAudioCommit}); err != nil {
		return err
	}
	return s.sendWhenReady(clientMessage{Type: typeResponseRequest})
}

// SendText forwards a text prompt so the agent answers without mic input.
func (s *Supervisor) SendText(text string) error {
	return s.sendWhenReady(clientMessage{Type: typeResponseRequest, Text: text})
}

// SendContext pushes a contextual update to the agent.
func (s *Supervisor) SendContext(text string) error {
	return s.sendWhenReady(clientMessage{Type: typeContextUpdate, Text: text})
}

func (s *Supervisor) sendWhenReady(msg clientMessage) error {
	s.mu.Lock()
	ready := s.state == StateReady
	conn := s.conn
	s.mu.Unlock()
	if !ready || conn == nil {
		atomic.AddInt64(&s.droppedSends, 1)
		logging.Debugw("link: dropping send, socket not ready", "type", msg.Type)
		return nil
	}
	return s.writeJSON(conn, msg)
}

func (s *Supervisor) writeJSON(conn *websocket.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (s *Supervisor) dial(gen int) {
	var hdr http.Header
	if s.cfg.AuthToken != "" {
		hdr = http.Header{"Authorization": {"Bearer " + s.cfg.AuthToken}}
	}
	conn, resp, err := s.dialer.Dial(s.cfg.URL, hdr)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		logging.Warnw("link: dial failed", "url", s.cfg.URL, "err", err)
		s.handleDisconnect(gen, err)
		return
	}

	s.mu.Lock()
	if gen != s.gen || !s.desired || s.closing {
		// Leave arrived while the dial was in flight.
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state = StateReady
	s.attempts = 0
	s.resetIdleLocked(gen)
	s.mu.Unlock()

	// Handshake declares the audio format for both directions.
	if err := s.writeJSON(conn, clientMessage{Type: typeSessionInit, Format: agentAudioFormat()}); err != nil {
		logging.Warnw("link: handshake send failed", "err", err)
		_ = conn.Close()
		s.handleDisconnect(gen, err)
		return
	}
	logging.Infow("link: ready", "url", s.cfg.URL)

	go s.readLoop(conn, gen)
}

func (s *Supervisor) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(gen, err)
			return
		}
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.resetIdleLocked(gen)
		s.mu.Unlock()
		s.dispatch(conn, data)
	}
}

// dispatch decodes and routes one inbound frame. Malformed or unrecognized
// messages are logged and dropped; the connection stays open.
func (s *Supervisor) dispatch(conn *websocket.Conn, data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Warnw("link: malformed message dropped", "err", err, "bytes", len(data))
		return
	}
	switch msg.Type {
	case typePing:
		if err := s.writeJSON(conn, clientMessage{Type: typePong, ID: msg.ID}); err != nil {
			logging.Debugw("link: pong send failed", "err", err)
		}
	case typeAudio, typeAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			logging.Warnw("link: undecodable audio payload dropped", "err", err)
			return
		}
		seq := msg.Seq
		if msg.Type == typeAudioDelta {
			// Deltas are unordered appends; a seq on a delta is ignored.
			seq = nil
		}
		if s.events.Audio != nil {
			s.events.Audio(pcm, seq)
		}
	case typeAudioEnd:
		if s.events.AudioEnd != nil {
			s.events.AudioEnd()
		}
	default:
		logging.Debugw("link: ignoring message", "type", msg.Type)
	}
}

// handleDisconnect runs on socket error or close. If the owner still desires
// a link, one reconnect attempt is scheduled after a fixed delay; the timer
// re-checks the desired flag before acting so a leave issued in the meantime
// wins.
func (s *Supervisor) handleDisconnect(gen int, cause error) {
	s.mu.Lock()
	if gen != s.gen || s.closing {
		s.mu.Unlock()
		return
	}
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	wasIntentional := !s.desired
	s.state = StateDisconnected
	conn := s.conn
	s.conn = nil
	s.stopTimersLocked()
	if s.desired {
		if s.cfg.MaxReconnects > 0 && s.attempts >= s.cfg.MaxReconnects {
			s.desired = false
			logging.Warnw("link: reconnect attempts exhausted", "attempts", s.attempts, "err", cause)
		} else {
			s.attempts++
			attempt := s.attempts
			s.reconnect = time.AfterFunc(s.cfg.ReconnectDelay, func() {
				s.mu.Lock()
				live := s.desired && !s.closing && s.state == StateDisconnected
				s.mu.Unlock()
				if !live {
					return
				}
				logging.Infow("link: reconnecting", "attempt", attempt)
				_ = s.connect(false)
			})
		}
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if !wasIntentional {
		logging.Warnw("link: disconnected", "err", cause)
	}
}

// idleExpire fires when the link saw no traffic for the idle-close window.
// This is an intentional teardown, not a failure: the desired flag is cleared
// so no reconnect fires, and the next Connect call brings the link back.
func (s *Supervisor) idleExpire(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.desired = false
	s.state = StateDisconnected
	conn := s.conn
	s.conn = nil
	s.stopTimersLocked()
	s.gen++
	s.mu.Unlock()

	logging.Infow("link: idle deadline elapsed, closing")
	if conn != nil {
		s.closeConn(conn)
	}
}

func (s *Supervisor) resetIdleLocked(gen int) {
	if s.cfg.IdleClose <= 0 {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.cfg.IdleClose, func() { s.idleExpire(gen) })
}

func (s *Supervisor) stopTimersLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *Supervisor) closeConn(conn *websocket.Conn) {
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
	s.writeMu.Unlock()
	_ = conn.Close()
}

type supervisorClosedError struct{}

func (supervisorClosedError) Error() string { return "link supervisor closed" }

var errSupervisorClosed = supervisorClosedError{}

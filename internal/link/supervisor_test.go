package link

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent is a websocket server standing in for the speech agent. It
// records every client frame and exposes the live connection so tests can
// inject server→client traffic.
type fakeAgent struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []clientMessage
	dials    int64
}

func newFakeAgent(t *testing.T) *fakeAgent {
	fa := &fakeAgent{t: t}
	fa.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fa.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt64(&fa.dials, 1)
		fa.mu.Lock()
		fa.conns = append(fa.conns, conn)
		fa.mu.Unlock()
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var msg clientMessage
				if err := json.Unmarshal(data, &msg); err != nil {
					continue
				}
				fa.mu.Lock()
				fa.received = append(fa.received, msg)
				fa.mu.Unlock()
			}
		}()
	}))
	t.Cleanup(fa.server.Close)
	return fa
}

func (fa *fakeAgent) url() string {
	return "ws" + strings.TrimPrefix(fa.server.URL, "http")
}

func (fa *fakeAgent) dialCount() int64 { return atomic.LoadInt64(&fa.dials) }

func (fa *fakeAgent) lastConn() *websocket.Conn {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.conns) == 0 {
		return nil
	}
	return fa.conns[len(fa.conns)-1]
}

func (fa *fakeAgent) send(v interface{}) {
	conn := fa.lastConn()
	require.NotNil(fa.t, conn, "no live agent connection")
	require.NoError(fa.t, conn.WriteJSON(v))
}

func (fa *fakeAgent) messages() []clientMessage {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	out := make([]clientMessage, len(fa.received))
	copy(out, fa.received)
	return out
}

func (fa *fakeAgent) messagesOfType(typ string) []clientMessage {
	var out []clientMessage
	for _, m := range fa.messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		2*time.Second, 10*time.Millisecond, "state never reached %s", want)
}

func TestConnectHandshakeAndPingPong(t *testing.T) {
	fa := newFakeAgent(t)
	s := New(Config{URL: fa.url(), ReconnectDelay: 50 * time.Millisecond}, Events{})
	defer s.Close()

	require.NoError(t, s.Connect())
	waitState(t, s, StateReady)

	require.Eventually(t, func() bool {
		return len(fa.messagesOfType(typeSessionInit)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	init := fa.messagesOfType(typeSessionInit)[0]
	require.NotNil(t, init.Format)
	assert.Equal(t, 16000, init.Format.SampleRateHz)
	assert.Equal(t, 1, init.Format.Channels)

	fa.send(serverMessage{Type: typePing, ID: "c-77"})
	require.Eventually(t, func() bool {
		pongs := fa.messagesOfType(typePong)
		return len(pongs) == 1 && pongs[0].ID == "c-77"
	}, 2*time.Second, 10*time.Millisecond, "pong must echo the ping correlation id")
}

func TestConnectIsNoopWhileLive(t *testing.T) {
	fa := newFakeAgent(t)
	s := New(Config{URL: fa.url(), ReconnectDelay: 50 * time.Millisecond}, Events{})
	defer s.Close()

	require.NoError(t, s.Connect())
	waitState(t, s, StateReady)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Connect())

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, fa.dialCount(), "Connect while Ready must not open a second socket")
}

func TestAudioDispatch(t *testing.T) {
	fa := newFakeAgent(t)

	type frag struct {
		pcm []byte
		seq *int
	}
	var mu sync.Mutex
	var frags []frag
	ends := 0

	s := New(Config{URL: fa.url(), ReconnectDelay: 50 * time.Millisecond}, Events{
		Audio: func(pcm []byte, seq *int) {
			mu.Lock()
			frags = append(frags, frag{pcm: pcm, seq: seq})
			mu.Unlock()
		},
		AudioEnd: func() {
			mu.Lock()
			ends++
			mu.Unlock()
		},
	})
	defer s.Close()

	require.NoError(t, s.Connect())
	waitState(t, s, StateReady)

	two := 2
	fa.send(serverMessage{Type: typeAudio, Audio: base64.StdEncoding.EncodeToString([]byte("seq2")), Seq: &two})
	fa.send(serverMessage{Type: typeAudioDelta, Audio: base64.StdEncoding.EncodeToString([]byte("delta"))})
	fa.send(map[string]any{"type": "transcript.partial", "text": "ignored"})
	fa.send(serverMessage{Type: typeAudioEnd})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frags) == 2 && ends == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("seq2"), frags[0].pcm)
	require.NotNil(t, frags[0].seq)
	assert.Equal(t, 2, *frags[0].seq)
	assert.Equal(t, []byte("delta"), frags[1].pcm)
	assert.Nil(t, frags[1].seq, "delta fragments carry no sequence number")
}

func TestSendIsNoopWhenNotReady(t *testing.T) {
	fa := newFakeAgent(t)
	s := New(Config{URL: fa.url(), ReconnectDelay: time.Hour}, Events{})
	defer s.Close()

	require.NoError(t, s.SendAudioChunk([]byte("dropped")))
	require.NoError(t, s.SendEndOfUtterance())
	assert.EqualValues(t, 3, s.DroppedSends())
	assert.EqualValues(t, 0, fa.dialCount())
}

func TestIdleClose(t *testing.T) {
	fa := newFakeAgent(t)
	s := New(Config{
		URL:            fa.url(),
		IdleClose:      150 * time.Millisecond,
		ReconnectDelay: 30 * time.Millisecond,
	}, Events{})
	defer s.Close()

	require.NoError(t, s.Connect())
	waitState(t, s, StateReady)

	// Scenario C: no traffic for the idle window closes the link on purpose.
	waitState(t, s, StateDisconnected)

	dropped := s.DroppedSends()
	require.NoError(t, s.SendAudioChunk([]byte("late")))
	assert.Equal(t, dropped+1, s.DroppedSends())

	// An idle close must not trigger the reconnect path.
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 1, fa.dialCount())

	// Explicit Connect brings the link back.
	require.NoError(t, s.Connect())
	waitState(t, s, StateReady)
	assert.EqualValues(t, 2, fa.dialCount())
}

func TestReconnectAfterDrop(t *testing.T) {
	fa := newFakeAgent(t)
	s := New(Config{URL: fa.url(), ReconnectDelay: 50 * time.Millisecond}, Events{})
	defer s.Close()

	require.NoError(t, s.Connect())
	waitState(t, s, StateReady)

	// Unintentional drop from the agent side.
	require.NoError(t, fa.lastConn().Close())

	require.Eventually(t, func() bool {
		return fa.dialCount() == 2 && s.State() == StateReady
	}, 2*time.Second, 10*time.Millisecond, "supervisor should redial after the fixed delay")
}

func TestReconnectCapStopsRetries(t *testing.T) {
	// First request upgrades normally; every later dial is refused, so the
	// supervisor burns through its retry budget.
	var hits int64
	var mu sync.Mutex
	var first *websocket.Conn
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		first = conn
		mu.Unlock()
	}))
	t.Cleanup(srv.Close)

	s := New(Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay: 20 * time.Millisecond,
		MaxReconnects:  2,
	}, Events{})
	defer s.Close()

	require.NoError(t, s.Connect())
	waitState(t, s, StateReady)

	mu.Lock()
	conn := first
	mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.Close())

	// One live dial plus two failed retries, then the supervisor gives up.
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&hits) == 3 && s.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt64(&hits), "retries must stop at the configured cap")

	// An explicit Connect resets the budget and dials again.
	require.NoError(t, s.Connect())
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&hits) >= 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLeaveSuppressesReconnect(t *testing.T) {
	fa := newFakeAgent(t)
	s := New(Config{URL: fa.url(), ReconnectDelay: 200 * time.Millisecond}, Events{})

	require.NoError(t, s.Connect())
	waitState(t, s, StateReady)

	// Scenario D: drop, then leave before the scheduled retry fires.
	require.NoError(t, fa.lastConn().Close())
	waitState(t, s, StateDisconnected)
	s.Close()

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, StateClosingIntentional, s.State())
	assert.EqualValues(t, 1, fa.dialCount(), "no reconnect may fire after an explicit leave")

	// Close is idempotent and Connect afterwards is rejected.
	s.Close()
	assert.Error(t, s.Connect())
}

func TestLeaveDuringConnecting(t *testing.T) {
	// A server that never completes the upgrade keeps the dial in flight.
	stall := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(stall.Close)

	s := New(Config{
		URL:            "ws" + strings.TrimPrefix(stall.URL, "http"),
		ReconnectDelay: 20 * time.Millisecond,
		ConnectTimeout: 5 * time.Second,
	}, Events{})

	require.NoError(t, s.Connect())
	assert.Equal(t, StateConnecting, s.State())

	s.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateClosingIntentional, s.State(), "leave during Connecting must stick")
}

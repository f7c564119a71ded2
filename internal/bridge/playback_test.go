package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discord-agent-bridge/internal/audio"
)

// recordingEncoder captures the sample count of every frame it is handed.
type recordingEncoder struct {
	mu     sync.Mutex
	frames []int
}

func (e *recordingEncoder) Encode(pcm []int16, data []byte) (int, error) {
	e.mu.Lock()
	e.frames = append(e.frames, len(pcm))
	e.mu.Unlock()
	data[0] = 0x01
	return 1, nil
}

func (e *recordingEncoder) frameLens() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.frames...)
}

// blockingSink holds every send until released, for backpressure tests.
type blockingSink struct {
	release chan struct{}
	sent    chan []byte
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		release: make(chan struct{}),
		sent:    make(chan []byte, 64),
	}
}

func (b *blockingSink) Speaking(bool) error { return nil }

func (b *blockingSink) SendOpus(ctx context.Context, frame []byte) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case b.sent <- frame:
	default:
	}
	return nil
}

func agentPCMMs(ms int) []byte {
	return make([]byte, audio.AgentSampleRate*2*ms/1000)
}

func TestPlaybackPadsFinalFrame(t *testing.T) {
	enc := &recordingEncoder{}
	sink := &fakeSink{}
	p := newPlaybackSession(enc, sink, 2)
	p.ensureStarted()
	defer p.close()

	// 30ms of agent audio is one and a half Discord frames; the tail must be
	// padded to a full frame, never dropped.
	require.NoError(t, p.write(agentPCMMs(30)))

	require.Eventually(t, func() bool {
		frames, _ := sink.stats()
		return frames == 2
	}, 2*time.Second, 10*time.Millisecond)

	frameLen := audio.DiscordFrameSamples * audio.DiscordChannels
	for _, n := range enc.frameLens() {
		assert.Equal(t, frameLen, n, "every encoded frame must be exactly 20ms")
	}
}

func TestPlaybackBackpressureBlocksWriter(t *testing.T) {
	sink := newBlockingSink()
	p := newPlaybackSession(&recordingEncoder{}, sink, 1)
	p.ensureStarted()
	defer p.close()

	// First write is picked up by the worker and stalls in the sink; second
	// fills the queue; third must block until the sink drains.
	require.NoError(t, p.write(agentPCMMs(20)))
	require.NoError(t, p.write(agentPCMMs(20)))

	blocked := make(chan error, 1)
	go func() { blocked <- p.write(agentPCMMs(20)) }()

	select {
	case err := <-blocked:
		t.Fatalf("write returned %v while the queue was saturated", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(sink.release)
	select {
	case err := <-blocked:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write never unblocked after the sink drained")
	}
}

func TestPlaybackCloseUnblocksWriter(t *testing.T) {
	sink := newBlockingSink()
	p := newPlaybackSession(&recordingEncoder{}, sink, 1)
	p.ensureStarted()

	require.NoError(t, p.write(agentPCMMs(20)))
	require.NoError(t, p.write(agentPCMMs(20)))

	blocked := make(chan error, 1)
	go func() { blocked <- p.write(agentPCMMs(20)) }()
	time.Sleep(50 * time.Millisecond)

	p.close()
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("write never unblocked on close")
	}

	// Writes after close fail immediately, and close stays idempotent.
	assert.Error(t, p.write(agentPCMMs(20)))
	p.close()
}

func TestPlaybackCloseWithoutStart(t *testing.T) {
	p := newPlaybackSession(&recordingEncoder{}, &fakeSink{}, 1)
	p.close()
	p.close()
	assert.Error(t, p.write(agentPCMMs(20)))
}

func TestPlaybackEmptyWriteIsNoop(t *testing.T) {
	enc := &recordingEncoder{}
	p := newPlaybackSession(enc, &fakeSink{}, 1)
	p.ensureStarted()
	defer p.close()

	require.NoError(t, p.write(nil))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, enc.frameLens())
}

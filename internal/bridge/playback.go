package bridge

import (
	"context"
	"sync"

	"github.com/discord-agent-bridge/internal/audio"
	"github.com/discord-agent-bridge/internal/logging"
)

// playbackSink is the voice channel's audio sink: a long-lived stream of
// encoded Opus frames plus the speaking toggle around each burst.
type playbackSink interface {
	Speaking(bool) error
	SendOpus(ctx context.Context, frame []byte) error
}

// playbackSession is the single-flight outbound pipeline: reassembled agent
// PCM (16kHz mono) → 48kHz stereo → Opus 20ms frames → sink. The transform
// stages and the sink subscription are built exactly once per bridge session;
// every utterance goes through Write into the same pipeline. Rebuilding
// stages per utterance causes an audible reset gap and is not allowed.
type playbackSession struct {
	enc   opusEncoder
	sink  playbackSink
	queue chan []byte

	startOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func newPlaybackSession(enc opusEncoder, sink playbackSink, queueSize int) *playbackSession {
	if queueSize <= 0 {
		queueSize = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &playbackSession{
		enc:    enc,
		sink:   sink,
		queue:  make(chan []byte, queueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ensureStarted spins up the encode worker. Idempotent.
func (p *playbackSession) ensureStarted() {
	p.startOnce.Do(func() {
		go p.run()
	})
}

// write enqueues one utterance for playback. It blocks while the queue is
// saturated so bursty agent output cannot grow memory without bound, and
// returns an error once the session is closed.
func (p *playbackSession) write(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	select {
	case p.queue <- pcm:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// close tears the pipeline down. Idempotent.
func (p *playbackSession) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.startOnce.Do(func() { close(p.done) }) // never started: nothing to drain
	})
	<-p.done
}

func (p *playbackSession) run() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case pcm := <-p.queue:
			p.playUtterance(pcm)
		}
	}
}

// playUtterance encodes one utterance into 20ms Opus frames and streams them
// to the sink, padding the final partial frame with silence.
func (p *playbackSession) playUtterance(pcm []byte) {
	if err := p.sink.Speaking(true); err != nil {
		logging.Warnw("playback: speaking(true) failed", "err", err)
	}
	defer func() {
		if err := p.sink.Speaking(false); err != nil {
			logging.Warnw("playback: speaking(false) failed", "err", err)
		}
	}()

	stereo := audio.UpsampleToDiscord(audio.BytesToInt16(pcm))
	frameLen := audio.DiscordFrameSamples * audio.DiscordChannels
	encBuf := make([]byte, 4000) // large enough for any 20ms Opus frame

	for off := 0; off < len(stereo); off += frameLen {
		end := off + frameLen
		frame := stereo[off:min(end, len(stereo))]
		if len(frame) < frameLen {
			padded := make([]int16, frameLen)
			copy(padded, frame)
			frame = padded
		}
		n, err := p.enc.Encode(frame, encBuf)
		if err != nil {
			logging.Errorw("playback: opus encode failed", "err", err)
			return
		}
		out := make([]byte, n)
		copy(out, encBuf[:n])
		if err := p.sink.SendOpus(p.ctx, out); err != nil {
			logging.Debugw("playback: sink send aborted", "err", err)
			return
		}
	}
}

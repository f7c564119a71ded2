package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/discord-agent-bridge/internal/audio"
	"github.com/discord-agent-bridge/internal/logging"
)

// chunkSender is the outbound half of the agent link as the capture pipeline
// sees it.
type chunkSender interface {
	SendAudioChunk(pcm []byte) error
	SendEndOfUtterance() error
}

// idleScanInterval is how often the capture pipeline re-checks the gate's
// hangover window while no packets arrive.
const idleScanInterval = 50 * time.Millisecond

// captureSession is the mic-ingest pipeline bound to one target user:
// Opus decode → downmix/resample to 16kHz mono → voice-activity gate →
// agent link. One instance lives per bridge session at a time; retargeting
// tears the old one down before a new one is built.
//
// Frames are stamped with wall-clock capture time, and a background ticker
// drives the gate's hangover check between packets. Discord clients with
// silence suppression send only a handful of silence frames after a speaker
// stops and then go quiet, so the end of an utterance usually arrives as an
// absence of packets, not as packets below threshold.
type captureSession struct {
	userID string
	dec    opusDecoder
	gate   *audio.Gate
	sender chunkSender
	onFail func(err error)

	mu            sync.Mutex
	closed        bool
	correlationID string
	done          chan struct{}

	decodeErrs int64
	chunksSent int64
}

func newCaptureSession(userID string, dec opusDecoder, gate *audio.Gate, sender chunkSender, onFail func(error)) *captureSession {
	c := &captureSession{
		userID:        userID,
		dec:           dec,
		gate:          gate,
		sender:        sender,
		onFail:        onFail,
		correlationID: uuid.NewString(),
		done:          make(chan struct{}),
	}
	go c.idleWatch()
	return c
}

// handleOpusFrame decodes one inbound Opus frame from the target user and
// pushes it through the gate. The caller (the session's single receive loop)
// guarantees frames arrive in capture order. Writes after Stop are dropped by
// the closed flag, never forwarded to a torn-down stage.
func (c *captureSession) handleOpusFrame(opusPayload []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	pcm := make([]int16, audio.DiscordFrameSamples*audio.DiscordChannels)
	n, err := c.dec.Decode(opusPayload, pcm)
	if err != nil {
		c.mu.Unlock()
		atomic.AddInt64(&c.decodeErrs, 1)
		logging.Errorw("capture: opus decode failed", "user_id", c.userID, "err", err)
		c.fail(err)
		return
	}
	mono := audio.DownmixToAgent(pcm[:n*audio.DiscordChannels])
	frame := audio.Int16ToBytes(mono)

	res := c.gate.Feed(frame, time.Now().UnixMilli())
	cid := c.rotateOnEndLocked(res)
	c.mu.Unlock()

	c.deliver(res, cid)
}

// idleWatch closes out utterances whose trailing silence never arrives as
// packets. It stops with the session.
func (c *captureSession) idleWatch() {
	ticker := time.NewTicker(idleScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			res := c.gate.FlushIfIdle(time.Now().UnixMilli())
			cid := c.rotateOnEndLocked(res)
			c.mu.Unlock()
			c.deliver(res, cid)
		}
	}
}

// rotateOnEndLocked returns the correlation id for the current utterance and
// issues a fresh one when this result ends it. Callers hold c.mu.
func (c *captureSession) rotateOnEndLocked(res audio.GateResult) string {
	cid := c.correlationID
	if res.EndOfUtterance {
		c.correlationID = uuid.NewString()
	}
	return cid
}

// deliver forwards gated chunks and the end-of-utterance marker to the agent
// link, outside the session lock.
func (c *captureSession) deliver(res audio.GateResult, cid string) {
	for _, chunk := range res.Chunks {
		if err := c.sender.SendAudioChunk(chunk); err != nil {
			logging.Warnw("capture: chunk send failed", "correlation_id", cid, "err", err)
			return
		}
		atomic.AddInt64(&c.chunksSent, 1)
	}
	if res.EndOfUtterance {
		logging.Infow("capture: utterance finished", "user_id", c.userID, "correlation_id", cid)
		if err := c.sender.SendEndOfUtterance(); err != nil {
			logging.Warnw("capture: end-of-utterance send failed", "correlation_id", cid, "err", err)
		}
	}
}

// fail tears the pipeline down and surfaces a recoverable error to the
// owning session, at most once.
func (c *captureSession) fail(err error) {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.mu.Unlock()
	if alreadyClosed {
		return
	}
	c.stop()
	if c.onFail != nil {
		c.onFail(err)
	}
}

// stop detaches the pipeline. Idempotent; safe after the upstream stream has
// already ended.
func (c *captureSession) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.gate.Reset()
	logging.Infow("capture: stopped", "user_id", c.userID,
		"chunks_sent", atomic.LoadInt64(&c.chunksSent),
		"decode_errors", atomic.LoadInt64(&c.decodeErrs))
}

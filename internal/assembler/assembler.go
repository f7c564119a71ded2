// Package assembler reassembles agent audio fragments into whole utterances.
//
// The agent link delivers synthesized speech either as sequence-numbered
// fragments that may arrive out of order (legacy "audio" events) or as
// unordered incremental deltas closed by an explicit end marker. Both styles
// funnel into one Assembler, which releases each utterance exactly once with
// its bytes in temporal order. Links that never send an end marker are
// covered by an idle-flush timer treating a configured inactivity gap as the
// utterance boundary.
package assembler

import (
	"sort"
	"sync"
	"time"

	"github.com/discord-agent-bridge/internal/logging"
)

// firstSeq is the sequence number expected from the first fragment of each
// sequenced utterance. The counter resets after every flush.
const firstSeq = 1

// Assembler holds at most one in-progress reassembly buffer. It is safe for
// concurrent use, though the link dispatch driving it is single-threaded.
type Assembler struct {
	mu      sync.Mutex
	emitMu  sync.Mutex // serializes onReady across timer and dispatch goroutines
	onReady func(pcm []byte)
	idleGap time.Duration

	buf     []byte         // released contiguous bytes, in order
	pending map[int][]byte // out-of-order sequenced fragments
	nextSeq int
	timer   *time.Timer
	closed  bool
}

// New creates an assembler. onReady fires exactly once per utterance with the
// reassembled PCM; it is invoked without the assembler lock held.
func New(idleGap time.Duration, onReady func(pcm []byte)) *Assembler {
	return &Assembler{
		onReady: onReady,
		idleGap: idleGap,
		pending: make(map[int][]byte),
		nextSeq: firstSeq,
	}
}

// SubmitSequenced accepts a sequence-numbered fragment. Fragments ahead of
// the next expected number are held; contiguous runs are released in order as
// the gap fills. Sequences are 1-based per utterance.
func (a *Assembler) SubmitSequenced(seq int, frag []byte) {
	if len(frag) == 0 {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if seq < a.nextSeq {
		// Duplicate or stale fragment; its position was already released and
		// must never be reordered into.
		logging.Debugw("assembler: dropping stale fragment", "seq", seq, "next", a.nextSeq)
		a.mu.Unlock()
		return
	}
	a.pending[seq] = append([]byte(nil), frag...)
	for {
		run, ok := a.pending[a.nextSeq]
		if !ok {
			break
		}
		delete(a.pending, a.nextSeq)
		a.buf = append(a.buf, run...)
		a.nextSeq++
	}
	a.resetTimerLocked()
	a.mu.Unlock()
}

// SubmitDelta appends a streaming delta fragment in arrival order.
func (a *Assembler) SubmitDelta(frag []byte) {
	if len(frag) == 0 {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.buf = append(a.buf, frag...)
	a.resetTimerLocked()
	a.mu.Unlock()
}

// End handles the link's explicit end-of-audio marker: the current buffer is
// released and the assembler resets for the next utterance.
func (a *Assembler) End() {
	a.flush("end marker")
}

// Close cancels the idle timer and discards any buffered fragments. Further
// submits are no-ops.
func (a *Assembler) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.buf = nil
	a.pending = make(map[int][]byte)
	a.mu.Unlock()
}

// flush releases everything buffered so far. Pending sequenced fragments past
// a hole are appended in ascending sequence order; an utterance boundary
// means nothing later can fill the hole. The emit lock is taken before the
// state lock so two racing flushes (idle timer vs. explicit end) extract and
// deliver in the same order; utterance N can never land after N+1.
func (a *Assembler) flush(reason string) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	out := a.buf
	if len(a.pending) > 0 {
		seqs := make([]int, 0, len(a.pending))
		for s := range a.pending {
			seqs = append(seqs, s)
		}
		sort.Ints(seqs)
		for _, s := range seqs {
			out = append(out, a.pending[s]...)
		}
		a.pending = make(map[int][]byte)
	}
	a.buf = nil
	a.nextSeq = firstSeq
	cb := a.onReady
	a.mu.Unlock()

	if len(out) == 0 {
		return
	}
	logging.Debugw("assembler: utterance released", "bytes", len(out), "reason", reason)
	if cb != nil {
		cb(out)
	}
}

// resetTimerLocked re-arms the idle-flush timer. Callers hold a.mu. The fired
// timer re-checks liveness: a flush scheduled before Close must not act after
// it.
func (a *Assembler) resetTimerLocked() {
	if a.idleGap <= 0 {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.idleGap, func() {
		a.flush("idle gap")
	})
}

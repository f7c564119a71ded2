package audio

// Gate is the voice-activity gate at the head of the capture pipeline. It
// consumes a live 16kHz mono PCM stream one frame at a time, decides
// speech/silence by RMS energy, slices speech into fixed-duration chunks and
// signals the end of each utterance after a hangover window of silence.
//
// The gate is a pure synchronous state machine; the caller drives it from a
// single goroutine and forwards the returned chunks.
type Gate struct {
	threshold  int
	hangoverMs int64
	chunkBytes int

	talking     bool
	buf         []byte // speech bytes eligible for emission
	held        []byte // sub-threshold bytes inside the hangover window
	lastVoiceMs int64
}

// GateResult is what one Feed call produced: zero or more full or tail
// chunks, and whether the utterance ended on this frame.
type GateResult struct {
	Chunks         [][]byte
	EndOfUtterance bool
}

// NewGate builds a gate for 16kHz mono s16le input. threshold is the RMS
// level at which a frame qualifies as speech (a frame exactly at the
// threshold qualifies), hangoverMs the grace period after the last
// qualifying frame, chunkMs the target emitted chunk duration.
func NewGate(threshold int, hangoverMs, chunkMs int) *Gate {
	return &Gate{
		threshold:  threshold,
		hangoverMs: int64(hangoverMs),
		chunkBytes: AgentSampleRate * 2 * chunkMs / 1000,
	}
}

// Feed processes one PCM frame stamped with its capture time in milliseconds.
// Frames below threshold while silent are dropped. Sub-threshold frames
// during a talking run are held: they rejoin the stream if speech resumes
// within the hangover window, and are discarded when the window expires so a
// trailing silence never pads the utterance.
func (g *Gate) Feed(frame []byte, tsMs int64) GateResult {
	var res GateResult
	qualifies := RMS(BytesToInt16(frame)) >= g.threshold

	if !g.talking {
		if !qualifies {
			return res
		}
		g.talking = true
		g.lastVoiceMs = tsMs
		g.buf = append(g.buf, frame...)
		res.Chunks = g.sliceFull()
		return res
	}

	switch {
	case qualifies:
		// Promote any held dip bytes first so no samples are lost.
		if len(g.held) > 0 {
			g.buf = append(g.buf, g.held...)
			g.held = nil
		}
		g.lastVoiceMs = tsMs
		g.buf = append(g.buf, frame...)
		res.Chunks = g.sliceFull()
	case tsMs-g.lastVoiceMs >= g.hangoverMs:
		// Hangover elapsed: flush the partial tail, signal end, reset.
		res.Chunks = g.sliceFull()
		if len(g.buf) > 0 {
			res.Chunks = append(res.Chunks, g.buf)
		}
		res.EndOfUtterance = true
		g.Reset()
	default:
		g.held = append(g.held, frame...)
	}
	return res
}

// FlushIfIdle ends the current utterance when the hangover window has
// elapsed with no qualifying frame. Voice-chat clients with silence
// suppression stop transmitting shortly after a speaker goes quiet, so the
// caller must drive this from a timer; Feed alone only observes time while
// packets keep arriving.
func (g *Gate) FlushIfIdle(nowMs int64) GateResult {
	var res GateResult
	if !g.talking || nowMs-g.lastVoiceMs < g.hangoverMs {
		return res
	}
	res.Chunks = g.sliceFull()
	if len(g.buf) > 0 {
		res.Chunks = append(res.Chunks, g.buf)
	}
	res.EndOfUtterance = true
	g.Reset()
	return res
}

// Reset drops all buffered state and returns the gate to Silent.
func (g *Gate) Reset() {
	g.talking = false
	g.buf = nil
	g.held = nil
	g.lastVoiceMs = 0
}

// Talking reports whether the gate is inside an utterance.
func (g *Gate) Talking() bool { return g.talking }

func (g *Gate) sliceFull() [][]byte {
	var out [][]byte
	for len(g.buf) >= g.chunkBytes {
		chunk := make([]byte, g.chunkBytes)
		copy(chunk, g.buf[:g.chunkBytes])
		g.buf = g.buf[g.chunkBytes:]
		out = append(out, chunk)
	}
	return out
}

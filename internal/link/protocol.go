package link

// Wire protocol for the speech-agent socket. All frames are JSON text
// messages with a "type" discriminator; unknown types must parse without
// failing so the protocol stays forward-compatible.

// AudioFormat declares the PCM format of the audio the client streams in the
// session.init handshake. The bridge always speaks pcm_s16le 16kHz mono on
// this link.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// clientMessage is the superset of all client→server frames. Fields not used
// by a given type are omitted from the encoding.
type clientMessage struct {
	Type   string       `json:"type"`
	Audio  string       `json:"audio,omitempty"` // base64 PCM
	Text   string       `json:"text,omitempty"`
	ID     string       `json:"id,omitempty"` // pong correlation id
	Format *AudioFormat `json:"format,omitempty"`
}

// Client message types.
const (
	typeSessionInit      = "session.init"
	typeInputAudioAppend = "input_audio.append"
	typeInputAudioCommit = "input_audio.commit"
	typeResponseRequest  = "response.request"
	typeContextUpdate    = "context.update"
	typePong             = "pong"
)

// serverMessage is the superset of all server→client frames the bridge
// understands. Seq is a pointer so a legacy "audio" event without a sequence
// number is distinguishable from sequence zero.
type serverMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Audio string `json:"audio,omitempty"` // base64 PCM
	Seq   *int   `json:"seq,omitempty"`
}

// Server message types.
const (
	typePing       = "ping"
	typeAudio      = "audio"
	typeAudioDelta = "audio.delta"
	typeAudioEnd   = "audio.end"
)

func agentAudioFormat() *AudioFormat {
	return &AudioFormat{Encoding: "pcm_s16le", SampleRateHz: 16000, Channels: 1}
}

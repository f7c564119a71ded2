package audio

import (
	"encoding/binary"
	"math"
)

// Fixed formats at the two ends of the bridge. Discord voice runs 48kHz
// stereo Opus in 20ms frames; the speech agent speaks 16kHz mono PCM s16le.
const (
	AgentSampleRate   = 16000
	DiscordSampleRate = 48000
	DiscordChannels   = 2
	FrameMs           = 20

	// Samples per channel in one 20ms Discord frame.
	DiscordFrameSamples = DiscordSampleRate * FrameMs / 1000
)

// BytesToInt16 reinterprets little-endian PCM bytes as signed 16-bit samples.
// A trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Int16ToBytes serializes samples as little-endian PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS computes the root-mean-square energy of the samples. Returns 0 for an
// empty slice.
func RMS(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}
	var sumSq int64
	for _, s := range samples {
		v := int64(s)
		sumSq += v * v
	}
	meanSq := sumSq / int64(len(samples))
	return int(math.Sqrt(float64(meanSq)))
}

// DownmixToAgent converts 48kHz stereo samples (interleaved L/R) to 16kHz
// mono: each output sample averages one stereo pair, taking every third pair.
// 48000/16000 is an integer ratio so no interpolation is needed here.
func DownmixToAgent(stereo48k []int16) []int16 {
	pairs := len(stereo48k) / 2
	n := pairs / 3
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		l := int32(stereo48k[i*6])
		r := int32(stereo48k[i*6+1])
		out[i] = int16((l + r) / 2)
	}
	return out
}

// UpsampleToDiscord converts 16kHz mono samples to 48kHz stereo by linear
// interpolation (two intermediate samples per input step), duplicating each
// result into both channels.
func UpsampleToDiscord(mono16k []int16) []int16 {
	n := len(mono16k)
	if n == 0 {
		return nil
	}
	out := make([]int16, 0, n*6)
	for i := 0; i < n; i++ {
		cur := int32(mono16k[i])
		next := cur
		if i+1 < n {
			next = int32(mono16k[i+1])
		}
		for step := int32(0); step < 3; step++ {
			v := int16(cur + (next-cur)*step/3)
			out = append(out, v, v)
		}
	}
	return out
}

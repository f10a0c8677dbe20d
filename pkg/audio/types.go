// Package audio provides the signal-processing building blocks of the voice
// bridge: G.711 μ-law transcoding, band-limited sample-rate conversion,
// RMS-based voice activity detection, acoustic echo cancellation, and a
// jitter buffer for paced playback.
//
// All PCM data is 16-bit little-endian mono unless stated otherwise. Frames
// are 20 ms at the stream's operating rate; the helpers in this package do
// not enforce the frame size but the pipeline feeds them uniformly.
package audio

import "time"

// FrameDuration is the wall-clock length of one audio frame on the wire.
const FrameDuration = 20 * time.Millisecond

// Frame is a single chunk of audio flowing through the pipeline.
type Frame struct {
	// Data is PCM16 little-endian mono unless the frame is still in its
	// wire codec (μ-law), in which case the pipeline expands it first.
	Data []byte

	// SampleRate in Hz (8000 for G.711, 16000 for PCM telephony legs,
	// 24000 for OpenAI provider audio).
	SampleRate int

	// Timestamp is the frame's position relative to stream start. Used for
	// echo-canceller reference alignment; ordering between the inbound and
	// outbound directions is never assumed.
	Timestamp time.Duration
}

// SamplesPerFrame returns the PCM16 sample count of a 20 ms frame at rate.
func SamplesPerFrame(rate int) int {
	return rate / 50
}

// Silence returns a zeroed PCM16 frame of one FrameDuration at rate.
func Silence(rate int) []byte {
	return make([]byte, SamplesPerFrame(rate)*2)
}

// pcmSample reads the i-th little-endian int16 sample from pcm.
func pcmSample(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// putPCMSample writes s as the i-th little-endian int16 sample of pcm.
func putPCMSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

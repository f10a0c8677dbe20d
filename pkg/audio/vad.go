package audio

import (
	"math"
	"time"
)

// peakScale maps the configured 0.0–1.0 VAD threshold onto the int16 RMS
// range. A threshold of 0.05 corresponds to roughly −26 dBFS, which sits
// comfortably above line noise on a PSTN leg.
const peakScale = 32768.0

// SpeechEvent is the outcome of feeding one frame to a SpeechDetector.
type SpeechEvent int

const (
	// SpeechNone means no boundary was crossed by this frame.
	SpeechNone SpeechEvent = iota

	// SpeechStart fires once when the onset hysteresis is satisfied.
	SpeechStart

	// SpeechEnd fires once after the configured silence duration elapses
	// following active speech.
	SpeechEnd
)

// SpeechDetector implements RMS-based voice activity detection with
// hysteresis on both edges: OnsetFrames consecutive frames above threshold
// declare speech, and SilenceDuration of continuous sub-threshold audio
// declares its end. Create one per direction; not safe for concurrent use.
type SpeechDetector struct {
	// Threshold is the configured VAD threshold in the 0.0–1.0 range.
	Threshold float64

	// OnsetFrames is the number of consecutive above-threshold frames
	// required before SpeechStart fires. Defaults to 3 (60 ms).
	OnsetFrames int

	// SilenceDuration is how long the signal must stay below threshold
	// before SpeechEnd fires.
	SilenceDuration time.Duration

	active      bool
	aboveStreak int
	silentFor   time.Duration
}

// Process classifies one PCM16 frame and returns the boundary event it
// produced, if any. frameDur is the wall-clock length of the frame.
func (d *SpeechDetector) Process(pcm []byte, frameDur time.Duration) SpeechEvent {
	onset := d.OnsetFrames
	if onset <= 0 {
		onset = 3
	}

	loud := RMS(pcm) >= d.Threshold*peakScale

	if !d.active {
		if !loud {
			d.aboveStreak = 0
			return SpeechNone
		}
		d.aboveStreak++
		if d.aboveStreak < onset {
			return SpeechNone
		}
		d.active = true
		d.silentFor = 0
		return SpeechStart
	}

	if loud {
		d.silentFor = 0
		return SpeechNone
	}
	d.silentFor += frameDur
	if d.silentFor < d.SilenceDuration {
		return SpeechNone
	}
	d.active = false
	d.aboveStreak = 0
	return SpeechEnd
}

// Active reports whether the detector currently considers speech in progress.
func (d *SpeechDetector) Active() bool { return d.active }

// Reset returns the detector to its idle state without emitting an event.
func (d *SpeechDetector) Reset() {
	d.active = false
	d.aboveStreak = 0
	d.silentFor = 0
}

// RMS computes the root-mean-square amplitude of a PCM16 little-endian
// buffer. Returns 0 for empty input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(pcmSample(pcm, i))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

package audio

import (
	"testing"
	"time"
)

// loudFrame returns a 20 ms 16 kHz frame well above a 0.05 threshold.
func loudFrame() []byte {
	return sine(16000, 500, 10000, SamplesPerFrame(16000))
}

func quietFrame() []byte {
	return Silence(16000)
}

func newDetector() *SpeechDetector {
	return &SpeechDetector{
		Threshold:       0.05,
		OnsetFrames:     3,
		SilenceDuration: 600 * time.Millisecond,
	}
}

func TestSpeechDetector_OnsetHysteresis(t *testing.T) {
	d := newDetector()

	// Two loud frames are not enough with OnsetFrames=3.
	for i := 0; i < 2; i++ {
		if ev := d.Process(loudFrame(), FrameDuration); ev != SpeechNone {
			t.Fatalf("frame %d: event = %v, want SpeechNone", i, ev)
		}
	}
	if ev := d.Process(loudFrame(), FrameDuration); ev != SpeechStart {
		t.Fatalf("third loud frame: event = %v, want SpeechStart", ev)
	}
	if !d.Active() {
		t.Error("detector should be active after SpeechStart")
	}

	// Further loud frames produce no duplicate start.
	if ev := d.Process(loudFrame(), FrameDuration); ev != SpeechNone {
		t.Errorf("event = %v, want SpeechNone while already active", ev)
	}
}

func TestSpeechDetector_BlipDoesNotTrigger(t *testing.T) {
	d := newDetector()

	// loud, loud, quiet resets the streak.
	d.Process(loudFrame(), FrameDuration)
	d.Process(loudFrame(), FrameDuration)
	d.Process(quietFrame(), FrameDuration)

	d.Process(loudFrame(), FrameDuration)
	if ev := d.Process(loudFrame(), FrameDuration); ev != SpeechNone {
		t.Errorf("event = %v, want SpeechNone (streak was reset)", ev)
	}
}

func TestSpeechDetector_EndAfterSilenceDuration(t *testing.T) {
	d := newDetector()
	for i := 0; i < 3; i++ {
		d.Process(loudFrame(), FrameDuration)
	}

	// 600 ms of silence = 30 frames. The 30th crosses the boundary.
	for i := 0; i < 29; i++ {
		if ev := d.Process(quietFrame(), FrameDuration); ev != SpeechNone {
			t.Fatalf("silent frame %d: event = %v, want SpeechNone", i, ev)
		}
	}
	if ev := d.Process(quietFrame(), FrameDuration); ev != SpeechEnd {
		t.Fatalf("event = %v, want SpeechEnd after full silence window", ev)
	}
	if d.Active() {
		t.Error("detector should be idle after SpeechEnd")
	}
}

func TestSpeechDetector_LoudFrameResetsSilence(t *testing.T) {
	d := newDetector()
	for i := 0; i < 3; i++ {
		d.Process(loudFrame(), FrameDuration)
	}

	for i := 0; i < 20; i++ {
		d.Process(quietFrame(), FrameDuration)
	}
	d.Process(loudFrame(), FrameDuration) // resets the silence clock

	for i := 0; i < 29; i++ {
		if ev := d.Process(quietFrame(), FrameDuration); ev != SpeechNone {
			t.Fatalf("event = %v after %d silent frames, want SpeechNone", ev, i+1)
		}
	}
	if ev := d.Process(quietFrame(), FrameDuration); ev != SpeechEnd {
		t.Errorf("event = %v, want SpeechEnd", ev)
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	if got := RMS(Silence(8000)); got != 0 {
		t.Errorf("RMS(silence) = %f, want 0", got)
	}
	// Full-scale square wave has RMS equal to its amplitude.
	pcm := make([]byte, 200)
	for i := 0; i < 100; i++ {
		v := int16(1000)
		if i%2 == 1 {
			v = -1000
		}
		putPCMSample(pcm, i, v)
	}
	if got := RMS(pcm); got < 999 || got > 1001 {
		t.Errorf("RMS(square 1000) = %f, want ≈1000", got)
	}
}

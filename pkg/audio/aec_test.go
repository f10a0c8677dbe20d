package audio

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestEchoCanceller_AttenuatesPureEcho(t *testing.T) {
	const rate = 8000
	e := NewEchoCanceller(rate)
	rng := rand.New(rand.NewSource(1))

	frameSamples := SamplesPerFrame(rate)
	var inRMS, outRMS float64

	// Far-end white noise; near-end is a 0.5× copy with no extra delay.
	// After the filter converges, the residual must be well below the echo.
	for frame := 0; frame < 150; frame++ {
		at := time.Duration(frame) * FrameDuration

		ref := make([]byte, frameSamples*2)
		mic := make([]byte, frameSamples*2)
		for i := range frameSamples {
			s := int16(rng.Intn(16000) - 8000)
			putPCMSample(ref, i, s)
			putPCMSample(mic, i, s/2)
		}

		e.AddReference(ref, at)
		clean := e.Process(mic, at)

		// Measure over the last second only, after convergence.
		if frame >= 100 {
			inRMS += RMS(mic)
			outRMS += RMS(clean)
		}
	}

	if outRMS > inRMS*0.25 {
		t.Errorf("echo not cancelled: residual RMS %.0f vs echo RMS %.0f", outRMS/50, inRMS/50)
	}
}

func TestEchoCanceller_PassesNearEndWithoutReference(t *testing.T) {
	const rate = 8000
	e := NewEchoCanceller(rate)

	mic := sine(rate, 400, 6000, SamplesPerFrame(rate))
	clean := e.Process(mic, 0)

	// No reference audio: the near-end signal must pass through unchanged.
	diff := math.Abs(RMS(mic) - RMS(clean))
	if diff > 1 {
		t.Errorf("near-end signal altered with empty reference: ΔRMS = %.2f", diff)
	}
}

func TestEchoCanceller_Reset(t *testing.T) {
	const rate = 8000
	e := NewEchoCanceller(rate)

	ref := sine(rate, 300, 8000, SamplesPerFrame(rate))
	e.AddReference(ref, 0)
	e.Process(ref, 0)
	e.Reset()

	if e.refEnd != 0 {
		t.Error("Reset did not clear the reference cursor")
	}
	for i, w := range e.weights {
		if w != 0 {
			t.Fatalf("Reset left weight[%d] = %f", i, w)
		}
	}
}

package audio

import "time"

// Acoustic echo cancellation for the inbound leg. The far-end reference is
// the audio most recently paced out to the caller; alignment between the two
// directions is by explicit timestamps, never by arrival order.

const (
	// aecTail is the adaptive filter length: echoes arriving more than this
	// long after playback are outside the model.
	aecTail = 128 * time.Millisecond

	// aecStep is the NLMS adaptation step size. Small enough to stay stable
	// on double-talk, large enough to converge within a couple of seconds.
	aecStep = 0.5

	aecEps = 1e-6
)

// EchoCanceller removes the far-end (playback) signal from the near-end
// (microphone) signal using a normalised LMS adaptive filter with a 128 ms
// tail. One instance serves one call leg; not safe for concurrent use — the
// pipeline serialises AddReference and Process on the inbound task.
type EchoCanceller struct {
	rate    int
	weights []float64

	// ref is a ring of far-end samples addressed by absolute sample index.
	ref       []float64
	refEnd    int64 // absolute index one past the newest reference sample
	refStride int64
}

// NewEchoCanceller creates an echo canceller for PCM16 mono at rate Hz.
func NewEchoCanceller(rate int) *EchoCanceller {
	tail := int(aecTail * time.Duration(rate) / time.Second)
	ringLen := int64(tail * 4)
	return &EchoCanceller{
		rate:      rate,
		weights:   make([]float64, tail),
		ref:       make([]float64, ringLen),
		refStride: ringLen,
	}
}

// AddReference records outbound PCM16 audio that began playing at the given
// playback timestamp. Overlapping or re-sent regions simply overwrite.
func (e *EchoCanceller) AddReference(pcm []byte, playbackAt time.Duration) {
	start := e.sampleIndex(playbackAt)
	n := len(pcm) / 2
	for i := range n {
		e.ref[(start+int64(i))%e.refStride] = float64(pcmSample(pcm, i))
	}
	if end := start + int64(n); end > e.refEnd {
		e.refEnd = end
	}
}

// Process subtracts the estimated echo from a near-end PCM16 frame captured
// at the given timestamp and returns the cleaned frame. The filter adapts on
// every sample.
func (e *EchoCanceller) Process(pcm []byte, capturedAt time.Duration) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*2)
	base := e.sampleIndex(capturedAt)
	tail := int64(len(e.weights))

	for i := range n {
		pos := base + int64(i)
		mic := float64(pcmSample(pcm, i))

		// Echo estimate over the reference tail ending at pos.
		var est, energy float64
		for k := int64(0); k < tail; k++ {
			rp := pos - k
			if rp < 0 || rp >= e.refEnd || rp < e.refEnd-e.refStride {
				continue
			}
			x := e.ref[rp%e.refStride]
			est += e.weights[k] * x
			energy += x * x
		}

		err := mic - est
		if energy > aecEps {
			g := aecStep * err / (aecEps + energy)
			for k := int64(0); k < tail; k++ {
				rp := pos - k
				if rp < 0 || rp >= e.refEnd || rp < e.refEnd-e.refStride {
					continue
				}
				e.weights[k] += g * e.ref[rp%e.refStride]
			}
		}

		putPCMSample(out, i, clampPCM(err))
	}
	return out
}

// Reset clears the filter state and reference history, keeping the rate.
func (e *EchoCanceller) Reset() {
	for i := range e.weights {
		e.weights[i] = 0
	}
	for i := range e.ref {
		e.ref[i] = 0
	}
	e.refEnd = 0
}

func (e *EchoCanceller) sampleIndex(at time.Duration) int64 {
	return int64(at) * int64(e.rate) / int64(time.Second)
}

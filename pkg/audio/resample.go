package audio

import "math"

// sincTaps is the number of zero crossings on each side of the windowed-sinc
// kernel. 16 keeps the passband flat enough for telephony speech while staying
// cheap at 20 ms frame sizes.
const sincTaps = 16

// Resample converts 16-bit little-endian mono PCM from srcRate to dstRate
// using a Hann-windowed sinc kernel. When downsampling, the kernel cutoff is
// lowered to the destination Nyquist to stay band-limited. If the rates match
// the input is returned unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}

	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	// Cutoff relative to the source rate. 1.0 when upsampling; dst/src when
	// downsampling so frequencies above the new Nyquist are attenuated.
	cutoff := 1.0
	if dstRate < srcRate {
		cutoff = float64(dstRate) / float64(srcRate)
	}
	// Widen the kernel proportionally when the cutoff drops.
	halfWidth := int(math.Ceil(float64(sincTaps) / cutoff))

	src := make([]float64, srcSamples)
	for i := range srcSamples {
		src[i] = float64(pcmSample(pcm, i))
	}

	out := make([]byte, dstSamples*2)
	step := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		center := float64(i) * step
		lo := int(math.Ceil(center)) - halfWidth
		hi := int(math.Floor(center)) + halfWidth

		// Normalise over the taps that fall inside the buffer so frame
		// edges keep unity gain instead of fading toward zero.
		var acc, norm float64
		for j := lo; j <= hi; j++ {
			if j < 0 || j >= srcSamples {
				continue
			}
			x := (center - float64(j)) * cutoff
			w := sincHann(x, float64(halfWidth)*cutoff)
			if w == 0 {
				continue
			}
			norm += w
			acc += src[j] * w
		}
		if norm != 0 {
			acc /= norm
		}
		putPCMSample(out, i, clampPCM(acc))
	}
	return out
}

// sincHann evaluates sinc(x) shaped by a Hann window of half-width extent.
// Returns 0 outside the window.
func sincHann(x, extent float64) float64 {
	ax := math.Abs(x)
	if ax >= extent {
		return 0
	}
	window := 0.5 + 0.5*math.Cos(math.Pi*ax/extent)
	if x == 0 {
		return window
	}
	px := math.Pi * x
	return window * math.Sin(px) / px
}

// clampPCM rounds v to the nearest int16, saturating at the rails.
func clampPCM(v float64) int16 {
	r := math.Round(v)
	if r > 32767 {
		return 32767
	}
	if r < -32768 {
		return -32768
	}
	return int16(r)
}

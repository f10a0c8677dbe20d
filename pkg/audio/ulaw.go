package audio

// ITU-T G.711 μ-law companding. The PSTN leg carries 8-bit μ-law at 8 kHz;
// all DSP (echo cancellation, VAD, resampling) runs on expanded linear PCM16.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// EncodeUlawSample compresses one linear PCM16 sample to a μ-law byte.
func EncodeUlawSample(pcm int16) byte {
	s := int32(pcm)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask > 0x40 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeUlawSample expands one μ-law byte to a linear PCM16 sample.
func DecodeUlawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	t := (int32(mantissa)<<3 + ulawBias) << exponent
	t -= ulawBias
	if sign != 0 {
		t = -t
	}
	return int16(t)
}

// EncodeUlaw compresses linear PCM16 little-endian to μ-law, halving the size.
// A trailing odd byte is ignored.
func EncodeUlaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		out[i] = EncodeUlawSample(pcmSample(pcm, i))
	}
	return out
}

// DecodeUlaw expands μ-law to linear PCM16 little-endian, doubling the size.
func DecodeUlaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		putPCMSample(out, i, DecodeUlawSample(u))
	}
	return out
}

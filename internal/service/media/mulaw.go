package media

// G.711 mu-law companding, as carried by telephony media streams.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// LinearToMulaw encodes one 16-bit PCM sample.
func LinearToMulaw(s int16) byte {
	sample := int(s)
	sign := 0
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// MulawToLinear decodes one mu-law byte to 16-bit PCM.
func MulawToLinear(u byte) int16 {
	u = ^u
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	sample := (((mantissa << 3) + mulawBias) << exponent) - mulawBias
	if u&0x80 != 0 {
		sample = -sample
	}
	return int16(sample)
}

// EncodeMulaw converts little-endian 16-bit PCM to mu-law. A trailing odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = LinearToMulaw(s)
	}
	return out
}

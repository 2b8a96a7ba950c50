package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawEncode compresses one linear PCM16 sample to G.711 mu-law.
func MulawEncode(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exp := 7
	for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := (s >> (exp + 3)) & 0x0F
	return ^byte(sign | exp<<4 | mant)
}

// MulawDecode expands one mu-law byte to linear PCM16.
func MulawDecode(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant)<<3 + mulawBias) << exp
	value -= mulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// EncodeMulaw compresses a PCM16 buffer.
func EncodeMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = MulawEncode(s)
	}
	return out
}

// DecodeMulaw expands a mu-law buffer to PCM16.
func DecodeMulaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = MulawDecode(b)
	}
	return out
}

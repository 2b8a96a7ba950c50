package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	wavFormatPCM   = 1
	wavFormatMulaw = 7
)

// WAV is a decoded RIFF/WAVE file. Samples are always linear PCM16,
// interleaved when Channels > 1.
type WAV struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV parses PCM16 and mu-law RIFF files.
func DecodeWAV(data []byte) (*WAV, error) {
	if !IsWAV(data) {
		return nil, errors.New("not a RIFF/WAVE file")
	}

	var (
		format, channels, bits int
		rate                   int
		payload                []byte
		haveFmt                bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		start := pos + 8
		end := start + size
		if end > len(data) || size < 0 {
			// Streaming writers leave the data size at 0 or 0xFFFFFFFF.
			end = len(data)
		}
		switch id {
		case "fmt ":
			if end-start < 16 {
				return nil, errors.New("short fmt chunk")
			}
			format = int(binary.LittleEndian.Uint16(data[start:]))
			channels = int(binary.LittleEndian.Uint16(data[start+2:]))
			rate = int(binary.LittleEndian.Uint32(data[start+4:]))
			bits = int(binary.LittleEndian.Uint16(data[start+14:]))
			haveFmt = true
		case "data":
			payload = data[start:end]
		}
		pos = end + size%2
		if payload != nil && haveFmt {
			break
		}
	}
	if !haveFmt || payload == nil {
		return nil, errors.New("missing fmt or data chunk")
	}
	if channels < 1 || rate < 1 {
		return nil, fmt.Errorf("invalid wav header: %d channels at %d Hz", channels, rate)
	}

	w := &WAV{SampleRate: rate, Channels: channels}
	switch {
	case format == wavFormatPCM && bits == 16:
		w.Samples = make([]int16, len(payload)/2)
		for i := range w.Samples {
			w.Samples[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
		}
	case format == wavFormatMulaw && bits == 8:
		w.Samples = DecodeMulaw(payload)
	default:
		return nil, fmt.Errorf("unsupported wav encoding: format %d, %d bits", format, bits)
	}
	return w, nil
}

// EncodeMulawWAV writes mono mu-law samples as a WAVE file with format
// tag 7, the layout Twilio <Play> accepts for telephony-native audio.
func EncodeMulawWAV(mulaw []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(58 + len(mulaw))

	le := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }

	buf.WriteString("RIFF")
	le(uint32(50 + len(mulaw) + len(mulaw)%2))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	le(uint32(18))
	le(uint16(wavFormatMulaw))
	le(uint16(1))
	le(uint32(sampleRate))
	le(uint32(sampleRate)) // byte rate: 1 byte per sample
	le(uint16(1))          // block align
	le(uint16(8))
	le(uint16(0)) // cbSize

	buf.WriteString("fact")
	le(uint32(4))
	le(uint32(len(mulaw)))

	buf.WriteString("data")
	le(uint32(len(mulaw)))
	buf.Write(mulaw)
	if len(mulaw)%2 == 1 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

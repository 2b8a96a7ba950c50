package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/hajimehoshi/go-mp3"
)

// ErrTranscodeFailed means audio could not be converted for telephony.
var ErrTranscodeFailed = errors.New("audio: transcode failed")

// TelephonyRate is the sample rate of the phone network.
const TelephonyRate = 8000

// Format names the encoding of a Clip.
type Format string

const (
	FormatMP3   Format = "mp3"
	FormatPCM16 Format = "pcm_s16le"
	FormatWAV   Format = "wav"
)

// Clip is synthesized audio as returned by a speech provider.
type Clip struct {
	Data   []byte
	Format Format
	// SampleRate and Channels describe raw PCM16; containers carry their own.
	SampleRate int
	Channels   int
}

// Transcoder converts clips to 8 kHz mono mu-law WAV.
type Transcoder struct{}

// NewTranscoder returns a Transcoder.
func NewTranscoder() *Transcoder { return &Transcoder{} }

// ToTelephony decodes clip, downmixes to mono, resamples to 8 kHz and
// encodes mu-law in a WAVE container.
func (t *Transcoder) ToTelephony(ctx context.Context, clip Clip) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
	}
	if len(clip.Data) == 0 {
		return nil, fmt.Errorf("%w: empty clip", ErrTranscodeFailed)
	}

	samples, rate, channels, err := decodeClip(clip)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTranscodeFailed, clip.Format, err)
	}
	mono := downmix(samples, channels)
	if len(mono) == 0 {
		return nil, fmt.Errorf("%w: no samples decoded", ErrTranscodeFailed)
	}
	out := resampleLinear(mono, rate, TelephonyRate)
	return EncodeMulawWAV(EncodeMulaw(out), TelephonyRate), nil
}

func decodeClip(clip Clip) ([]int16, int, int, error) {
	switch clip.Format {
	case FormatMP3:
		return decodeMP3(clip.Data)
	case FormatWAV:
		w, err := DecodeWAV(clip.Data)
		if err != nil {
			return nil, 0, 0, err
		}
		return w.Samples, w.SampleRate, w.Channels, nil
	case FormatPCM16:
		if clip.SampleRate <= 0 {
			return nil, 0, 0, errors.New("pcm clip without sample rate")
		}
		channels := clip.Channels
		if channels <= 0 {
			channels = 1
		}
		return bytesToPCM16(clip.Data), clip.SampleRate, channels, nil
	}
	return nil, 0, 0, fmt.Errorf("unsupported format %q", clip.Format)
}

// decodeMP3 yields interleaved stereo PCM16; go-mp3 always outputs two
// channels.
func decodeMP3(data []byte) ([]int16, int, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, err
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, 0, err
	}
	return bytesToPCM16(raw[:len(raw)-len(raw)%4]), dec.SampleRate(), 2, nil
}

func bytesToPCM16(raw []byte) []int16 {
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}

func downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

func resampleLinear(in []int16, inRate, outRate int) []int16 {
	if inRate == outRate || len(in) == 0 {
		return append([]int16(nil), in...)
	}
	ratio := float64(outRate) / float64(inRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	if outLen < 1 {
		outLen = 1
	}
	out := make([]int16, outLen)
	for i := range out {
		src := float64(i) / ratio
		i0 := int(src)
		if i0 >= len(in) {
			i0 = len(in) - 1
		}
		i1 := i0 + 1
		if i1 >= len(in) {
			i1 = len(in) - 1
		}
		frac := src - float64(i0)
		v := float64(in[i0])*(1-frac) + float64(in[i1])*frac
		out[i] = int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, v)))
	}
	return out
}

// Package audio implements the G.711 media path of the Adacab voice bridge:
// codec constants, the energy-based mic gate, the 20 ms RTP playout clock,
// the streamed-audio output controller, and the bridge that wires them to the
// realtime transport.
//
// All audio is G.711 passthrough — A-law or µ-law bytes are never transcoded,
// only framed, paced, and inspected for energy. One frame is always 160 bytes
// (20 ms at 8 kHz).
package audio

import (
	"fmt"
	"math"
	"time"

	"github.com/zaf/g711"
)

const (
	// FrameBytes is the payload size of one 20 ms G.711 frame at 8 kHz.
	FrameBytes = 160

	// FrameDuration is the wall-clock duration covered by one frame.
	FrameDuration = 20 * time.Millisecond

	// SampleRate is the fixed G.711 telephony sample rate.
	SampleRate = 8000
)

// Codec identifies one of the two G.711 companding laws.
type Codec int

const (
	// CodecAlaw is G.711 A-law (RTP payload type 8, silence byte 0xD5).
	CodecAlaw Codec = iota

	// CodecUlaw is G.711 µ-law (RTP payload type 0, silence byte 0xFF).
	CodecUlaw
)

// ParseCodec maps a configuration string ("alaw", "ulaw", including the
// realtime-API format names "g711_alaw"/"g711_ulaw") to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "alaw", "g711_alaw", "pcma":
		return CodecAlaw, nil
	case "ulaw", "g711_ulaw", "pcmu":
		return CodecUlaw, nil
	}
	return 0, fmt.Errorf("audio: unknown codec %q", s)
}

func (c Codec) String() string {
	if c == CodecUlaw {
		return "ulaw"
	}
	return "alaw"
}

// WireFormat returns the realtime-API audio format name for the codec.
func (c Codec) WireFormat() string {
	if c == CodecUlaw {
		return "g711_ulaw"
	}
	return "g711_alaw"
}

// SilenceByte returns the companded byte that encodes digital silence.
func (c Codec) SilenceByte() byte {
	if c == CodecUlaw {
		return 0xFF
	}
	return 0xD5
}

// PayloadType returns the static RTP payload type (RFC 3551).
func (c Codec) PayloadType() uint8 {
	if c == CodecUlaw {
		return 0
	}
	return 8
}

// SilenceFrame returns a freshly allocated 160-byte frame of silence.
func SilenceFrame(c Codec) []byte {
	frame := make([]byte, FrameBytes)
	sb := c.SilenceByte()
	for i := range frame {
		frame[i] = sb
	}
	return frame
}

// EnergyDeviation computes the mean absolute deviation of the companded bytes
// from the codec's silence byte. PSTN comfort noise keeps this metric stable,
// which makes fixed thresholds on it more reliable than RMS over decoded PCM.
func EnergyDeviation(frame []byte, silence byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum int
	for _, b := range frame {
		d := int(b) - int(silence)
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return float64(sum) / float64(len(frame))
}

// DecodePCM expands a companded frame to linear PCM16 samples. Used only by
// the audio monitor for diagnostics; the media path never touches PCM.
func DecodePCM(c Codec, frame []byte) []int16 {
	out := make([]int16, len(frame))
	for i, b := range frame {
		if c == CodecUlaw {
			out[i] = g711.DecodeUlawFrame(b)
		} else {
			out[i] = g711.DecodeAlawFrame(b)
		}
	}
	return out
}

// silenceFloorDBov is reported for empty or all-zero frames.
const silenceFloorDBov = -96.0

// LevelDBov reports a frame's RMS level in dB relative to digital full scale,
// computed over the decoded PCM. Diagnostics only: unlike EnergyDeviation it
// is comparable across codecs and against VAD thresholds quoted in dBov.
func LevelDBov(c Codec, frame []byte) float64 {
	pcm := DecodePCM(c, frame)
	if len(pcm) == 0 {
		return silenceFloorDBov
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s) / 32768.0
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(pcm)))
	if rms == 0 {
		return silenceFloorDBov
	}
	db := 20 * math.Log10(rms)
	if db < silenceFloorDBov {
		return silenceFloorDBov
	}
	return db
}

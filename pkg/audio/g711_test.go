package audio_test

import (
	"testing"

	"github.com/adacab/adacab/pkg/audio"
)

func TestCodecConstants(t *testing.T) {
	t.Parallel()

	if got := audio.CodecAlaw.SilenceByte(); got != 0xD5 {
		t.Errorf("alaw silence byte = %#x, want 0xd5", got)
	}
	if got := audio.CodecUlaw.SilenceByte(); got != 0xFF {
		t.Errorf("ulaw silence byte = %#x, want 0xff", got)
	}
	if got := audio.CodecAlaw.PayloadType(); got != 8 {
		t.Errorf("alaw payload type = %d, want 8", got)
	}
	if got := audio.CodecUlaw.PayloadType(); got != 0 {
		t.Errorf("ulaw payload type = %d, want 0", got)
	}
	if got := audio.CodecAlaw.WireFormat(); got != "g711_alaw" {
		t.Errorf("alaw wire format = %q", got)
	}
}

func TestParseCodec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    audio.Codec
		wantErr bool
	}{
		{in: "alaw", want: audio.CodecAlaw},
		{in: "g711_alaw", want: audio.CodecAlaw},
		{in: "pcma", want: audio.CodecAlaw},
		{in: "ulaw", want: audio.CodecUlaw},
		{in: "g711_ulaw", want: audio.CodecUlaw},
		{in: "pcmu", want: audio.CodecUlaw},
		{in: "opus", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := audio.ParseCodec(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseCodec(%q): expected error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCodec(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("ParseCodec(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestSilenceFrame(t *testing.T) {
	t.Parallel()

	frame := audio.SilenceFrame(audio.CodecUlaw)
	if len(frame) != audio.FrameBytes {
		t.Fatalf("silence frame length = %d, want %d", len(frame), audio.FrameBytes)
	}
	for i, b := range frame {
		if b != 0xFF {
			t.Fatalf("frame[%d] = %#x, want 0xff", i, b)
		}
	}
}

func TestDecodePCM(t *testing.T) {
	t.Parallel()

	// A-law 0xD5 and µ-law 0xFF both decode to (near-)zero amplitude.
	for _, codec := range []audio.Codec{audio.CodecAlaw, audio.CodecUlaw} {
		pcm := audio.DecodePCM(codec, audio.SilenceFrame(codec))
		if len(pcm) != audio.FrameBytes {
			t.Fatalf("%v: decoded %d samples, want %d", codec, len(pcm), audio.FrameBytes)
		}
		for i, s := range pcm {
			if s > 16 || s < -16 {
				t.Fatalf("%v: silence sample %d = %d, want near zero", codec, i, s)
			}
		}
	}
	if got := audio.DecodePCM(audio.CodecAlaw, nil); len(got) != 0 {
		t.Fatalf("empty frame decoded to %d samples", len(got))
	}
}

func TestLevelDBov(t *testing.T) {
	t.Parallel()

	if got := audio.LevelDBov(audio.CodecAlaw, audio.SilenceFrame(audio.CodecAlaw)); got > -60 {
		t.Errorf("silence level = %.1f dBov, want well below -60", got)
	}

	// A-law byte 0xAA decodes near full scale (top chord, top step).
	loud := make([]byte, audio.FrameBytes)
	for i := range loud {
		loud[i] = 0xAA
	}
	got := audio.LevelDBov(audio.CodecAlaw, loud)
	if got > 0 || got < -20 {
		t.Errorf("full-scale level = %.1f dBov, want in (-20, 0]", got)
	}

	if got := audio.LevelDBov(audio.CodecUlaw, nil); got != -96 {
		t.Errorf("empty frame level = %.1f, want the -96 floor", got)
	}
}

func TestEnergyDeviation(t *testing.T) {
	t.Parallel()

	silence := audio.SilenceFrame(audio.CodecAlaw)
	if got := audio.EnergyDeviation(silence, 0xD5); got != 0 {
		t.Errorf("silence energy = %v, want 0", got)
	}

	// Every byte off by 40 from the silence centre.
	loud := make([]byte, audio.FrameBytes)
	for i := range loud {
		loud[i] = 0xD5 + 40
	}
	if got := audio.EnergyDeviation(loud, 0xD5); got != 40 {
		t.Errorf("uniform deviation energy = %v, want 40", got)
	}

	if got := audio.EnergyDeviation(nil, 0xD5); got != 0 {
		t.Errorf("empty frame energy = %v, want 0", got)
	}
}

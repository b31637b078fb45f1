package audio

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
)

// AudioUploader carries caller audio to the realtime API. The realtime client
// satisfies this with an input_audio_buffer.append message.
type AudioUploader interface {
	AppendAudio(ctx context.Context, audioB64 string) error
}

// monitorLogInterval is how many inbound frames pass between monitor log lines.
const monitorLogInterval = 50

// Bridge wires the inbound RTP leg through the mic gate to the transport
// upload path, and routes assistant audio events into the output controller.
// It owns the gate, the playout clock, and the controller for one call.
type Bridge struct {
	codec    Codec
	gate     *MicGate
	clock    *PlayoutClock
	out      *OutputController
	uploader AudioUploader

	mu          sync.Mutex
	sentFrames  uint64
	gatedFrames uint64
	bargeIns    uint64
	energyAccum float64
	energyCount int
}

// NewBridge assembles the per-call audio path from pre-built parts. The gate,
// clock, and controller must already be wired to each other (the controller
// registers itself on the clock's drain callback). The clock is not started;
// callers start and stop it around the call lifecycle.
func NewBridge(codec Codec, gate *MicGate, clock *PlayoutClock, out *OutputController, uploader AudioUploader) *Bridge {
	return &Bridge{
		codec:    codec,
		gate:     gate,
		clock:    clock,
		out:      out,
		uploader: uploader,
	}
}

// Gate exposes the mic gate (instruction coordinator needs its state for the
// reprompt clear-vs-commit decision).
func (b *Bridge) Gate() *MicGate { return b.gate }

// Clock exposes the playout clock for lifecycle control.
func (b *Bridge) Clock() *PlayoutClock { return b.clock }

// Output exposes the output controller.
func (b *Bridge) Output() *OutputController { return b.out }

// HandleInboundFrame processes one caller RTP payload. Gated frames are
// buffered or dropped by the gate; forwarded frames are base64-encoded and
// appended to the model's input audio buffer. A barge-in decision flushes the
// assistant's playout before the triggering frame is forwarded.
func (b *Bridge) HandleInboundFrame(ctx context.Context, payload []byte) {
	decision := b.gate.ShouldForward(payload)

	b.observe(payload, decision)

	if decision.BargeIn {
		slog.Info("caller barge-in detected")
		b.out.HandleBargeIn(ctx)
	}
	if !decision.Forward {
		return
	}

	encoded := base64.StdEncoding.EncodeToString(payload)
	if err := b.uploader.AppendAudio(ctx, encoded); err != nil {
		// Transient transport failures drop the frame; the next one retries.
		slog.Debug("audio append failed", "err", err)
	}
}

// HandleAudioStarted routes the assistant's audio-started event.
func (b *Bridge) HandleAudioStarted() { b.out.HandleAudioStarted() }

// HandleAudioDelta routes one base64 audio delta.
func (b *Bridge) HandleAudioDelta(delta string) { b.out.HandleAudioDelta(delta) }

// HandleAudioDone routes the assistant's audio-done event.
func (b *Bridge) HandleAudioDone() { b.out.HandleAudioDone() }

// HandleSpeechStarted routes the server-VAD speech-started signal, treated as
// an external barge-in: the server heard the caller before the gate did.
func (b *Bridge) HandleSpeechStarted(ctx context.Context) { b.out.HandleBargeIn(ctx) }

// Stats is a snapshot of the audio monitor counters.
type Stats struct {
	SentFrames  uint64
	GatedFrames uint64
	BargeIns    uint64
	MeanEnergy  float64
}

// Stats returns the current monitor counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		SentFrames:  b.sentFrames,
		GatedFrames: b.gatedFrames,
		BargeIns:    b.bargeIns,
	}
	if b.energyCount > 0 {
		s.MeanEnergy = b.energyAccum / float64(b.energyCount)
	}
	return s
}

func (b *Bridge) observe(payload []byte, d GateDecision) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d.Forward {
		b.sentFrames++
	} else {
		b.gatedFrames++
	}
	if d.BargeIn {
		b.bargeIns++
	}
	b.energyAccum += EnergyDeviation(payload, b.codec.SilenceByte())
	b.energyCount++

	total := b.sentFrames + b.gatedFrames
	if total%monitorLogInterval == 0 {
		// The dBov level decodes PCM, so compute it only on the frame being
		// logged, never per packet.
		slog.Debug("audio monitor",
			"sent", b.sentFrames,
			"gated", b.gatedFrames,
			"barge_ins", b.bargeIns,
			"mean_energy", b.energyAccum/float64(b.energyCount),
			"level_dbov", LevelDBov(b.codec, payload),
		)
		b.energyAccum = 0
		b.energyCount = 0
	}
}

package audio

import (
	"sync"
	"time"
)

const (
	// doubleTalkGuard is the window after Arm during which caller frames are
	// discarded outright. Local echo of the assistant's first syllables arrives
	// inside this window and must not trigger barge-in.
	doubleTalkGuard = 180 * time.Millisecond

	// energyThreshold is the mean-absolute-deviation level above which a frame
	// counts as speech while gated.
	energyThreshold = 18.0

	// bargeInFrames is the number of consecutive high-energy frames required
	// before the gate reports barge-in (~60 ms smoothing).
	bargeInFrames = 3

	// gateBufferCap bounds the number of frames buffered while gated. Overflow
	// is silently dropped.
	gateBufferCap = 50
)

// GateDecision is the outcome of MicGate.ShouldForward for one inbound frame.
type GateDecision struct {
	// Forward reports whether the frame must be uploaded to the transport.
	Forward bool

	// BargeIn reports that the caller pre-empted the assistant. Always implies
	// Forward.
	BargeIn bool
}

// MicGate blocks caller audio from reaching the model while the assistant is
// speaking, except when the caller barges in. It is safe for concurrent use;
// ShouldForward is called from the RTP receive callback while Arm/Ungate are
// called from the event-dispatch side.
type MicGate struct {
	codec Codec
	now   func() time.Time

	mu         sync.Mutex
	gated      bool
	gatedAt    time.Time
	highFrames int
	buf        [][]byte
}

// GateOption is a functional option for configuring a MicGate.
type GateOption func(*MicGate)

// WithGateClock overrides the gate's time source. Primarily used in tests to
// step through the double-talk guard without sleeping.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *MicGate) { g.now = now }
}

// NewMicGate creates an ungated MicGate for the given codec.
func NewMicGate(codec Codec, opts ...GateOption) *MicGate {
	g := &MicGate{codec: codec, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Arm gates the mic. Idempotent: arming an already gated mic keeps the
// original gate timestamp so the double-talk window never restarts mid-turn.
func (g *MicGate) Arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gated {
		return
	}
	g.gated = true
	g.gatedAt = g.now()
	g.highFrames = 0
	g.buf = nil
}

// Ungate opens the mic. Buffered frames are discarded: they are assistant echo
// by construction, and forwarding them would re-trigger the model.
func (g *MicGate) Ungate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gated = false
	g.highFrames = 0
	g.buf = nil
}

// IsGated reports whether the mic is currently gated.
func (g *MicGate) IsGated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gated
}

// ShouldForward decides the fate of one inbound caller frame.
//
// Ungated frames always pass. Gated frames inside the double-talk guard are
// discarded without buffering. Past the guard, frames are buffered (up to
// gateBufferCap) and scored: bargeInFrames consecutive frames above
// energyThreshold flip the decision to (forward, barge-in).
func (g *MicGate) ShouldForward(frame []byte) GateDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.gated {
		return GateDecision{Forward: true}
	}

	if g.now().Sub(g.gatedAt) < doubleTalkGuard {
		return GateDecision{}
	}

	if len(g.buf) < gateBufferCap {
		cp := make([]byte, len(frame))
		copy(cp, frame)
		g.buf = append(g.buf, cp)
	}

	if EnergyDeviation(frame, g.codec.SilenceByte()) > energyThreshold {
		g.highFrames++
		if g.highFrames >= bargeInFrames {
			g.highFrames = 0
			return GateDecision{Forward: true, BargeIn: true}
		}
	} else {
		g.highFrames = 0
	}
	return GateDecision{}
}

// FlushBuffer returns and clears the gated-frame buffer. The normal ungate
// path never forwards this buffer; it exists for diagnostics.
func (g *MicGate) FlushBuffer() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	buf := g.buf
	g.buf = nil
	return buf
}

package audio

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ResponseCanceller aborts the model response currently being synthesised.
// The realtime transport satisfies this with a response.cancel message.
type ResponseCanceller interface {
	CancelResponse(ctx context.Context) error
}

const (
	// watchdogMin/watchdogMax clamp the forced-ungate watchdog armed on
	// HandleAudioDone. The timeout scales with queued depth so long utterances
	// are not cut short, but a stalled playout path can never hold the mic
	// gated forever.
	watchdogMin = 4 * time.Second
	watchdogMax = 15 * time.Second

	// watchdogSlack is added on top of the queued playout time.
	watchdogSlack = 2 * time.Second
)

// OutputOption is a functional option for configuring an OutputController.
type OutputOption func(*OutputController)

// WithWatchdogClamp overrides the watchdog timeout bounds. Primarily used in
// tests to keep suite execution fast.
func WithWatchdogClamp(min, max time.Duration) OutputOption {
	return func(c *OutputController) {
		c.wdMin = min
		c.wdMax = max
	}
}

// WithMicUngated registers the callback fired whenever the controller ungates
// the mic. forced is true only when the watchdog fired because drain never did.
func WithMicUngated(fn func(forced bool)) OutputOption {
	return func(c *OutputController) {
		c.onMicUngated = fn
	}
}

// OutputController turns streamed base64 audio deltas into paced playout
// frames and owns the speaking/listening handoff: it arms the mic gate when
// the assistant starts speaking and ungates it when playout drains (or when
// the caller barges in, or when the watchdog gives up waiting for drain).
type OutputController struct {
	gate      *MicGate
	clock     *PlayoutClock
	canceller ResponseCanceller

	aiSpeaking atomic.Bool

	wdMin, wdMax time.Duration
	onMicUngated func(forced bool)

	mu       sync.Mutex
	watchdog *time.Timer
}

// NewOutputController wires gate, clock, and canceller together. It registers
// itself as the clock's drained callback; do not overwrite it afterwards.
func NewOutputController(gate *MicGate, clock *PlayoutClock, canceller ResponseCanceller, opts ...OutputOption) *OutputController {
	c := &OutputController{
		gate:      gate,
		clock:     clock,
		canceller: canceller,
		wdMin:     watchdogMin,
		wdMax:     watchdogMax,
	}
	for _, o := range opts {
		o(c)
	}
	clock.SetOnDrained(c.handleDrained)
	return c
}

// Speaking reports whether the assistant is currently producing audio.
func (c *OutputController) Speaking() bool { return c.aiSpeaking.Load() }

// HandleAudioStarted marks the assistant as speaking, arms the mic gate, and
// cancels any pending drain or watchdog left over from the previous response.
func (c *OutputController) HandleAudioStarted() {
	c.aiSpeaking.Store(true)
	c.gate.Arm()
	c.clock.DisarmDrain()
	c.stopWatchdog()
}

// HandleAudioDelta decodes one base64 audio delta and buffers it for playout.
// Protocol variants that omit the started event are covered: the first delta
// of a response performs the same arming. Malformed base64 is dropped.
func (c *OutputController) HandleAudioDelta(b64 string) {
	if !c.aiSpeaking.Load() {
		c.HandleAudioStarted()
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(data) == 0 {
		return
	}
	c.clock.Buffer(data)
}

// HandleAudioDone marks the assistant as no longer speaking, flushes any
// partial frame, arms drain, and starts the forced-ungate watchdog.
func (c *OutputController) HandleAudioDone() {
	c.aiSpeaking.Store(false)
	c.clock.FlushPartial()
	c.clock.ArmDrain()

	timeout := time.Duration(c.clock.QueuedFrames())*FrameDuration + watchdogSlack
	if timeout < c.wdMin {
		timeout = c.wdMin
	}
	if timeout > c.wdMax {
		timeout = c.wdMax
	}

	c.mu.Lock()
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.watchdog = time.AfterFunc(timeout, c.watchdogFired)
	c.mu.Unlock()
}

// HandleBargeIn pre-empts the assistant: it clears the playout queue and the
// partial accumulator, sends response.cancel, and ungates the mic. It acts
// while the assistant is speaking or while its tail audio is still draining;
// otherwise it is a no-op.
func (c *OutputController) HandleBargeIn(ctx context.Context) {
	speaking := c.aiSpeaking.Swap(false)
	if !speaking && !c.gate.IsGated() {
		return
	}

	c.stopWatchdog()
	c.clock.Clear()
	if err := c.canceller.CancelResponse(ctx); err != nil {
		slog.Warn("response cancel failed", "err", err)
	}
	c.ungate(false)
}

// handleDrained runs on the clock's drain notification: the assistant's last
// frame left the wire, so the mic opens with zero handoff latency.
func (c *OutputController) handleDrained() {
	c.stopWatchdog()
	if c.gate.IsGated() {
		c.ungate(false)
	}
}

// watchdogFired covers the protocol edges where drain never fires: audio done
// with zero deltas, or a stalled playout path.
func (c *OutputController) watchdogFired() {
	slog.Warn("playout drain watchdog fired, forcing mic ungate",
		"queued_frames", c.clock.QueuedFrames())
	c.aiSpeaking.Store(false)
	c.clock.Clear()
	if c.gate.IsGated() {
		c.ungate(true)
	}
}

func (c *OutputController) ungate(forced bool) {
	c.gate.Ungate()
	if c.onMicUngated != nil {
		c.onMicUngated(forced)
	}
}

func (c *OutputController) stopWatchdog() {
	c.mu.Lock()
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.mu.Unlock()
}

package audio

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// FrameSender is the outbound half of the RTP I/O port. Implementations own
// SSRC, sequence numbering, and UDP transmission; the clock only supplies the
// RTP timestamp and one 160-byte payload per call.
type FrameSender interface {
	SendRaw(timestamp uint32, payload []byte, payloadType uint8) error
}

const (
	// playoutSoftCap bounds the playout queue (~10 s of audio). Beyond it the
	// oldest frames are dropped.
	playoutSoftCap = 500

	// spinWindow is how much of each tick's wait is busy-spun instead of
	// slept. Sleeping right up to the deadline overshoots on most kernels.
	spinWindow = 2 * time.Millisecond

	// lateSnapThreshold is how far behind the send clock may fall before it
	// snaps forward instead of bursting frames (GC or scheduler pause recovery).
	lateSnapThreshold = 3 * FrameDuration
)

// PlayoutClock paces G.711 frames onto the outbound RTP leg at a strict 20 ms
// cadence. It owns an internal FIFO of complete frames plus a partial-frame
// accumulator fed by Buffer, and emits silence whenever the FIFO underruns.
//
// The send loop runs on its own locked OS thread. Producer side (Buffer,
// FlushPartial, Clear) and consumer side (the loop) synchronise on one mutex
// that only guards the queue; the sender is called outside the lock.
type PlayoutClock struct {
	sender  FrameSender
	codec   Codec
	silence []byte

	mu         sync.Mutex
	queue      [][]byte
	partial    []byte
	drainArmed bool
	dropped    uint64

	onDrained    func()
	onQueueEmpty func()

	ts uint32

	now       func() time.Time
	waitUntil func(time.Time)

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// ClockOption is a functional option for configuring a PlayoutClock.
type ClockOption func(*PlayoutClock)

// WithTimeSource overrides the clock's time and wait functions. Primarily used
// in tests to drive ticks deterministically instead of sleeping real time.
func WithTimeSource(now func() time.Time, waitUntil func(time.Time)) ClockOption {
	return func(c *PlayoutClock) {
		c.now = now
		c.waitUntil = waitUntil
	}
}

// NewPlayoutClock creates a stopped clock sending through sender.
func NewPlayoutClock(sender FrameSender, codec Codec, opts ...ClockOption) *PlayoutClock {
	c := &PlayoutClock{
		sender:  sender,
		codec:   codec,
		silence: SilenceFrame(codec),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	c.waitUntil = c.hybridWait
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetOnDrained registers the callback fired exactly once per ArmDrain, on the
// first non-empty→empty queue transition while armed. Must be set before Start.
func (c *PlayoutClock) SetOnDrained(fn func()) {
	c.mu.Lock()
	c.onDrained = fn
	c.mu.Unlock()
}

// SetOnQueueEmpty registers the callback fired on every non-empty→empty queue
// transition. Must be set before Start.
func (c *PlayoutClock) SetOnQueueEmpty(fn func()) {
	c.mu.Lock()
	c.onQueueEmpty = fn
	c.mu.Unlock()
}

// Start launches the send loop. Subsequent calls are no-ops.
func (c *PlayoutClock) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Stop terminates the send loop and waits for it to exit. Idempotent.
func (c *PlayoutClock) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
}

// Buffer appends arbitrary-length G.711 bytes, slicing them into 160-byte
// frames. A trailing remainder stays in the partial accumulator until the next
// Buffer call completes it or FlushPartial pads it.
func (c *PlayoutClock) Buffer(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial = append(c.partial, b...)
	for len(c.partial) >= FrameBytes {
		frame := make([]byte, FrameBytes)
		copy(frame, c.partial[:FrameBytes])
		c.partial = c.partial[FrameBytes:]
		c.enqueueLocked(frame)
	}
}

// FlushPartial pads any partial-frame residue with silence and enqueues it.
func (c *PlayoutClock) FlushPartial() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.partial) == 0 {
		return
	}
	frame := make([]byte, FrameBytes)
	n := copy(frame, c.partial)
	sb := c.codec.SilenceByte()
	for i := n; i < FrameBytes; i++ {
		frame[i] = sb
	}
	c.partial = nil
	c.enqueueLocked(frame)
}

func (c *PlayoutClock) enqueueLocked(frame []byte) {
	if len(c.queue) >= playoutSoftCap {
		c.queue = c.queue[1:]
		c.dropped++
		if c.dropped%50 == 1 {
			slog.Warn("playout queue over soft cap, dropping oldest", "dropped", c.dropped)
		}
	}
	c.queue = append(c.queue, frame)
}

// Clear atomically empties the queue and the partial accumulator and disarms
// drain. A cleared queue never fires the drained callback.
func (c *PlayoutClock) Clear() {
	c.mu.Lock()
	c.queue = nil
	c.partial = nil
	c.drainArmed = false
	c.mu.Unlock()
}

// QueuedFrames reports the number of complete frames awaiting playout.
func (c *PlayoutClock) QueuedFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// ArmDrain requests a single drained notification on the next non-empty→empty
// transition. Arming with an already empty queue does not fire immediately;
// the output controller's watchdog covers that edge.
func (c *PlayoutClock) ArmDrain() {
	c.mu.Lock()
	c.drainArmed = true
	c.mu.Unlock()
}

// DisarmDrain cancels a pending drain notification.
func (c *PlayoutClock) DisarmDrain() {
	c.mu.Lock()
	c.drainArmed = false
	c.mu.Unlock()
}

func (c *PlayoutClock) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.doneCh)

	next := c.now()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		next = next.Add(FrameDuration)
		if c.now().Sub(next) > lateSnapThreshold {
			next = c.now()
		}
		c.waitUntil(next)
		c.tick()
	}
}

// hybridWait sleeps while more than spinWindow remains, then busy-spins. The
// spin keeps tick jitter well under a millisecond without holding the CPU for
// more than ~2 ms per frame.
func (c *PlayoutClock) hybridWait(deadline time.Time) {
	for {
		d := deadline.Sub(c.now())
		if d <= 0 {
			return
		}
		if d > spinWindow {
			time.Sleep(d - spinWindow)
		}
	}
}

// tick sends exactly one frame: the oldest queued frame, or silence on
// underrun. The RTP timestamp advances by 160 either way.
func (c *PlayoutClock) tick() {
	c.mu.Lock()
	frame := c.silence
	var drained, emptied bool
	if len(c.queue) > 0 {
		frame = c.queue[0]
		c.queue = c.queue[1:]
		if len(c.queue) == 0 {
			emptied = true
			if c.drainArmed {
				c.drainArmed = false
				drained = true
			}
		}
	}
	ts := c.ts
	c.ts += FrameBytes
	onDrained, onEmpty := c.onDrained, c.onQueueEmpty
	c.mu.Unlock()

	if err := c.sender.SendRaw(ts, frame, c.codec.PayloadType()); err != nil {
		// Send failures must never kill the clock; the next tick retries the
		// normal flow.
		slog.Debug("rtp send failed", "err", err)
	}

	if drained && onDrained != nil {
		onDrained()
	}
	if emptied && onEmpty != nil {
		onEmpty()
	}
}
